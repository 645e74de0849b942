package driver

import (
	"bytes"
	"fmt"
	"io"

	"github.com/nanotube/pipeliner/internal/config"
	"github.com/nanotube/pipeliner/internal/diag"
)

// FormatAnalysisDump renders one function's report as the
// print-analysis-info text body: the metrics.Report
// figures always appear, a converge-stats section appears when
// opts.ConvergeStats is set, and a per-stage pipeline-stats section
// appears when opts.PipelineStats is set.
func FormatAnalysisDump(rep *FunctionReport, opts config.Options) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "function: %s\n", rep.Function)
	if rep.Err != nil {
		fmt.Fprintf(&b, "error: %s\n", rep.Err)
	}
	fmt.Fprintf(&b, "blocks: %d  max_dom_depth: %d  max_postdom_depth: %d\n",
		rep.Metrics.BlockCount, rep.Metrics.MaxDomDepth, rep.Metrics.MaxPostDomDepth)
	fmt.Fprintf(&b, "api_calls: %d  alias_queries: %d  estimated_cabs: %d\n",
		rep.Metrics.TotalAPICalls, rep.Metrics.AliasQueries, rep.Metrics.EstimatedCABs)

	if opts.ConvergeStats {
		fmt.Fprintf(&b, "converge: merge_sets=%d total_accesses=%d largest_merge=%d\n",
			rep.Converge.MergeSets, rep.Converge.TotalAccesses, rep.Converge.LargestMerge)
	}
	if opts.PipelineStats && rep.Pipeline != nil {
		for _, st := range rep.Pipeline.Stages {
			fmt.Fprintf(&b, "stage[%d]: split=%v live_out_vals=%d live_out_locs=%d\n",
				st.Index, st.SplitKind, len(st.LiveOutVals), len(st.LiveOutLocs))
		}
	}
	return b.Bytes()
}

// WriteAnalysisDump writes body to w plainly when it fits within
// thresholdBytes, and gzip-compressed via diag.DumpWriter otherwise.
func WriteAnalysisDump(w io.Writer, name string, body []byte, thresholdBytes int) error {
	if len(body) <= thresholdBytes {
		_, err := w.Write(body)
		return err
	}
	dw := diag.NewDumpWriter(w)
	if err := dw.WriteSection(name, body); err != nil {
		return err
	}
	return dw.Close()
}

// MaybeWriteAnalysisDump formats and writes rep's analysis dump to w
// when opts.PrintAnalysisInfo is set, honoring opts.DumpThresholdBytes
// for the plain-vs-gzip choice; it is a no-op returning wrote=false
// when print-analysis-info is off, the switch a CLI front-end checks
// before opening a dump file at all.
func MaybeWriteAnalysisDump(w io.Writer, rep *FunctionReport, opts config.Options) (wrote bool, err error) {
	if !opts.PrintAnalysisInfo {
		return false, nil
	}
	body := FormatAnalysisDump(rep, opts)
	if err := WriteAnalysisDump(w, rep.Function, body, opts.DumpThresholdBytes); err != nil {
		return false, err
	}
	return true, nil
}
