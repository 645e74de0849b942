// Package driver is the module-level orchestration layer: it runs the
// five-pass pipeline (Converge, Mem2Req, Liveness, Flatten, Pipeline)
// over every kernel function of an ir.Module, fanning independent
// functions out across goroutines and isolating one function's Fatal
// diagnostic from the rest of the batch.
package driver

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/nanotube/pipeliner/internal/bus"
	"github.com/nanotube/pipeliner/internal/config"
	"github.com/nanotube/pipeliner/internal/converge"
	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/flatten"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/liveness"
	"github.com/nanotube/pipeliner/internal/mem2req"
	"github.com/nanotube/pipeliner/internal/metrics"
	"github.com/nanotube/pipeliner/internal/pipeline"
)

// errBestEffortFallback marks a FunctionReport whose compile emitted at
// least one best-effort-fallback warning — not itself a failure, but
// fed to the circuit breaker as one so a run of degraded functions
// trips it.
var errBestEffortFallback = errors.New("driver: function fell back to best-effort analysis")

// breakerName identifies the single module-wide breaker in logs.
const breakerName = "compile-module"

// maxConsecutiveBestEffort is how many functions in a row may each
// report a best-effort fallback before the breaker opens and aborts
// the rest of the batch.
const maxConsecutiveBestEffort = 3

// FunctionReport is everything CompileModule produced for one kernel
// function. Err is non-nil when the function's own pass boundary
// raised a Fatal diagnostic — termination scoped to this function
// alone — in which case the remaining fields hold
// whatever partial results the passes that did run produced.
type FunctionReport struct {
	Function string
	Err      error
	Converge converge.Stats
	Mem2Req  mem2req.Result
	Liveness *liveness.Result
	Flatten  flatten.Result
	Pipeline *pipeline.Result
	Metrics  metrics.Report
}

// Report is CompileModule's aggregate result across every kernel
// function in the module.
type Report struct {
	Functions []*FunctionReport
}

// CompileModule runs the full pass pipeline over every kernel function
// in mod's IsKernel-tagged functions, bounding
// concurrency across independent functions with errgroup — each
// function's own Converge→Mem2Req→Liveness→Flatten→Pipeline sequence
// still runs strictly in order on that function alone.
//
// A Fatal diagnostic panicked by one function's pass boundary
// (diag.Logger.Emit) is recovered without aborting the other
// functions in flight: it is recorded on that function's own
// FunctionReport.Err, and every other kernel still compiles normally.
// Only a run of maxConsecutiveBestEffort functions each reporting a
// best-effort fallback (or outright failing) opens the circuit
// breaker, which aborts every function still queued and makes
// CompileModule return an error for the whole batch — the one case
// worth aborting the whole run over, rather than silently degrading
// every function one at a time.
func CompileModule(mod *ir.Module, opts config.Options, log *diag.Logger) (*Report, error) {
	geom, err := opts.Geometry()
	if err != nil {
		return nil, err
	}

	kernels := mod.Kernels()
	reports := make([]*FunctionReport, len(kernels))

	cb := gobreaker.NewCircuitBreaker[*FunctionReport](gobreaker.Settings{
		Name: breakerName,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxConsecutiveBestEffort
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				diag.String("breaker", name), diag.String("from", from.String()), diag.String("to", to.String()))
		},
	})

	var g errgroup.Group
	g.SetLimit(max(1, runtime.GOMAXPROCS(0)))
	for i, f := range kernels {
		i, f := i, f
		g.Go(func() error {
			rep, cErr := cb.Execute(func() (*FunctionReport, error) {
				return compileFunction(f, opts, geom, log)
			})
			if errors.Is(cErr, gobreaker.ErrOpenState) {
				return fmt.Errorf("driver: circuit breaker open, aborting %q after repeated failures", f.Name)
			}
			if rep == nil {
				rep = &FunctionReport{Function: f.Name}
			}
			if cErr != nil && !errors.Is(cErr, errBestEffortFallback) {
				rep.Err = cErr
			}
			reports[i] = rep
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Report{Functions: reports}, nil
}

// compileFunction runs one kernel function through every pass in
// sequence, isolating its diag.Logger so Warnings() reflects only this
// function's own best-effort fallbacks, and recovering a Fatal
// diagnostic panic into a plain error scoped to this function alone —
// termination never escapes past the function that raised it.
func compileFunction(f *ir.Function, opts config.Options, geom bus.Geometry, parent *diag.Logger) (rep *FunctionReport, err error) {
	flog := parent.WithComponent(f.Name)

	defer func() {
		if r := recover(); r != nil {
			d, ok := r.(*diag.Diagnostic)
			if !ok {
				panic(r)
			}
			err = fmt.Errorf("driver: %s: %w", f.Name, d)
		}
	}()

	rep = &FunctionReport{Function: f.Name}
	rep.Converge = converge.Run(f, flog)
	rep.Mem2Req = mem2req.Run(f, flog)

	aa := ir.NewAliasAnalysis(f)
	rep.Liveness = liveness.Compute(f, aa, flog)

	rep.Flatten = flatten.Run(f, opts.FlattenSpecReads, flog)
	rep.Pipeline = pipeline.Run(f, geom, flog)
	rep.Metrics = metrics.Compute(f, flog)

	for _, w := range flog.Warnings() {
		if w.Tag == diag.TagBestEffort {
			return rep, errBestEffortFallback
		}
	}
	return rep, nil
}
