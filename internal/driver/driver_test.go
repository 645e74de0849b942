package driver

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanotube/pipeliner/internal/config"
	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
)

func newTestLogger() *diag.Logger {
	return diag.NewLogger("driver", diag.DEBUG, &bytes.Buffer{})
}

// buildHealthyKernel builds a (ctx, packet) kernel with a single
// packet_read/packet_write stage split, the way every other pass
// package's fixtures do.
func buildHealthyKernel(name string) *ir.Function {
	f := ir.NewFunction(name)
	f.IsKernel = true
	entry := f.NewBlock("entry")
	b := ir.NewBuilder(f)

	_ = f.AddArg("ctx", ir.Ptr)
	pkt := f.AddArg("packet", ir.Ptr)

	buf := b.Alloca(entry, ir.ArrayOf(ir.I8, 8), 8, "buf")
	b.Call(entry, napi.PacketRead, ir.I32, pkt, b.ConstInt(0, ir.I32), b.ConstInt(8, ir.I32), buf)
	b.Call(entry, napi.PacketWrite, ir.Void, pkt, b.ConstInt(0, ir.I32), b.ConstInt(8, ir.I32), buf)
	b.Return(entry, nil)
	f.RetType = ir.Void
	return f
}

// buildMalformedKernel builds a single block that branches to itself
// forever with no return or unreachable terminator anywhere in the
// function — Flatten-CFG has no reachable exit to relocate, which is
// one of its own Fatal-diagnostic conditions.
func buildMalformedKernel(name string) *ir.Function {
	f := ir.NewFunction(name)
	f.IsKernel = true
	entry := f.NewBlock("entry")
	b := ir.NewBuilder(f)
	_ = f.AddArg("ctx", ir.Ptr)
	_ = f.AddArg("packet", ir.Ptr)
	b.Br(entry, entry.ID())
	f.RetType = ir.Void
	return f
}

func TestCompileModuleIsolatesOneFunctionsFatalDiagnostic(t *testing.T) {
	mod := &ir.Module{Functions: []*ir.Function{
		buildHealthyKernel("healthy"),
		buildMalformedKernel("malformed"),
	}}

	report, err := CompileModule(mod, config.Default(), newTestLogger())
	require.NoError(t, err, "one function's Fatal diagnostic must not abort the whole batch")
	require.Len(t, report.Functions, 2)

	byName := map[string]*FunctionReport{}
	for _, f := range report.Functions {
		byName[f.Function] = f
	}

	require.Contains(t, byName, "healthy")
	assert.NoError(t, byName["healthy"].Err)
	require.NotNil(t, byName["healthy"].Pipeline)
	assert.NotEmpty(t, byName["healthy"].Pipeline.Stages)

	require.Contains(t, byName, "malformed")
	assert.Error(t, byName["malformed"].Err)
}

func TestFormatAndWriteAnalysisDump(t *testing.T) {
	mod := &ir.Module{Functions: []*ir.Function{buildHealthyKernel("healthy")}}
	report, err := CompileModule(mod, config.Default(), newTestLogger())
	require.NoError(t, err)
	require.Len(t, report.Functions, 1)

	opts := config.Default()
	opts.ConvergeStats = true
	opts.PipelineStats = true

	body := FormatAnalysisDump(report.Functions[0], opts)
	assert.Contains(t, string(body), "function: healthy")
	assert.Contains(t, string(body), "converge:")
	assert.Contains(t, string(body), "stage[")

	var plain bytes.Buffer
	require.NoError(t, WriteAnalysisDump(&plain, "healthy", body, 1<<20))
	assert.Equal(t, body, plain.Bytes())

	var gzipped bytes.Buffer
	require.NoError(t, WriteAnalysisDump(&gzipped, "healthy", body, 0))
	assert.NotEqual(t, body, gzipped.Bytes())
}

func TestMaybeWriteAnalysisDumpRespectsPrintAnalysisInfo(t *testing.T) {
	rep := &FunctionReport{Function: "healthy"}

	var off bytes.Buffer
	wrote, err := MaybeWriteAnalysisDump(&off, rep, config.Default())
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Zero(t, off.Len())

	opts := config.Default()
	opts.PrintAnalysisInfo = true
	var on bytes.Buffer
	wrote, err = MaybeWriteAnalysisDump(&on, rep, opts)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.NotZero(t, on.Len())
}
