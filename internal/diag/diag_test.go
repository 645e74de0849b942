package diag

import (
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnosticErrorString(t *testing.T) {
	d := MalformedInput("fn1", "%v2 = load i32, i32* %p", "missing packet argument type")
	msg := d.Error()
	assert.Contains(t, msg, "fatal")
	assert.Contains(t, msg, "MALFORMED_INPUT")
	assert.Contains(t, msg, "fn1")
	assert.Contains(t, msg, "missing packet argument type")
}

func TestLoggerEmitFatalPanics(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("test", DEBUG, &buf)
	assert.Panics(t, func() {
		l.Emit(UnsupportedPattern("fn2", "", "mixed map/packet phi"))
	})
	assert.Contains(t, buf.String(), "UNSUPPORTED_PATTERN")
}

func TestLoggerEmitWarningRecorded(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("test", DEBUG, &buf)
	l.Emit(BestEffort("fn3", "call @unknown()", "unanalyzable alias"))
	require.Len(t, l.Warnings(), 1)
	assert.Equal(t, TagBestEffort, l.Warnings()[0].Tag)
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("test", WARN, &buf)
	l.Debug("should not appear")
	l.Warn("should appear")
	out := buf.String()
	assert.False(t, strings.Contains(out, "should not appear"))
	assert.True(t, strings.Contains(out, "should appear"))
}

func TestDumpWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	dw := NewDumpWriter(&buf)
	require.NoError(t, dw.WriteSection("converge.plan", []byte("merge-set: {1,2,3}")))
	require.NoError(t, dw.Close())

	r, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	defer r.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(r)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "merge-set: {1,2,3}")
}
