package diag

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

// DumpWriter gzip-compresses the analysis dumps produced when
// `print-analysis-info` is set. Kept separate from Logger
// since dumps are large, one-shot blobs rather than line-oriented log
// output.
type DumpWriter struct {
	gz *gzip.Writer
}

// NewDumpWriter wraps w with a gzip encoder at the default compression
// level.
func NewDumpWriter(w io.Writer) *DumpWriter {
	return &DumpWriter{gz: gzip.NewWriter(w)}
}

// WriteSection writes a named dump section (e.g. "converge.plan",
// "liveness.sets") as a "=== name ===" header line, the body, and a
// trailing newline.
func (d *DumpWriter) WriteSection(name string, body []byte) error {
	if _, err := io.WriteString(d.gz, "=== "+name+" ===\n"); err != nil {
		return err
	}
	if _, err := d.gz.Write(body); err != nil {
		return err
	}
	_, err := io.WriteString(d.gz, "\n")
	return err
}

// Close flushes and closes the underlying gzip stream.
func (d *DumpWriter) Close() error { return d.gz.Close() }
