// Package diag is the pass' diagnostic and logging surface: a Fatal
// diagnostic terminates the pass, a Warning is recorded and
// compilation continues. Every diagnostic carries the offending
// function name, the instruction string, and a stable tag usable for
// test matching.
//
// Structured logging follows a component/field Logger design; there is
// no browser console bridge here since this pass never runs in a
// browser.
package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Tag is a stable identifier for a diagnostic, matched by tests.
type Tag string

const (
	TagMalformedInput    Tag = "MALFORMED_INPUT"
	TagUnsupportedPattern Tag = "UNSUPPORTED_PATTERN"
	TagConsistencyCheck  Tag = "CONSISTENCY_CHECK"
	TagBestEffort        Tag = "BEST_EFFORT_FALLBACK"
)

// Severity distinguishes Fatal (process-terminating) diagnostics from
// Warning (recorded, compilation continues) ones.
type Severity int

const (
	Warning Severity = iota
	Fatal
)

// Diagnostic is one emitted error-taxonomy entry.
type Diagnostic struct {
	Severity Severity
	Tag      Tag
	Function string
	Instr    string
	Message  string
}

func (d *Diagnostic) Error() string {
	var b strings.Builder
	if d.Severity == Fatal {
		b.WriteString("fatal")
	} else {
		b.WriteString("warning")
	}
	fmt.Fprintf(&b, " [%s] in %s", d.Tag, d.Function)
	if d.Instr != "" {
		fmt.Fprintf(&b, " at %q", d.Instr)
	}
	fmt.Fprintf(&b, ": %s", d.Message)
	return b.String()
}

// MalformedInput reports an IR precondition violation.
func MalformedInput(function, instr, message string) *Diagnostic {
	return &Diagnostic{Severity: Fatal, Tag: TagMalformedInput, Function: function, Instr: instr, Message: message}
}

// UnsupportedPattern reports a recognized-but-unlowerable pattern.
func UnsupportedPattern(function, instr, message string) *Diagnostic {
	return &Diagnostic{Severity: Fatal, Tag: TagUnsupportedPattern, Function: function, Instr: instr, Message: message}
}

// ConsistencyCheck reports an internal self-check disagreement; always
// a Warning, compilation continues.
func ConsistencyCheck(function, message string) *Diagnostic {
	return &Diagnostic{Severity: Warning, Tag: TagConsistencyCheck, Function: function, Message: message}
}

// BestEffort reports an unanalyzable alias query or missing size info
// that fell back to conservative clobbers-all behavior.
func BestEffort(function, instr, message string) *Diagnostic {
	return &Diagnostic{Severity: Warning, Tag: TagBestEffort, Function: function, Instr: instr, Message: message}
}

// Level is a Logger's minimum emitted severity for plain log lines
// (distinct from Diagnostic.Severity, which is always one of
// Warning/Fatal).
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// Field is a key-value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

func (f Field) format() string {
	switch v := f.Value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case error:
		return fmt.Sprintf("%q", v.Error())
	case time.Duration:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func String(key, value string) Field       { return Field{Key: key, Value: value} }
func Int(key string, value int) Field      { return Field{Key: key, Value: value} }
func Err(err error) Field                  { return Field{Key: "error", Value: err} }
func Any(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Logger is a structured, component-scoped logger used across the
// module driver, every pass, and the config loader.
type Logger struct {
	mu        sync.Mutex
	level     Level
	component string
	output    io.Writer

	warnings []*Diagnostic
}

// NewLogger creates a logger writing to w (os.Stdout when w is nil) at
// the given minimum level, scoped to component.
func NewLogger(component string, level Level, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{level: level, component: component, output: w}
}

// WithComponent returns a new Logger writing to the same sink at the
// same level, scoped to a different component name. Used by
// internal/driver to give each kernel function its own warnings slice
// (so a best-effort-fallback count can be attributed to the function
// that caused it) without losing the shared log output stream.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{level: l.level, component: component, output: l.output}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(INFO, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(WARN, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(time.Now().Format("15:04:05.000"))
	b.WriteString("] [")
	b.WriteString(fmt.Sprintf("%-5s", levelNames[level]))
	b.WriteString("]")
	if l.component != "" {
		b.WriteString(" [")
		b.WriteString(l.component)
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		b.WriteString(f.format())
	}
	b.WriteString("\n")
	l.output.Write([]byte(b.String()))
}

// Emit records d and logs it; Fatal diagnostics panic with d so the
// pass boundary's recover (see the driver's compileFunction) can turn
// them into an error scoped to that one function without letting the
// panic escape as a bare runtime error.
func (l *Logger) Emit(d *Diagnostic) {
	l.mu.Lock()
	if d.Severity == Warning {
		l.warnings = append(l.warnings, d)
	}
	l.mu.Unlock()

	switch d.Severity {
	case Fatal:
		l.Error(d.Error())
		panic(d)
	default:
		l.Warn(d.Error())
	}
}

// Warnings returns every warning-severity diagnostic recorded so far.
func (l *Logger) Warnings() []*Diagnostic {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Diagnostic, len(l.warnings))
	copy(out, l.warnings)
	return out
}
