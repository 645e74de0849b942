// Package config is the pass' command-line/configuration surface: a
// flat options struct loadable from a YAML file or filled in directly
// by a CLI front-end, following the one-flat-struct-decoded-from-a-
// single-source pattern rather than a flag registry.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nanotube/pipeliner/internal/bus"
)

// Options are the recognized options the pipeline driver honors.
type Options struct {
	// ConvergeStats emits a summary of merge potential.
	ConvergeStats bool `yaml:"converge_stats"`
	// PipelineStats emits per-split live-state sizes.
	PipelineStats bool `yaml:"pipeline_stats"`
	// FlattenSpecReads allows speculative packet/map reads under false
	// predicates.
	FlattenSpecReads bool `yaml:"flatten_spec_reads"`
	// PrintAnalysisInfo emits diagnostic dumps of analysis results.
	PrintAnalysisInfo bool `yaml:"print_analysis_info"`
	// Bus selects the bus format; empty defaults to x3rx (bus.Lookup).
	Bus string `yaml:"bus"`

	// DumpThresholdBytes is the size above which print-analysis-info
	// dumps are gzip-compressed on disk rather than written plain.
	DumpThresholdBytes int `yaml:"dump_threshold_bytes"`
}

// Default returns the zero-value-safe option set.
func Default() Options {
	return Options{
		Bus:                string(bus.X3RX),
		DumpThresholdBytes: 64 * 1024,
	}
}

// Load reads and decodes a YAML options file, filling unset fields from
// Default.
func Load(path string) (Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return opts, nil
}

// Geometry resolves the selected bus format: an empty value selects
// x3rx, and an unrecognized value is an error.
func (o Options) Geometry() (bus.Geometry, error) {
	g, ok := bus.Lookup(o.Bus)
	if !ok {
		return bus.Geometry{}, fmt.Errorf("config: unrecognized bus format %q", o.Bus)
	}
	return g, nil
}
