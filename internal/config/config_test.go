package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultUsesX3RX(t *testing.T) {
	opts := Default()
	g, err := opts.Geometry()
	require.NoError(t, err)
	assert.Equal(t, 4, g.WordBytes)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opts.yaml")
	content := "converge_stats: true\nbus: shb\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	opts, err := Load(path)
	require.NoError(t, err)
	assert.True(t, opts.ConvergeStats)
	assert.Equal(t, "shb", opts.Bus)
	assert.False(t, opts.PipelineStats)
}

func TestGeometryRejectsUnknownBus(t *testing.T) {
	opts := Default()
	opts.Bus = "nonexistent"
	_, err := opts.Geometry()
	assert.Error(t, err)
}
