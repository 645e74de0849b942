package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupDefaultsToX3RX(t *testing.T) {
	g, ok := Lookup("")
	require.True(t, ok)
	assert.Equal(t, X3RX, g.Format)
}

func TestLookupUnknownFormat(t *testing.T) {
	_, ok := Lookup("nonexistent")
	assert.False(t, ok)
}

func TestX3RXFlagLayout(t *testing.T) {
	g, ok := Lookup("x3rx")
	require.True(t, ok)
	assert.Equal(t, 4, g.WordBytes)
	assert.Equal(t, 16, g.SidebandBytes)
	assert.Equal(t, 3, g.SidebandSignalBytes)

	sop := g.Flags[FlagDataSOP]
	mask, shift := sop.Mask()
	assert.Equal(t, uint64(1), mask)
	assert.Equal(t, uint(0), shift)

	eopPtr := g.Flags[FlagDataEOPPtr]
	mask, shift = eopPtr.Mask()
	assert.Equal(t, uint(2), shift)
	assert.Equal(t, uint64(0xFF), mask>>shift)

	ulp := g.Flags[FlagULPMeta]
	assert.Equal(t, 102, ulp.BitLo)
	assert.Equal(t, 109, ulp.BitHi)
}
