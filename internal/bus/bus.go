// Package bus holds the per-format geometry and per-beat flag tables
// Pipeline needs to wire stage channels correctly: word
// size, header/metadata size, sideband size, sideband-signals size, and
// the bit offsets of SOP/EOP/metadata flags within the sideband.
package bus

// Format selects one of the three recognized bus layouts.
type Format string

const (
	SB  Format = "sb"
	SHB Format = "shb"
	X3RX Format = "x3rx"
)

// FlagField is one named, bit-addressed field within a sideband word.
type FlagField struct {
	Name   string
	BitLo  int // inclusive
	BitHi  int // inclusive; BitHi == BitLo for a single-bit flag
}

// Mask returns the bitmask covering [BitLo, BitHi] and the shift to
// align it to bit 0. The mask is a uint64, so bits of the field above
// bit 63 are not in it; a field starting at bit 64 or above gets a zero
// mask.
func (f FlagField) Mask() (mask uint64, shift uint) {
	width := uint(f.BitHi - f.BitLo + 1)
	if width >= 64 {
		return ^uint64(0), uint(f.BitLo)
	}
	return (uint64(1)<<width - 1) << uint(f.BitLo), uint(f.BitLo)
}

// Geometry is the per-format sizing and flag table.
type Geometry struct {
	Format Format

	// WordBytes is the bus word size: packet-channel element size and
	// the static packet-word buffer size Pipeline allocates per stage.
	WordBytes int
	// HeaderBytes is prefixed to each packet when serialized to the
	// outside world.
	HeaderBytes int
	// SidebandBytes is the TUSER-equivalent per-beat flag carrier.
	SidebandBytes int
	// SidebandSignalBytes is the TKEEP/TSTRB/TLAST-equivalent trailer.
	SidebandSignalBytes int

	Flags map[string]FlagField
}

// Field names shared across formats so Pipeline can query without a
// format-specific switch.
const (
	FlagDataSOP    = "data_sop"
	FlagDataEOP    = "data_eop"
	FlagDataEOPPtr = "data_eop_ptr"
	FlagMetaSOP    = "meta_sop"
	FlagMetaEOP    = "meta_eop"
	FlagULPMeta    = "ulp_metadata"
)

// Geometries is the static registry of recognized bus formats.
//
// sb and shb are given conservative single-bit SOP/EOP layouts typical
// of a streaming-bus sideband; x3rx matches its reference layout
// bit-for-bit: 4-byte data beats, 16-byte sideband, DATA_SOP at bit 0,
// DATA_EOP at bit 1, DATA_EOP_PTR spanning bits 2-9, META_SOP at bit
// 18, META_EOP at bit 19, ULP_METADATA spanning bits 102-109, followed
// by 3 bytes of TKEEP/TSTRB/TLAST-equivalent sideband signals.
var Geometries = map[Format]Geometry{
	SB: {
		Format:              SB,
		WordBytes:           8,
		HeaderBytes:         16,
		SidebandBytes:       1,
		SidebandSignalBytes: 1,
		Flags: map[string]FlagField{
			FlagDataSOP: {Name: FlagDataSOP, BitLo: 0, BitHi: 0},
			FlagDataEOP: {Name: FlagDataEOP, BitLo: 1, BitHi: 1},
		},
	},
	SHB: {
		Format:              SHB,
		WordBytes:           4,
		HeaderBytes:         8,
		SidebandBytes:       2,
		SidebandSignalBytes: 1,
		Flags: map[string]FlagField{
			FlagDataSOP: {Name: FlagDataSOP, BitLo: 0, BitHi: 0},
			FlagDataEOP: {Name: FlagDataEOP, BitLo: 1, BitHi: 1},
			FlagMetaSOP: {Name: FlagMetaSOP, BitLo: 8, BitHi: 8},
			FlagMetaEOP: {Name: FlagMetaEOP, BitLo: 9, BitHi: 9},
		},
	},
	X3RX: {
		Format:              X3RX,
		WordBytes:           4,
		HeaderBytes:         16,
		SidebandBytes:       16,
		SidebandSignalBytes: 3,
		Flags: map[string]FlagField{
			FlagDataSOP:    {Name: FlagDataSOP, BitLo: 0, BitHi: 0},
			FlagDataEOP:    {Name: FlagDataEOP, BitLo: 1, BitHi: 1},
			FlagDataEOPPtr: {Name: FlagDataEOPPtr, BitLo: 2, BitHi: 9},
			FlagMetaSOP:    {Name: FlagMetaSOP, BitLo: 18, BitHi: 18},
			FlagMetaEOP:    {Name: FlagMetaEOP, BitLo: 19, BitHi: 19},
			FlagULPMeta:    {Name: FlagULPMeta, BitLo: 102, BitHi: 109},
		},
	},
}

// Lookup resolves a bus-option string to its Geometry, defaulting to
// X3RX when name is empty.
func Lookup(name string) (Geometry, bool) {
	if name == "" {
		return Geometries[X3RX], true
	}
	g, ok := Geometries[Format(name)]
	return g, ok
}
