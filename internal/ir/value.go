package ir

import "fmt"

// ValueID is an opaque handle to a Value, stable across pass rewrites
// within one compilation. Handles, not pointers, are the keys into
// pass-local auxiliary graphs.
type ValueID uint32

// BlockID is an opaque handle to a BasicBlock.
type BlockID uint32

const (
	InvalidValueID ValueID = 0
	InvalidBlockID BlockID = 0
)

// Value is any SSA-form value with a type: instructions, arguments, and
// constants all satisfy it.
type Value interface {
	ID() ValueID
	Type() *Type
	Name() string
	SetName(string)
}

// ValueBase is embedded by every concrete Value implementation.
type ValueBase struct {
	id   ValueID
	typ  *Type
	name string
}

func (v *ValueBase) ID() ValueID     { return v.id }
func (v *ValueBase) Type() *Type     { return v.typ }
func (v *ValueBase) Name() string    { return v.name }
func (v *ValueBase) SetName(n string) { v.name = n }

func (v *ValueBase) String() string {
	if v.name != "" {
		return v.name
	}
	return fmt.Sprintf("%%v%d", v.id)
}

// Const is a compile-time constant value (integer, bool, or the dedicated
// Undef marker used by dummy accesses, §4.2.3).
type Const struct {
	ValueBase
	IsUndef bool
	Int     int64
}

// Argument is a Function's formal parameter (context pointer, packet
// pointer, and any application arguments).
type Argument struct {
	ValueBase
	Index int
}
