package napi

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nanotube/pipeliner/internal/ir"
)

func TestIsAPICallExcludesSetup(t *testing.T) {
	assert.True(t, IsAPICall(PacketRead))
	assert.True(t, IsAPICall(MapLookup))
	assert.False(t, IsAPICall(ChannelCreate))
	assert.False(t, IsAPICall("some_user_function"))
}

func TestSplitsStage(t *testing.T) {
	assert.True(t, SplitsStage(PacketRead))
	assert.True(t, SplitsStage(MapOpReceive))
	assert.False(t, SplitsStage(MapOpSend))
	assert.False(t, SplitsStage(PacketData))
}

func TestModRefBehaviorFallsBackForUnknownCallee(t *testing.T) {
	bits := ModRefBehavior("some_user_function")
	assert.NotZero(t, bits&ir.MRReads)
	assert.NotZero(t, bits&ir.MRWrites)
	assert.NotZero(t, bits&ir.MRAnywhere)
}

func TestModRefBehaviorKnownCallee(t *testing.T) {
	bits := ModRefBehavior(PacketRead)
	assert.NotZero(t, bits&ir.MRWrites)
	assert.NotZero(t, bits&ir.MROnlyArgs)
}

func TestIsIgnoredForEffects(t *testing.T) {
	assert.True(t, IsIgnoredForEffects(LLVMLifetimeStart))
	assert.False(t, IsIgnoredForEffects(PacketRead))
}
