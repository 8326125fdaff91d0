package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/strangeloopcanon/BCache/pagestate"
)

func testOverlap() *OverlapScheduler {
	return &OverlapScheduler{
		Enabled:         true,
		MaxDepth:        3,
		TardinessFactor: 2.0,
		WindowMS:        20,
		layerLatency:    func(layer int) float64 { return 10 },
		tierBW:          func(t pagestate.Tier) int64 { return 1 << 20 },
	}
}

func overlapOp(bytes, deadline int64) *CopyOp {
	return &CopyOp{
		Node: "n0", TierSrc: pagestate.TierStorage, TierDst: pagestate.TierHost,
		Bytes: bytes, DeadlineMS: deadline,
	}
}

func TestOverlapScheduler_AbortsPastTardinessBound(t *testing.T) {
	// 250 bytes against 20 bytes/window at 20ms windows estimates a 250ms
	// copy. With deadline 100 and factor 2 the bound is 200ms: abort.
	o := testOverlap()
	o.tierBW = func(t pagestate.Tier) int64 { return 20 }

	op := overlapOp(250, 100)
	o.Apply([]*CopyOp{op})
	assert.True(t, op.Abort)

	// Same op with a generous deadline survives.
	op = overlapOp(250, 200)
	o.Apply([]*CopyOp{op})
	assert.False(t, op.Abort)
}

func TestOverlapScheduler_DepthEscalatesWithCopyTime(t *testing.T) {
	o := testOverlap()
	o.tierBW = func(t pagestate.Tier) int64 { return 100 } // 1 byte = 0.2ms

	fast := overlapOp(10, 1000) // 2ms <= 10ms latency
	mid := overlapOp(60, 1000)  // 12ms > latency
	slow := overlapOp(150, 1000)
	o.Apply([]*CopyOp{fast})
	o.Apply([]*CopyOp{mid})
	o.Apply([]*CopyOp{slow})

	assert.Equal(t, 1, fast.OverlapDepth)
	assert.Equal(t, 2, mid.OverlapDepth)
	assert.Equal(t, 3, slow.OverlapDepth) // 30ms > 2x latency
}

func TestOverlapScheduler_DepthCappedAtMax(t *testing.T) {
	o := testOverlap()
	o.MaxDepth = 2
	o.tierBW = func(t pagestate.Tier) int64 { return 1 }

	op := overlapOp(10, 1 << 40)
	o.Apply([]*CopyOp{op})
	assert.Equal(t, 2, op.OverlapDepth)
}

func TestOverlapScheduler_DisabledForcesSequential(t *testing.T) {
	o := testOverlap()
	o.Enabled = false
	o.tierBW = func(t pagestate.Tier) int64 { return 20 }

	ok := overlapOp(10, 1000)
	late := overlapOp(250, 100)
	o.Apply([]*CopyOp{ok, late})

	assert.Equal(t, 0, ok.OverlapDepth)
	assert.Equal(t, 0, late.OverlapDepth)
	// Abort protection stays active even with overlap off.
	assert.True(t, late.Abort)
	assert.False(t, ok.Abort)
}

func TestOverlapScheduler_AbortedBytesLeaveTheLane(t *testing.T) {
	o := testOverlap()
	o.tierBW = func(t pagestate.Tier) int64 { return 20 } // 1 byte = 1ms

	a := overlapOp(250, 100) // aborts alone
	b := overlapOp(50, 100)  // 50ms <= 200ms bound, unaffected by a
	o.Apply([]*CopyOp{a, b})

	assert.True(t, a.Abort)
	assert.False(t, b.Abort)

	// Executed ops do accumulate: two 80ms ops on one lane push the
	// second to 160ms, still inside its 200ms bound; a third at 240ms
	// crosses it.
	x := overlapOp(80, 100)
	y := overlapOp(80, 100)
	z := overlapOp(80, 100)
	o.Apply([]*CopyOp{x, y, z})
	assert.False(t, x.Abort)
	assert.False(t, y.Abort)
	assert.True(t, z.Abort)
}

func TestOverlapScheduler_LanesAreIndependent(t *testing.T) {
	o := testOverlap()
	o.tierBW = func(t pagestate.Tier) int64 { return 20 }

	a := overlapOp(150, 100)
	b := overlapOp(150, 100)
	b.Node = "n1"
	o.Apply([]*CopyOp{a, b})

	// Each lane sees only its own 150ms, inside the 200ms bound.
	assert.False(t, a.Abort)
	assert.False(t, b.Abort)
}
