package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/strangeloopcanon/BCache/pagestate"
)

var testGroup = groupKey{
	Node:    "n0",
	TierSrc: pagestate.TierStorage,
	TierDst: pagestate.TierHost,
	Layer:   0,
}

func member(id int64, cluster int64, start, end int64, score float64, deadline int64) *scoredRequest {
	return &scoredRequest{
		req: &Request{
			ID: id, Tenant: "A", Node: "n0", Layer: 0,
			PageStart: start, PageEnd: end, PageBytes: 1024,
			TierSrc: pagestate.TierStorage, TierDst: pagestate.TierHost,
			DeadlineMS: deadline, EstFillMS: 1,
		},
		score:   Score{Value: score},
		cluster: cluster,
	}
}

func testCoalescer() *Coalescer {
	return &Coalescer{MinIOBytes: 1024, MaxIOBytes: 1 << 20, PrefixFanout: true}
}

func TestCoalescer_ContiguousRangesMergeToOneOp(t *testing.T) {
	// Pages [0,3] and [4,7] are adjacent: exactly one op covering [0,7].
	c := testCoalescer()
	ops, deferred := c.Coalesce(testGroup, []*scoredRequest{
		member(1, 0, 0, 3, 0.5, 100),
		member(2, 0, 4, 7, 0.7, 80),
	})
	assert.Empty(t, deferred)
	if assert.Len(t, ops, 1) {
		op := ops[0]
		assert.Equal(t, int64(0), op.startPage)
		assert.Equal(t, int64(7), op.endPage)
		assert.Equal(t, int64(8*1024), op.bytes())
		assert.Equal(t, 2, len(op.members))
		assert.Equal(t, 0.7, op.priority)        // max member score
		assert.Equal(t, int64(80), op.deadline)  // earliest member deadline
	}
}

func TestCoalescer_NonContiguousRangesStaySeparate(t *testing.T) {
	// Pages [0,1] and [10,11] cannot merge: two ops.
	c := testCoalescer()
	ops, deferred := c.Coalesce(testGroup, []*scoredRequest{
		member(1, 0, 0, 1, 0.5, 100),
		member(2, 0, 10, 11, 0.5, 100),
	})
	assert.Empty(t, deferred)
	assert.Len(t, ops, 2)
}

func TestCoalescer_OverlappingRangesUnion(t *testing.T) {
	c := testCoalescer()
	ops, _ := c.Coalesce(testGroup, []*scoredRequest{
		member(1, 0, 0, 5, 0.5, 100),
		member(2, 0, 3, 9, 0.5, 100),
	})
	if assert.Len(t, ops, 1) {
		assert.Equal(t, int64(0), ops[0].startPage)
		assert.Equal(t, int64(9), ops[0].endPage)
	}
}

func TestCoalescer_MaxIOBytesBoundsMerge(t *testing.T) {
	c := testCoalescer()
	c.MaxIOBytes = 4 * 1024 // four pages
	ops, _ := c.Coalesce(testGroup, []*scoredRequest{
		member(1, 0, 0, 3, 0.5, 100),
		member(2, 0, 4, 7, 0.5, 100),
	})
	assert.Len(t, ops, 2)
}

func TestCoalescer_FanoutDisabledRestrictsToCluster(t *testing.T) {
	c := testCoalescer()
	c.PrefixFanout = false
	ops, _ := c.Coalesce(testGroup, []*scoredRequest{
		member(1, 0, 0, 3, 0.5, 100),
		member(2, 1, 4, 7, 0.5, 100), // adjacent but different cluster
	})
	assert.Len(t, ops, 2)

	c.PrefixFanout = true
	ops, _ = c.Coalesce(testGroup, []*scoredRequest{
		member(1, 0, 0, 3, 0.5, 100),
		member(2, 1, 4, 7, 0.5, 100),
	})
	assert.Len(t, ops, 1)
}

func TestCoalescer_SubMinRunsDeferMembers(t *testing.T) {
	c := testCoalescer()
	c.MinIOBytes = 8 * 1024
	ops, deferred := c.Coalesce(testGroup, []*scoredRequest{
		member(1, 0, 0, 1, 0.5, 100), // 2KB run, below min
		member(2, 0, 100, 115, 0.5, 100),
	})
	assert.Len(t, ops, 1)
	if assert.Len(t, deferred, 1) {
		assert.Equal(t, int64(1), deferred[0].ID)
	}
}

func TestCandidateOp_ShrinkToFitsAndSqueezes(t *testing.T) {
	c := testCoalescer()
	ops, _ := c.Coalesce(testGroup, []*scoredRequest{
		member(1, 0, 0, 3, 0.9, 100),
		member(2, 0, 4, 7, 0.5, 50),
	})
	op := ops[0]

	squeezed, ok := op.shrinkTo(4 * 1024)
	assert.True(t, ok)
	if assert.Len(t, squeezed, 1) {
		assert.Equal(t, int64(2), squeezed[0].ID)
	}
	assert.Equal(t, int64(3), op.endPage)
	assert.Equal(t, int64(4*1024), op.bytes())
	assert.Equal(t, int64(100), op.deadline) // recomputed from remaining members
	assert.Equal(t, 0.9, op.priority)

	// Not even one page fits.
	_, ok = op.shrinkTo(100)
	assert.False(t, ok)
}
