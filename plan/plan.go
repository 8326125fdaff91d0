package plan

import (
	"fmt"

	"github.com/strangeloopcanon/BCache/pagestate"
)

// CopyOp is one coalesced transfer the executor should perform. Immutable
// once emitted into a Plan.
type CopyOp struct {
	Node    string
	TierSrc pagestate.Tier
	TierDst pagestate.Tier
	Cluster int64
	Layer   int
	RunID   int

	// Inclusive coalesced page range.
	StartPage int64
	EndPage   int64
	PageBytes int64
	Bytes     int64

	DeadlineMS   int64
	Fanout       int // number of requests merged into this op
	OverlapDepth int
	Priority     float64

	// Abort marks an op the overlap scheduler predicted to finish past
	// deadline * tardiness factor. The executor skips it and records it as
	// missed instead of running it.
	Abort bool

	// Requests holds the IDs of the member requests, in merge order.
	Requests []int64
}

func (op *CopyOp) String() string {
	return fmt.Sprintf("CopyOp(node=%s %s->%s cluster=%d layer=%d pages=[%d,%d] bytes=%d fanout=%d prio=%.3f depth=%d abort=%v)",
		op.Node, op.TierSrc, op.TierDst, op.Cluster, op.Layer, op.StartPage, op.EndPage,
		op.Bytes, op.Fanout, op.Priority, op.OverlapDepth, op.Abort)
}

// Plan is the ordered set of copy ops for one window: the sole artifact
// crossing the planner/executor boundary. Ordering is by descending priority,
// ascending deadline.
type Plan struct {
	ID     string // window run id
	Window int
	Ops    []*CopyOp

	// Evictions lists the victim pages removed to make room for the plan.
	Evictions []pagestate.PageKey

	// WriteThrough lists hot pages flagged for persistence to storage
	// (selective write-through admission).
	WriteThrough []pagestate.HeatKey
}

// TotalBytes sums bytes across non-aborted ops.
func (p *Plan) TotalBytes() int64 {
	var total int64
	for _, op := range p.Ops {
		if !op.Abort {
			total += op.Bytes
		}
	}
	return total
}

// OpsForNode returns the plan's ops destined for one node, preserving order.
func (p *Plan) OpsForNode(node string) []*CopyOp {
	out := make([]*CopyOp, 0)
	for _, op := range p.Ops {
		if op.Node == node {
			out = append(out, op)
		}
	}
	return out
}

// Nodes returns the distinct nodes targeted by the plan, in first-seen order.
func (p *Plan) Nodes() []string {
	seen := make(map[string]bool)
	nodes := make([]string, 0)
	for _, op := range p.Ops {
		if !seen[op.Node] {
			seen[op.Node] = true
			nodes = append(nodes, op.Node)
		}
	}
	return nodes
}
