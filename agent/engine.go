package agent

import (
	"github.com/strangeloopcanon/BCache/pagestate"
	"github.com/strangeloopcanon/BCache/plan"
)

// CopyHandle tracks one submitted copy until completion.
type CopyHandle int

// Completion is the acknowledgement for one finished copy.
type Completion struct {
	Op       *plan.CopyOp
	StartMS  float64
	FinishMS float64
	Bytes    int64
}

// CopyEngine is the transfer substrate capability: submit an asynchronous
// copy, then wait on its handle. The planner core never moves bytes itself;
// a production deployment swaps in a real device runtime behind this
// interface, the simulator uses the bandwidth-model engine below. Selection
// is by dependency injection, never conditional compilation.
type CopyEngine interface {
	// Submit schedules op to begin no earlier than startMS on a stream with
	// the given per-stream bandwidth share (bytes per ms).
	Submit(op *plan.CopyOp, startMS, streamBandwidth float64) CopyHandle
	// Wait blocks until the handle's copy completes and returns its record.
	Wait(h CopyHandle) Completion
}

// SimEngine models the transfer substrate with a declared bandwidth/latency
// model: duration = bytes / effective bandwidth + base latency. Overlap
// depth lets an op draw on up to depth stream shares, so deep-overlap ops
// finish faster while shallow ones see proportionally less of the node's
// bandwidth.
type SimEngine struct {
	BaseLatencyMS  float64
	StreamsPerNode int

	pending []Completion
}

// NewSimEngine builds the simulated engine.
func NewSimEngine(baseLatencyMS float64, streamsPerNode int) *SimEngine {
	return &SimEngine{BaseLatencyMS: baseLatencyMS, StreamsPerNode: streamsPerNode}
}

func (e *SimEngine) Submit(op *plan.CopyOp, startMS, streamBandwidth float64) CopyHandle {
	if streamBandwidth <= 0 {
		streamBandwidth = 1
	}
	shares := op.OverlapDepth
	if shares < 1 {
		shares = 1
	}
	if shares > e.StreamsPerNode {
		shares = e.StreamsPerNode
	}
	durMS := float64(op.Bytes)/(streamBandwidth*float64(shares)) + e.BaseLatencyMS
	c := Completion{
		Op:       op,
		StartMS:  startMS,
		FinishMS: startMS + durMS,
		Bytes:    op.Bytes,
	}
	e.pending = append(e.pending, c)
	return CopyHandle(len(e.pending) - 1)
}

func (e *SimEngine) Wait(h CopyHandle) Completion {
	return e.pending[int(h)]
}

// BandwidthModel resolves a destination tier's per-window transfer budget to
// a per-stream bandwidth in bytes per ms.
type BandwidthModel struct {
	WindowMS       int64
	StreamsPerNode int
	TierBandwidth  func(t pagestate.Tier) int64 // bytes per window
}

// StreamBandwidth returns one stream's share of the node's bandwidth toward
// the given tier, in bytes per ms.
func (b *BandwidthModel) StreamBandwidth(t pagestate.Tier) float64 {
	bw := b.TierBandwidth(t)
	if bw <= 0 {
		bw = 1
	}
	perMS := float64(bw) / float64(b.WindowMS)
	return perMS / float64(b.StreamsPerNode)
}
