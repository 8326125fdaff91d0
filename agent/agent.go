// Package agent executes a window plan across parallel transfer streams and
// reports completion times, timeliness, and byte totals. Nodes are fully
// independent; within a node each stream is a strictly ordered FIFO of the
// ops assigned to it, and no op is reassigned mid-flight.
package agent

import (
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/strangeloopcanon/BCache/plan"
)

// StreamState is one transfer stream's scheduling state. Owned exclusively
// by the node's scheduling loop.
type StreamState struct {
	ID            int
	Node          string
	BusyUntilMS   float64
	BytesInFlight int64
	BusyMS        float64 // accumulated busy time, for utilization
	Ops           int
}

// ExecutionReport aggregates one node's (or a merged multi-node) execution
// of a plan.
type ExecutionReport struct {
	PlanID string
	Window int

	Ops        int
	MissedOps  int // aborted by the overlap scheduler or finished past deadline
	TotalBytes int64
	AvgIOBytes float64

	// Timeliness is the fraction of executed ops completing before deadline.
	Timeliness float64

	MakespanMS float64
	// StreamUtilization maps "node/stream" to busy fraction of the makespan.
	StreamUtilization map[string]float64

	Completed []*plan.CopyOp
	Missed    []*plan.CopyOp
}

// NodeAgent simulates one node's stream pool executing its slice of a plan.
type NodeAgent struct {
	Node    string
	streams []*StreamState
	engine  CopyEngine
	bwModel *BandwidthModel
}

// NewNodeAgent builds a node agent with a fixed pool of streams.
func NewNodeAgent(node string, streams int, engine CopyEngine, bw *BandwidthModel) *NodeAgent {
	pool := make([]*StreamState, streams)
	for i := range pool {
		pool[i] = &StreamState{ID: i, Node: node}
	}
	return &NodeAgent{Node: node, streams: pool, engine: engine, bwModel: bw}
}

// leastBusy returns the stream with the earliest BusyUntilMS, lowest id on
// ties for determinism.
func (a *NodeAgent) leastBusy() *StreamState {
	best := a.streams[0]
	for _, s := range a.streams[1:] {
		if s.BusyUntilMS < best.BusyUntilMS {
			best = s
		}
	}
	return best
}

// Execute runs this node's ops, already in plan priority order. Ops flagged
// for abort are skipped and recorded as missed, not executed.
func (a *NodeAgent) Execute(ops []*plan.CopyOp) *ExecutionReport {
	report := &ExecutionReport{StreamUtilization: make(map[string]float64)}
	var onTime int

	for _, op := range ops {
		if op.Abort {
			report.MissedOps++
			report.Missed = append(report.Missed, op)
			logrus.Debugf("node %s: skipping aborted %s", a.Node, op)
			continue
		}
		s := a.leastBusy()
		bw := a.bwModel.StreamBandwidth(op.TierDst)
		h := a.engine.Submit(op, s.BusyUntilMS, bw)
		c := a.engine.Wait(h)

		s.BusyMS += c.FinishMS - c.StartMS
		s.BusyUntilMS = c.FinishMS
		s.BytesInFlight = 0
		s.Ops++

		report.Ops++
		report.TotalBytes += c.Bytes
		report.Completed = append(report.Completed, op)
		if c.FinishMS <= float64(op.DeadlineMS) {
			onTime++
		} else {
			report.MissedOps++
			report.Missed = append(report.Missed, op)
		}
		if c.FinishMS > report.MakespanMS {
			report.MakespanMS = c.FinishMS
		}
	}

	if report.Ops > 0 {
		report.AvgIOBytes = float64(report.TotalBytes) / float64(report.Ops)
		report.Timeliness = float64(onTime) / float64(report.Ops)
	} else {
		report.Timeliness = 1.0
	}
	for _, s := range a.streams {
		util := 0.0
		if report.MakespanMS > 0 {
			util = s.BusyMS / report.MakespanMS
		}
		report.StreamUtilization[streamName(a.Node, s.ID)] = util
	}
	return report
}

func streamName(node string, id int) string {
	return node + "/" + strconv.Itoa(id)
}

// Executor fans a plan out to per-node agents, one goroutine per node.
// Nodes share nothing, so the only synchronization is the final merge.
type Executor struct {
	StreamsPerNode int
	BaseLatencyMS  float64
	BWModel        *BandwidthModel
}

// NewExecutor builds a multi-node executor.
func NewExecutor(streamsPerNode int, baseLatencyMS float64, bw *BandwidthModel) *Executor {
	return &Executor{StreamsPerNode: streamsPerNode, BaseLatencyMS: baseLatencyMS, BWModel: bw}
}

// Execute simulates the full plan and merges per-node reports.
func (e *Executor) Execute(p *plan.Plan) *ExecutionReport {
	nodes := p.Nodes()
	reports := make([]*ExecutionReport, len(nodes))

	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node string) {
			defer wg.Done()
			engine := NewSimEngine(e.BaseLatencyMS, e.StreamsPerNode)
			a := NewNodeAgent(node, e.StreamsPerNode, engine, e.BWModel)
			reports[i] = a.Execute(p.OpsForNode(node))
		}(i, node)
	}
	wg.Wait()

	merged := &ExecutionReport{
		PlanID:            p.ID,
		Window:            p.Window,
		StreamUtilization: make(map[string]float64),
		Timeliness:        1.0,
	}
	var onTimeWeighted float64
	for _, r := range reports {
		merged.Ops += r.Ops
		merged.MissedOps += r.MissedOps
		merged.TotalBytes += r.TotalBytes
		merged.Completed = append(merged.Completed, r.Completed...)
		merged.Missed = append(merged.Missed, r.Missed...)
		if r.MakespanMS > merged.MakespanMS {
			merged.MakespanMS = r.MakespanMS
		}
		for k, v := range r.StreamUtilization {
			merged.StreamUtilization[k] = v
		}
		onTimeWeighted += r.Timeliness * float64(r.Ops)
	}
	if merged.Ops > 0 {
		merged.AvgIOBytes = float64(merged.TotalBytes) / float64(merged.Ops)
		merged.Timeliness = onTimeWeighted / float64(merged.Ops)
	}
	return merged
}
