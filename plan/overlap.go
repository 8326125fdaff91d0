package plan

import (
	"github.com/sirupsen/logrus"

	"github.com/strangeloopcanon/BCache/pagestate"
)

// OverlapScheduler assigns a prefetch overlap depth per op and flags ops
// predicted to finish too late for execution. Depth escalates when the
// estimated copy time exceeds the destination layer's compute latency
// budget; an op whose predicted completion exceeds deadline * tardiness
// factor is aborted (skipped and reported missed, never an error).
//
// When globally disabled the depth is forced to 0 everywhere (strictly
// sequential, no prefetch); abort protection still applies.
type OverlapScheduler struct {
	Enabled         bool
	MaxDepth        int
	TardinessFactor float64
	WindowMS        int64

	layerLatency func(layer int) float64
	tierBW       func(tier pagestate.Tier) int64 // bytes per window
}

// NewOverlapScheduler builds an OverlapScheduler from config.
func NewOverlapScheduler(cfg *Config) *OverlapScheduler {
	return &OverlapScheduler{
		Enabled:         cfg.Flags.Overlap,
		MaxDepth:        cfg.Overlap.MaxDepth,
		TardinessFactor: cfg.Overlap.TardinessFactor,
		WindowMS:        cfg.WindowMS,
		layerLatency:    cfg.LayerLatency,
		tierBW: func(t pagestate.Tier) int64 {
			return cfg.TierSpec(t).BandwidthBytesPerWindow
		},
	}
}

// estCopyMS estimates one op's copy time from the destination tier's
// per-window transfer budget.
func (o *OverlapScheduler) estCopyMS(op *CopyOp) float64 {
	bw := o.tierBW(op.TierDst)
	if bw <= 0 {
		bw = 1
	}
	return float64(op.Bytes) / float64(bw) * float64(o.WindowMS)
}

// Apply annotates the ordered ops in place with overlap depths and abort
// flags. Predicted completion accumulates per (node, destination tier) in
// plan order; aborted ops do not execute, so their bytes drop out of the
// accumulation for later ops.
func (o *OverlapScheduler) Apply(ops []*CopyOp) {
	type lane struct {
		node string
		tier pagestate.Tier
	}
	cum := make(map[lane]float64)

	for _, op := range ops {
		est := o.estCopyMS(op)

		depth := 0
		if o.Enabled {
			lat := o.layerLatency(op.Layer)
			if lat <= 0 {
				lat = 1
			}
			depth = 1
			if est > lat {
				depth++
			}
			if est > 2*lat {
				depth++
			}
			if depth > o.MaxDepth {
				depth = o.MaxDepth
			}
		}
		op.OverlapDepth = depth

		l := lane{node: op.Node, tier: op.TierDst}
		predicted := cum[l] + est
		if predicted > float64(op.DeadlineMS)*o.TardinessFactor {
			op.Abort = true
			logrus.Debugf("abort %s: predicted %.1fms past deadline %dms x%.1f",
				op, predicted, op.DeadlineMS, o.TardinessFactor)
			continue
		}
		cum[l] = predicted
	}
}
