package plan

import (
	"github.com/sirupsen/logrus"

	"github.com/strangeloopcanon/BCache/pagestate"
)

// EvictionPlanner selects victim pages to clear capacity on a tier,
// coldest-first with a churn guardrail. It never removes pages itself; the
// window planner commits the selections it returns.
type EvictionPlanner struct {
	Enabled bool
	table   *pagestate.Table
}

// NewEvictionPlanner builds an EvictionPlanner over the shared page table.
func NewEvictionPlanner(enabled bool, table *pagestate.Table) *EvictionPlanner {
	return &EvictionPlanner{Enabled: enabled, table: table}
}

// SelectVictims returns the minimal coldest-first prefix of resident pages on
// (node, tier) whose cumulative size covers bytesNeeded, plus the bytes it
// actually frees. Pages evicted within the churn window are not candidates.
//
// A short result (freed < bytesNeeded) is a soft failure: the tier is already
// minimal and the caller shrinks the pending write to fit.
func (e *EvictionPlanner) SelectVictims(node string, tier pagestate.Tier, bytesNeeded, nowMS int64) ([]pagestate.PageKey, int64) {
	if !e.Enabled || bytesNeeded <= 0 {
		return nil, 0
	}
	candidates := e.table.ColdestFirst(node, tier, nowMS)
	victims := make([]pagestate.PageKey, 0)
	var freed int64
	for _, p := range candidates {
		if freed >= bytesNeeded {
			break
		}
		victims = append(victims, p.Key)
		freed += p.SizeBytes
	}
	if freed < bytesNeeded {
		logrus.Debugf("eviction short on %s/%s: freed %d of %d needed", node, tier, freed, bytesNeeded)
	}
	return victims, freed
}
