package pagestate

import (
	"sort"
	"sync"
)

// HeatKey identifies a page's heat entry independent of where the page is
// currently resident. Heat is a property of the page content, not the tier.
type HeatKey struct {
	Layer  int
	PageID int64
}

// PageKey identifies a resident copy of a page on a specific node and tier.
type PageKey struct {
	Node   string
	Tier   Tier
	Layer  int
	PageID int64
}

// Page is one resident cache page. Owned by the Table; callers receive
// copies or read-only access and never mutate a Page directly.
type Page struct {
	Key             PageKey
	SizeBytes       int64
	ResidentSinceMS int64
}

// Table is the process-wide page-state store. It tracks decaying heat per
// page content and residency per (node, tier). It is created once at startup
// and injected into the scorer, eviction planner, and node agent; all
// mutation goes through the methods below.
type Table struct {
	mu            sync.RWMutex
	heat          map[HeatKey]float64
	resident      map[PageKey]*Page
	evictedAtMS   map[PageKey]int64
	churnWindowMS int64
}

// NewTable creates an empty page-state table. churnWindowMS guards
// recently-evicted pages from re-eviction and re-admission to the same tier.
func NewTable(churnWindowMS int64) *Table {
	return &Table{
		heat:          make(map[HeatKey]float64),
		resident:      make(map[PageKey]*Page),
		evictedAtMS:   make(map[PageKey]int64),
		churnWindowMS: churnWindowMS,
	}
}

// Touch boosts a page's heat on access. Used by the execution feedback path
// after a copy completes and by adapters reporting cache hits.
func (t *Table) Touch(layer int, pageID int64, boost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.heat[HeatKey{Layer: layer, PageID: pageID}] += boost
}

// Heat returns the current heat for a page, zero if never touched.
func (t *Table) Heat(layer int, pageID int64) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.heat[HeatKey{Layer: layer, PageID: pageID}]
}

// DecayAll multiplies every heat entry by factor. Called once per window
// boundary so heat decays monotonically between accesses.
func (t *Table) DecayAll(factor float64) {
	if factor < 0 {
		factor = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.heat {
		nv := v * factor
		if nv < 1e-9 {
			delete(t.heat, k)
			continue
		}
		t.heat[k] = nv
	}
}

// AddResident records a page copy as resident. Overwrites any existing entry
// for the same key (idempotent for repeated completions).
func (t *Table) AddResident(key PageKey, sizeBytes, nowMS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.resident[key]; ok {
		p.SizeBytes = sizeBytes
		return
	}
	t.resident[key] = &Page{Key: key, SizeBytes: sizeBytes, ResidentSinceMS: nowMS}
}

// RemoveResident drops a resident page copy, recording the eviction time for
// the churn guardrail.
func (t *Table) RemoveResident(key PageKey, nowMS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.resident[key]; !ok {
		return
	}
	delete(t.resident, key)
	t.evictedAtMS[key] = nowMS
}

// RecentlyEvicted reports whether the page was evicted from this tier within
// the churn window. Such pages may not be re-admitted or re-evicted yet.
func (t *Table) RecentlyEvicted(key PageKey, nowMS int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.evictedAtMS[key]
	return ok && nowMS-at < t.churnWindowMS
}

// IsResident reports whether a page copy exists for the key.
func (t *Table) IsResident(key PageKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.resident[key]
	return ok
}

// ResidentBytes sums the bytes resident on (node, tier).
func (t *Table) ResidentBytes(node string, tier Tier) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for k, p := range t.resident {
		if k.Node == node && k.Tier == tier {
			total += p.SizeBytes
		}
	}
	return total
}

// ColdestFirst returns the resident pages on (node, tier) ranked ascending by
// heat, ties broken by oldest ResidentSince then by page id for determinism.
// Pages inside the churn window are excluded.
func (t *Table) ColdestFirst(node string, tier Tier, nowMS int64) []Page {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Page, 0)
	for k, p := range t.resident {
		if k.Node != node || k.Tier != tier {
			continue
		}
		if at, ok := t.evictedAtMS[k]; ok && nowMS-at < t.churnWindowMS {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		hi := t.heat[HeatKey{Layer: out[i].Key.Layer, PageID: out[i].Key.PageID}]
		hj := t.heat[HeatKey{Layer: out[j].Key.Layer, PageID: out[j].Key.PageID}]
		if hi != hj {
			return hi < hj
		}
		if out[i].ResidentSinceMS != out[j].ResidentSinceMS {
			return out[i].ResidentSinceMS < out[j].ResidentSinceMS
		}
		if out[i].Key.Layer != out[j].Key.Layer {
			return out[i].Key.Layer < out[j].Key.Layer
		}
		return out[i].Key.PageID < out[j].Key.PageID
	})
	return out
}

// Snapshot returns a read-only copy of the heat table taken at window start.
// Partition workers score against the snapshot so no shared mutable state is
// touched until the commit phase.
func (t *Table) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	heat := make(map[HeatKey]float64, len(t.heat))
	for k, v := range t.heat {
		heat[k] = v
	}
	return &Snapshot{heat: heat}
}

// Snapshot is an immutable view of page heat, safe for concurrent reads.
type Snapshot struct {
	heat map[HeatKey]float64
}

// Heat returns the snapshotted heat for a page, zero if absent.
func (s *Snapshot) Heat(layer int, pageID int64) float64 {
	return s.heat[HeatKey{Layer: layer, PageID: pageID}]
}

// Len returns the number of heat entries in the snapshot.
func (s *Snapshot) Len() int { return len(s.heat) }
