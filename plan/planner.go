package plan

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/strangeloopcanon/BCache/pagestate"
)

// WindowAccounting aggregates what happened to every request in one planning
// window. Fed to the telemetry sink; nothing here is an error condition.
type WindowAccounting struct {
	Window    int
	Collected int

	FilteredLowScore int // deferred by the score pre-filter
	RejectedCredits  int // deferred by the tenant credit manager
	DeferredSubMin   int // deferred because the run stayed below min IO size
	DeferredCapacity int // squeezed out by tier caps or the per-tier op limit
	DroppedExhausted int // tier had nothing left to evict

	Ops        int
	AbortedOps int
	Bytes      int64
	MeanFanout float64
	MaxFanout  int
	Evictions  int

	AdmittedBytesByTenant map[string]int64
	RejectedBytesByTenant map[string]int64
}

// Planner runs the per-window planning state machine:
// COLLECT -> SCORE -> CLUSTER -> ADMIT -> COALESCE -> EVICT -> OVERLAP -> FINALIZE.
// Scoring, clustering, and coalescing are data-parallel over independent
// (node, tier-pair, layer) partitions against read-only snapshots; credit
// deduction, eviction, and plan assembly happen in a single-threaded commit
// phase. The machine restarts fresh each window with no carried scheduling
// state; clusters in particular are recomputed every window.
type Planner struct {
	cfg       *Config
	table     *pagestate.Table
	scorer    *Scorer
	clusterer *Clusterer
	credits   *CreditManager
	evictor   *EvictionPlanner
	coalescer *Coalescer
	overlap   *OverlapScheduler

	deferred []*Request
	window   int
	nowMS    int64
}

// NewPlanner validates the config and assembles the pipeline around a shared
// page-state table.
func NewPlanner(cfg *Config, table *pagestate.Table) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Planner{
		cfg:       cfg,
		table:     table,
		scorer:    NewScorer(cfg.Popularity, cfg.Thresholds),
		clusterer: NewClusterer(cfg.Cluster, cfg.Flags.PrefixFanout),
		credits:   NewCreditManager(cfg.Flags.TenantCredits, cfg.TenantSpec),
		evictor:   NewEvictionPlanner(cfg.Flags.Eviction, table),
		coalescer: NewCoalescer(cfg),
		overlap:   NewOverlapScheduler(cfg),
	}, nil
}

// Credits exposes the tenant credit manager (for inspection and tests).
func (p *Planner) Credits() *CreditManager { return p.credits }

// Deferred returns the requests carried into the next window.
func (p *Planner) Deferred() []*Request { return p.deferred }

// NowMS returns the planner clock (advances by WindowMS per window).
func (p *Planner) NowMS() int64 { return p.nowMS }

// partition is one (node, tier-pair, layer) slice of the window's work.
type partition struct {
	key     groupKey
	members []*scoredRequest
}

// PlanWindow runs one full window over the carried deferrals plus the
// incoming requests and returns the immutable Plan. Validation failures are
// input errors and fail the window; everything else is deferral or partial
// satisfaction, reported through the accounting.
func (p *Planner) PlanWindow(incoming []*Request) (*Plan, *WindowAccounting, error) {
	p.window++
	p.nowMS += p.cfg.WindowMS
	acct := &WindowAccounting{
		Window:                p.window,
		AdmittedBytesByTenant: make(map[string]int64),
		RejectedBytesByTenant: make(map[string]int64),
	}

	// COLLECT: deferred requests from prior windows retry with fresh scores.
	all := append(p.deferred, incoming...)
	p.deferred = nil
	acct.Collected = len(all)
	for _, req := range all {
		if err := req.Validate(); err != nil {
			return nil, nil, fmt.Errorf("collect: %w", err)
		}
	}

	// Window boundary: refill every tenant bucket.
	p.credits.Refill()

	snapshot := p.table.Snapshot()

	// SCORE + CLUSTER run per partition on the worker pool.
	parts := p.partition(all)
	p.runParallel(parts, func(pt *partition) {
		kept := pt.members[:0]
		for _, m := range pt.members {
			m.score = p.scorer.Score(m.req, snapshot)
			if !p.scorer.Admissible(m.score) {
				continue
			}
			kept = append(kept, m)
		}
		pt.members = kept

		reqs := make([]*Request, len(pt.members))
		for i, m := range pt.members {
			reqs[i] = m.req
		}
		clusters := p.clusterer.Cluster(reqs)
		for _, m := range pt.members {
			m.cluster = clusters[m.req.ID]
		}
	})

	// Score-filtered requests defer; recover them by set difference.
	keptIDs := make(map[int64]bool)
	for _, pt := range parts {
		for _, m := range pt.members {
			keptIDs[m.req.ID] = true
		}
	}
	for _, req := range all {
		if !keptIDs[req.ID] {
			p.defer_(req)
			acct.FilteredLowScore++
		}
	}

	// ADMIT: deterministic order regardless of partition interleaving, so
	// identical inputs always yield identical admissions.
	p.admit(parts, acct)

	// COALESCE per partition on the worker pool.
	// Each worker writes only its own index; no shared state.
	candidates := make([][]*candidateOp, len(parts))
	subMin := make([][]*Request, len(parts))
	p.runParallelIdx(parts, func(i int, pt *partition) {
		candidates[i], subMin[i] = p.coalescer.Coalesce(pt.key, pt.members)
	})
	for _, ds := range subMin {
		for _, req := range ds {
			p.defer_(req)
			acct.DeferredSubMin++
		}
	}

	ordered := flattenOrdered(candidates)

	// EVICT + tier caps + per-tier op limit: single-threaded commit.
	plan := &Plan{ID: uuid.NewString(), Window: p.window}
	p.enforceCaps(ordered, plan, acct)

	// OVERLAP + FINALIZE.
	p.overlap.Apply(plan.Ops)
	if p.cfg.Flags.Admission {
		plan.WriteThrough = p.writeThrough(all, snapshot)
	}

	p.account(plan, acct)
	logrus.Debugf("window %d: %d requests -> %d ops (%d aborted), %d bytes, %d deferred",
		p.window, acct.Collected, acct.Ops, acct.AbortedOps, acct.Bytes, len(p.deferred))
	return plan, acct, nil
}

func (p *Planner) defer_(req *Request) {
	p.deferred = append(p.deferred, req)
}

// partition splits requests into (node, tierSrc, tierDst, layer) groups,
// ordered deterministically.
func (p *Planner) partition(reqs []*Request) []*partition {
	byKey := make(map[groupKey]*partition)
	order := make([]groupKey, 0)
	for _, req := range reqs {
		key := groupKey{Node: req.Node, TierSrc: req.TierSrc, TierDst: req.TierDst, Layer: req.Layer}
		pt, ok := byKey[key]
		if !ok {
			pt = &partition{key: key}
			byKey[key] = pt
			order = append(order, key)
		}
		pt.members = append(pt.members, &scoredRequest{req: req})
	}
	sort.Slice(order, func(i, j int) bool { return lessGroupKey(order[i], order[j]) })
	parts := make([]*partition, len(order))
	for i, key := range order {
		parts[i] = byKey[key]
	}
	return parts
}

func lessGroupKey(a, b groupKey) bool {
	if a.Node != b.Node {
		return a.Node < b.Node
	}
	if a.TierSrc != b.TierSrc {
		return a.TierSrc < b.TierSrc
	}
	if a.TierDst != b.TierDst {
		return a.TierDst < b.TierDst
	}
	return a.Layer < b.Layer
}

func (p *Planner) workers() int {
	if p.cfg.Workers > 0 {
		return p.cfg.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (p *Planner) runParallel(parts []*partition, fn func(*partition)) {
	p.runParallelIdx(parts, func(_ int, pt *partition) { fn(pt) })
}

// runParallelIdx fans partitions out to the worker pool. Partitions share no
// mutable state, so fn only needs internal synchronization for its own
// outputs.
func (p *Planner) runParallelIdx(parts []*partition, fn func(int, *partition)) {
	n := p.workers()
	if n > len(parts) {
		n = len(parts)
	}
	if n <= 1 {
		for i, pt := range parts {
			fn(i, pt)
		}
		return
	}
	work := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < n; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				fn(i, parts[i])
			}
		}()
	}
	for i := range parts {
		work <- i
	}
	close(work)
	wg.Wait()
}

// admit runs the tenant token buckets over all surviving requests in a fixed
// order (tenant, deadline, id). Credit rejections defer the request.
func (p *Planner) admit(parts []*partition, acct *WindowAccounting) {
	type slot struct {
		pt *partition
		m  *scoredRequest
	}
	slots := make([]slot, 0)
	for _, pt := range parts {
		for _, m := range pt.members {
			slots = append(slots, slot{pt: pt, m: m})
		}
	}
	sort.Slice(slots, func(i, j int) bool {
		a, b := slots[i].m.req, slots[j].m.req
		if a.Tenant != b.Tenant {
			return a.Tenant < b.Tenant
		}
		if a.DeadlineMS != b.DeadlineMS {
			return a.DeadlineMS < b.DeadlineMS
		}
		return a.ID < b.ID
	})

	rejected := make(map[int64]bool)
	for _, s := range slots {
		req := s.m.req
		if p.credits.Admit(req.Tenant, req.Bytes()) {
			acct.AdmittedBytesByTenant[req.Tenant] += req.Bytes()
			continue
		}
		rejected[req.ID] = true
		acct.RejectedBytesByTenant[req.Tenant] += req.Bytes()
		acct.RejectedCredits++
		p.defer_(req)
	}
	if len(rejected) == 0 {
		return
	}
	for _, pt := range parts {
		kept := pt.members[:0]
		for _, m := range pt.members {
			if !rejected[m.req.ID] {
				kept = append(kept, m)
			}
		}
		pt.members = kept
	}
}

// flattenOrdered merges all partitions' candidate ops into the plan order:
// descending priority, ascending deadline, stable key tiebreak.
func flattenOrdered(candidates [][]*candidateOp) []*candidateOp {
	out := make([]*candidateOp, 0)
	for _, ops := range candidates {
		out = append(out, ops...)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.deadline != b.deadline {
			return a.deadline < b.deadline
		}
		if !groupKeyEqual(a.key, b.key) {
			return lessGroupKey(a.key, b.key)
		}
		return a.runID < b.runID
	})
	return out
}

func groupKeyEqual(a, b groupKey) bool { return a == b }

// enforceCaps walks the ordered candidates, charging each destination lane's
// capacity, evicting for shortfalls, shrinking what cannot fit, and bounding
// ops per (node, destination tier). Every member request ends up in exactly
// one op or explicitly deferred.
func (p *Planner) enforceCaps(ordered []*candidateOp, plan *Plan, acct *WindowAccounting) {
	type lane struct {
		node string
		tier pagestate.Tier
	}
	avail := make(map[lane]int64)
	opCount := make(map[lane]int)

	for _, cand := range ordered {
		l := lane{node: cand.key.Node, tier: cand.key.TierDst}

		if opCount[l] >= p.cfg.MaxOpsPerTier {
			for _, m := range cand.members {
				p.defer_(m.req)
				acct.DeferredCapacity++
			}
			continue
		}

		if p.cfg.Flags.EnforceTierCaps {
			if _, ok := avail[l]; !ok {
				spec := p.cfg.TierSpec(cand.key.TierDst)
				free := spec.CapacityBytes - p.table.ResidentBytes(l.node, l.tier)
				if free < 0 {
					free = 0
				}
				avail[l] = free
			}
			need := cand.bytes()
			if need > avail[l] {
				shortfall := need - avail[l]
				victims, freed := p.evictor.SelectVictims(l.node, l.tier, shortfall, p.nowMS)
				for _, v := range victims {
					p.table.RemoveResident(v, p.nowMS)
					plan.Evictions = append(plan.Evictions, v)
				}
				avail[l] += freed
			}
			if need > avail[l] {
				// Partial satisfaction: shrink the terminal flush to fit.
				squeezed, ok := cand.shrinkTo(avail[l])
				if !ok {
					for _, m := range cand.members {
						p.defer_(m.req)
						acct.DroppedExhausted++
					}
					logrus.Warnf("window %d: dropped op on %s/%s, tier exhausted",
						p.window, l.node, l.tier)
					continue
				}
				for _, req := range squeezed {
					p.defer_(req)
					acct.DeferredCapacity++
				}
			}
			avail[l] -= cand.bytes()
		}

		opCount[l]++
		plan.Ops = append(plan.Ops, cand.finalize())
	}
}

// writeThrough flags hot pages for persistence to storage: selective
// write-through admission over this window's request set.
func (p *Planner) writeThrough(reqs []*Request, snapshot *pagestate.Snapshot) []pagestate.HeatKey {
	seen := make(map[pagestate.HeatKey]bool)
	out := make([]pagestate.HeatKey, 0)
	for _, req := range reqs {
		key := pagestate.HeatKey{Layer: req.Layer, PageID: req.PageStart}
		if seen[key] {
			continue
		}
		seen[key] = true
		if snapshot.Heat(req.Layer, req.PageStart) >= p.cfg.Heat.ReuseThreshold {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Layer != out[j].Layer {
			return out[i].Layer < out[j].Layer
		}
		return out[i].PageID < out[j].PageID
	})
	return out
}

func (p *Planner) account(plan *Plan, acct *WindowAccounting) {
	var fanoutSum int
	for _, op := range plan.Ops {
		acct.Ops++
		if op.Abort {
			acct.AbortedOps++
		} else {
			acct.Bytes += op.Bytes
		}
		fanoutSum += op.Fanout
		if op.Fanout > acct.MaxFanout {
			acct.MaxFanout = op.Fanout
		}
	}
	if acct.Ops > 0 {
		acct.MeanFanout = float64(fanoutSum) / float64(acct.Ops)
	}
	acct.Evictions = len(plan.Evictions)
}

// ApplyFeedback is the single execution-side touchpoint on shared cache
// state: completed ops boost the heat of the pages they moved and register
// the pages resident on the destination tier. Heat also decays here, once
// per executed window.
func (p *Planner) ApplyFeedback(completed []*CopyOp) {
	p.table.DecayAll(p.cfg.Heat.DecayFactor)
	for _, op := range completed {
		if op.Abort {
			continue
		}
		for page := op.StartPage; page <= op.EndPage; page++ {
			p.table.Touch(op.Layer, page, p.cfg.Heat.TouchBoost)
			key := pagestate.PageKey{
				Node:   op.Node,
				Tier:   op.TierDst,
				Layer:  op.Layer,
				PageID: page,
			}
			// Churn guardrail: a page evicted from this tier within the
			// churn window is not re-admitted yet.
			if p.table.RecentlyEvicted(key, p.nowMS) {
				continue
			}
			p.table.AddResident(key, op.PageBytes, p.nowMS)
		}
	}
}
