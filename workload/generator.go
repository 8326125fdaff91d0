// Package workload generates synthetic page-fetch request streams for the
// planner. A production deployment replaces this with serving-engine
// adapters producing the same Request records.
package workload

import (
	"fmt"
	"math/rand"

	"github.com/strangeloopcanon/BCache/pagestate"
	"github.com/strangeloopcanon/BCache/plan"
)

// Generator produces deterministic synthetic request batches from a seed.
type Generator struct {
	rng    *rand.Rand
	nextID int64

	Nodes       int
	Tenants     []string
	Layers      int
	MaxPage     int64
	PrefixBases int
	PageBytes   []int64
	MinDeadline int64 // ms
	MaxDeadline int64 // ms
	RunLengths  []int64
}

// NewGenerator builds a generator with the shipped defaults.
func NewGenerator(seed int64) *Generator {
	return &Generator{
		rng:         rand.New(rand.NewSource(seed)),
		Nodes:       4,
		Tenants:     []string{"A", "B", "C"},
		Layers:      8,
		MaxPage:     1024,
		PrefixBases: 10,
		PageBytes:   []int64{128 * 1024, 256 * 1024, 512 * 1024},
		MinDeadline: 50,
		MaxDeadline: 600,
		RunLengths:  []int64{1, 2, 4, 8, 16},
	}
}

// Requests synthesizes n pending requests. Prefix ids cluster around a small
// set of bases so the MinHash clusterer has real similarity to discover, and
// page ranges skew toward low page ids so coalescing opportunities arise.
func (g *Generator) Requests(n int) []*plan.Request {
	out := make([]*plan.Request, 0, n)
	for i := 0; i < n; i++ {
		g.nextID++
		base := g.rng.Intn(g.PrefixBases)
		delta := g.rng.Intn(4)
		length := g.RunLengths[g.rng.Intn(len(g.RunLengths))]
		start := int64(g.rng.Intn(int(g.MaxPage-length))) / 4 * 4 // align starts to encourage adjacency
		out = append(out, &plan.Request{
			ID:         g.nextID,
			Tenant:     g.Tenants[g.rng.Intn(len(g.Tenants))],
			PrefixID:   fmt.Sprintf("pfx-%d-%d", base, delta),
			Node:       fmt.Sprintf("node-%d", g.rng.Intn(g.Nodes)),
			Layer:      g.rng.Intn(g.Layers),
			PageStart:  start,
			PageEnd:    start + length - 1,
			PageBytes:  g.PageBytes[g.rng.Intn(len(g.PageBytes))],
			TierSrc:    pagestate.TierStorage,
			TierDst:    pagestate.TierHost,
			DeadlineMS: g.MinDeadline + int64(g.rng.Intn(int(g.MaxDeadline-g.MinDeadline))),
			EstFillMS:  []float64{1, 2, 5, 10, 20}[g.rng.Intn(5)],
		})
	}
	return out
}

// WarmHeat pre-touches the pages the given requests reference so the first
// window has non-zero popularity signal. boost is added per reference.
func WarmHeat(table *pagestate.Table, reqs []*plan.Request, boost float64) {
	for _, r := range reqs {
		table.Touch(r.Layer, r.PageStart, boost)
	}
}
