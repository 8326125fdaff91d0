package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/strangeloopcanon/BCache/pagestate"
)

func scoreReq(deadline int64, fill float64) *Request {
	return &Request{
		ID: 1, Tenant: "A", Node: "n0", Layer: 0,
		PageStart: 10, PageEnd: 13, PageBytes: 1024,
		TierSrc: pagestate.TierStorage, TierDst: pagestate.TierHost,
		DeadlineMS: deadline, EstFillMS: fill,
	}
}

func TestScorer_PopularitySaturates(t *testing.T) {
	tbl := pagestate.NewTable(0)
	tbl.Touch(0, 10, 3.0)
	snap := tbl.Snapshot()

	s := &Scorer{Alpha: 1, Beta: 0}
	sc := s.Score(scoreReq(100, 1), snap)
	assert.InDelta(t, 0.75, sc.Popularity, 1e-9) // 3/(1+3)
	assert.InDelta(t, 0.75, sc.Value, 1e-9)

	// Popularity stays in [0,1] no matter how hot the page gets.
	tbl.Touch(0, 10, 1e6)
	sc = s.Score(scoreReq(100, 1), tbl.Snapshot())
	assert.Less(t, sc.Popularity, 1.0)
}

func TestScorer_UrgencyInverseToDeadline(t *testing.T) {
	snap := pagestate.NewTable(0).Snapshot()
	s := &Scorer{Alpha: 0, Beta: 1}

	tight := s.Score(scoreReq(10, 5), snap)  // 5ms fill vs 10ms budget
	loose := s.Score(scoreReq(100, 5), snap) // 5ms fill vs 100ms budget
	assert.Greater(t, tight.Urgency, loose.Urgency)
	assert.InDelta(t, 0.5, tight.Urgency, 1e-9)
	assert.InDelta(t, 0.05, loose.Urgency, 1e-9)

	// Fill time beyond the budget clips at 1.
	clipped := s.Score(scoreReq(10, 500), snap)
	assert.Equal(t, 1.0, clipped.Urgency)
}

func TestScorer_WeightsCombine(t *testing.T) {
	tbl := pagestate.NewTable(0)
	tbl.Touch(0, 10, 1.0) // pop = 0.5
	s := &Scorer{Alpha: 2, Beta: 4}
	sc := s.Score(scoreReq(100, 10), tbl.Snapshot()) // urgency = 0.1
	assert.InDelta(t, 2*0.5+4*0.1, sc.Value, 1e-9)
}

func TestScorer_FloorsDeferNotError(t *testing.T) {
	s := &Scorer{PMin: 0.3, UMin: 0.2}
	assert.True(t, s.Admissible(Score{Popularity: 0.3, Urgency: 0.2}))
	assert.False(t, s.Admissible(Score{Popularity: 0.29, Urgency: 0.9}))
	assert.False(t, s.Admissible(Score{Popularity: 0.9, Urgency: 0.19}))
}

func TestRequest_Validate(t *testing.T) {
	good := scoreReq(100, 1)
	assert.NoError(t, good.Validate())

	cases := map[string]func(*Request){
		"empty tenant":   func(r *Request) { r.Tenant = "" },
		"empty node":     func(r *Request) { r.Node = "" },
		"inverted range": func(r *Request) { r.PageStart = 5; r.PageEnd = 2 },
		"zero pagebytes": func(r *Request) { r.PageBytes = 0 },
		"same tiers":     func(r *Request) { r.TierDst = r.TierSrc },
		"zero deadline":  func(r *Request) { r.DeadlineMS = 0 },
	}
	for name, mutate := range cases {
		r := *good
		mutate(&r)
		assert.Error(t, r.Validate(), name)
	}
}
