package plan

import (
	"github.com/strangeloopcanon/BCache/pagestate"
)

// Score breaks down a request's planning score.
type Score struct {
	Popularity float64 // recent access frequency, normalized to [0,1]
	Urgency    float64 // inverse time-to-deadline, clipped to [0,1]
	Value      float64 // alpha*Popularity + beta*Urgency
}

// Scorer computes popularity/urgency scores for pending requests. Pure: it
// reads the heat snapshot and the request, mutating neither.
type Scorer struct {
	Alpha float64
	Beta  float64
	PMin  float64
	UMin  float64
}

// NewScorer builds a Scorer from config.
func NewScorer(pop Popularity, th Thresholds) *Scorer {
	return &Scorer{Alpha: pop.Alpha, Beta: pop.Beta, PMin: th.PMin, UMin: th.UMin}
}

// Score computes the request's score against a heat snapshot.
// Popularity saturates as heat grows: h/(1+h). Urgency grows as the deadline
// budget shrinks relative to the estimated on-demand fill time.
func (s *Scorer) Score(req *Request, heat *pagestate.Snapshot) Score {
	h := heat.Heat(req.Layer, req.PageStart)
	pop := h / (1 + h)

	fill := req.EstFillMS
	if fill < 1 {
		fill = 1
	}
	budget := float64(req.DeadlineMS)
	if budget < 1 {
		budget = 1
	}
	urg := fill / budget
	if urg > 1 {
		urg = 1
	}

	return Score{
		Popularity: pop,
		Urgency:    urg,
		Value:      s.Alpha*pop + s.Beta*urg,
	}
}

// Admissible applies the pre-filter floors. A false result is a deferral
// ("not worth moving this window"), not an error.
func (s *Scorer) Admissible(sc Score) bool {
	return sc.Popularity >= s.PMin && sc.Urgency >= s.UMin
}
