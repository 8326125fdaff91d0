package plan

import (
	"fmt"

	"github.com/strangeloopcanon/BCache/pagestate"
)

// Request is one pending page-fetch request presented to the planner.
// Immutable once created in a window: the pipeline either admits it into a
// CopyOp or defers it to the next window.
type Request struct {
	ID       int64
	Tenant   string
	PrefixID string
	Node     string
	Layer    int

	// Inclusive page-id range to move, all pages PageBytes each.
	PageStart int64
	PageEnd   int64
	PageBytes int64

	TierSrc pagestate.Tier
	TierDst pagestate.Tier

	// DeadlineMS is the completion budget relative to the window start.
	DeadlineMS int64

	// EstFillMS is the estimated on-demand fill latency if this request is
	// not prefetched; it scales urgency.
	EstFillMS float64

	// LastAccessAgeMS is how long ago the prefix was last accessed.
	// Informational; popularity comes from the page-heat table.
	LastAccessAgeMS int64
}

// Pages returns the number of pages in the request's range.
func (r *Request) Pages() int64 {
	return r.PageEnd - r.PageStart + 1
}

// Bytes returns the total byte size of the request.
func (r *Request) Bytes() int64 {
	return r.Pages() * r.PageBytes
}

// PageIDs returns the ordered page-id sequence covered by the request.
// Used by the clusterer to derive MinHash signatures.
func (r *Request) PageIDs() []int64 {
	ids := make([]int64, 0, r.Pages())
	for p := r.PageStart; p <= r.PageEnd; p++ {
		ids = append(ids, p)
	}
	return ids
}

// Validate checks required fields at ingestion (COLLECT stage). A failure
// here is an input error and fails the window fast, unlike score or credit
// rejections which only defer the request.
func (r *Request) Validate() error {
	if r.Tenant == "" {
		return fmt.Errorf("request %d: empty tenant", r.ID)
	}
	if r.Node == "" {
		return fmt.Errorf("request %d: empty node", r.ID)
	}
	if r.Layer < 0 {
		return fmt.Errorf("request %d: negative layer %d", r.ID, r.Layer)
	}
	if r.PageEnd < r.PageStart || r.PageStart < 0 {
		return fmt.Errorf("request %d: invalid page range [%d,%d]", r.ID, r.PageStart, r.PageEnd)
	}
	if r.PageBytes <= 0 {
		return fmt.Errorf("request %d: non-positive page bytes %d", r.ID, r.PageBytes)
	}
	if r.TierSrc == r.TierDst {
		return fmt.Errorf("request %d: source and destination tier are both %s", r.ID, r.TierSrc)
	}
	if r.DeadlineMS <= 0 {
		return fmt.Errorf("request %d: non-positive deadline %dms", r.ID, r.DeadlineMS)
	}
	return nil
}

func (r *Request) String() string {
	return fmt.Sprintf("Request(id=%d tenant=%s node=%s layer=%d pages=[%d,%d] %s->%s deadline=%dms)",
		r.ID, r.Tenant, r.Node, r.Layer, r.PageStart, r.PageEnd, r.TierSrc, r.TierDst, r.DeadlineMS)
}
