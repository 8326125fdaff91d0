package plan

import (
	"sort"

	"github.com/strangeloopcanon/BCache/pagestate"
)

// groupKey partitions requests for coalescing. Each group is independent of
// the others and may be processed on a separate worker.
type groupKey struct {
	Node    string
	TierSrc pagestate.Tier
	TierDst pagestate.Tier
	Layer   int
}

// scoredRequest pairs a request with its window score and cluster.
type scoredRequest struct {
	req     *Request
	score   Score
	cluster int64
}

// candidateOp is a coalesced run before cap enforcement. The planner may
// still shrink it against tier capacity or drop it past the per-tier op
// limit; members squeezed out at that point are deferred.
type candidateOp struct {
	key       groupKey
	cluster   int64
	runID     int
	startPage int64
	endPage   int64
	pageBytes int64
	deadline  int64
	priority  float64
	members   []*scoredRequest
}

func (c *candidateOp) bytes() int64 {
	return (c.endPage - c.startPage + 1) * c.pageBytes
}

// shrinkTo reduces the op's page range from the tail so its size fits within
// maxBytes. Members whose pages fall entirely outside the reduced range are
// returned for deferral. Returns false if not even one page fits.
func (c *candidateOp) shrinkTo(maxBytes int64) (squeezed []*Request, ok bool) {
	fitPages := maxBytes / c.pageBytes
	if fitPages <= 0 {
		return nil, false
	}
	if fitPages >= c.endPage-c.startPage+1 {
		return nil, true
	}
	newEnd := c.startPage + fitPages - 1
	kept := c.members[:0]
	for _, m := range c.members {
		if m.req.PageStart > newEnd {
			squeezed = append(squeezed, m.req)
			continue
		}
		kept = append(kept, m)
	}
	c.members = kept
	c.endPage = newEnd
	c.recomputeAggregates()
	return squeezed, true
}

func (c *candidateOp) recomputeAggregates() {
	c.deadline = 0
	c.priority = 0
	for i, m := range c.members {
		if i == 0 || m.req.DeadlineMS < c.deadline {
			c.deadline = m.req.DeadlineMS
		}
		if i == 0 || m.score.Value > c.priority {
			c.priority = m.score.Value
		}
	}
}

// finalize converts the candidate into an immutable CopyOp.
func (c *candidateOp) finalize() *CopyOp {
	ids := make([]int64, len(c.members))
	for i, m := range c.members {
		ids[i] = m.req.ID
	}
	return &CopyOp{
		Node:       c.key.Node,
		TierSrc:    c.key.TierSrc,
		TierDst:    c.key.TierDst,
		Cluster:    c.cluster,
		Layer:      c.key.Layer,
		RunID:      c.runID,
		StartPage:  c.startPage,
		EndPage:    c.endPage,
		PageBytes:  c.pageBytes,
		Bytes:      c.bytes(),
		DeadlineMS: c.deadline,
		Fanout:     len(c.members),
		Priority:   c.priority,
		Requests:   ids,
	}
}

// Coalescer merges admitted, clustered, scored requests into minimal-count,
// size-bounded runs per (node, tier-pair, layer) group.
type Coalescer struct {
	MinIOBytes   int64
	MaxIOBytes   int64
	PrefixFanout bool
}

// NewCoalescer builds a Coalescer from config.
func NewCoalescer(cfg *Config) *Coalescer {
	return &Coalescer{
		MinIOBytes:   cfg.MinIOBytes,
		MaxIOBytes:   cfg.MaxIOBytes,
		PrefixFanout: cfg.Flags.PrefixFanout,
	}
}

// Coalesce merges one group's member requests into runs. Adjacent or
// overlapping page ranges merge while the union stays within MaxIOBytes;
// merging crosses cluster boundaries only when prefix fanout is enabled.
// Runs below MinIOBytes are not emitted; their members are deferred.
func (c *Coalescer) Coalesce(key groupKey, members []*scoredRequest) (ops []*candidateOp, deferred []*Request) {
	if len(members) == 0 {
		return nil, nil
	}
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if a.cluster != b.cluster {
			return a.cluster < b.cluster
		}
		if a.req.PageStart != b.req.PageStart {
			return a.req.PageStart < b.req.PageStart
		}
		if a.req.PageEnd != b.req.PageEnd {
			return a.req.PageEnd < b.req.PageEnd
		}
		return a.req.ID < b.req.ID
	})

	runID := 0
	var cur *candidateOp
	flush := func() {
		if cur == nil {
			return
		}
		if cur.bytes() < c.MinIOBytes {
			for _, m := range cur.members {
				deferred = append(deferred, m.req)
			}
		} else {
			ops = append(ops, cur)
		}
		cur = nil
	}

	for _, m := range members {
		if cur != nil {
			sameCluster := m.cluster == cur.cluster
			contiguous := m.req.PageStart <= cur.endPage+1
			pageBytes := cur.pageBytes
			if m.req.PageBytes > pageBytes {
				pageBytes = m.req.PageBytes
			}
			newEnd := cur.endPage
			if m.req.PageEnd > newEnd {
				newEnd = m.req.PageEnd
			}
			mergedBytes := (newEnd - cur.startPage + 1) * pageBytes
			if contiguous && (sameCluster || c.PrefixFanout) && mergedBytes <= c.MaxIOBytes {
				cur.endPage = newEnd
				cur.pageBytes = pageBytes
				cur.members = append(cur.members, m)
				if m.req.DeadlineMS < cur.deadline {
					cur.deadline = m.req.DeadlineMS
				}
				if m.score.Value > cur.priority {
					cur.priority = m.score.Value
				}
				continue
			}
		}
		flush()
		runID++
		cur = &candidateOp{
			key:       key,
			cluster:   m.cluster,
			runID:     runID,
			startPage: m.req.PageStart,
			endPage:   m.req.PageEnd,
			pageBytes: m.req.PageBytes,
			deadline:  m.req.DeadlineMS,
			priority:  m.score.Value,
			members:   []*scoredRequest{m},
		}
	}
	flush()
	return ops, deferred
}
