package plan

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Clusterer groups requests by approximate prefix similarity using MinHash
// signatures with LSH banding. Two requests whose band keys collide in at
// least one band land in the same cluster. This is a coalescing-opportunity
// heuristic, never correctness-critical identity: false positives and
// negatives only shift which ops coalesce.
//
// Disabled mode maps every request to a singleton cluster keyed by its own
// prefix id, a supported passthrough for parity testing.
type Clusterer struct {
	Enabled   bool
	NumHashes int
	Bands     int
	Shingle   int
}

// NewClusterer builds a Clusterer from config. Assumes the config was
// validated (NumHashes divisible by Bands).
func NewClusterer(cfg ClusterConfig, enabled bool) *Clusterer {
	return &Clusterer{
		Enabled:   enabled,
		NumHashes: cfg.NumHashes,
		Bands:     cfg.Bands,
		Shingle:   cfg.Shingle,
	}
}

// Cluster assigns a dense cluster id to every request. Cluster ids are
// deterministic for a given request order: numbered by first appearance.
func (c *Clusterer) Cluster(reqs []*Request) map[int64]int64 {
	if !c.Enabled {
		return c.singletons(reqs)
	}

	// Band key -> indices of requests hashing into it.
	type bandKey struct {
		band int
		hash uint64
	}
	buckets := make(map[bandKey][]int)
	rows := c.NumHashes / c.Bands

	for i, req := range reqs {
		sig := c.signature(req.PageIDs())
		for b := 0; b < c.Bands; b++ {
			h := bandHash(sig[b*rows : (b+1)*rows])
			k := bandKey{band: b, hash: h}
			buckets[k] = append(buckets[k], i)
		}
	}

	// Union requests sharing any band bucket.
	uf := newUnionFind(len(reqs))
	for _, members := range buckets {
		for i := 1; i < len(members); i++ {
			uf.union(members[0], members[i])
		}
	}

	out := make(map[int64]int64, len(reqs))
	dense := make(map[int]int64)
	var next int64
	for i, req := range reqs {
		root := uf.find(i)
		id, ok := dense[root]
		if !ok {
			id = next
			next++
			dense[root] = id
		}
		out[req.ID] = id
	}
	return out
}

// signature computes the MinHash sketch of a page-id sequence: for each of
// NumHashes seeded hash functions, the minimum hash over all shingles.
func (c *Clusterer) signature(pageIDs []int64) []uint64 {
	shingles := c.shingles(pageIDs)
	sig := make([]uint64, c.NumHashes)
	for i := range sig {
		minV := ^uint64(0)
		for _, sh := range shingles {
			if v := seededHash(uint64(i), sh); v < minV {
				minV = v
			}
		}
		sig[i] = minV
	}
	return sig
}

// shingles returns the k-gram byte encodings of the page-id sequence. A
// sequence shorter than the shingle width yields a single shingle.
func (c *Clusterer) shingles(pageIDs []int64) [][]byte {
	k := c.Shingle
	if len(pageIDs) <= k {
		return [][]byte{encodeIDs(pageIDs)}
	}
	out := make([][]byte, 0, len(pageIDs)-k+1)
	for i := 0; i+k <= len(pageIDs); i++ {
		out = append(out, encodeIDs(pageIDs[i:i+k]))
	}
	return out
}

func (c *Clusterer) singletons(reqs []*Request) map[int64]int64 {
	out := make(map[int64]int64, len(reqs))
	dense := make(map[string]int64)
	var next int64
	for _, req := range reqs {
		id, ok := dense[req.PrefixID]
		if !ok {
			id = next
			next++
			dense[req.PrefixID] = id
		}
		out[req.ID] = id
	}
	return out
}

func encodeIDs(ids []int64) []byte {
	buf := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(id))
	}
	return buf
}

// seededHash mixes the seed into the shingle digest so each MinHash row
// behaves as an independent hash function.
func seededHash(seed uint64, shingle []byte) uint64 {
	var d xxhash.Digest
	d.Reset()
	var sb [8]byte
	binary.LittleEndian.PutUint64(sb[:], seed)
	d.Write(sb[:])
	d.Write(shingle)
	return d.Sum64()
}

func bandHash(rows []uint64) uint64 {
	buf := make([]byte, 8*len(rows))
	for i, r := range rows {
		binary.LittleEndian.PutUint64(buf[i*8:], r)
	}
	return xxhash.Sum64(buf)
}

// unionFind is a minimal disjoint-set over request indices.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
}
