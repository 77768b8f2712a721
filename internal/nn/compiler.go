package nn

import (
	"encoding/binary"
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachingCompiler memoizes compiled computations by request. Minibatches of a
// fixed shape recompile nothing after the first one.
type CachingCompiler struct {
	inner Compiler
	cache *lru.Cache[uint64, cacheEntry]

	hits   int
	misses int
}

type cacheEntry struct {
	req  *ComputationRequest
	comp Computation
}

// NewCachingCompiler wraps inner with an LRU cache of at most capacity
// computations. A capacity <= 0 disables caching.
func NewCachingCompiler(inner Compiler, capacity int) *CachingCompiler {
	c := &CachingCompiler{inner: inner}
	if capacity > 0 {
		// lru.New only fails for a non-positive size.
		c.cache, _ = lru.New[uint64, cacheEntry](capacity)
	}
	return c
}

func (c *CachingCompiler) Compile(req *ComputationRequest) (Computation, error) {
	if c.cache == nil {
		c.misses++
		return c.inner.Compile(req)
	}

	key := requestKey(req)
	if entry, ok := c.cache.Get(key); ok {
		if requestsEqual(entry.req, req) {
			c.hits++
			return entry.comp, nil
		}
		c.cache.Remove(key)
	}

	c.misses++
	comp, err := c.inner.Compile(req)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cacheEntry{req: cloneRequest(req), comp: comp})
	return comp, nil
}

// Stats returns cache hits and misses so far.
func (c *CachingCompiler) Stats() (hits, misses int) {
	return c.hits, c.misses
}

// Len is the number of cached computations.
func (c *CachingCompiler) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

func requestKey(req *ComputationRequest) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	writeInt := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	writeBool := func(v bool) {
		if v {
			writeInt(1)
		} else {
			writeInt(0)
		}
	}
	writeSpecs := func(specs []IOSpec) {
		writeInt(len(specs))
		for _, spec := range specs {
			_, _ = h.Write([]byte(spec.Name))
			writeBool(spec.HasDeriv)
			writeInt(len(spec.Indexes))
			for _, idx := range spec.Indexes {
				writeInt(idx.N)
				writeInt(idx.T)
				writeInt(idx.X)
			}
		}
	}
	writeSpecs(req.Inputs)
	writeSpecs(req.Outputs)
	writeBool(req.NeedModelDerivative)
	writeBool(req.StoreComponentStats)
	return h.Sum64()
}

func requestsEqual(a, b *ComputationRequest) bool {
	if a.NeedModelDerivative != b.NeedModelDerivative || a.StoreComponentStats != b.StoreComponentStats {
		return false
	}
	return specsEqual(a.Inputs, b.Inputs) && specsEqual(a.Outputs, b.Outputs)
}

func specsEqual(a, b []IOSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].HasDeriv != b[i].HasDeriv || len(a[i].Indexes) != len(b[i].Indexes) {
			return false
		}
		for j := range a[i].Indexes {
			if a[i].Indexes[j] != b[i].Indexes[j] {
				return false
			}
		}
	}
	return true
}

func cloneRequest(req *ComputationRequest) *ComputationRequest {
	out := *req
	out.Inputs = cloneSpecs(req.Inputs)
	out.Outputs = cloneSpecs(req.Outputs)
	return &out
}

func cloneSpecs(specs []IOSpec) []IOSpec {
	out := make([]IOSpec, len(specs))
	for i, spec := range specs {
		spec.Indexes = append(spec.Indexes[:0:0], spec.Indexes...)
		out[i] = spec
	}
	return out
}
