package cache

import (
	"sort"
	"sync/atomic"
)

// counters tracks outcomes for one named cache.
type counters struct {
	hits          atomic.Int64
	stale         atomic.Int64
	misses        atomic.Int64
	errors        atomic.Int64
	revalidations atomic.Int64
	revalFailures atomic.Int64
}

func (c *counters) record(o Outcome, err error) {
	switch {
	case err != nil:
		c.errors.Add(1)
	case o == OutcomeHit:
		c.hits.Add(1)
	case o == OutcomeStale:
		c.stale.Add(1)
	default:
		c.misses.Add(1)
	}
}

// CacheStats summarizes one named cache.
type CacheStats struct {
	Name                 string  `json:"name"`
	Entries              int     `json:"entries"`
	Hits                 int64   `json:"hits"`
	StaleHits            int64   `json:"staleHits"`
	Misses               int64   `json:"misses"`
	Errors               int64   `json:"errors"`
	Revalidations        int64   `json:"revalidations"`
	RevalidationFailures int64   `json:"revalidationFailures"`
	Evictions            int64   `json:"evictions"`
	Expired              int64   `json:"expired"`
	HitRate              float64 `json:"hitRate"`
}

// Stats returns counters for every named cache, sorted by name.
func (p *Proxy) Stats() []CacheStats {
	out := make([]CacheStats, 0, len(p.caches))
	for name, c := range p.caches {
		st := CacheStats{
			Name:                 name,
			Entries:              c.store.Len(),
			Hits:                 c.counters.hits.Load(),
			StaleHits:            c.counters.stale.Load(),
			Misses:               c.counters.misses.Load(),
			Errors:               c.counters.errors.Load(),
			Revalidations:        c.counters.revalidations.Load(),
			RevalidationFailures: c.counters.revalFailures.Load(),
		}
		if ms, ok := c.store.(*MemoryStore); ok {
			ss := ms.Stats()
			st.Evictions = ss.Evictions
			st.Expired = ss.Expired
		}
		if total := st.Hits + st.StaleHits + st.Misses + st.Errors; total > 0 {
			st.HitRate = float64(st.Hits+st.StaleHits) / float64(total)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
