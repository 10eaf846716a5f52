package fetchdb

import (
	"sync"
	"sync/atomic"
)

// DefaultPlanCacheSize bounds the plan cache when Options don't say.
const DefaultPlanCacheSize = 1024

// PlanCache holds compiled plans keyed by shape fingerprint. Reads are
// lock-free; the mutex guards only insertion and eviction. Eviction is
// insertion-ordered, which approximates LRU well enough for a cache of
// compiled shapes.
type PlanCache struct {
	plans sync.Map // uint64 → *QueryPlan

	mu       sync.Mutex
	capacity int
	order    []uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newPlanCache(capacity int) *PlanCache {
	if capacity <= 0 {
		capacity = DefaultPlanCacheSize
	}
	return &PlanCache{capacity: capacity}
}

func (c *PlanCache) get(fp uint64) (*QueryPlan, bool) {
	v, ok := c.plans.Load(fp)
	if !ok {
		c.misses.Add(1)
		metricPlanCacheMisses.Inc()
		return nil, false
	}
	c.hits.Add(1)
	metricPlanCacheHits.Inc()
	return v.(*QueryPlan), true
}

// put inserts a plan unless another goroutine compiled the same shape
// first, in which case the winner is returned.
func (c *PlanCache) put(plan *QueryPlan) *QueryPlan {
	actual, loaded := c.plans.LoadOrStore(plan.fingerprint, plan)
	if loaded {
		return actual.(*QueryPlan)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, plan.fingerprint)
	for len(c.order) > c.capacity {
		victim := c.order[0]
		c.order = c.order[1:]
		c.plans.Delete(victim)
		metricPlanCacheEvictions.Inc()
	}
	return plan
}

func (c *PlanCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fp := range c.order {
		c.plans.Delete(fp)
	}
	c.order = c.order[:0]
}

func (c *PlanCache) stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
