package labels

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entry remembers a resolved label or a confirmed absence.
type entry struct {
	label string
	found bool
}

// cache is a bounded LRU of lookup outcomes. A nil cache stores nothing.
//
// epoch advances on every eviction request. A lookup records the epoch before it reaches the
// batcher and stores its outcome only if no eviction happened meanwhile, so a fetch that
// started before a resource change never writes its result back.
type cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, entry]
	epoch uint64
}

func newCache(size int) (*cache, error) {
	if size <= 0 {
		return nil, nil
	}
	inner, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &cache{lru: inner}, nil
}

func (c *cache) get(iri string) (entry, bool) {
	if c == nil {
		return entry{}, false
	}
	return c.lru.Get(iri)
}

// generation returns the current epoch for a later putAt.
func (c *cache) generation() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// putAt stores e unless an eviction happened after gen was taken. It reports whether the
// entry was stored.
func (c *cache) putAt(iri string, e entry, gen uint64) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != gen {
		return false
	}
	c.lru.Add(iri, e)
	return true
}

// evict removes iris and returns the ones that were cached. It always advances the epoch,
// even when nothing was cached, because a fetch for one of iris may be in flight.
func (c *cache) evict(iris []string) []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	var evicted []string
	for _, iri := range iris {
		if c.lru.Remove(iri) {
			evicted = append(evicted, iri)
		}
	}
	return evicted
}

func (c *cache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
