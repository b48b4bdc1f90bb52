// Package cache implements the artifact cache: TTL expiry, an LRU bound on
// entry count, and tag-based cascade invalidation. Entries may declare tags
// they produced; invalidating a tag removes every entry carrying it and
// recursively every entry carrying a tag produced by a removed entry.
package cache

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/hephaestus-ai/hephaestus/pkg/clock"
)

// Options configure a Cache.
type Options struct {
	// MaxEntries bounds the entry count; the least recently used entry is
	// evicted when exceeded. Zero means 1024.
	MaxEntries int
	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration
	// SweepInterval is the period of the background TTL sweeper. Zero
	// disables the sweeper (expiry still enforced lazily on Get).
	SweepInterval time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries         int    `json:"entries"`
	Hits            uint64 `json:"hits"`
	Misses          uint64 `json:"misses"`
	Evictions       uint64 `json:"evictions"`
	Expirations     uint64 `json:"expirations"`
	Invalidations   uint64 `json:"invalidations"`
	MaxCascadeDepth int    `json:"max_cascade_depth"`
}

type entry struct {
	key          string
	value        any
	createdAt    time.Time
	lastAccess   time.Time
	hitCount     uint64
	ttl          time.Duration
	tags         []string
	producedTags []string
}

// Cache is safe for concurrent use.
type Cache struct {
	opts Options
	clk  clock.Clock

	mu        sync.Mutex
	elems     map[string]*list.Element // key → element holding *entry
	lru       *list.List               // front = most recently used
	tagIndex  map[string]map[string]struct{} // tag → keys carrying it
	producers map[string]map[string]struct{} // tag → keys that produced it
	stats     Stats

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a cache and starts its sweeper (when configured).
func New(opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1024
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	c := &Cache{
		opts:      opts,
		clk:       opts.Clock,
		elems:     make(map[string]*list.Element),
		lru:       list.New(),
		tagIndex:  make(map[string]map[string]struct{}),
		producers: make(map[string]map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

// Set stores value under key. Tags mark what the entry depends on;
// producedTags mark what the entry itself produced (downstream entries tagged
// with those cascade-invalidate together with this entry).
func (c *Cache) Set(key string, value any, ttl time.Duration, tags, producedTags []string) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.elems[key]; ok {
		c.removeLocked(elem, &c.stats.Invalidations)
	}

	e := &entry{
		key:          key,
		value:        value,
		createdAt:    now,
		lastAccess:   now,
		ttl:          ttl,
		tags:         tags,
		producedTags: producedTags,
	}
	c.elems[key] = c.lru.PushFront(e)
	for _, tag := range tags {
		if c.tagIndex[tag] == nil {
			c.tagIndex[tag] = make(map[string]struct{})
		}
		c.tagIndex[tag][key] = struct{}{}
	}
	for _, tag := range producedTags {
		if c.producers[tag] == nil {
			c.producers[tag] = make(map[string]struct{})
		}
		c.producers[tag][key] = struct{}{}
	}

	for len(c.elems) > c.opts.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest, &c.stats.Evictions)
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.elems[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	e := elem.Value.(*entry)
	if e.ttl > 0 && c.clk.Since(e.createdAt) > e.ttl {
		c.removeLocked(elem, &c.stats.Expirations)
		c.stats.Misses++
		return nil, false
	}
	e.lastAccess = c.clk.Now()
	e.hitCount++
	c.lru.MoveToFront(elem)
	c.stats.Hits++
	return e.value, true
}

// Invalidate removes a single key. Returns true if it was present.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.elems[key]
	if !ok {
		return false
	}
	c.removeLocked(elem, &c.stats.Invalidations)
	return true
}

// InvalidateByTag removes every entry carrying tag, then cascades: tags
// produced by any removed entry are invalidated recursively. Returns the
// number of entries removed.
func (c *Cache) InvalidateByTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	depth := 0
	visited := map[string]struct{}{}
	frontier := []string{tag}

	for len(frontier) > 0 {
		depth++
		var next []string
		for _, t := range frontier {
			if _, seen := visited[t]; seen {
				continue
			}
			visited[t] = struct{}{}
			for key := range c.tagIndex[t] {
				elem, ok := c.elems[key]
				if !ok {
					continue
				}
				e := elem.Value.(*entry)
				next = append(next, e.producedTags...)
				c.removeLocked(elem, &c.stats.Invalidations)
				removed++
			}
		}
		frontier = next
	}

	if removed > 0 && depth > c.stats.MaxCascadeDepth {
		c.stats.MaxCascadeDepth = depth
	}
	return removed
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.elems)
	return s
}

// Close stops the sweeper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// removeLocked unlinks an entry and its index references. counter is the
// stat bucket charged for the removal.
func (c *Cache) removeLocked(elem *list.Element, counter *uint64) {
	e := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.elems, e.key)
	for _, tag := range e.tags {
		if keys := c.tagIndex[tag]; keys != nil {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(c.tagIndex, tag)
			}
		}
	}
	for _, tag := range e.producedTags {
		if keys := c.producers[tag]; keys != nil {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(c.producers, tag)
			}
		}
	}
	*counter++
}

func (c *Cache) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.sweep(); n > 0 {
				slog.Debug("Cache sweep removed expired entries", "count", n)
			}
		}
	}
}

// sweep removes all expired entries. Exposed for tests via the fake clock.
func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*list.Element
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*entry)
		if e.ttl > 0 && c.clk.Since(e.createdAt) > e.ttl {
			expired = append(expired, elem)
		}
	}
	for _, elem := range expired {
		c.removeLocked(elem, &c.stats.Expirations)
	}
	return len(expired)
}
