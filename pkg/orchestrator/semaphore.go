package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/hephaestus-ai/hephaestus/pkg/agent"
)

// classSem is a resizable counting semaphore. Growing wakes waiters
// immediately; shrinking never interrupts holders, capacity drains by
// attrition as permits are released.
type classSem struct {
	mu    sync.Mutex
	cond  *sync.Cond
	limit int
	inUse int
}

func newClassSem(limit int) *classSem {
	s := &classSem{limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a permit is available or ctx is done.
func (s *classSem) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.inUse >= s.limit {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.inUse++
	return nil
}

func (s *classSem) Release() {
	s.mu.Lock()
	s.inUse--
	s.cond.Broadcast()
	s.mu.Unlock()
}

// SetLimit resizes the semaphore. Holders above a lowered limit keep their
// permits.
func (s *classSem) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	s.mu.Lock()
	s.limit = limit
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *classSem) Usage() (inUse, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse, s.limit
}

// ClassUtilization is the per-class slot usage for the health surface.
type ClassUtilization struct {
	Class agent.Class `json:"class"`
	InUse int         `json:"in_use"`
	Limit int         `json:"limit"`
}

// classSems holds one semaphore per agent class, created on demand at the
// current default limit. The adaptive controller resizes all of them.
type classSems struct {
	mu           sync.Mutex
	sems         map[agent.Class]*classSem
	defaultLimit int
	overrides    map[agent.Class]int // fixed per-class limits from config
}

func newClassSems(defaultLimit int, overrides map[agent.Class]int) *classSems {
	if defaultLimit < 1 {
		defaultLimit = 1
	}
	return &classSems{
		sems:         make(map[agent.Class]*classSem),
		defaultLimit: defaultLimit,
		overrides:    overrides,
	}
}

func (c *classSems) get(class agent.Class) *classSem {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sems[class]
	if !ok {
		limit := c.defaultLimit
		if o, ok := c.overrides[class]; ok && o > 0 {
			limit = o
		}
		s = newClassSem(limit)
		c.sems[class] = s
	}
	return s
}

// resize applies a new default to every class without a config override.
func (c *classSems) resize(limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultLimit = limit
	for class, s := range c.sems {
		if _, fixed := c.overrides[class]; fixed {
			continue
		}
		s.SetLimit(limit)
	}
}

func (c *classSems) utilization() []ClassUtilization {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClassUtilization, 0, len(c.sems))
	for class, s := range c.sems {
		inUse, limit := s.Usage()
		out = append(out, ClassUtilization{Class: class, InUse: inUse, Limit: limit})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}
