package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hephaestus-ai/hephaestus/pkg/clock"
)

func newTestCache(max int) (*Cache, *clock.Fake) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Options{MaxEntries: max, DefaultTTL: time.Hour, Clock: fake})
	return c, fake
}

func TestSetGet(t *testing.T) {
	c, _ := newTestCache(10)
	defer c.Close()

	c.Set("k", "v", 0, []string{"t1"}, nil)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestTTLExpiry(t *testing.T) {
	c, fake := newTestCache(10)
	defer c.Close()

	c.Set("short", "v", time.Minute, nil, nil)
	fake.Advance(2 * time.Minute)

	_, ok := c.Get("short")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestSweepRemovesExpired(t *testing.T) {
	c, fake := newTestCache(10)
	defer c.Close()

	c.Set("a", 1, time.Minute, nil, nil)
	c.Set("b", 2, time.Hour, nil, nil)
	fake.Advance(5 * time.Minute)

	assert.Equal(t, 1, c.sweep())
	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(1), stats.Expirations)

	_, ok := c.Get("b")
	assert.True(t, ok)
}

func TestLRUEviction(t *testing.T) {
	c, _ := newTestCache(3)
	defer c.Close()

	c.Set("a", 1, 0, nil, nil)
	c.Set("b", 2, 0, nil, nil)
	c.Set("c", 3, 0, nil, nil)

	// Touch "a" so "b" becomes the LRU victim.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4, 0, nil, nil)

	_, ok = c.Get("b")
	assert.False(t, ok, "LRU victim should be evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "key %s", k)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestInvalidateByTag(t *testing.T) {
	c, _ := newTestCache(10)
	defer c.Close()

	c.Set("a", 1, 0, []string{"alpha"}, nil)
	c.Set("b", 2, 0, []string{"alpha", "beta"}, nil)
	c.Set("c", 3, 0, []string{"gamma"}, nil)

	removed := c.InvalidateByTag("alpha")
	assert.Equal(t, 2, removed)

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCascadeInvalidation(t *testing.T) {
	c, _ := newTestCache(10)
	defer c.Close()

	// plan produced tag "design"; code carries "design" and produced "binary";
	// artifact carries "binary". Invalidating "plan" must remove all three.
	c.Set("plan", "p", 0, []string{"plan"}, []string{"design"})
	c.Set("code", "c", 0, []string{"design"}, []string{"binary"})
	c.Set("artifact", "a", 0, []string{"binary"}, nil)
	c.Set("unrelated", "u", 0, []string{"other"}, nil)

	removed := c.InvalidateByTag("plan")
	assert.Equal(t, 3, removed)

	for _, k := range []string{"plan", "code", "artifact"} {
		_, ok := c.Get(k)
		assert.False(t, ok, "key %s should cascade-invalidate", k)
	}
	_, ok := c.Get("unrelated")
	assert.True(t, ok)

	assert.GreaterOrEqual(t, c.Stats().MaxCascadeDepth, 3)
}

func TestCascadeCycleTerminates(t *testing.T) {
	c, _ := newTestCache(10)
	defer c.Close()

	// a produces tag-b, b produces tag-a: a cycle in the tag graph.
	c.Set("a", 1, 0, []string{"tag-a"}, []string{"tag-b"})
	c.Set("b", 2, 0, []string{"tag-b"}, []string{"tag-a"})

	removed := c.InvalidateByTag("tag-a")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, c.Stats().Entries)
}

// After invalidate_by_tag(t), no get returns an entry tagged t until re-set.
func TestInvalidationVisibility(t *testing.T) {
	c, _ := newTestCache(100)
	defer c.Close()

	for i := 0; i < 20; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, 0, []string{"shared"}, nil)
	}
	c.InvalidateByTag("shared")

	for i := 0; i < 20; i++ {
		_, ok := c.Get(fmt.Sprintf("k%d", i))
		assert.False(t, ok)
	}

	// Re-set makes the key visible again.
	c.Set("k0", "fresh", 0, []string{"shared"}, nil)
	got, ok := c.Get("k0")
	require.True(t, ok)
	assert.Equal(t, "fresh", got)
}

func TestOverwriteReplacesTags(t *testing.T) {
	c, _ := newTestCache(10)
	defer c.Close()

	c.Set("k", 1, 0, []string{"old"}, nil)
	c.Set("k", 2, 0, []string{"new"}, nil)

	assert.Equal(t, 0, c.InvalidateByTag("old"))
	assert.Equal(t, 1, c.InvalidateByTag("new"))
}
