package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hephaestus-ai/hephaestus/pkg/breaker"
	"github.com/hephaestus-ai/hephaestus/pkg/cache"
	"github.com/hephaestus-ai/hephaestus/pkg/metrics"
	"github.com/hephaestus-ai/hephaestus/pkg/queue"
	"github.com/hephaestus-ai/hephaestus/pkg/ratelimit"
)

func newTestServer(t *testing.T) (*Server, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.snap"), nil)
	require.NoError(t, err)
	c := cache.New(cache.Options{MaxEntries: 8, DefaultTTL: time.Hour})
	pool := ratelimit.NewPool([]ratelimit.KeySpec{
		{ID: "k1", Provider: "anthropic", Secret: "sk-very-secret"},
	}, ratelimit.PoolOptions{})
	limiter := ratelimit.New(ratelimit.Options{MaxConcurrent: 4}, pool)
	m := metrics.New()
	m.ObserveQueue(q)
	m.ObserveCache(c)

	s := NewServer(Deps{
		Queue:    q,
		Cache:    c,
		Breakers: breaker.NewRegistry(breaker.Options{}),
		Limiter:  limiter,
		Registry: m.Registry(),
	})
	t.Cleanup(func() {
		c.Close()
		q.Close()
	})
	return s, q
}

func TestHealthSnapshot(t *testing.T) {
	s, q := newTestServer(t)
	require.NoError(t, q.Enqueue(&queue.Objective{
		ID:          "obj-1",
		Priority:    5,
		EnqueuedAt:  time.Now(),
		MaxAttempts: 3,
	}))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Queue.Depth)
	assert.Equal(t, 4, h.RateLimit.MaxConcurrent)
	require.Len(t, h.RateLimit.Keys, 1)
	assert.Equal(t, "k1", h.RateLimit.Keys[0].ID)
}

func TestHealthNeverLeaksSecrets(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotContains(t, rec.Body.String(), "sk-very-secret")
}

func TestMetricsEndpoint(t *testing.T) {
	s, q := newTestServer(t)
	require.NoError(t, q.Enqueue(&queue.Objective{
		ID:          "obj-2",
		Priority:    1,
		EnqueuedAt:  time.Now(),
		MaxAttempts: 3,
	}))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hephaestus_queue_depth 1")
	assert.Contains(t, rec.Body.String(), "hephaestus_cache_entries 0")
}

func TestEnqueueObjective(t *testing.T) {
	s, q := newTestServer(t)

	body := strings.NewReader(`{"id": "obj-9", "payload": {"goal": "build"}, "priority": 7}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/objectives", body)
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "obj-9")
	assert.Equal(t, 1, q.Stats().Depth)

	// Same ID again conflicts.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/objectives",
		strings.NewReader(`{"id": "obj-9", "payload": {}}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEnqueueRejectsMissingPayload(t *testing.T) {
	s, q := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/objectives", strings.NewReader(`{"priority": 1}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, q.Stats().Depth)
}

func TestReadyz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
