// Package api serves the health and metrics surface plus the single intake
// endpoint. All other mutation happens through the queue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hephaestus-ai/hephaestus/pkg/adaptive"
	"github.com/hephaestus-ai/hephaestus/pkg/breaker"
	"github.com/hephaestus-ai/hephaestus/pkg/bus"
	"github.com/hephaestus-ai/hephaestus/pkg/cache"
	"github.com/hephaestus-ai/hephaestus/pkg/clock"
	"github.com/hephaestus-ai/hephaestus/pkg/orchestrator"
	"github.com/hephaestus-ai/hephaestus/pkg/queue"
	"github.com/hephaestus-ai/hephaestus/pkg/ratelimit"
	"github.com/hephaestus-ai/hephaestus/pkg/runner"
	"github.com/hephaestus-ai/hephaestus/pkg/version"
)

// Health is the full read-only snapshot returned by GET /health.
type Health struct {
	Status       string                   `json:"status"`
	Version      string                   `json:"version"`
	Time         time.Time                `json:"time"`
	Queue        queue.Stats              `json:"queue"`
	Orchestrator orchestrator.Stats       `json:"orchestrator"`
	Cache        cache.Stats              `json:"cache"`
	Breakers     map[string]breaker.State `json:"breakers"`
	RateLimit    ratelimit.Stats          `json:"rate_limit"`
	Adaptive     adaptive.Sample          `json:"adaptive"`
	Runner       runner.Stats             `json:"runner"`
	Bus          bus.Stats                `json:"bus"`
}

// Deps are the components the server snapshots. Any nil field is omitted
// from the health payload.
type Deps struct {
	Queue        *queue.Queue
	Orchestrator *orchestrator.Orchestrator
	Cache        *cache.Cache
	Breakers     *breaker.Registry
	Limiter      *ratelimit.Limiter
	Adaptive     *adaptive.Controller
	Runner       *runner.Runner
	Bus          *bus.Bus
	Registry     *prometheus.Registry

	// MaxAttempts stamps objectives submitted via POST /objectives.
	// Defaults to 3.
	MaxAttempts int
}

// Server is the HTTP surface.
type Server struct {
	deps Deps
	http *http.Server
}

// NewServer builds the router. Gin runs in release mode; the core's own
// logging covers request-level visibility.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 3
	}
	s := &Server{deps: deps}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", s.health)
	router.GET("/readyz", s.ready)
	if deps.Queue != nil {
		router.POST("/objectives", s.enqueue)
	}
	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	s.http = &http.Server{Handler: router}
	return s
}

// Start listens on addr and blocks until Shutdown.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	return s.http.ListenAndServe()
}

// Shutdown stops the server, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) health(c *gin.Context) {
	h := Health{Status: "ok", Version: version.Full(), Time: time.Now().UTC()}
	if s.deps.Queue != nil {
		h.Queue = s.deps.Queue.Stats()
	}
	if s.deps.Orchestrator != nil {
		h.Orchestrator = s.deps.Orchestrator.Stats()
	}
	if s.deps.Cache != nil {
		h.Cache = s.deps.Cache.Stats()
	}
	if s.deps.Breakers != nil {
		h.Breakers = s.deps.Breakers.States()
	}
	if s.deps.Limiter != nil {
		h.RateLimit = s.deps.Limiter.Stats()
	}
	if s.deps.Adaptive != nil {
		h.Adaptive = s.deps.Adaptive.LastSample()
	}
	if s.deps.Runner != nil {
		h.Runner = s.deps.Runner.Stats()
	}
	if s.deps.Bus != nil {
		h.Bus = s.deps.Bus.Stats()
	}
	c.JSON(http.StatusOK, h)
}

// ready reports liveness only; the process serves traffic as soon as the
// subsystems are wired.
func (s *Server) ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type enqueueRequest struct {
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload" binding:"required"`
	Priority int             `json:"priority"`
}

// enqueue accepts one objective into the durable queue. The ID is generated
// when omitted; duplicates are rejected.
func (s *Server) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = clock.NewID()
	}
	err := s.deps.Queue.Enqueue(&queue.Objective{
		ID:          req.ID,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: uint32(s.deps.MaxAttempts),
	})
	switch {
	case errors.Is(err, queue.ErrDuplicateID):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"id": req.ID})
	}
}
