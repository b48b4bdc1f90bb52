// Package runner drives the top-level objective cycle: pull an objective
// from the durable queue, ask the planner for a task DAG, submit it to the
// orchestrator, commit the artifact to the cache on success, and ack or nack
// the objective.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hephaestus-ai/hephaestus/pkg/cache"
	"github.com/hephaestus-ai/hephaestus/pkg/clock"
	"github.com/hephaestus-ai/hephaestus/pkg/orchestrator"
	"github.com/hephaestus-ai/hephaestus/pkg/queue"
)

// Plan is the planner's decomposition of one objective.
type Plan struct {
	// Tasks form the DAG submitted to the orchestrator.
	Tasks []orchestrator.TaskSpec
	// Deadline bounds the whole objective; zero means none.
	Deadline time.Time
	// CacheKey is the objective fingerprint the artifact is stored under.
	// Empty skips caching.
	CacheKey string
	// CacheTTL for the artifact; zero uses the cache default.
	CacheTTL time.Duration
	// CacheTags and ProducedTags feed cascade invalidation.
	CacheTags    []string
	ProducedTags []string
}

// Planner turns an objective into a task DAG. External collaborator; the
// runner never interprets payloads.
type Planner interface {
	Plan(ctx context.Context, obj *queue.Objective) (Plan, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, obj *queue.Objective) (Plan, error)

func (f PlannerFunc) Plan(ctx context.Context, obj *queue.Objective) (Plan, error) {
	return f(ctx, obj)
}

// Options configure the runner.
type Options struct {
	// DequeueTimeout bounds one dequeue wait so the loop can observe
	// shutdown and backpressure.
	DequeueTimeout time.Duration
	// BackpressureSleep is how long the loop pauses while the orchestrator
	// reports backpressure.
	BackpressureSleep time.Duration
	// OnCycle, if set, is called with the outcome of every finished cycle.
	OnCycle func(ok bool)
	// Clock defaults to the real clock.
	Clock clock.Clock
}

func (o *Options) defaults() {
	if o.DequeueTimeout <= 0 {
		o.DequeueTimeout = 2 * time.Second
	}
	if o.BackpressureSleep <= 0 {
		o.BackpressureSleep = time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
}

// Stats is the runner's health snapshot.
type Stats struct {
	Status       string    `json:"status"` // running, stopped
	Cycles       uint64    `json:"cycles"`
	Succeeded    uint64    `json:"succeeded"`
	Failed       uint64    `json:"failed"`
	Active       int64     `json:"active"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// Runner owns the objective loop.
type Runner struct {
	opts    Options
	queue   *queue.Queue
	planner Planner
	orch    *orchestrator.Orchestrator
	cache   *cache.Cache
	clk     clock.Clock

	cycles       atomic.Uint64
	succeeded    atomic.Uint64
	failed       atomic.Uint64
	active       atomic.Int64
	running      atomic.Bool
	lastActivity atomic.Int64 // unix nanos, 0 until the first cycle

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires a runner. cache may be nil to disable artifact caching.
func New(opts Options, q *queue.Queue, planner Planner, orch *orchestrator.Orchestrator, c *cache.Cache) *Runner {
	opts.defaults()
	return &Runner{
		opts:    opts,
		queue:   q,
		planner: planner,
		orch:    orch,
		cache:   c,
		clk:     opts.Clock,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the objective loop.
func (r *Runner) Start(ctx context.Context) {
	r.running.Store(true)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Store(false)
		r.loop(ctx)
	}()
}

// Stop halts dequeuing and waits for the in-flight cycle to settle. The
// orchestrator and queue are owned by the caller and shut down separately.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Runner) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *Runner) loop(ctx context.Context) {
	for !r.stopping(ctx) {
		if r.orch.Backpressured() {
			slog.Info("Backpressure reported, pausing dequeue", "sleep", r.opts.BackpressureSleep)
			timer := time.NewTimer(r.opts.BackpressureSleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-r.stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		dctx, cancel := context.WithTimeout(ctx, r.pollTimeout())
		obj, err := r.queue.Dequeue(dctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			// Queue closed or ctx cancelled: the loop is done.
			return
		}
		r.runCycle(ctx, obj)
	}
}

// pollTimeout adds up to 20% jitter so restarted replicas sharing a queue
// path do not wake in lockstep.
func (r *Runner) pollTimeout() time.Duration {
	base := r.opts.DequeueTimeout
	if j := base / 5; j > 0 {
		base += rand.N(j)
	}
	return base
}

// runCycle processes one objective end to end.
func (r *Runner) runCycle(ctx context.Context, obj *queue.Objective) {
	r.cycles.Add(1)
	r.active.Add(1)
	defer r.active.Add(-1)
	started := r.clk.Now()
	r.lastActivity.Store(started.UnixNano())
	log := slog.With("objective_id", obj.ID, "priority", obj.Priority, "attempt", obj.Attempts)

	plan, err := r.planner.Plan(ctx, obj)
	if err != nil {
		r.fail(log, obj, fmt.Sprintf("plan: %v", err))
		return
	}
	if len(plan.Tasks) == 0 {
		// Nothing to do counts as success; planners prune already-satisfied
		// objectives via the cache.
		log.Info("Planner returned empty DAG, acking objective")
		r.ackAndCommit(log, obj, plan, nil)
		return
	}

	ids, err := r.orch.SubmitBatch(plan.Tasks)
	if err != nil {
		r.fail(log, obj, fmt.Sprintf("submit: %v", err))
		return
	}
	log.Info("Objective submitted", "tasks", len(ids))

	results, err := r.orch.AwaitAll(ctx, ids, plan.Deadline)
	if err != nil {
		r.fail(log, obj, fmt.Sprintf("await: %v", err))
		return
	}
	for _, res := range results {
		if !res.OK {
			reason := res.Error
			if reason == "" {
				reason = fmt.Sprintf("task %s %s (cause: %s)", res.TaskID, res.State, res.Cause)
			}
			r.fail(log, obj, reason)
			return
		}
	}
	r.ackAndCommit(log, obj, plan, results)
}

func (r *Runner) ackAndCommit(log *slog.Logger, obj *queue.Objective, plan Plan, results []orchestrator.TaskResult) {
	if err := r.queue.Ack(obj.ID); err != nil {
		log.Error("Ack failed", "error", err)
		return
	}
	r.succeeded.Add(1)
	if r.opts.OnCycle != nil {
		r.opts.OnCycle(true)
	}
	if r.cache != nil && plan.CacheKey != "" {
		r.cache.Set(plan.CacheKey, results, plan.CacheTTL, plan.CacheTags, plan.ProducedTags)
		log.Info("Objective completed, artifact cached",
			"cache_key", plan.CacheKey,
			"tags", plan.CacheTags)
		return
	}
	log.Info("Objective completed")
}

func (r *Runner) fail(log *slog.Logger, obj *queue.Objective, reason string) {
	r.failed.Add(1)
	if r.opts.OnCycle != nil {
		r.opts.OnCycle(false)
	}
	log.Warn("Objective failed, nacking", "reason", reason)
	if err := r.queue.Nack(obj.ID, reason); err != nil {
		log.Error("Nack failed", "error", err)
	}
}

// Stats returns the runner's counters.
func (r *Runner) Stats() Stats {
	s := Stats{
		Status:    "stopped",
		Cycles:    r.cycles.Load(),
		Succeeded: r.succeeded.Load(),
		Failed:    r.failed.Load(),
		Active:    r.active.Load(),
	}
	if r.running.Load() {
		s.Status = "running"
	}
	if ns := r.lastActivity.Load(); ns != 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}
