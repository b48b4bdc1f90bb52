// Package orchestrator schedules batches of dependent agent tasks across a
// bounded worker pool. Ready tasks flow through per-class semaphores, the
// rate limiter, the circuit breaker, and the retry policy before reaching the
// agent invoker; completions resolve dependents through the dependency graph
// and failures cascade cancellation to them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hephaestus-ai/hephaestus/pkg/adaptive"
	"github.com/hephaestus-ai/hephaestus/pkg/agent"
	"github.com/hephaestus-ai/hephaestus/pkg/breaker"
	"github.com/hephaestus-ai/hephaestus/pkg/bus"
	"github.com/hephaestus-ai/hephaestus/pkg/clock"
	"github.com/hephaestus-ai/hephaestus/pkg/ratelimit"
	"github.com/hephaestus-ai/hephaestus/pkg/retry"
	"github.com/hephaestus-ai/hephaestus/pkg/state"
)

// ErrShuttingDown rejects submissions after Close.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// CauseDeadline marks tasks cancelled because a deadline expired.
const CauseDeadline = "deadline_exceeded"

// CauseShutdown marks tasks cancelled by orchestrator shutdown.
const CauseShutdown = "shutdown"

// OutcomeRecorder receives finished-task observations; implemented by the
// adaptive controller. Cancelled tasks are not reported.
type OutcomeRecorder interface {
	RecordOutcome(success bool, execTime time.Duration)
}

// Options configure an Orchestrator.
type Options struct {
	// MaxWorkers bounds concurrently executing tasks across all classes.
	MaxWorkers int
	// DefaultClassLimit sizes per-class semaphores absent an override.
	DefaultClassLimit int
	// ClassLimits pins specific classes to fixed limits the adaptive
	// controller does not touch.
	ClassLimits map[agent.Class]int
	// HighWater is the ready-set size that raises the backpressure flag.
	HighWater int
	// Retry is the per-task retry policy.
	Retry retry.Policy
	// InvokeTimeout bounds a single invocation attempt, scaled by the
	// adaptive timeout multiplier. Zero means no per-attempt bound.
	InvokeTimeout time.Duration
	// AbandonGrace is how long AwaitAll waits for cancelled tasks to
	// finalize before abandoning them.
	AbandonGrace time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
}

func (o *Options) defaults() {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 8
	}
	if o.DefaultClassLimit <= 0 {
		o.DefaultClassLimit = 4
	}
	if o.HighWater <= 0 {
		o.HighWater = 64
	}
	if o.AbandonGrace <= 0 {
		o.AbandonGrace = time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
}

type taskRecord struct {
	spec    TaskSpec
	version uint64 // state store version of the last transition
	state   TaskState
	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
	once    sync.Once

	started   bool
	startedAt time.Time
	result    TaskResult
}

// Stats is the orchestrator's health snapshot.
type Stats struct {
	Tasks             int                `json:"tasks"`
	ByState           map[TaskState]int  `json:"by_state"`
	Ready             int                `json:"ready"`
	Classes           []ClassUtilization `json:"classes"`
	Workers           ClassUtilization   `json:"workers"`
	Backpressure      bool               `json:"backpressure"`
	TimeoutMultiplier float64            `json:"timeout_multiplier"`
}

// Orchestrator executes task DAGs.
type Orchestrator struct {
	opts     Options
	store    *state.Store
	bus      *bus.Bus
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	invoker  agent.Invoker
	recorder OutcomeRecorder
	clk      clock.Clock

	graph   *Graph
	workers *classSem
	sems    *classSems

	timeoutMult  atomic.Uint64 // float64 bits
	backpressure atomic.Bool

	mu    sync.Mutex
	tasks map[string]*taskRecord

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// New wires an orchestrator. recorder may be nil.
func New(opts Options, store *state.Store, eventBus *bus.Bus, limiter *ratelimit.Limiter,
	breakers *breaker.Registry, invoker agent.Invoker, recorder OutcomeRecorder) *Orchestrator {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:       opts,
		store:      store,
		bus:        eventBus,
		limiter:    limiter,
		breakers:   breakers,
		invoker:    invoker,
		recorder:   recorder,
		clk:        opts.Clock,
		graph:      NewGraph(),
		workers:    newClassSem(opts.MaxWorkers),
		sems:       newClassSems(opts.DefaultClassLimit, opts.ClassLimits),
		tasks:      make(map[string]*taskRecord),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
	o.timeoutMult.Store(math.Float64bits(1.0))
	return o
}

// Resize applies new limits from the adaptive controller. In-flight tasks
// are never interrupted; shrink takes effect by attrition.
func (o *Orchestrator) Resize(limits adaptive.Limits) {
	o.workers.SetLimit(limits.MaxWorkers)
	o.sems.resize(limits.PerClassLimit)
	mult := limits.TimeoutMultiplier
	if mult <= 0 {
		mult = 1.0
	}
	o.timeoutMult.Store(math.Float64bits(mult))
}

func taskKey(id string) string { return "task/" + id }

// SubmitBatch validates the batch as a DAG, registers every task, and starts
// the ready ones. On validation failure nothing is registered.
func (o *Orchestrator) SubmitBatch(specs []TaskSpec) ([]string, error) {
	if o.closed.Load() {
		return nil, ErrShuttingDown
	}
	for i := range specs {
		if specs[i].ID == "" {
			specs[i].ID = clock.NewID()
		}
		if known, ok := o.invoker.(interface{ Known(agent.Class) bool }); ok {
			if !known.Known(specs[i].Class) {
				return nil, agent.NewValidation(fmt.Sprintf("unknown agent class %q", specs[i].Class))
			}
		}
	}
	if err := o.graph.AddBatch(specs); err != nil {
		return nil, err
	}

	ids := make([]string, len(specs))
	o.mu.Lock()
	for i, s := range specs {
		ids[i] = s.ID
		ctx, cancel := context.WithCancelCause(o.rootCtx)
		if !s.Deadline.IsZero() {
			dlCtx, dlCancel := context.WithDeadline(ctx, s.Deadline)
			ctx = dlCtx
			parentCancel := cancel
			cancel = func(cause error) {
				parentCancel(cause)
				dlCancel()
			}
		}
		rec := &taskRecord{
			spec:   s,
			state:  StatePending,
			ctx:    ctx,
			cancel: cancel,
			done:   make(chan struct{}),
		}
		rec.version = o.store.Set(taskKey(s.ID), StatePending)
		o.tasks[s.ID] = rec
	}
	o.mu.Unlock()

	slog.Info("Batch submitted", "tasks", len(specs))
	o.scheduleReady()
	return ids, nil
}

// scheduleReady drains the graph's ready set into executor goroutines and
// maintains the backpressure flag.
func (o *Orchestrator) scheduleReady() {
	for _, id := range o.graph.TakeReady() {
		if !o.transition(id, StateReady) {
			continue
		}
		o.wg.Add(1)
		go o.execute(id)
	}

	ready := o.graph.ReadyLen()
	if ready > o.opts.HighWater {
		if o.backpressure.CompareAndSwap(false, true) {
			slog.Warn("Ready set exceeded high water", "ready", ready, "high_water", o.opts.HighWater)
			o.bus.Publish(o.rootCtx, bus.BackpressureDetected{Reason: "ready_set_high_water", At: o.clk.Now()})
		}
	} else if ready <= o.opts.HighWater/2 {
		o.backpressure.Store(false)
	}
}

// transition CASes the task's stored state forward. Returns false when the
// task already moved (terminal, or a concurrent transition won).
func (o *Orchestrator) transition(id string, to TaskState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.tasks[id]
	if !ok {
		return false
	}
	if rec.state.Terminal() || stateRank[to] <= stateRank[rec.state] {
		return false
	}
	v, ok := o.store.CAS(taskKey(id), rec.version, to)
	if !ok {
		slog.Error("Task state CAS lost", "task_id", id, "from", rec.state, "to", to)
		return false
	}
	rec.version = v
	rec.state = to
	return true
}

// markRunning transitions to RUNNING and stamps the start flag in the same
// critical section, so a concurrent Cancel observes a consistent started
// state when it publishes TaskCancelled.
func (o *Orchestrator) markRunning(rec *taskRecord) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := rec.spec.ID
	if rec.state.Terminal() || stateRank[StateRunning] <= stateRank[rec.state] {
		return false
	}
	v, ok := o.store.CAS(taskKey(id), rec.version, StateRunning)
	if !ok {
		slog.Error("Task state CAS lost", "task_id", id, "from", rec.state, "to", StateRunning)
		return false
	}
	rec.version = v
	rec.state = StateRunning
	rec.started = true
	rec.startedAt = o.clk.Now()
	return true
}

func (o *Orchestrator) record(id string) *taskRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tasks[id]
}

// execute runs one ready task through the full admission pipeline.
func (o *Orchestrator) execute(id string) {
	defer o.wg.Done()
	rec := o.record(id)
	if rec == nil {
		return
	}

	if err := o.workers.Acquire(rec.ctx); err != nil {
		o.finishCancelled(rec, o.cancelCause(rec))
		return
	}
	defer func() {
		o.workers.Release()
		o.bus.Publish(o.rootCtx, bus.ResourceAvailable{Kind: "worker", At: o.clk.Now()})
	}()

	sem := o.sems.get(rec.spec.Class)
	if err := sem.Acquire(rec.ctx); err != nil {
		o.finishCancelled(rec, o.cancelCause(rec))
		return
	}
	defer sem.Release()

	if !o.markRunning(rec) {
		return
	}
	o.graph.MarkRunning(id)
	o.bus.Publish(rec.ctx, bus.TaskStarted{TaskID: id, Class: rec.spec.Class, At: rec.startedAt})

	attempts := 0
	var output []byte
	err := retry.Do(rec.ctx, o.opts.Retry, func(ctx context.Context) error {
		attempts++
		out, attemptErr := o.attempt(ctx, rec)
		if attemptErr == nil {
			output = out
		}
		return attemptErr
	}, nil)

	execTime := o.clk.Now().Sub(rec.startedAt)
	switch {
	case err == nil:
		o.finishSucceeded(rec, output, attempts, execTime)
	case agent.Classify(err) == agent.KindCancelled:
		o.finishCancelled(rec, o.cancelCause(rec))
	default:
		o.finishFailed(rec, err, attempts, execTime)
	}
}

// attempt performs one invocation: rate-limit lease, breaker, agent call.
// The breaker endpoint is the leased key's provider paired with the class.
func (o *Orchestrator) attempt(ctx context.Context, rec *taskRecord) ([]byte, error) {
	if o.opts.InvokeTimeout > 0 {
		mult := math.Float64frombits(o.timeoutMult.Load())
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(float64(o.opts.InvokeTimeout)*mult))
		defer cancel()
	}

	lease, err := o.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var output []byte
	ep := breaker.Endpoint{Provider: lease.Provider(), Operation: string(rec.spec.Class)}
	err = o.breakers.For(ep).Call(ctx, func(ctx context.Context) error {
		ctx = agent.WithRequestID(ctx, rec.spec.ID)
		ctx = agent.WithAPIKeyID(ctx, lease.KeyID())
		out, invokeErr := o.invoker.Invoke(ctx, rec.spec.Class, rec.spec.Input)
		if invokeErr == nil {
			output = out
		}
		return invokeErr
	})
	lease.Release(leaseOutcome(err))
	return output, err
}

// leaseOutcome maps an attempt error to key-pool accounting. Errors that say
// nothing about the key's health (cancellation, open breaker, permanent
// payload rejection) count as key success.
func leaseOutcome(err error) ratelimit.Outcome {
	switch agent.Classify(err) {
	case agent.KindTransient, agent.KindRateLimited:
		return ratelimit.OutcomeRetryable
	case agent.KindAuth:
		return ratelimit.OutcomeAuthFailure
	default:
		return ratelimit.OutcomeSuccess
	}
}

// cancelCause extracts the cascade or deadline cause for a cancelled task.
func (o *Orchestrator) cancelCause(rec *taskRecord) string {
	if cause := context.Cause(rec.ctx); cause != nil {
		var cc *cascadeCause
		if errors.As(cause, &cc) {
			return cc.origin
		}
		if errors.Is(cause, context.DeadlineExceeded) {
			return CauseDeadline
		}
		if !errors.Is(cause, context.Canceled) {
			return cause.Error()
		}
	}
	return ""
}

// cascadeCause carries the originating task ID through context cancellation.
type cascadeCause struct{ origin string }

func (c *cascadeCause) Error() string { return "cancelled by " + c.origin }

func (o *Orchestrator) finishSucceeded(rec *taskRecord, output []byte, attempts int, execTime time.Duration) {
	id := rec.spec.ID
	if !o.transition(id, StateSucceeded) {
		return
	}
	now := o.clk.Now()
	rec.once.Do(func() {
		rec.result = TaskResult{
			TaskID:     id,
			Class:      rec.spec.Class,
			State:      StateSucceeded,
			OK:         true,
			Value:      output,
			Attempts:   attempts,
			StartedAt:  rec.startedAt,
			FinishedAt: now,
		}
		close(rec.done)
	})
	o.bus.Publish(o.rootCtx, bus.TaskCompleted{TaskID: id, Class: rec.spec.Class, Result: output, At: now})
	if o.recorder != nil {
		o.recorder.RecordOutcome(true, execTime)
	}

	resolved, _ := o.graph.MarkSucceeded(id)
	for _, edge := range resolved {
		o.bus.Publish(o.rootCtx, bus.DependencyResolved{FromID: edge.From, ToID: edge.To, At: now})
	}
	o.scheduleReady()
}

func (o *Orchestrator) finishFailed(rec *taskRecord, taskErr error, attempts int, execTime time.Duration) {
	id := rec.spec.ID
	if !o.transition(id, StateFailed) {
		return
	}
	now := o.clk.Now()
	rec.once.Do(func() {
		rec.result = TaskResult{
			TaskID:     id,
			Class:      rec.spec.Class,
			State:      StateFailed,
			Err:        taskErr,
			Error:      taskErr.Error(),
			Attempts:   attempts,
			StartedAt:  rec.startedAt,
			FinishedAt: now,
		}
		close(rec.done)
	})
	slog.Warn("Task failed",
		"task_id", id,
		"class", rec.spec.Class,
		"attempts", attempts,
		"error", taskErr)
	o.bus.Publish(o.rootCtx, bus.TaskFailed{TaskID: id, Class: rec.spec.Class, Error: taskErr.Error(), At: now})
	if o.recorder != nil {
		o.recorder.RecordOutcome(false, execTime)
	}
	o.cascadeFrom(id, StateFailed)
}

// finishCancelled finalizes a task that never produced a result.
func (o *Orchestrator) finishCancelled(rec *taskRecord, cause string) {
	id := rec.spec.ID
	if !o.transition(id, StateCancelled) {
		return
	}
	o.finalizeCancelled(rec, cause)
	o.cascadeFrom(id, StateCancelled)
}

func (o *Orchestrator) finalizeCancelled(rec *taskRecord, cause string) {
	now := o.clk.Now()
	o.mu.Lock()
	started := rec.started
	startedAt := rec.startedAt
	o.mu.Unlock()
	rec.once.Do(func() {
		rec.result = TaskResult{
			TaskID:     rec.spec.ID,
			Class:      rec.spec.Class,
			State:      StateCancelled,
			Cause:      cause,
			StartedAt:  startedAt,
			FinishedAt: now,
		}
		close(rec.done)
	})
	o.bus.Publish(o.rootCtx, bus.TaskCancelled{
		TaskID:  rec.spec.ID,
		Class:   rec.spec.Class,
		Cause:   cause,
		Started: started,
		At:      now,
	})
}

// cascadeFrom cancels every non-terminal transitive dependent with cause set
// to the originating task.
func (o *Orchestrator) cascadeFrom(id string, terminal TaskState) {
	cancelled := o.graph.Cascade(id, terminal)
	for depID, origin := range cancelled {
		rec := o.record(depID)
		if rec == nil {
			continue
		}
		rec.cancel(&cascadeCause{origin: origin})
		if o.transition(depID, StateCancelled) {
			o.finalizeCancelled(rec, origin)
		}
	}
	if len(cancelled) > 0 {
		slog.Info("Failure cascade cancelled dependents", "origin", id, "cancelled", len(cancelled))
	}
}

// Cancel cancels a task: immediately if it has not started, via context if
// running. Dependents cascade either way.
func (o *Orchestrator) Cancel(id string) {
	rec := o.record(id)
	if rec == nil {
		return
	}
	rec.cancel(context.Canceled)
	// Not yet running: finalize here instead of waiting for an executor.
	o.mu.Lock()
	notStarted := rec.state == StatePending || rec.state == StateReady
	o.mu.Unlock()
	if notStarted && o.transition(id, StateCancelled) {
		o.finalizeCancelled(rec, "cancelled")
		o.cascadeFrom(id, StateCancelled)
	}
}

// AwaitAll blocks until every task reaches a terminal state or the deadline
// passes. On deadline expiry the remaining tasks are cancelled, partial
// results are returned in ids order, and the error is the context error.
func (o *Orchestrator) AwaitAll(ctx context.Context, ids []string, deadline time.Time) ([]TaskResult, error) {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	results := make([]TaskResult, len(ids))
	var waitErr error
	for i, id := range ids {
		rec := o.record(id)
		if rec == nil {
			results[i] = TaskResult{TaskID: id, State: StateCancelled, Cause: "unknown task"}
			continue
		}
		if waitErr == nil {
			select {
			case <-rec.done:
			case <-ctx.Done():
				waitErr = ctx.Err()
			}
		}
		if waitErr != nil {
			// The wait ended early: cancel what remains with the matching
			// cause and give each task a short grace to finalize;
			// non-compliant agents are abandoned.
			cause := CauseDeadline
			cancelErr := error(context.DeadlineExceeded)
			if !errors.Is(waitErr, context.DeadlineExceeded) {
				cause = "cancelled"
				cancelErr = context.Canceled
			}
			rec.cancel(cancelErr)
			if o.transition(id, StateCancelled) {
				o.finalizeCancelled(rec, cause)
				o.cascadeFrom(id, StateCancelled)
			}
			select {
			case <-rec.done:
			case <-time.After(o.opts.AbandonGrace):
				slog.Warn("Abandoning unresponsive task", "task_id", id)
				results[i] = TaskResult{TaskID: id, Class: rec.spec.Class, State: StateCancelled, Cause: cause}
				continue
			}
		}
		o.mu.Lock()
		results[i] = rec.result
		o.mu.Unlock()
	}
	return results, waitErr
}

// Result returns a task's terminal result if it finished.
func (o *Orchestrator) Result(id string) (TaskResult, bool) {
	rec := o.record(id)
	if rec == nil {
		return TaskResult{}, false
	}
	select {
	case <-rec.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return rec.result, true
	default:
		return TaskResult{}, false
	}
}

// Backpressured reports whether the ready set is above high water; the cycle
// runner pauses dequeuing while set.
func (o *Orchestrator) Backpressured() bool { return o.backpressure.Load() }

// Stats returns the orchestrator's health snapshot.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	byState := make(map[TaskState]int)
	for _, rec := range o.tasks {
		byState[rec.state]++
	}
	total := len(o.tasks)
	o.mu.Unlock()

	wInUse, wLimit := o.workers.Usage()
	return Stats{
		Tasks:             total,
		ByState:           byState,
		Ready:             o.graph.ReadyLen(),
		Classes:           o.sems.utilization(),
		Workers:           ClassUtilization{Class: "all", InUse: wInUse, Limit: wLimit},
		Backpressure:      o.backpressure.Load(),
		TimeoutMultiplier: math.Float64frombits(o.timeoutMult.Load()),
	}
}

// Close cancels all in-flight work and waits for executors to return.
func (o *Orchestrator) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	o.mu.Lock()
	recs := make([]*taskRecord, 0, len(o.tasks))
	for _, rec := range o.tasks {
		recs = append(recs, rec)
	}
	o.mu.Unlock()
	for _, rec := range recs {
		rec.cancel(errors.New(CauseShutdown))
	}
	o.rootCancel()
	o.wg.Wait()
}
