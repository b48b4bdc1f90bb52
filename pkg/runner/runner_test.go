package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hephaestus-ai/hephaestus/pkg/agent"
	"github.com/hephaestus-ai/hephaestus/pkg/breaker"
	"github.com/hephaestus-ai/hephaestus/pkg/bus"
	"github.com/hephaestus-ai/hephaestus/pkg/cache"
	"github.com/hephaestus-ai/hephaestus/pkg/clock"
	"github.com/hephaestus-ai/hephaestus/pkg/orchestrator"
	"github.com/hephaestus-ai/hephaestus/pkg/queue"
	"github.com/hephaestus-ai/hephaestus/pkg/ratelimit"
	"github.com/hephaestus-ai/hephaestus/pkg/retry"
	"github.com/hephaestus-ai/hephaestus/pkg/state"
)

type stack struct {
	queue  *queue.Queue
	cache  *cache.Cache
	orch   *orchestrator.Orchestrator
	runner *Runner
}

func newStack(t *testing.T, planner Planner, invoker agent.Invoker) *stack {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.snap"), nil)
	require.NoError(t, err)

	st := state.New()
	b := bus.New(bus.Options{})
	pool := ratelimit.NewPool([]ratelimit.KeySpec{
		{ID: "k1", Provider: "anthropic", Secret: "sk-test"},
	}, ratelimit.PoolOptions{})
	limiter := ratelimit.New(ratelimit.Options{MaxConcurrent: 8}, pool)
	breakers := breaker.NewRegistry(breaker.Options{})
	orch := orchestrator.New(orchestrator.Options{
		MaxWorkers: 4,
		Retry:      retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}, st, b, limiter, breakers, invoker, nil)
	c := cache.New(cache.Options{MaxEntries: 64, DefaultTTL: time.Hour})

	r := New(Options{DequeueTimeout: 50 * time.Millisecond}, q, planner, orch, c)
	t.Cleanup(func() {
		r.Stop()
		orch.Close()
		b.Close()
		st.Close()
		c.Close()
		q.Close()
	})
	return &stack{queue: q, cache: c, orch: orch, runner: r}
}

func echoInvoker() agent.Invoker {
	return agent.InvokerFunc(func(_ context.Context, _ agent.Class, input []byte) ([]byte, error) {
		return input, nil
	})
}

// twoTaskPlanner builds a dependent pair and caches under the objective's
// fingerprint.
func twoTaskPlanner() Planner {
	return PlannerFunc(func(_ context.Context, obj *queue.Objective) (Plan, error) {
		fp := clock.Fingerprint(obj.Payload)
		// Task IDs are unique per attempt so a re-enqueued objective can be
		// resubmitted.
		prefix := fmt.Sprintf("%s-%d", obj.ID, obj.Attempts)
		return Plan{
			Tasks: []orchestrator.TaskSpec{
				{ID: prefix + "-plan", Class: agent.ClassArchitect, Input: obj.Payload},
				{ID: prefix + "-build", Class: agent.ClassCoder, Input: obj.Payload, DependsOn: []string{prefix + "-plan"}},
			},
			CacheKey:  fp,
			CacheTags: []string{"objective:" + obj.ID},
		}, nil
	})
}

func enqueue(t *testing.T, q *queue.Queue, id string, payload string) {
	t.Helper()
	require.NoError(t, q.Enqueue(&queue.Objective{
		ID:          id,
		Payload:     []byte(payload),
		Priority:    5,
		EnqueuedAt:  time.Now(),
		MaxAttempts: 3,
	}))
}

func TestCycleSucceedsAcksAndCaches(t *testing.T) {
	s := newStack(t, twoTaskPlanner(), echoInvoker())
	enqueue(t, s.queue, "obj-1", "build the forge")

	s.runner.Start(context.Background())

	require.Eventually(t, func() bool {
		return s.runner.Stats().Succeeded == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := s.queue.Stats()
	assert.Equal(t, 0, stats.Depth)
	assert.Equal(t, 0, stats.InFlight)

	cached, ok := s.cache.Get(clock.Fingerprint([]byte("build the forge")))
	require.True(t, ok, "artifact must be cached under the objective fingerprint")
	results := cached.([]orchestrator.TaskResult)
	assert.Len(t, results, 2)
}

func TestFailedObjectiveNackedUntilDeadLetter(t *testing.T) {
	inv := agent.InvokerFunc(func(context.Context, agent.Class, []byte) ([]byte, error) {
		return nil, agent.Errorf(agent.KindPermanent, "forge is cold")
	})
	s := newStack(t, twoTaskPlanner(), inv)
	require.NoError(t, s.queue.Enqueue(&queue.Objective{
		ID:          "doomed",
		Payload:     []byte("x"),
		Priority:    1,
		EnqueuedAt:  time.Now(),
		MaxAttempts: 2,
	}))

	s.runner.Start(context.Background())

	require.Eventually(t, func() bool {
		return s.queue.Stats().DeadLettered == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := s.queue.Stats()
	assert.Equal(t, 0, stats.Depth)
	assert.GreaterOrEqual(t, s.runner.Stats().Failed, uint64(2))

	_, ok := s.cache.Get(clock.Fingerprint([]byte("x")))
	assert.False(t, ok, "failed objectives must not cache artifacts")
}

func TestPlannerErrorNacks(t *testing.T) {
	planner := PlannerFunc(func(context.Context, *queue.Objective) (Plan, error) {
		return Plan{}, agent.NewValidation("unintelligible objective")
	})
	s := newStack(t, planner, echoInvoker())
	require.NoError(t, s.queue.Enqueue(&queue.Objective{
		ID:          "garbled",
		Payload:     []byte("y"),
		EnqueuedAt:  time.Now(),
		MaxAttempts: 1,
	}))

	s.runner.Start(context.Background())
	require.Eventually(t, func() bool {
		return s.queue.Stats().DeadLettered == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEmptyPlanAcks(t *testing.T) {
	planner := PlannerFunc(func(context.Context, *queue.Objective) (Plan, error) {
		return Plan{}, nil
	})
	s := newStack(t, planner, echoInvoker())
	enqueue(t, s.queue, "noop", "already done")

	s.runner.Start(context.Background())
	require.Eventually(t, func() bool {
		return s.runner.Stats().Succeeded == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.queue.Stats().Depth)
}

func TestStopHaltsDequeue(t *testing.T) {
	s := newStack(t, twoTaskPlanner(), echoInvoker())
	s.runner.Start(context.Background())
	s.runner.Stop()

	// Work enqueued after Stop is left for the next process.
	enqueue(t, s.queue, "later", "z")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, s.queue.Stats().Depth)
	assert.Equal(t, uint64(0), s.runner.Stats().Cycles)
}

func TestMultipleObjectivesInPriorityOrder(t *testing.T) {
	var order []string
	done := make(chan struct{}, 3)
	planner := PlannerFunc(func(_ context.Context, obj *queue.Objective) (Plan, error) {
		order = append(order, obj.ID) // single runner loop, no race
		done <- struct{}{}
		return Plan{Tasks: []orchestrator.TaskSpec{
			{ID: obj.ID + "-t", Class: agent.ClassCoder, Input: obj.Payload},
		}}, nil
	})
	s := newStack(t, planner, echoInvoker())

	for _, o := range []struct {
		id       string
		priority int
	}{{"low", 1}, {"mid", 5}, {"high", 9}} {
		require.NoError(t, s.queue.Enqueue(&queue.Objective{
			ID:          o.id,
			Priority:    o.priority,
			EnqueuedAt:  time.Now(),
			MaxAttempts: 1,
		}))
	}

	s.runner.Start(context.Background())
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for objectives")
		}
	}
	s.runner.Stop()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}
