package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hephaestus-ai/hephaestus/pkg/agent"
)

func spec(id string, deps ...string) TaskSpec {
	return TaskSpec{ID: id, Class: agent.ClassCoder, DependsOn: deps}
}

func TestTakeReadyPriorityOrder(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddBatch([]TaskSpec{
		{ID: "low", Class: agent.ClassCoder, Priority: 1},
		{ID: "high", Class: agent.ClassCoder, Priority: 9},
		{ID: "mid-a", Class: agent.ClassCoder, Priority: 5},
		{ID: "mid-b", Class: agent.ClassCoder, Priority: 5},
	}))
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, g.TakeReady(),
		"drain is highest priority first, ties by id")
}

func TestAddBatchReadySet(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddBatch([]TaskSpec{
		spec("a"),
		spec("b", "a"),
		spec("c", "a", "b"),
	}))

	assert.ElementsMatch(t, []string{"a"}, g.TakeReady())
	assert.Empty(t, g.TakeReady(), "ready set drains on take")
}

func TestCycleRejected(t *testing.T) {
	g := NewGraph()
	err := g.AddBatch([]TaskSpec{
		spec("a", "c"),
		spec("b", "a"),
		spec("c", "b"),
	})
	require.Error(t, err)
	assert.Equal(t, agent.KindValidation, agent.Classify(err))

	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Edges, 3, "all offending edges reported")

	// Nothing from the rejected batch is registered.
	assert.Equal(t, 0, g.Len())
}

func TestSelfDependencyRejected(t *testing.T) {
	g := NewGraph()
	err := g.AddBatch([]TaskSpec{spec("a", "a")})
	require.Error(t, err)
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
}

func TestUnknownDependencyRejected(t *testing.T) {
	g := NewGraph()
	err := g.AddBatch([]TaskSpec{spec("a", "ghost")})
	require.Error(t, err)
	assert.Equal(t, agent.KindValidation, agent.Classify(err))
}

func TestDuplicateIDRejected(t *testing.T) {
	g := NewGraph()
	err := g.AddBatch([]TaskSpec{spec("a"), spec("a")})
	require.Error(t, err)
}

func TestSucceededResolvesDependents(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddBatch([]TaskSpec{
		spec("a"),
		spec("b", "a"),
		spec("c", "a"),
		spec("d", "b", "c"),
	}))
	g.TakeReady()

	resolved, ready := g.MarkSucceeded("a")
	assert.ElementsMatch(t, []Edge{{From: "a", To: "b"}, {From: "a", To: "c"}}, resolved)
	assert.Equal(t, []string{"b", "c"}, ready)

	_, ready = g.MarkSucceeded("b")
	assert.Empty(t, ready, "d still waits on c")
	_, ready = g.MarkSucceeded("c")
	assert.Equal(t, []string{"d"}, ready)
}

func TestCascadeCancelsTransitiveDependents(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddBatch([]TaskSpec{
		spec("a"),
		spec("b", "a"),
		spec("c", "b"),
		spec("other"),
	}))

	cancelled := g.Cascade("a", StateFailed)
	assert.Equal(t, map[string]string{"b": "a", "c": "a"}, cancelled)

	st, _ := g.State("a")
	assert.Equal(t, StateFailed, st)
	for _, id := range []string{"b", "c"} {
		st, _ := g.State(id)
		assert.Equal(t, StateCancelled, st)
	}
	st, _ = g.State("other")
	assert.Equal(t, StateReady, st, "unrelated task untouched")
}

func TestCascadeSkipsSucceededDependents(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddBatch([]TaskSpec{
		spec("a"),
		spec("b", "a"),
		spec("c", "a"),
	}))
	g.MarkSucceeded("a")
	g.MarkSucceeded("b")

	cancelled := g.Cascade("a", StateFailed)
	_, hasB := cancelled["b"]
	assert.False(t, hasB, "succeeded dependent stays succeeded")

	// a already terminal: cascade does not rewrite its state.
	st, _ := g.State("a")
	assert.Equal(t, StateSucceeded, st)
	st, _ = g.State("c")
	assert.Equal(t, StateCancelled, st)
}

func TestDependencyOnSucceededTask(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddBatch([]TaskSpec{spec("a")}))
	g.TakeReady()
	g.MarkSucceeded("a")

	// A later batch depending on an already-succeeded task is ready at once.
	require.NoError(t, g.AddBatch([]TaskSpec{spec("b", "a")}))
	assert.ElementsMatch(t, []string{"b"}, g.TakeReady())
}
