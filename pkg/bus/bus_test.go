package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hephaestus-ai/hephaestus/pkg/agent"
)

func collectN(t *testing.T, n int) (Handler, func() []Event) {
	t.Helper()
	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})
	h := func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	}
	wait := func() []Event {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d events", n)
		}
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(got))
		copy(out, got)
		return out
	}
	return h, wait
}

func TestPublishSubscribe(t *testing.T) {
	b := New(DefaultOptions())
	defer b.Close()

	h, wait := collectN(t, 2)
	b.Subscribe(h, EventTypeTaskStarted, EventTypeTaskCompleted)

	ctx := context.Background()
	b.Publish(ctx, TaskStarted{TaskID: "t1", Class: agent.ClassCoder, At: time.Now()})
	b.Publish(ctx, TaskFailed{TaskID: "t2", Class: agent.ClassCoder, Error: "x", At: time.Now()}) // filtered out
	b.Publish(ctx, TaskCompleted{TaskID: "t1", Class: agent.ClassCoder, At: time.Now()})

	got := wait()
	require.Len(t, got, 2)
	assert.Equal(t, EventTypeTaskStarted, got[0].Type())
	assert.Equal(t, EventTypeTaskCompleted, got[1].Type())
}

func TestPerSourceOrdering(t *testing.T) {
	b := New(DefaultOptions())
	defer b.Close()

	const perSource = 50
	h, wait := collectN(t, 2*perSource)
	b.Subscribe(h)

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, src := range []string{"a", "b"} {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			for i := 0; i < perSource; i++ {
				if i == 0 {
					b.Publish(ctx, TaskStarted{TaskID: src, At: time.Now()})
				} else if i == perSource-1 {
					b.Publish(ctx, TaskCompleted{TaskID: src, At: time.Now()})
				} else {
					b.Publish(ctx, DependencyResolved{FromID: src, ToID: "x", At: time.Now()})
				}
			}
		}(src)
	}
	wg.Wait()

	got := wait()

	// Per source: started first, completed last, in emission order.
	perSrc := map[string][]EventType{}
	for _, ev := range got {
		perSrc[ev.Source()] = append(perSrc[ev.Source()], ev.Type())
	}
	for src, types := range perSrc {
		require.Len(t, types, perSource, "source %s", src)
		assert.Equal(t, EventTypeTaskStarted, types[0], "source %s", src)
		assert.Equal(t, EventTypeTaskCompleted, types[len(types)-1], "source %s", src)
	}
}

func TestBackpressureOnFullQueue(t *testing.T) {
	opts := Options{QueueSize: 2, PublishTimeout: 50 * time.Millisecond, ShedThreshold: 4}
	b := New(opts)
	defer b.Close()

	block := make(chan struct{})
	var mu sync.Mutex
	var seen []EventType
	b.Subscribe(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type())
		mu.Unlock()
		<-block
	})

	ctx := context.Background()
	// Saturate the subscriber and the intake queue.
	for i := 0; i < 12; i++ {
		b.Publish(ctx, ResourceAvailable{Kind: "slot", At: time.Now()})
	}
	close(block)

	stats := b.Stats()
	assert.GreaterOrEqual(t, stats.Backpressure, uint64(1))
	assert.Greater(t, stats.Dropped+stats.Shed, uint64(0))
}

func TestCloseDrains(t *testing.T) {
	b := New(DefaultOptions())

	h, wait := collectN(t, 10)
	b.Subscribe(h)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		b.Publish(ctx, ResourceAvailable{Kind: "slot", At: time.Now()})
	}
	b.Close()

	got := wait()
	assert.Len(t, got, 10)

	// Publishing after close drops silently.
	b.Publish(ctx, ResourceAvailable{Kind: "slot", At: time.Now()})
	assert.GreaterOrEqual(t, b.Stats().Dropped, uint64(1))
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New(DefaultOptions())
	defer b.Close()

	h, wait := collectN(t, 2)
	b.Subscribe(func(Event) { panic("handler bug") })
	b.Subscribe(h)

	ctx := context.Background()
	b.Publish(ctx, ResourceAvailable{Kind: "a", At: time.Now()})
	b.Publish(ctx, ResourceAvailable{Kind: "b", At: time.Now()})

	assert.Len(t, wait(), 2)
}
