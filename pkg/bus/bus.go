package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes events on its own dispatch goroutine. Handlers are
// serialized per handler; they must not block. A handler whose backlog
// exceeds the shed threshold has events dropped (logged and counted).
type Handler func(Event)

// Options configure a Bus.
type Options struct {
	// QueueSize bounds the central intake queue.
	QueueSize int
	// PublishTimeout bounds how long Publish blocks when the intake queue is
	// full before dropping the event.
	PublishTimeout time.Duration
	// ShedThreshold is the per-handler backlog above which events are shed.
	ShedThreshold int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:      1024,
		PublishTimeout: 2 * time.Second,
		ShedThreshold:  256,
	}
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published    uint64 `json:"published"`
	Dropped      uint64 `json:"dropped"`
	Shed         uint64 `json:"shed"`
	Backpressure uint64 `json:"backpressure_episodes"`
	Congested    bool   `json:"congested"`
	QueueDepth   int    `json:"queue_depth"`
	Subscribers  int    `json:"subscribers"`
}

type subscriber struct {
	types map[EventType]bool // nil means all types
	ch    chan Event
	done  chan struct{}
}

// Bus is a single in-process event bus with a bounded intake queue, one
// dispatcher goroutine, and one delivery goroutine per subscriber. The single
// dispatcher preserves emission order per source for every subscriber.
type Bus struct {
	opts   Options
	intake chan Event

	mu   sync.RWMutex
	subs []*subscriber

	published    atomic.Uint64
	dropped      atomic.Uint64
	shed         atomic.Uint64
	backpressure atomic.Uint64
	congested    atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates and starts a bus.
func New(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	if opts.ShedThreshold <= 0 {
		opts.ShedThreshold = DefaultOptions().ShedThreshold
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultOptions().PublishTimeout
	}
	b := &Bus{
		opts:   opts,
		intake: make(chan Event, opts.QueueSize),
		stopCh: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a handler for the given event types. An empty type list
// subscribes to everything. The handler runs on a dedicated goroutine.
func (b *Bus) Subscribe(handler Handler, types ...EventType) {
	sub := &subscriber{
		ch:   make(chan Event, b.opts.ShedThreshold),
		done: make(chan struct{}),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case ev := <-sub.ch:
				b.deliver(handler, ev)
			case <-sub.done:
				// Drain what was queued before shutdown.
				for {
					select {
					case ev := <-sub.ch:
						b.deliver(handler, ev)
					default:
						return
					}
				}
			}
		}
	}()
}

func (b *Bus) deliver(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked", "event_type", ev.Type(), "source", ev.Source(), "panic", r)
		}
	}()
	handler(ev)
}

// Publish places an event on the bus. When the intake queue is full the
// caller publishes BackpressureDetected (once per congestion episode) and
// blocks up to the publish timeout; on timeout the event is dropped and
// counted. Cancellation of ctx also abandons the send.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	select {
	case <-b.stopCh:
		b.dropped.Add(1)
		return
	default:
	}

	select {
	case b.intake <- ev:
		b.published.Add(1)
		b.congested.Store(false)
		return
	default:
	}

	// Intake full: raise backpressure once per episode, then block bounded.
	if b.congested.CompareAndSwap(false, true) {
		b.backpressure.Add(1)
		bp := BackpressureDetected{Reason: "event bus queue full", At: time.Now()}
		select {
		case b.intake <- bp:
			b.published.Add(1)
		default:
			// Queue still full; the counter already records the episode.
		}
	}

	timer := time.NewTimer(b.opts.PublishTimeout)
	defer timer.Stop()
	select {
	case b.intake <- ev:
		b.published.Add(1)
	case <-timer.C:
		b.dropped.Add(1)
		slog.Warn("Event dropped after publish timeout", "event_type", ev.Type(), "source", ev.Source())
	case <-ctx.Done():
		b.dropped.Add(1)
	case <-b.stopCh:
		b.dropped.Add(1)
	}
}

// dispatch fans intake events out to subscriber queues.
func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.intake:
			b.fanout(ev)
		case <-b.stopCh:
			for {
				select {
				case ev := <-b.intake:
					b.fanout(ev)
				default:
					b.mu.RLock()
					for _, sub := range b.subs {
						close(sub.done)
					}
					b.mu.RUnlock()
					return
				}
			}
		}
	}
}

func (b *Bus) fanout(ev Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil && !sub.types[ev.Type()] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber backlog exceeded the shed threshold: drop for this
			// subscriber only, keep the dispatcher moving.
			b.shed.Add(1)
			slog.Warn("Shedding event for slow subscriber", "event_type", ev.Type(), "source", ev.Source())
		}
	}
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:    b.published.Load(),
		Dropped:      b.dropped.Load(),
		Shed:         b.shed.Load(),
		Backpressure: b.backpressure.Load(),
		Congested:    b.congested.Load(),
		QueueDepth:   len(b.intake),
		Subscribers:  subs,
	}
}

// Close stops the bus after draining queued events. Safe to call multiple times.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}
