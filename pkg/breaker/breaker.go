// Package breaker implements per-endpoint circuit breaking. An endpoint is a
// (provider, operation) pair; each gets an independent CLOSED/OPEN/HALF_OPEN
// state machine. OPEN fails fast without invoking the callee; HALF_OPEN
// admits exactly one concurrent probe.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hephaestus-ai/hephaestus/pkg/agent"
	"github.com/hephaestus-ai/hephaestus/pkg/clock"
)

// State of one breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Endpoint identifies one protected downstream.
type Endpoint struct {
	Provider  string `json:"provider"`
	Operation string `json:"operation"`
}

func (e Endpoint) String() string { return e.Provider + "/" + e.Operation }

// OpenError is returned without invoking the callee while the breaker is
// open (or while a half-open probe is already in flight).
type OpenError struct {
	Endpoint Endpoint
	Until    time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Endpoint, e.Until.Format(time.RFC3339))
}

// Options configure breaker thresholds.
type Options struct {
	// FailureThreshold is the failure count within the window that opens
	// the breaker.
	FailureThreshold int
	// Window is the sliding window over which failures are counted.
	Window time.Duration
	// TimeoutToProbe is how long the breaker stays open before admitting a
	// half-open probe.
	TimeoutToProbe time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
}

func (o *Options) defaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.TimeoutToProbe <= 0 {
		o.TimeoutToProbe = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
}

// Breaker protects one endpoint.
type Breaker struct {
	opts     Options
	endpoint Endpoint
	clk      clock.Clock

	mu          sync.Mutex
	state       State
	failures    []time.Time // failure timestamps within the window
	lastFailure time.Time
	probing     bool // a half-open probe is in flight
}

// NewBreaker creates a closed breaker for one endpoint.
func NewBreaker(endpoint Endpoint, opts Options) *Breaker {
	opts.defaults()
	return &Breaker{
		opts:     opts,
		endpoint: endpoint,
		clk:      opts.Clock,
		state:    StateClosed,
	}
}

// Call runs fn under the breaker. In OPEN it returns *OpenError (tagged
// BreakerOpen) without invoking fn. In HALF_OPEN exactly one concurrent call
// probes; others see *OpenError.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// admit decides whether a call may proceed, claiming the probe slot in
// HALF_OPEN.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(b.lastFailure) < b.opts.TimeoutToProbe {
			return b.openErrLocked()
		}
		b.state = StateHalfOpen
		b.probing = true
		slog.Info("Circuit half-open, admitting probe", "endpoint", b.endpoint.String())
		return nil
	case StateHalfOpen:
		if b.probing {
			return b.openErrLocked()
		}
		b.probing = true
		return nil
	}
	return nil
}

// record applies the call outcome to the state machine. Cancellation is not
// counted as an endpoint failure.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	probeWas := b.probing
	b.probing = false

	if err == nil || agent.Classify(err) == agent.KindCancelled {
		if b.state == StateHalfOpen && probeWas {
			b.state = StateClosed
			b.failures = b.failures[:0]
			slog.Info("Circuit closed after successful probe", "endpoint", b.endpoint.String())
		}
		return
	}

	b.lastFailure = now
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		slog.Warn("Circuit re-opened after failed probe", "endpoint", b.endpoint.String())
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimLocked(now)
		if len(b.failures) >= b.opts.FailureThreshold {
			b.state = StateOpen
			slog.Warn("Circuit opened",
				"endpoint", b.endpoint.String(),
				"failures", len(b.failures),
				"window", b.opts.Window)
		}
	}
}

func (b *Breaker) trimLocked(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func (b *Breaker) openErrLocked() error {
	return agent.Wrap(agent.KindBreakerOpen, &OpenError{
		Endpoint: b.endpoint,
		Until:    b.lastFailure.Add(b.opts.TimeoutToProbe),
	})
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry lazily creates one breaker per endpoint.
type Registry struct {
	opts Options

	mu       sync.Mutex
	breakers map[Endpoint]*Breaker
}

// NewRegistry creates a registry applying opts to every endpoint.
func NewRegistry(opts Options) *Registry {
	opts.defaults()
	return &Registry{opts: opts, breakers: make(map[Endpoint]*Breaker)}
}

// For returns (creating if needed) the breaker for an endpoint.
func (r *Registry) For(endpoint Endpoint) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[endpoint]
	if !ok {
		b = NewBreaker(endpoint, r.opts)
		r.breakers[endpoint] = b
	}
	return b
}

// States returns the state of every known endpoint, for the health surface.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for ep, b := range r.breakers {
		out[ep.String()] = b.State()
	}
	return out
}
