package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hephaestus-ai/hephaestus/pkg/agent"
)

// ErrNoKeys is returned when every key in the pool is disabled (nothing can
// become available by waiting).
var ErrNoKeys = errors.New("no API keys available")

// Options configure a Limiter.
type Options struct {
	// CallsPerMinute is the token bucket refill rate. Zero means unlimited.
	CallsPerMinute int
	// Burst is the bucket size; defaults to max(1, CallsPerMinute/10).
	Burst int
	// MaxConcurrent is the hard cap on in-flight calls.
	MaxConcurrent int
}

// Outcome describes how a leased call ended, for key health accounting.
type Outcome int

const (
	// OutcomeSuccess marks a successful call.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable marks a 429/5xx/network failure; the key cools down.
	OutcomeRetryable
	// OutcomeAuthFailure marks a 401/403; repeated ones disable the key.
	OutcomeAuthFailure
)

// Lease is a granted permit bound to a chosen API key. Exactly one Release
// must follow each successful Acquire.
type Lease struct {
	limiter *Limiter
	key     *key
	done    atomic.Bool
}

// KeyID identifies the chosen key. The secret is available to the invocation
// boundary only.
func (l *Lease) KeyID() string { return l.key.id }

// Provider returns the key's provider tag.
func (l *Lease) Provider() string { return l.key.provider }

// Secret exposes the credential for the outbound call. Never log it.
func (l *Lease) Secret() string { return l.key.secret }

// Release returns the concurrency slot and reports the call outcome to the
// key pool. Subsequent calls are no-ops.
func (l *Lease) Release(outcome Outcome) {
	if !l.done.CompareAndSwap(false, true) {
		return
	}
	switch outcome {
	case OutcomeSuccess:
		l.limiter.pool.reportSuccess(l.key)
	case OutcomeRetryable:
		l.limiter.pool.reportRetryable(l.key)
	case OutcomeAuthFailure:
		l.limiter.pool.reportAuthFailure(l.key)
	}
	l.limiter.inFlight.Add(-1)
	l.limiter.slots.Release(1)
}

// Stats is the limiter's health snapshot.
type Stats struct {
	InFlight      int64       `json:"in_flight"`
	MaxConcurrent int         `json:"max_concurrent"`
	Admitted      uint64      `json:"admitted"`
	Keys          []KeyHealth `json:"keys"`
}

// Limiter admits calls through (in fixed order) the concurrency cap, the
// token bucket, and the key pool. The fixed order is the deadlock-avoidance
// contract shared with the orchestrator's semaphores.
type Limiter struct {
	slots    *semaphore.Weighted
	bucket   *rate.Limiter
	pool     *Pool
	maxConc  int
	inFlight atomic.Int64
	admitted atomic.Uint64
}

// New creates a limiter over the given key pool.
func New(opts Options, pool *Pool) *Limiter {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	var bucket *rate.Limiter
	if opts.CallsPerMinute > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = opts.CallsPerMinute / 10
			if burst < 1 {
				burst = 1
			}
		}
		bucket = rate.NewLimiter(rate.Limit(float64(opts.CallsPerMinute)/60.0), burst)
	}
	return &Limiter{
		slots:   semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		bucket:  bucket,
		pool:    pool,
		maxConc: opts.MaxConcurrent,
	}
}

// Acquire blocks until a permit and a healthy key are available, or ctx is
// done. Cancellation returns ctx.Err(); a fully disabled pool returns
// ErrNoKeys tagged RateLimited.
func (l *Limiter) Acquire(ctx context.Context) (*Lease, error) {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	release := func() { l.slots.Release(1) }

	if l.bucket != nil {
		if err := l.bucket.Wait(ctx); err != nil {
			release()
			return nil, err
		}
	}

	for {
		k, retryAt := l.pool.pick()
		if k != nil {
			l.inFlight.Add(1)
			l.admitted.Add(1)
			return &Lease{limiter: l, key: k}, nil
		}
		if retryAt.IsZero() {
			release()
			return nil, agent.Wrap(agent.KindRateLimited, ErrNoKeys)
		}
		wait := time.Until(retryAt)
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			release()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Enable re-enables a disabled key (operator action).
func (l *Limiter) Enable(keyID string) bool { return l.pool.Enable(keyID) }

// Stats returns the limiter and key pool health snapshot.
func (l *Limiter) Stats() Stats {
	return Stats{
		InFlight:      l.inFlight.Load(),
		MaxConcurrent: l.maxConc,
		Admitted:      l.admitted.Load(),
		Keys:          l.pool.Health(),
	}
}
