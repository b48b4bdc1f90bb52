// Package ratelimit gates outbound agent calls behind a global token bucket,
// a hard cap on concurrent in-flight calls, and a pool of provider API keys
// with per-key health tracking.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/hephaestus-ai/hephaestus/pkg/clock"
)

// KeyState is the health state of an API key.
type KeyState string

const (
	KeyHealthy  KeyState = "healthy"
	KeyCooling  KeyState = "cooling"
	KeyDisabled KeyState = "disabled"
)

// successEWMAAlpha weights the most recent call outcome in the key's
// recent-success-rate estimate.
const successEWMAAlpha = 0.2

// KeySpec describes one credential at pool construction.
type KeySpec struct {
	ID       string
	Provider string
	Secret   string
}

// KeyHealth is the redacted per-key view exposed on the health surface.
// Secrets never appear here or in logs.
type KeyHealth struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider"`
	State         KeyState  `json:"state"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	SuccessRate   float64   `json:"recent_success_rate"`
	InFlight      int       `json:"in_flight"`
}

type key struct {
	id       string
	provider string
	secret   string

	state         KeyState
	cooldownUntil time.Time
	cooldown      time.Duration // next cooldown to apply on retryable failure
	authFailures  int
	successEWMA   float64
	inFlight      int
	credit        float64 // smooth weighted round-robin accumulator
}

// String redacts the secret.
func (k *key) String() string {
	return fmt.Sprintf("key(%s/%s %s)", k.provider, k.id, k.state)
}

// PoolOptions configure key cooldown behavior.
type PoolOptions struct {
	// CooldownBase is the first cooldown applied on a retryable failure.
	CooldownBase time.Duration
	// CooldownMax caps the exponential cooldown growth.
	CooldownMax time.Duration
	// DisableAfter is the number of consecutive hard (auth) failures that
	// move a key to DISABLED.
	DisableAfter int
	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Pool selects API keys round-robin over healthy keys, weighted by recent
// success rate. Keys on cooldown are skipped until their cooldown elapses.
type Pool struct {
	opts PoolOptions
	clk  clock.Clock

	mu   sync.Mutex
	keys []*key
}

// NewPool builds a pool from specs. At least one key is required by the
// limiter, but an empty pool is valid for construction (all Acquire calls
// will then report no key available).
func NewPool(specs []KeySpec, opts PoolOptions) *Pool {
	if opts.CooldownBase <= 0 {
		opts.CooldownBase = 5 * time.Second
	}
	if opts.CooldownMax <= 0 {
		opts.CooldownMax = 5 * time.Minute
	}
	if opts.DisableAfter <= 0 {
		opts.DisableAfter = 3
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	p := &Pool{opts: opts, clk: opts.Clock}
	for _, spec := range specs {
		p.keys = append(p.keys, &key{
			id:          spec.ID,
			provider:    spec.Provider,
			secret:      spec.Secret,
			state:       KeyHealthy,
			cooldown:    opts.CooldownBase,
			successEWMA: 1.0,
		})
	}
	return p
}

// minKeyWeight floors a key's effective weight so unlucky keys still see
// occasional traffic and can recover their success rate.
const minKeyWeight = 0.05

// pick returns the next key by smooth weighted round-robin over available
// keys, weighted by recent success rate and penalized for in-flight load.
// When no key is available it returns the time the earliest cooling key
// rejoins (zero when every key is disabled).
func (p *Pool) pick() (*key, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	var best *key
	var earliest time.Time
	total := 0.0

	for _, k := range p.keys {
		switch k.state {
		case KeyDisabled:
			continue
		case KeyCooling:
			if now.Before(k.cooldownUntil) {
				if earliest.IsZero() || k.cooldownUntil.Before(earliest) {
					earliest = k.cooldownUntil
				}
				continue
			}
			k.state = KeyHealthy
		}
		weight := k.successEWMA - 0.1*float64(k.inFlight)
		if weight < minKeyWeight {
			weight = minKeyWeight
		}
		k.credit += weight
		total += weight
		if best == nil || k.credit > best.credit {
			best = k
		}
	}

	if best != nil {
		best.credit -= total
		best.inFlight++
		return best, time.Time{}
	}
	return nil, earliest
}

// reportSuccess updates key health after a successful call: the success rate
// rises and any accumulated cooldown halves.
func (p *Pool) reportSuccess(k *key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k.inFlight--
	k.authFailures = 0
	k.successEWMA = k.successEWMA*(1-successEWMAAlpha) + successEWMAAlpha
	k.cooldown /= 2
	if k.cooldown < p.opts.CooldownBase {
		k.cooldown = p.opts.CooldownBase
	}
}

// reportRetryable moves the key to COOLING with exponential backoff.
func (p *Pool) reportRetryable(k *key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k.inFlight--
	k.successEWMA = k.successEWMA * (1 - successEWMAAlpha)
	if k.state == KeyDisabled {
		return
	}
	k.state = KeyCooling
	k.cooldownUntil = p.clk.Now().Add(k.cooldown)
	k.cooldown *= 2
	if k.cooldown > p.opts.CooldownMax {
		k.cooldown = p.opts.CooldownMax
	}
}

// reportAuthFailure counts consecutive hard failures and disables the key
// when the threshold is reached. Operators re-enable via Enable.
func (p *Pool) reportAuthFailure(k *key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k.inFlight--
	k.successEWMA = k.successEWMA * (1 - successEWMAAlpha)
	k.authFailures++
	if k.authFailures >= p.opts.DisableAfter {
		k.state = KeyDisabled
	}
}

// Enable returns a disabled key to service.
func (p *Pool) Enable(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if k.id == id {
			k.state = KeyHealthy
			k.authFailures = 0
			k.cooldown = p.opts.CooldownBase
			k.successEWMA = 1.0
			return true
		}
	}
	return false
}

// Health returns the redacted state of every key.
func (p *Pool) Health() []KeyHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]KeyHealth, 0, len(p.keys))
	for _, k := range p.keys {
		h := KeyHealth{
			ID:          k.id,
			Provider:    k.provider,
			State:       k.state,
			SuccessRate: k.successEWMA,
			InFlight:    k.inFlight,
		}
		if k.state == KeyCooling {
			h.CooldownUntil = k.cooldownUntil
		}
		out = append(out, h)
	}
	return out
}
