// Package agent defines the narrow boundary between the orchestration core and
// the agents it drives. The core never interprets agent inputs or outputs; it
// only transports them and measures timing and outcome.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Class identifies the kind of work a task represents. The set of known
// classes is configuration-driven; it governs which semaphore bounds the
// task's concurrency.
type Class string

// Builtin classes. User configuration may define additional ones.
const (
	ClassArchitect Class = "architect"
	ClassMaestro   Class = "maestro"
	ClassReviewer  Class = "reviewer"
	ClassBugHunter Class = "bug_hunter"
	ClassCoder     Class = "coder"
)

// Invoker executes a single agent task. Implementations must observe ctx
// cancellation and stop within the grace period; non-compliant invocations are
// abandoned by the orchestrator and their eventual result discarded.
type Invoker interface {
	Invoke(ctx context.Context, class Class, input []byte) ([]byte, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, class Class, input []byte) ([]byte, error)

func (f InvokerFunc) Invoke(ctx context.Context, class Class, input []byte) ([]byte, error) {
	return f(ctx, class, input)
}

// Registry maps agent classes to their invocation handlers. The class set is
// closed at construction; dispatching an unknown class is a validation error.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Class]Invoker
}

// NewRegistry creates a registry over the given class set, all initially
// bound to the fallback invoker. Nil fallback leaves classes unbound.
func NewRegistry(classes []Class, fallback Invoker) *Registry {
	handlers := make(map[Class]Invoker, len(classes))
	for _, c := range classes {
		handlers[c] = fallback
	}
	return &Registry{handlers: handlers}
}

// Register binds a handler to a known class. Unknown classes are rejected so
// the class set stays closed.
func (r *Registry) Register(class Class, inv Invoker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[class]; !ok {
		return NewValidation(fmt.Sprintf("unknown agent class %q", class))
	}
	r.handlers[class] = inv
	return nil
}

// Invoke dispatches to the handler registered for the class.
func (r *Registry) Invoke(ctx context.Context, class Class, input []byte) ([]byte, error) {
	r.mu.RLock()
	inv, ok := r.handlers[class]
	r.mu.RUnlock()
	if !ok || inv == nil {
		return nil, NewValidation(fmt.Sprintf("no invoker for agent class %q", class))
	}
	return inv.Invoke(ctx, class, input)
}

// Known reports whether the class is part of the registry's closed set.
func (r *Registry) Known(class Class) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[class]
	return ok
}

// Classes returns the closed class set in stable order.
func (r *Registry) Classes() []Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Class, 0, len(r.handlers))
	for c := range r.handlers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyAPIKeyID
)

// WithRequestID attaches the orchestrator-assigned request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestID returns the request ID carried by the context, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// WithAPIKeyID attaches the rate limiter's chosen key ID to the context.
// Only the ID travels; the secret stays inside the key pool.
func WithAPIKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyAPIKeyID, id)
}

// APIKeyID returns the API key ID carried by the context, if any.
func APIKeyID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyAPIKeyID).(string)
	return id
}
