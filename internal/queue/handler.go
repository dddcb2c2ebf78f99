package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Result is what a successful handler reports back; Metadata ends up in the
// progress record.
type Result struct {
	Metadata map[string]string
}

// Handler executes one job type. Delivery is at-least-once, so handlers must
// tolerate running the same JobId more than once.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (Result, error) {
	return f(ctx, msg)
}

// Typed wraps fn so it receives the JSON-decoded payload instead of the raw
// message. A payload that does not decode into T fails the job.
func Typed[T any](fn func(ctx context.Context, payload T) error) Handler {
	return HandlerFunc(func(ctx context.Context, msg *Message) (Result, error) {
		var v T
		if msg.Payload != "" {
			if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
				return Result{}, fmt.Errorf("decode %s payload: %w", msg.JobType, err)
			}
		}
		return Result{}, fn(ctx, v)
	})
}

// Registry maps job types to handlers. It is populated at startup and read
// by workers; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds jobType to h, replacing any previous binding.
func (r *Registry) Register(jobType string, h Handler) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
	return r
}

// Get returns the handler for jobType.
func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
