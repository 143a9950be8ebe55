package dispatcher

import (
	"context"
	"sort"
	"sync"

	"github.com/cuemby/courier/pkg/types"
)

// Result is a BatchHandler's verdict on one type group. A non-nil Err fails
// the whole group. Otherwise every entry succeeds except those listed in
// Failed, keyed by event id.
type Result struct {
	Err    error
	Failed map[string]error
}

// Success reports that every entry in the batch was handled
func Success() Result {
	return Result{}
}

// Failure reports that the whole batch failed
func Failure(err error) Result {
	return Result{Err: err}
}

// Partial reports per-entry failures; entries not in failed succeeded
func Partial(failed map[string]error) Result {
	return Result{Failed: failed}
}

// Succeeded reports whether the entry with id should be acknowledged
func (r Result) Succeeded(id string) bool {
	if r.Err != nil {
		return false
	}
	_, failed := r.Failed[id]
	return !failed
}

// BatchHandler processes all claimed entries of one event type in a single
// call. Entries may be redelivered, so handlers must be idempotent.
type BatchHandler interface {
	HandleBatch(ctx context.Context, eventType string, events []*types.Event) Result
}

// HandlerFunc adapts a function to BatchHandler
type HandlerFunc func(ctx context.Context, eventType string, events []*types.Event) Result

func (f HandlerFunc) HandleBatch(ctx context.Context, eventType string, events []*types.Event) Result {
	return f(ctx, eventType, events)
}

// Registry maps event types to handlers. It is populated at start-up.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]BatchHandler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]BatchHandler)}
}

// Register binds handler to each of eventTypes, replacing any previous binding
func (r *Registry) Register(handler BatchHandler, eventTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range eventTypes {
		r.handlers[t] = handler
	}
}

// Lookup returns the handler for eventType
func (r *Registry) Lookup(eventType string) (BatchHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[eventType]
	return h, ok
}

// Types returns the registered event types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}
