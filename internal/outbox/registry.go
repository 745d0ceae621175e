package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cohortforge/sieve/internal/types"
)

// Handler processes claimed outbox events. Exactly one handler owns each
// event type; the dispatcher settles the event from the Handle result.
type Handler interface {
	// Name identifies the handler in logs.
	Name() string

	// Handles returns the event types this handler accepts.
	Handles() []string

	// Handle processes a single event. A nil return marks the event
	// published. A transient error schedules a retry with backoff; any
	// other error marks the event failed. Handle runs under the
	// dispatcher's timeout and panic guard.
	Handle(ctx context.Context, ev *types.OutboxEvent) error
}

// Registry maps event types to their handlers.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Handler)}
}

// Register binds a handler to every event type it handles. Binding a type
// twice is a wiring bug and returns an error.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range h.Handles() {
		if prev, ok := r.byType[t]; ok {
			return fmt.Errorf("event type %q already handled by %q", t, prev.Name())
		}
		r.byType[t] = h
	}
	return nil
}

// HandlerFor returns the handler bound to an event type.
func (r *Registry) HandlerFor(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byType[eventType]
	return h, ok
}

// Types returns the registered event types, sorted, for status reporting.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
