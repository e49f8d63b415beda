package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownJob = errors.New("unknown job")

// HandlerFunc executes one job. args is the JSON encoding of whatever the
// caller passed to Dispatch.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Registry maps job names to handlers. Queue workers and the local dispatch
// fallback resolve jobs through the same registry, so a job behaves the same
// on either path.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler. Registering a name twice panics.
func (r *Registry) Register(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("queue: job %q registered twice", name))
	}
	r.handlers[name] = h
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return h, nil
}

// Names returns the registered job names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
