// Package subscription holds the in-memory map of subject patterns to
// handler callbacks.
package subscription

import (
	"context"
	"sync"

	"github.com/dork/dork/internal/relay/envelope"
	"github.com/dork/dork/internal/relay/subject"
)

// Handler consumes one delivered envelope. A returned error counts as a
// delivery failure for the invoking watcher.
type Handler func(ctx context.Context, env envelope.Envelope) error

type entry struct {
	pattern string
	handler Handler
}

// Registry associates patterns with handlers. Handlers matching a subject
// are collected under the read lock and invoked outside it, so a slow
// handler never blocks new subscriptions.
type Registry struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[int]entry)}
}

// Subscribe registers a handler for a pattern and returns its unsubscribe
// function. Duplicate subscriptions are independent: each fires once per
// matching message.
func (r *Registry) Subscribe(pattern string, handler Handler) (func(), error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = entry{pattern: pattern, handler: handler}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}, nil
}

// Subscribers returns a copy of every handler whose pattern matches the
// concrete subject.
func (r *Registry) Subscribers(subj string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var handlers []Handler
	for _, e := range r.subs {
		if subject.Matches(e.pattern, subj) {
			handlers = append(handlers, e.handler)
		}
	}
	return handlers
}

// Count returns the number of active subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
