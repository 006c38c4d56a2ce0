package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/relay/envelope"
	"github.com/dork/dork/internal/relay/subject"
)

// Registry holds at most one adapter per id and routes outbound
// deliveries by subject prefix.
type Registry struct {
	mu        sync.Mutex
	adapters  map[string]Adapter
	publisher Publisher
	log       *logger.Logger
}

// NewRegistry creates an empty registry. Inbound traffic from every
// registered adapter is republished through the given publisher.
func NewRegistry(publisher Publisher, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		adapters:  make(map[string]Adapter),
		publisher: publisher,
		log:       log.WithFields(zap.String("component", "adapter-registry")),
	}
}

// Register starts an adapter and adds it to the registry. Registering
// an id that already exists is a hot-reload: the new instance is
// started first, and only once its Start resolves is the old instance
// swapped out and stopped. A failed Start leaves the old instance
// active and registered.
func (r *Registry) Register(ctx context.Context, a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	old, exists := r.adapters[id]

	if err := a.Start(ctx, r.publisher); err != nil {
		return fmt.Errorf("failed to start adapter %s: %w", id, err)
	}

	r.adapters[id] = a
	r.log.Info("adapter registered",
		zap.String("adapter", id),
		zap.String("subjectPrefix", a.SubjectPrefix()),
		zap.Bool("reload", exists))

	if exists {
		if err := old.Stop(ctx); err != nil {
			r.log.WithError(err).Warn("failed to stop replaced adapter", zap.String("adapter", id))
		}
	}
	return nil
}

// Unregister stops and removes an adapter. Returns false if the id is
// unknown.
func (r *Registry) Unregister(ctx context.Context, id string) bool {
	r.mu.Lock()
	a, ok := r.adapters[id]
	if ok {
		delete(r.adapters, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := a.Stop(ctx); err != nil {
		r.log.WithError(err).Warn("failed to stop adapter", zap.String("adapter", id))
	}
	return true
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Match returns the adapter owning the given concrete subject. When
// several prefixes match, the longest wins.
func (r *Registry) Match(subj string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best Adapter
	bestLen := -1
	for _, a := range r.adapters {
		prefix := a.SubjectPrefix()
		if subject.HasPrefix(subj, prefix) && len(prefix) > bestLen {
			best = a
			bestLen = len(prefix)
		}
	}
	return best, best != nil
}

// Deliver routes an envelope to the adapter owning the subject.
// Returns false when no adapter's prefix matches.
func (r *Registry) Deliver(ctx context.Context, subj string, env envelope.Envelope) (DeliverResult, bool) {
	a, ok := r.Match(subj)
	if !ok {
		return DeliverResult{}, false
	}
	return a.Deliver(ctx, subj, env), true
}

// List returns all registered adapters ordered by id.
func (r *Registry) List() []Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Statuses returns a status snapshot per adapter id.
func (r *Registry) Statuses() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Status, len(r.adapters))
	for id, a := range r.adapters {
		out[id] = a.Status()
	}
	return out
}

// Shutdown stops every adapter concurrently. A failing Stop does not
// prevent the others from stopping; the first error is returned.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.adapters = make(map[string]Adapter)
	r.mu.Unlock()

	var g errgroup.Group
	for _, a := range adapters {
		a := a
		g.Go(func() error {
			if err := a.Stop(ctx); err != nil {
				r.log.WithError(err).Warn("adapter shutdown failed", zap.String("adapter", a.ID()))
				return fmt.Errorf("failed to stop adapter %s: %w", a.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
