// Package watcher runs one filesystem watcher per registered endpoint,
// claiming envelopes as they land in new/ and dispatching them to
// matching subscribers.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/relay/breaker"
	"github.com/dork/dork/internal/relay/envelope"
	"github.com/dork/dork/internal/relay/index"
	"github.com/dork/dork/internal/relay/maildir"
	"github.com/dork/dork/internal/relay/subscription"
	"github.com/dork/dork/internal/relay/trace"
)

const closeTimeout = 5 * time.Second

// Manager supervises per-endpoint watchers.
type Manager struct {
	maildir  *maildir.Store
	index    *index.Store
	subs     *subscription.Registry
	breakers *breaker.Manager
	tracer   *trace.Store
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	watchers map[string]*endpointWatcher
}

type endpointWatcher struct {
	subject string
	hash    string
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
}

// NewManager creates the manager. The tracer may be nil; deliveries are
// then not traced.
func NewManager(md *maildir.Store, idx *index.Store, subs *subscription.Registry, breakers *breaker.Manager, tracer *trace.Store, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		maildir:  md,
		index:    idx,
		subs:     subs,
		breakers: breakers,
		tracer:   tracer,
		log:      log.WithFields(zap.String("component", "relay-watcher")),
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[string]*endpointWatcher),
	}
}

// Watch starts observing an endpoint's new/ directory. Starting the
// same endpoint twice is a no-op. Envelopes already sitting in new/
// are dispatched before live events are consumed.
func (m *Manager) Watch(subj, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.watchers[hash]; ok {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	newDir := m.maildir.DirPath(hash, maildir.DirNew)
	if err := fsw.Add(newDir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", newDir, err)
	}

	w := &endpointWatcher{
		subject: subj,
		hash:    hash,
		fsw:     fsw,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.watchers[hash] = w

	go m.run(w)
	m.log.Info("watching endpoint", zap.String("subject", subj), zap.String("hash", hash))
	return nil
}

// Watching reports whether an endpoint currently has a watcher.
func (m *Manager) Watching(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[hash]
	return ok
}

// Unwatch stops a single endpoint's watcher. Returns false if the
// endpoint was not being watched.
func (m *Manager) Unwatch(hash string) bool {
	m.mu.Lock()
	w, ok := m.watchers[hash]
	if ok {
		delete(m.watchers, hash)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.stopWatcher(w)
	return true
}

// CloseAll tears down every watcher. A failing teardown does not
// prevent the others from closing; the first error is returned.
func (m *Manager) CloseAll() error {
	m.cancel()

	m.mu.Lock()
	watchers := make([]*endpointWatcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*endpointWatcher)
	m.mu.Unlock()

	var firstErr error
	for _, w := range watchers {
		if err := m.stopWatcher(w); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) stopWatcher(w *endpointWatcher) error {
	close(w.stopCh)
	err := w.fsw.Close()
	select {
	case <-w.done:
	case <-time.After(closeTimeout):
		m.log.Warn("watcher loop did not exit within timeout", zap.String("hash", w.hash))
	}
	if err != nil {
		return fmt.Errorf("failed to close watcher for %s: %w", w.hash, err)
	}
	return nil
}

func (m *Manager) run(w *endpointWatcher) {
	defer close(w.done)

	// Recover envelopes that arrived while nobody was watching.
	if ids, err := m.maildir.ListIDs(w.hash, maildir.DirNew); err == nil {
		for _, id := range ids {
			m.dispatch(w.subject, w.hash, id)
		}
	}

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			m.dispatch(w.subject, w.hash, strings.TrimSuffix(name, ".json"))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			m.log.WithError(err).Warn("watcher error", zap.String("hash", w.hash))
		}
	}
}

// dispatch claims one envelope and runs the matching handlers. With no
// subscribers the envelope stays in new/ for inbox readers.
func (m *Manager) dispatch(subj, hash, id string) {
	handlers := m.subs.Subscribers(subj)
	if len(handlers) == 0 {
		return
	}

	if !m.breakers.Allow(hash) {
		m.shortCircuit(hash, id)
		return
	}

	env, ok, err := m.maildir.Claim(hash, id)
	if err != nil {
		m.log.WithError(err).Error("failed to claim envelope", zap.String("id", id))
		return
	}
	if !ok {
		return
	}

	started := time.Now()
	var firstErr error
	for _, h := range handlers {
		if err := h(m.ctx, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	durationMs := time.Since(started).Milliseconds()

	if firstErr != nil {
		m.breakers.RecordFailure(hash)
		if err := m.maildir.Fail(hash, id, firstErr.Error()); err != nil {
			m.log.WithError(err).Error("failed to dead-letter envelope", zap.String("id", id))
		}
		if _, err := m.index.UpdateStatus(m.ctx, id, index.StatusFailed); err != nil {
			m.log.WithError(err).Error("failed to index failure", zap.String("id", id))
		}
		m.recordDeliverSpan(env, started, durationMs, firstErr.Error())
		return
	}

	m.breakers.RecordSuccess(hash)
	if err := m.maildir.Complete(hash, id); err != nil {
		m.log.WithError(err).Error("failed to complete envelope", zap.String("id", id))
	}
	if _, err := m.index.UpdateStatus(m.ctx, id, index.StatusDelivered); err != nil {
		m.log.WithError(err).Error("failed to index delivery", zap.String("id", id))
	}
	m.recordDeliverSpan(env, started, durationMs, "")
}

// shortCircuit fails an envelope without running handlers while the
// endpoint's breaker is open.
func (m *Manager) shortCircuit(hash, id string) {
	env, ok, err := m.maildir.Claim(hash, id)
	if err != nil || !ok {
		return
	}
	const reason = "circuit breaker open"
	if err := m.maildir.Fail(hash, id, reason); err != nil {
		m.log.WithError(err).Error("failed to dead-letter envelope", zap.String("id", id))
	}
	if _, err := m.index.UpdateStatus(m.ctx, id, index.StatusFailed); err != nil {
		m.log.WithError(err).Error("failed to index failure", zap.String("id", id))
	}
	m.recordDeliverSpan(env, time.Now(), 0, reason)
}

// recordDeliverSpan links the delivery to the publish span of the same
// message when one exists.
func (m *Manager) recordDeliverSpan(env envelope.Envelope, started time.Time, durationMs int64, errMsg string) {
	if m.tracer == nil {
		return
	}
	span := trace.Span{
		MessageID:    env.ID,
		Subject:      env.Subject,
		HopCount:     env.Budget.HopCount,
		Kind:         trace.KindDeliver,
		StartedAt:    envelope.FormatTime(started),
		DurationMs:   durationMs,
		ErrorMessage: errMsg,
	}
	if parent, err := m.tracer.GetSpanByMessageID(m.ctx, env.ID); err == nil {
		span.TraceID = parent.TraceID
		span.ParentSpanID = parent.SpanID
	} else {
		span.TraceID = trace.NewTraceID()
	}
	if err := m.tracer.Record(m.ctx, span); err != nil {
		m.log.WithError(err).Warn("failed to record deliver span", zap.String("id", env.ID))
	}
}
