// Package relay implements the subject-addressed message bus: durable
// Maildir queues per endpoint, wildcard subscriptions, budget
// enforcement, external adapters, and a reconstructable SQLite index.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/config"
	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/db"
	"github.com/dork/dork/internal/events/bus"
	"github.com/dork/dork/internal/relay/adapter"
	"github.com/dork/dork/internal/relay/breaker"
	"github.com/dork/dork/internal/relay/endpoint"
	"github.com/dork/dork/internal/relay/index"
	"github.com/dork/dork/internal/relay/maildir"
	"github.com/dork/dork/internal/relay/subject"
	"github.com/dork/dork/internal/relay/subscription"
	"github.com/dork/dork/internal/relay/trace"
	"github.com/dork/dork/internal/relay/watcher"
)

// deadLetterSubject names the synthetic endpoint receiving budget
// rejections at publish time.
const deadLetterSubject = "relay.deadletter"

const expirySweepInterval = time.Minute

// Policy gates publishes. A nil error admits the message.
type Policy interface {
	Allow(from, subj string) error
}

// Service coordinates the relay components.
type Service struct {
	cfg  config.RelayConfig
	log  *logger.Logger
	feed bus.EventBus

	endpoints *endpoint.Registry
	maildir   *maildir.Store
	index     *index.Store
	subs      *subscription.Registry
	breakers  *breaker.Manager
	watchers  *watcher.Manager
	adapters  *adapter.Registry
	tracer    *trace.Store

	policy Policy

	deadLetterHash string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService builds the relay and its stores on the shared database.
// The event bus carries ephemeral signals and live feed events; it may
// be nil when neither is consumed.
func NewService(cfg config.RelayConfig, database *db.Database, maildirRoot string, eventBus bus.EventBus, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "relay"))

	endpoints, err := endpoint.NewRegistry(database, maildirRoot)
	if err != nil {
		return nil, err
	}
	idx, err := index.NewStore(database)
	if err != nil {
		return nil, err
	}
	tracer, err := trace.NewStore(database)
	if err != nil {
		return nil, err
	}

	md := maildir.NewStore(maildirRoot)
	subs := subscription.NewRegistry()
	breakers := breaker.NewManager(breaker.Config{
		Threshold:   cfg.Breaker.Threshold,
		Cooldown:    time.Duration(cfg.Breaker.Cooldown) * time.Second,
		MaxCooldown: time.Duration(cfg.Breaker.MaxCooldown) * time.Second,
	})

	s := &Service{
		cfg:            cfg,
		log:            log,
		feed:           eventBus,
		endpoints:      endpoints,
		maildir:        md,
		index:          idx,
		subs:           subs,
		breakers:       breakers,
		tracer:         tracer,
		deadLetterHash: subject.Hash(deadLetterSubject),
		stopCh:         make(chan struct{}),
	}
	s.watchers = watcher.NewManager(md, idx, subs, breakers, tracer, log)
	s.adapters = adapter.NewRegistry(s, log)
	return s, nil
}

// SetPolicy installs the publish access policy.
func (s *Service) SetPolicy(p Policy) { s.policy = p }

// Adapters exposes the adapter registry for wiring and status routes.
func (s *Service) Adapters() *adapter.Registry { return s.adapters }

// Tracer exposes the trace store for observability routes.
func (s *Service) Tracer() *trace.Store { return s.tracer }

// Start reconciles the index with the on-disk queues, resumes watchers
// for persisted endpoints, and begins the expiry sweep.
func (s *Service) Start(ctx context.Context) error {
	if err := s.maildir.EnsureMaildir(s.deadLetterHash); err != nil {
		return err
	}

	hashes := append(s.endpoints.Hashes(), s.deadLetterHash)
	if err := s.index.Rebuild(ctx, s.maildir, hashes); err != nil {
		return err
	}

	for _, ep := range s.endpoints.List() {
		if err := s.maildir.EnsureMaildir(ep.Hash); err != nil {
			return err
		}
		if err := s.watchers.Watch(ep.Subject, ep.Hash); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go s.expiryLoop()

	s.log.Info("relay started",
		zap.Int("endpoints", len(s.endpoints.List())),
		zap.String("maildirRoot", s.maildir.Root()))
	return nil
}

// Stop tears down watchers and adapters. Safe to call once.
func (s *Service) Stop(ctx context.Context) error {
	close(s.stopCh)
	s.wg.Wait()

	var firstErr error
	if err := s.watchers.CloseAll(); err != nil {
		firstErr = err
	}
	if err := s.adapters.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	s.log.Info("relay stopped")
	return firstErr
}

// RegisterEndpoint creates the maildir, persists the mapping, and
// starts the watcher. Idempotent.
func (s *Service) RegisterEndpoint(ctx context.Context, subj string) (endpoint.Endpoint, error) {
	ep, err := s.endpoints.Register(ctx, subj)
	if err != nil {
		if errors.Is(err, subject.ErrInvalid) {
			return endpoint.Endpoint{}, newError(CodeInvalidSubject, "cannot register %q: %v", subj, err)
		}
		return endpoint.Endpoint{}, err
	}
	if err := s.maildir.EnsureMaildir(ep.Hash); err != nil {
		return endpoint.Endpoint{}, newError(CodeFilesystemError, "failed to create maildir for %s: %v", subj, err)
	}
	if err := s.watchers.Watch(ep.Subject, ep.Hash); err != nil {
		return endpoint.Endpoint{}, err
	}
	return ep, nil
}

// UnregisterEndpoint stops the watcher and removes the mapping. The
// maildir stays on disk for recovery. Returns false when the subject
// was not registered.
func (s *Service) UnregisterEndpoint(ctx context.Context, subj string) (bool, error) {
	ep, ok := s.endpoints.Get(subj)
	if !ok {
		return false, nil
	}
	s.watchers.Unwatch(ep.Hash)
	return s.endpoints.Unregister(ctx, subj)
}

// ListEndpoints returns every registered endpoint.
func (s *Service) ListEndpoints() []endpoint.Endpoint {
	return s.endpoints.List()
}

// GetEndpoint looks up one endpoint by subject.
func (s *Service) GetEndpoint(subj string) (endpoint.Endpoint, bool) {
	return s.endpoints.Get(subj)
}

// Subscribe attaches a handler to a subject pattern. The returned
// function removes the subscription.
func (s *Service) Subscribe(pattern string, handler subscription.Handler) (func(), error) {
	unsubscribe, err := s.subs.Subscribe(pattern, handler)
	if err != nil {
		return nil, newError(CodeInvalidSubject, "cannot subscribe to %q: %v", pattern, err)
	}
	return unsubscribe, nil
}

// InboxOptions filter a ReadInbox query.
type InboxOptions struct {
	Limit  int
	Status string
	Cursor string
}

// InboxPage is one page of inbox messages.
type InboxPage struct {
	Messages   []index.Message `json:"messages"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// ReadInbox queries the index for one endpoint's messages.
func (s *Service) ReadInbox(ctx context.Context, endpointSubject string, opts InboxOptions) (*InboxPage, error) {
	ep, ok := s.endpoints.Get(endpointSubject)
	if !ok {
		return nil, newError(CodeEndpointNotFound, "no endpoint registered for %q", endpointSubject)
	}

	messages, nextCursor, err := s.index.QueryMessages(ctx, index.QueryOptions{
		EndpointHash: ep.Hash,
		Status:       opts.Status,
		Limit:        opts.Limit,
		Cursor:       opts.Cursor,
	})
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []index.Message{}
	}
	return &InboxPage{Messages: messages, NextCursor: nextCursor}, nil
}

// Signal publishes an ephemeral event under a relay subject. Signals
// bypass Maildir entirely: no persistence, no redelivery.
func (s *Service) Signal(ctx context.Context, subj string, data map[string]interface{}) error {
	if err := subject.Validate(subj); err != nil {
		return newError(CodeInvalidSubject, "invalid signal subject %q: %v", subj, err)
	}
	if s.feed == nil {
		return nil
	}
	return s.feed.Publish(ctx, subj, bus.NewEvent("signal", "relay", data))
}

// OnSignal subscribes a handler to ephemeral signals matching a
// pattern. The returned function removes the subscription.
func (s *Service) OnSignal(pattern string, handler func(ctx context.Context, subj string, data map[string]interface{})) (func(), error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, newError(CodeInvalidSubject, "invalid signal pattern %q: %v", pattern, err)
	}
	if s.feed == nil {
		return func() {}, nil
	}
	sub, err := s.feed.Subscribe(pattern, func(ctx context.Context, event *bus.Event) error {
		handler(ctx, event.Subject, event.Data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Metrics combines index aggregates with trace aggregates.
type Metrics struct {
	Messages *index.Metrics `json:"messages"`
	Spans    *trace.Metrics `json:"spans"`
}

// GetMetrics returns the combined relay metrics.
func (s *Service) GetMetrics(ctx context.Context) (*Metrics, error) {
	msgMetrics, err := s.index.GetMetrics(ctx)
	if err != nil {
		return nil, err
	}
	spanMetrics, err := s.tracer.GetMetrics(ctx)
	if err != nil {
		return nil, err
	}
	return &Metrics{Messages: msgMetrics, Spans: spanMetrics}, nil
}

// GetTrace returns all spans of one trace.
func (s *Service) GetTrace(ctx context.Context, traceID string) ([]trace.Span, error) {
	return s.tracer.GetTrace(ctx, traceID)
}

// GetSpanByMessageID returns the most recent span for a message.
func (s *Service) GetSpanByMessageID(ctx context.Context, messageID string) (*trace.Span, error) {
	return s.tracer.GetSpanByMessageID(ctx, messageID)
}

// GetMessage returns one indexed message.
func (s *Service) GetMessage(ctx context.Context, id string) (*index.Message, error) {
	return s.index.GetMessage(ctx, id)
}

// QueryMessages pages through indexed messages.
func (s *Service) QueryMessages(ctx context.Context, opts index.QueryOptions) ([]index.Message, string, error) {
	return s.index.QueryMessages(ctx, opts)
}

func (s *Service) expiryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			deleted, err := s.index.DeleteExpired(ctx, time.Now())
			cancel()
			if err != nil {
				s.log.WithError(err).Warn("expiry sweep failed")
				continue
			}
			if deleted > 0 {
				s.log.Debug("expired messages removed", zap.Int64("count", deleted))
			}
		}
	}
}

// emitFeed publishes a live feed event, best-effort.
func (s *Service) emitFeed(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, "feed."+eventType, bus.NewEvent(eventType, "relay", data)); err != nil {
		s.log.WithError(err).Debug("feed publish failed", zap.String("type", eventType))
	}
}
