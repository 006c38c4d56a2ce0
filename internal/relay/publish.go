package relay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/dork/dork/internal/relay/adapter"
	"github.com/dork/dork/internal/relay/envelope"
	"github.com/dork/dork/internal/relay/index"
	"github.com/dork/dork/internal/relay/subject"
	"github.com/dork/dork/internal/relay/trace"
)

// systemSender addresses publishes that arrive without a sender
// subject, such as direct API calls.
const systemSender = "relay.system.api"

// PublishOptions carry the optional envelope attributes.
type PublishOptions struct {
	// From identifies the sender; defaults to the system sender.
	From string
	// ReplyTo is the optional response subject.
	ReplyTo string
	// Budget overrides the configured defaults. HopCount is always
	// derived from the ancestor chain, never taken from the caller.
	Budget *envelope.Budget
	// ParentSpanID links the publish span to a caller-side span.
	ParentSpanID string
}

// PublishResult reports the minted message id and how many deliveries
// succeeded. Budget rejections return the id with zero deliveries
// alongside the coded error.
type PublishResult struct {
	MessageID   string `json:"messageId"`
	DeliveredTo int    `json:"deliveredTo"`
}

// Publish validates, mints, and routes one envelope: Maildir delivery
// for every matching endpoint, adapter delivery for a matching prefix,
// and an index row plus trace span for each.
func (s *Service) Publish(ctx context.Context, subj string, payload json.RawMessage, opts PublishOptions) (*PublishResult, error) {
	started := time.Now()

	if err := subject.Validate(subj); err != nil {
		return nil, newError(CodeInvalidSubject, "cannot publish to %q: %v", subj, err)
	}
	from := opts.From
	if from == "" {
		from = systemSender
	} else if err := subject.Validate(from); err != nil {
		return nil, newError(CodeInvalidSubject, "invalid sender %q: %v", from, err)
	}

	env := envelope.New(subj, from, opts.ReplyTo, payload, s.composeBudget(opts.Budget))

	if budgetErr := s.checkBudget(env, started); budgetErr != nil {
		s.deadLetter(ctx, env, budgetErr, opts.ParentSpanID, started)
		return &PublishResult{MessageID: env.ID, DeliveredTo: 0}, budgetErr
	}

	if s.policy != nil {
		if err := s.policy.Allow(from, subj); err != nil {
			return nil, newError(CodeAccessDenied, "publish from %s to %s denied: %v", from, subj, err)
		}
	}

	traceID := trace.NewTraceID()

	delivered := 0
	for _, ep := range s.endpoints.ListMatching(subj) {
		if err := s.maildir.Deliver(ep.Hash, env); err != nil {
			s.log.WithError(err).Error("maildir delivery failed",
				zap.String("subject", subj),
				zap.String("endpoint", ep.Hash))
			continue
		}
		delivered++
		s.indexMessage(ctx, env, ep.Hash, index.StatusPending)
	}

	if a, ok := s.adapters.Match(subj); ok {
		result := s.deliverViaAdapter(ctx, a, subj, env)
		if result.Success {
			delivered++
			s.indexMessage(ctx, env, "adapter:"+subject.Hash(a.SubjectPrefix()), index.StatusDelivered)
		} else {
			s.log.Warn("adapter delivery failed",
				zap.String("adapter", a.ID()),
				zap.String("subject", subj),
				zap.String("error", result.Error))
		}
		s.recordAdapterSpan(ctx, env, a.ID(), result, traceID)
	}

	s.recordPublishSpan(ctx, env, opts.ParentSpanID, started, traceID)
	s.emitFeed(ctx, "relay.published", map[string]interface{}{
		"messageId":   env.ID,
		"subject":     subj,
		"from":        from,
		"deliveredTo": delivered,
	})

	return &PublishResult{MessageID: env.ID, DeliveredTo: delivered}, nil
}

// PublishInbound is the adapter-facing publish entry point.
func (s *Service) PublishInbound(ctx context.Context, subj string, payload json.RawMessage, from string) (string, error) {
	result, err := s.Publish(ctx, subj, payload, PublishOptions{From: from})
	if err != nil {
		return "", err
	}
	return result.MessageID, nil
}

// composeBudget fills in the configured defaults. A nil budget takes
// every default; zero MaxHops and TTL are treated as unset, while a
// zero call budget is meaningful (exhausted) and kept. HopCount is
// raised to the ancestor chain length when the chain is longer, so a
// caller cannot understate the distance travelled.
func (s *Service) composeBudget(b *envelope.Budget) envelope.Budget {
	budget := envelope.Budget{}
	if b != nil {
		budget = *b
	}
	if budget.AncestorChain == nil {
		budget.AncestorChain = []string{}
	}
	if n := len(budget.AncestorChain); n > budget.HopCount {
		budget.HopCount = n
	}
	if budget.MaxHops <= 0 {
		budget.MaxHops = s.cfg.DefaultMaxHops
	}
	if budget.TTL <= 0 {
		budget.TTL = time.Now().UnixMilli() + s.cfg.DefaultTTL
	}
	if b == nil {
		budget.CallBudgetRemaining = s.cfg.DefaultCallBudget
	}
	return budget
}

// checkBudget enforces hop, TTL, and call limits, in that order. A hop
// count at the ceiling is rejected: delivering would be one hop more.
func (s *Service) checkBudget(env envelope.Envelope, now time.Time) *Error {
	if env.Budget.HopCount >= env.Budget.MaxHops {
		return newError(CodeBudgetExceededHops, "hop count %d reached max %d", env.Budget.HopCount, env.Budget.MaxHops)
	}
	if env.Expired(now) {
		return newError(CodeBudgetExceededTTL, "message expired at %s", env.ExpiresAt())
	}
	if env.Budget.CallBudgetRemaining <= 0 {
		return newError(CodeBudgetExceededCalls, "call budget exhausted")
	}
	return nil
}

// deadLetter persists a budget rejection into the synthetic
// dead-letter maildir and records the rejection span.
func (s *Service) deadLetter(ctx context.Context, env envelope.Envelope, budgetErr *Error, parentSpanID string, started time.Time) {
	if err := s.maildir.FailDirect(s.deadLetterHash, env, budgetErr.Error()); err != nil {
		s.log.WithError(err).Error("failed to persist dead letter", zap.String("id", env.ID))
	}
	s.indexMessage(ctx, env, s.deadLetterHash, index.StatusFailed)

	span := trace.Span{
		TraceID:      trace.NewTraceID(),
		ParentSpanID: parentSpanID,
		MessageID:    env.ID,
		Subject:      env.Subject,
		HopCount:     env.Budget.HopCount,
		Kind:         trace.KindDeadLetter,
		StartedAt:    envelope.FormatTime(started),
		DurationMs:   time.Since(started).Milliseconds(),
		ErrorMessage: budgetErr.Error(),
	}
	if err := s.tracer.Record(ctx, span); err != nil {
		s.log.WithError(err).Warn("failed to record dead-letter span", zap.String("id", env.ID))
	}

	s.log.Warn("message dead-lettered",
		zap.String("id", env.ID),
		zap.String("subject", env.Subject),
		zap.String("reason", budgetErr.Code))
}

// deliverViaAdapter bounds the adapter call with the configured
// timeout. A stuck adapter is abandoned to its goroutine; the publish
// carries on.
func (s *Service) deliverViaAdapter(ctx context.Context, a adapter.Adapter, subj string, env envelope.Envelope) adapter.DeliverResult {
	timeout := s.cfg.AdapterTimeoutDuration()
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	done := make(chan adapter.DeliverResult, 1)
	go func() {
		done <- a.Deliver(actx, subj, env)
	}()

	select {
	case result := <-done:
		return result
	case <-actx.Done():
		return adapter.DeliverResult{
			DurationMs: time.Since(started).Milliseconds(),
			Error:      "adapter delivery timed out after " + timeout.String(),
		}
	}
}

func (s *Service) indexMessage(ctx context.Context, env envelope.Envelope, endpointHash, status string) {
	err := s.index.InsertMessage(ctx, index.Message{
		ID:           env.ID,
		Subject:      env.Subject,
		EndpointHash: endpointHash,
		Status:       status,
		CreatedAt:    env.CreatedAt,
		ExpiresAt:    env.ExpiresAt(),
	})
	if err != nil {
		s.log.WithError(err).Error("failed to index message",
			zap.String("id", env.ID),
			zap.String("endpoint", endpointHash))
	}
}

func (s *Service) recordPublishSpan(ctx context.Context, env envelope.Envelope, parentSpanID string, started time.Time, traceID string) {
	span := trace.Span{
		TraceID:      traceID,
		ParentSpanID: parentSpanID,
		MessageID:    env.ID,
		Subject:      env.Subject,
		HopCount:     env.Budget.HopCount,
		Kind:         trace.KindPublish,
		StartedAt:    envelope.FormatTime(started),
		DurationMs:   time.Since(started).Milliseconds(),
	}
	if err := s.tracer.Record(ctx, span); err != nil {
		s.log.WithError(err).Warn("failed to record publish span", zap.String("id", env.ID))
	}
}

func (s *Service) recordAdapterSpan(ctx context.Context, env envelope.Envelope, adapterID string, result adapter.DeliverResult, traceID string) {
	span := trace.Span{
		TraceID:      traceID,
		MessageID:    env.ID,
		Subject:      env.Subject,
		HopCount:     env.Budget.HopCount,
		Kind:         trace.KindAdapterDeliver,
		StartedAt:    envelope.FormatTime(time.Now().Add(-time.Duration(result.DurationMs) * time.Millisecond)),
		DurationMs:   result.DurationMs,
		ErrorMessage: result.Error,
	}
	if err := s.tracer.Record(ctx, span); err != nil {
		s.log.WithError(err).Warn("failed to record adapter span",
			zap.String("id", env.ID),
			zap.String("adapter", adapterID))
	}
}
