package subscription

import (
	"context"
	"testing"

	"github.com/dork/dork/internal/relay/envelope"
)

func TestSubscribeAndMatch(t *testing.T) {
	r := NewRegistry()

	unsub, err := r.Subscribe("relay.agent.*", func(ctx context.Context, env envelope.Envelope) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub()

	if got := len(r.Subscribers("relay.agent.a")); got != 1 {
		t.Errorf("expected 1 subscriber, got %d", got)
	}
	if got := len(r.Subscribers("relay.agent.a.b")); got != 0 {
		t.Errorf("expected 0 subscribers for deeper subject, got %d", got)
	}
	if got := len(r.Subscribers("relay.pulse.jobs")); got != 0 {
		t.Errorf("expected 0 subscribers for unrelated subject, got %d", got)
	}
}

func TestSubscribeInvalidPattern(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Subscribe("relay.>.oops", nil); err == nil {
		t.Error("expected error for non-terminal >")
	}
}

func TestDuplicateSubscriptionsAreIndependent(t *testing.T) {
	r := NewRegistry()

	calls := 0
	handler := func(ctx context.Context, env envelope.Envelope) error {
		calls++
		return nil
	}

	unsub1, err := r.Subscribe("relay.agent.a", handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	unsub2, err := r.Subscribe("relay.agent.a", handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, h := range r.Subscribers("relay.agent.a") {
		_ = h(context.Background(), envelope.Envelope{})
	}
	if calls != 2 {
		t.Errorf("expected both subscriptions to fire, got %d calls", calls)
	}

	unsub1()
	if r.Count() != 1 {
		t.Errorf("expected 1 remaining subscription, got %d", r.Count())
	}

	// Unsubscribing twice is harmless.
	unsub1()
	unsub2()
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}
}
