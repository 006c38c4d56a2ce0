package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dork/dork/internal/db"
	"github.com/dork/dork/internal/relay/breaker"
	"github.com/dork/dork/internal/relay/envelope"
	"github.com/dork/dork/internal/relay/index"
	"github.com/dork/dork/internal/relay/maildir"
	"github.com/dork/dork/internal/relay/subject"
	"github.com/dork/dork/internal/relay/subscription"
)

type fixture struct {
	manager  *Manager
	maildir  *maildir.Store
	index    *index.Store
	subs     *subscription.Registry
	breakers *breaker.Manager
}

func newFixture(t *testing.T, cfg breaker.Config) *fixture {
	t.Helper()

	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	idx, err := index.NewStore(database)
	if err != nil {
		t.Fatalf("index store: %v", err)
	}

	f := &fixture{
		maildir:  maildir.NewStore(t.TempDir()),
		index:    idx,
		subs:     subscription.NewRegistry(),
		breakers: breaker.NewManager(cfg),
	}
	f.manager = NewManager(f.maildir, f.index, f.subs, f.breakers, nil, nil)
	t.Cleanup(func() { _ = f.manager.CloseAll() })
	return f
}

// publish writes an envelope into the endpoint's new/ directory and
// indexes it as pending, mirroring what the relay core does.
func (f *fixture) publish(t *testing.T, subj, hash string) envelope.Envelope {
	t.Helper()
	env := envelope.New(subj, "relay.agent.core.sender", "", json.RawMessage(`{"n":1}`), envelope.Budget{
		MaxHops:             8,
		CallBudgetRemaining: 10,
	})
	if err := f.maildir.Deliver(hash, env); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	err := f.index.InsertMessage(context.Background(), index.Message{
		ID:           env.ID,
		Subject:      subj,
		EndpointHash: hash,
		Status:       index.StatusPending,
		CreatedAt:    env.CreatedAt,
	})
	if err != nil {
		t.Fatalf("index insert: %v", err)
	}
	return env
}

func (f *fixture) setup(t *testing.T, subj string) string {
	t.Helper()
	hash := subject.Hash(subj)
	if err := f.maildir.EnsureMaildir(hash); err != nil {
		t.Fatalf("ensure maildir: %v", err)
	}
	return hash
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (f *fixture) status(t *testing.T, id string) string {
	t.Helper()
	msg, err := f.index.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	return msg.Status
}

func TestDispatchDeliversToSubscriber(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())
	subj := "relay.agent.core.alpha"
	hash := f.setup(t, subj)

	received := make(chan envelope.Envelope, 1)
	_, err := f.subs.Subscribe("relay.agent.core.*", func(_ context.Context, env envelope.Envelope) error {
		received <- env
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := f.manager.Watch(subj, hash); err != nil {
		t.Fatalf("watch: %v", err)
	}

	env := f.publish(t, subj, hash)

	select {
	case got := <-received:
		if got.ID != env.ID {
			t.Errorf("handler got id %s, want %s", got.ID, env.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not invoked")
	}

	waitFor(t, "message not marked delivered", func() bool {
		return f.status(t, env.ID) == index.StatusDelivered
	})

	ids, err := f.maildir.ListIDs(hash, maildir.DirCur)
	if err != nil {
		t.Fatalf("list cur: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("cur/ should be empty after completion, has %v", ids)
	}
}

func TestDispatchFailureDeadLetters(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())
	subj := "relay.agent.core.beta"
	hash := f.setup(t, subj)

	_, err := f.subs.Subscribe(subj, func(_ context.Context, _ envelope.Envelope) error {
		return errors.New("handler exploded")
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := f.manager.Watch(subj, hash); err != nil {
		t.Fatalf("watch: %v", err)
	}

	env := f.publish(t, subj, hash)

	waitFor(t, "message not marked failed", func() bool {
		return f.status(t, env.ID) == index.StatusFailed
	})

	waitFor(t, "envelope not moved to failed/", func() bool {
		ids, _ := f.maildir.ListIDs(hash, maildir.DirFailed)
		return len(ids) == 1 && ids[0] == env.ID
	})

	if reason := f.maildir.FailureReason(hash, env.ID); reason != "handler exploded" {
		t.Errorf("failure reason = %q", reason)
	}
}

func TestNoSubscribersLeavesMessagePending(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())
	subj := "relay.agent.core.quiet"
	hash := f.setup(t, subj)

	if err := f.manager.Watch(subj, hash); err != nil {
		t.Fatalf("watch: %v", err)
	}

	env := f.publish(t, subj, hash)

	// Give the watcher a chance to misbehave.
	time.Sleep(150 * time.Millisecond)

	ids, err := f.maildir.ListIDs(hash, maildir.DirNew)
	if err != nil {
		t.Fatalf("list new: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("new/ = %v, want the undispatched envelope", ids)
	}
	if got := f.status(t, env.ID); got != index.StatusPending {
		t.Errorf("status = %s, want pending", got)
	}
}

func TestInitialScanRecoversBacklog(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())
	subj := "relay.agent.core.backlog"
	hash := f.setup(t, subj)

	env := f.publish(t, subj, hash)

	received := make(chan string, 1)
	_, err := f.subs.Subscribe(subj, func(_ context.Context, e envelope.Envelope) error {
		received <- e.ID
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// The envelope predates the watcher; the startup scan must find it.
	if err := f.manager.Watch(subj, hash); err != nil {
		t.Fatalf("watch: %v", err)
	}

	select {
	case id := <-received:
		if id != env.ID {
			t.Errorf("recovered id %s, want %s", id, env.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("backlog envelope was not dispatched")
	}
}

func TestBreakerOpenShortCircuits(t *testing.T) {
	f := newFixture(t, breaker.Config{Threshold: 1, Cooldown: time.Minute, MaxCooldown: time.Minute})
	subj := "relay.agent.core.flaky"
	hash := f.setup(t, subj)

	invocations := make(chan struct{}, 8)
	_, err := f.subs.Subscribe(subj, func(_ context.Context, _ envelope.Envelope) error {
		invocations <- struct{}{}
		return errors.New("down")
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := f.manager.Watch(subj, hash); err != nil {
		t.Fatalf("watch: %v", err)
	}

	first := f.publish(t, subj, hash)
	waitFor(t, "first message not failed", func() bool {
		return f.status(t, first.ID) == index.StatusFailed
	})
	if got := f.breakers.State(hash); got != breaker.StateOpen {
		t.Fatalf("breaker state = %s, want open", got)
	}

	second := f.publish(t, subj, hash)
	waitFor(t, "second message not short-circuited", func() bool {
		return f.status(t, second.ID) == index.StatusFailed
	})
	if reason := f.maildir.FailureReason(hash, second.ID); reason != "circuit breaker open" {
		t.Errorf("failure reason = %q", reason)
	}

	select {
	case <-invocations:
	case <-time.After(time.Second):
		t.Fatal("first invocation missing")
	}
	select {
	case <-invocations:
		t.Fatal("handler must not run while the breaker is open")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchIdempotentAndUnwatch(t *testing.T) {
	f := newFixture(t, breaker.DefaultConfig())
	subj := "relay.agent.core.once"
	hash := f.setup(t, subj)

	if err := f.manager.Watch(subj, hash); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := f.manager.Watch(subj, hash); err != nil {
		t.Fatalf("second watch: %v", err)
	}
	if !f.manager.Watching(hash) {
		t.Fatal("endpoint should be watched")
	}

	if !f.manager.Unwatch(hash) {
		t.Fatal("Unwatch returned false")
	}
	if f.manager.Unwatch(hash) {
		t.Fatal("second Unwatch returned true")
	}
	if f.manager.Watching(hash) {
		t.Fatal("endpoint should no longer be watched")
	}
}
