package maildir

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dork/dork/internal/relay/envelope"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func testEnvelope(subj string) envelope.Envelope {
	return envelope.New(subj, "relay.agent.test", "", json.RawMessage(`{"k":"v"}`), envelope.Budget{
		MaxHops:             8,
		TTL:                 time.Now().Add(time.Minute).UnixMilli(),
		CallBudgetRemaining: 16,
	})
}

// countFiles returns how many directories currently hold the id.
func countFiles(t *testing.T, s *Store, hash, id string) int {
	t.Helper()
	count := 0
	for _, dir := range []string{DirNew, DirCur, DirFailed} {
		if _, err := os.Stat(filepath.Join(s.Path(hash), dir, id+".json")); err == nil {
			count++
		}
	}
	return count
}

func TestDeliverClaimComplete(t *testing.T) {
	s := newTestStore(t)
	hash := "abc123"
	if err := s.EnsureMaildir(hash); err != nil {
		t.Fatalf("EnsureMaildir failed: %v", err)
	}

	env := testEnvelope("relay.agent.backend")
	if err := s.Deliver(hash, env); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if got := countFiles(t, s, hash, env.ID); got != 1 {
		t.Fatalf("expected envelope in exactly one directory, found %d", got)
	}

	claimed, ok, err := s.Claim(hash, env.ID)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !ok {
		t.Fatal("expected claim to succeed")
	}
	if claimed.ID != env.ID || claimed.Subject != env.Subject {
		t.Errorf("claimed envelope mismatch: %+v", claimed)
	}
	if got := countFiles(t, s, hash, env.ID); got != 1 {
		t.Fatalf("expected envelope in exactly one directory after claim, found %d", got)
	}

	if err := s.Complete(hash, env.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got := countFiles(t, s, hash, env.ID); got != 0 {
		t.Fatalf("expected envelope removed, found %d files", got)
	}

	// Completing again is safe.
	if err := s.Complete(hash, env.ID); err != nil {
		t.Errorf("second Complete failed: %v", err)
	}
}

func TestDeliverIdempotent(t *testing.T) {
	s := newTestStore(t)
	hash := "abc123"
	if err := s.EnsureMaildir(hash); err != nil {
		t.Fatalf("EnsureMaildir failed: %v", err)
	}

	env := testEnvelope("relay.agent.backend")
	for i := 0; i < 3; i++ {
		if err := s.Deliver(hash, env); err != nil {
			t.Fatalf("Deliver %d failed: %v", i, err)
		}
	}

	ids, err := s.ListIDs(hash, DirNew)
	if err != nil {
		t.Fatalf("ListIDs failed: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("expected a single file, got %d", len(ids))
	}
}

func TestDeliverWithoutMaildir(t *testing.T) {
	s := newTestStore(t)

	err := s.Deliver("nope", testEnvelope("relay.agent.x"))
	if !errors.Is(err, ErrMaildirNotFound) {
		t.Errorf("expected ErrMaildirNotFound, got %v", err)
	}
}

func TestClaimAbsent(t *testing.T) {
	s := newTestStore(t)
	hash := "abc123"
	if err := s.EnsureMaildir(hash); err != nil {
		t.Fatalf("EnsureMaildir failed: %v", err)
	}

	_, ok, err := s.Claim(hash, "01MISSING")
	if err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing id")
	}
}

func TestFailRecordsReason(t *testing.T) {
	s := newTestStore(t)
	hash := "abc123"
	if err := s.EnsureMaildir(hash); err != nil {
		t.Fatalf("EnsureMaildir failed: %v", err)
	}

	env := testEnvelope("relay.agent.backend")
	if err := s.Deliver(hash, env); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if _, ok, _ := s.Claim(hash, env.ID); !ok {
		t.Fatal("claim failed")
	}

	if err := s.Fail(hash, env.ID, "handler exploded"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	ids, err := s.ListIDs(hash, DirFailed)
	if err != nil {
		t.Fatalf("ListIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != env.ID {
		t.Fatalf("expected failed/ to hold the envelope, got %v", ids)
	}
	if reason := s.FailureReason(hash, env.ID); reason != "handler exploded" {
		t.Errorf("unexpected failure reason %q", reason)
	}

	// Failing an absent id is safe.
	if err := s.Fail(hash, "01MISSING", "x"); err != nil {
		t.Errorf("Fail on absent id returned error: %v", err)
	}
}

func TestFailDirect(t *testing.T) {
	s := newTestStore(t)
	hash := "deadletter"

	env := testEnvelope("relay.agent.toodeep")
	if err := s.FailDirect(hash, env, "BUDGET_EXCEEDED_HOPS"); err != nil {
		t.Fatalf("FailDirect failed: %v", err)
	}

	newIDs, _ := s.ListIDs(hash, DirNew)
	if len(newIDs) != 0 {
		t.Errorf("expected new/ empty, got %v", newIDs)
	}
	failedIDs, _ := s.ListIDs(hash, DirFailed)
	if len(failedIDs) != 1 {
		t.Fatalf("expected one dead-lettered envelope, got %v", failedIDs)
	}
	if reason := s.FailureReason(hash, env.ID); reason != "BUDGET_EXCEEDED_HOPS" {
		t.Errorf("unexpected reason %q", reason)
	}
}

func TestListIDsIgnoresNonJSON(t *testing.T) {
	s := newTestStore(t)
	hash := "abc123"
	if err := s.EnsureMaildir(hash); err != nil {
		t.Fatalf("EnsureMaildir failed: %v", err)
	}

	env := testEnvelope("relay.agent.backend")
	if err := s.Deliver(hash, env); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	junk := filepath.Join(s.DirPath(hash, DirNew), "recovery.tmp")
	if err := os.WriteFile(junk, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to plant junk file: %v", err)
	}

	ids, err := s.ListIDs(hash, DirNew)
	if err != nil {
		t.Fatalf("ListIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != env.ID {
		t.Errorf("expected only the envelope id, got %v", ids)
	}
}
