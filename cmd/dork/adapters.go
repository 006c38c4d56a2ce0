package main

import (
	"context"

	"github.com/dork/dork/internal/pulse"
	"github.com/dork/dork/internal/session"
)

// scheduleRunner adapts the session manager to the scheduler's runner
// contract: one unattended turn per run, keyed by the run id so the
// transcript is findable afterwards.
type scheduleRunner struct {
	sessions *session.Manager
}

func newScheduleRunner(m *session.Manager) *scheduleRunner {
	return &scheduleRunner{sessions: m}
}

// StartRun sends one prompt through a fresh session and converts its
// stream into run events. The returned channel closes when the turn
// completes.
func (r *scheduleRunner) StartRun(ctx context.Context, sessionID, permissionMode, cwd, prompt string) (<-chan pulse.RunEvent, error) {
	events := r.sessions.SendMessage(ctx, sessionID, prompt, &session.SendOptions{
		PermissionMode: permissionMode,
		Cwd:            cwd,
	})

	out := make(chan pulse.RunEvent, 64)
	go func() {
		defer close(out)
		for ev := range events {
			converted, ok := convertRunEvent(ev)
			if !ok {
				continue
			}
			select {
			case out <- converted:
			case <-ctx.Done():
				// Keep draining so the turn can finish its bookkeeping
				// and close the source channel.
			}
		}
	}()
	return out, nil
}

// convertRunEvent maps a session stream event onto the scheduler's
// smaller vocabulary. Tool call and question events carry nothing a
// summary needs and are dropped.
func convertRunEvent(ev session.Event) (pulse.RunEvent, bool) {
	switch ev.Type {
	case session.EventTextDelta:
		return pulse.RunEvent{Type: pulse.EventTextDelta, Text: ev.Text}, true
	case session.EventError:
		return pulse.RunEvent{Type: pulse.EventError, Error: ev.Message}, true
	case session.EventDone:
		return pulse.RunEvent{Type: pulse.EventDone}, true
	default:
		return pulse.RunEvent{}, false
	}
}
