package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dork/dork/internal/pulse/store"
)

// Stream event types the scheduler reacts to; other session events pass
// through unused.
const (
	EventTextDelta = "text_delta"
	EventError     = "error"
	EventDone      = "done"
)

// summaryLimit caps the captured output summary, in runes.
const summaryLimit = 500

// RunEvent is one item of an unattended session stream.
type RunEvent struct {
	Type  string
	Text  string
	Error string
}

// SessionRunner is the slice of the session manager the scheduler
// drives: open a session keyed by the run id and stream one prompt
// through it. The channel closes when the turn completes.
type SessionRunner interface {
	StartRun(ctx context.Context, sessionID, permissionMode, cwd, prompt string) (<-chan RunEvent, error)
}

// executeRun drives one run to a terminal state. The caller must hold a
// concurrency reservation; executeRun converts it into the active-run
// entry and releases it when done.
func (s *Scheduler) executeRun(sched *store.Schedule, run *store.Run) {
	started := time.Now()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx := runCtx
	maxRuntime := sched.MaxRuntime
	if maxRuntime <= 0 {
		maxRuntime = s.cfg.DefaultMaxRuntime
	}
	if maxRuntime > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(runCtx, time.Duration(maxRuntime)*time.Second)
		defer cancelTimeout()
	}

	s.track(run.ID, sched.ID, cancel)
	defer s.untrack(run.ID)

	s.log.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("schedule_id", sched.ID),
		zap.String("trigger", run.Trigger))
	s.emitFeed("pulse.run.started", map[string]interface{}{
		"runId": run.ID, "scheduleId": sched.ID, "trigger": run.Trigger,
	})

	var summary []rune
	var runErr error
	sessionID := ""

	prompt := sched.Prompt + ContextSuffix(sched, run)
	events, err := s.runner.StartRun(ctx, run.ID, sched.PermissionMode, sched.Cwd, prompt)
	if err != nil {
		runErr = err
	} else {
		sessionID = run.ID
	consume:
		for {
			select {
			case <-ctx.Done():
				break consume
			case ev, ok := <-events:
				if !ok {
					break consume
				}
				switch ev.Type {
				case EventTextDelta:
					for _, r := range ev.Text {
						if len(summary) >= summaryLimit {
							break
						}
						summary = append(summary, r)
					}
				case EventError:
					runErr = errors.New(ev.Error)
				}
			}
		}
	}

	status := store.RunCompleted
	errMsg := ""
	switch {
	case ctx.Err() != nil:
		status = store.RunCancelled
		errMsg = "Run cancelled"
	case runErr != nil:
		status = store.RunFailed
		errMsg = runErr.Error()
	}

	finishedAt := store.NowISO()
	durationMs := time.Since(started).Milliseconds()
	patch := store.RunPatch{
		Status:     &status,
		FinishedAt: &finishedAt,
		DurationMs: &durationMs,
	}
	if out := string(summary); out != "" {
		patch.OutputSummary = &out
	}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	if sessionID != "" {
		patch.SessionID = &sessionID
	}

	// Bookkeeping runs on a fresh context: the run context is often
	// already cancelled here.
	bg := context.Background()
	if _, err := s.store.UpdateRun(bg, run.ID, patch); err != nil {
		s.log.WithError(err).Error("run update failed", zap.String("run_id", run.ID))
	}
	if _, err := s.store.PruneRuns(bg, sched.ID, s.cfg.RunRetention); err != nil {
		s.log.WithError(err).Warn("run pruning failed", zap.String("schedule_id", sched.ID))
	}

	s.log.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("schedule_id", sched.ID),
		zap.String("status", status),
		zap.Int64("duration_ms", durationMs))
	s.emitFeed("pulse.run.finished", map[string]interface{}{
		"runId": run.ID, "scheduleId": sched.ID, "status": status, "durationMs": durationMs,
	})
}

// CancelRun signals a running run's cancellation token. Returns false if
// no such run is active.
func (s *Scheduler) CancelRun(id string) bool {
	s.mu.Lock()
	run, ok := s.activeRuns[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	s.log.Info("run cancellation requested", zap.String("run_id", id))
	return true
}

// ContextSuffix is the unattended-run preamble appended to a schedule's
// prompt. Kept a pure function of schedule and run so its wording is
// testable.
func ContextSuffix(sched *store.Schedule, run *store.Run) string {
	cwd := sched.Cwd
	if cwd == "" {
		cwd = "(server default)"
	}
	return fmt.Sprintf("\n\n---\nScheduled run context:\n"+
		"- Job: %s\n"+
		"- Cron: %s\n"+
		"- Working directory: %s\n"+
		"- Run ID: %s\n"+
		"- Trigger: %s\n\n"+
		"This run is unattended. Do not ask questions or wait for user input; "+
		"proceed autonomously and finish the task in this session.",
		sched.Name, sched.Cron, cwd, run.ID, run.Trigger)
}
