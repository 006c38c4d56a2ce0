package pulse

import (
	"context"
	"fmt"
	"time"

	"github.com/dork/dork/internal/pulse/store"
)

// CreateSchedule validates and persists a schedule, then registers its
// cron job when eligible. Agent-created schedules are forced to
// pending_approval; only a human can activate them.
func (s *Scheduler) CreateSchedule(ctx context.Context, input store.ScheduleInput, agentCreated bool) (*store.Schedule, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if input.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if err := s.validateCron(input.Cron); err != nil {
		return nil, err
	}
	if err := validateTimezone(input.Timezone); err != nil {
		return nil, err
	}
	if input.MaxRuntime < 0 {
		return nil, fmt.Errorf("%w: maxRuntime must not be negative", ErrValidation)
	}
	if err := validateStatus(input.Status); err != nil {
		return nil, err
	}
	if agentCreated {
		input.Status = store.StatusPendingApproval
	}

	sched, err := s.store.CreateSchedule(ctx, input)
	if err != nil {
		return nil, err
	}
	s.syncJob(sched)
	s.emitFeed("pulse.schedule.created", map[string]interface{}{
		"scheduleId": sched.ID, "name": sched.Name, "status": sched.Status,
	})
	return sched, nil
}

// GetSchedule returns one schedule.
func (s *Scheduler) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// ListSchedules returns every schedule.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]store.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// UpdateSchedule patches a schedule and re-syncs its cron job.
func (s *Scheduler) UpdateSchedule(ctx context.Context, id string, upd store.ScheduleUpdate) (*store.Schedule, error) {
	if upd.Cron != nil {
		if err := s.validateCron(*upd.Cron); err != nil {
			return nil, err
		}
	}
	if upd.Timezone != nil {
		if err := validateTimezone(*upd.Timezone); err != nil {
			return nil, err
		}
	}
	if upd.Status != nil {
		if err := validateStatus(*upd.Status); err != nil {
			return nil, err
		}
	}
	if upd.MaxRuntime != nil && *upd.MaxRuntime < 0 {
		return nil, fmt.Errorf("%w: maxRuntime must not be negative", ErrValidation)
	}

	sched, err := s.store.UpdateSchedule(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.syncJob(sched)
	s.emitFeed("pulse.schedule.updated", map[string]interface{}{
		"scheduleId": sched.ID, "status": sched.Status, "enabled": sched.Enabled,
	})
	return sched, nil
}

// DeleteSchedule removes a schedule with its history, cancelling any of
// its runs still in flight.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	deleted, err := s.store.DeleteSchedule(ctx, id)
	if err != nil || !deleted {
		return deleted, err
	}

	s.unregisterSchedule(id)
	s.mu.Lock()
	for _, run := range s.activeRuns {
		if run.scheduleID == id {
			run.cancel()
		}
	}
	s.mu.Unlock()

	s.emitFeed("pulse.schedule.deleted", map[string]interface{}{"scheduleId": id})
	return true, nil
}

// TriggerManualRun starts a run for the schedule now, without awaiting
// it. The global concurrency cap still applies.
func (s *Scheduler) TriggerManualRun(ctx context.Context, id string) (*store.Run, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrSchedulerNotRunning
	}
	if s.slotsUsed() >= s.cfg.MaxConcurrentRuns {
		s.mu.Unlock()
		return nil, ErrTooManyRuns
	}
	s.reserved[id]++
	s.wg.Add(1)
	s.mu.Unlock()

	run, err := s.store.CreateRun(ctx, id, store.TriggerManual)
	if err != nil {
		s.release(id)
		s.wg.Done()
		return nil, err
	}

	go func() {
		defer s.wg.Done()
		s.executeRun(sched, run)
	}()
	return run, nil
}

// GetRun returns one run.
func (s *Scheduler) GetRun(ctx context.Context, id string) (*store.Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns returns run history, newest first.
func (s *Scheduler) ListRuns(ctx context.Context, opts store.ListRunsOptions) ([]store.Run, error) {
	return s.store.ListRuns(ctx, opts)
}

// NextRun returns the schedule's next tick, or nil when the schedule is
// disabled or awaiting approval.
func (s *Scheduler) NextRun(ctx context.Context, id string) (*time.Time, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sched.Enabled || sched.Status != store.StatusActive {
		return nil, nil
	}
	next, err := s.nextAfter(sched, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cron expression %q", ErrValidation, sched.Cron)
	}
	return &next, nil
}

// syncJob keeps the cron loop in step with the schedule's state.
func (s *Scheduler) syncJob(sched *store.Schedule) {
	if sched.Enabled && sched.Status == store.StatusActive {
		s.registerSchedule(sched.ID)
	} else {
		s.unregisterSchedule(sched.ID)
	}
}

func (s *Scheduler) validateCron(expr string) error {
	if expr == "" {
		return fmt.Errorf("%w: cron expression is required", ErrValidation)
	}
	if !s.gron.IsValid(expr) {
		return fmt.Errorf("%w: invalid cron expression %q", ErrValidation, expr)
	}
	return nil
}

func validateTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrValidation, tz)
	}
	return nil
}

func validateStatus(status string) error {
	switch status {
	case "", store.StatusActive, store.StatusPendingApproval, store.StatusDisabled:
		return nil
	default:
		return fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
}
