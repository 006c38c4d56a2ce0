// Package pulse runs cron schedules as unattended agent sessions.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/config"
	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/db"
	"github.com/dork/dork/internal/events/bus"
	"github.com/dork/dork/internal/pulse/store"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
	ErrTooManyRuns             = errors.New("max concurrent runs reached")
	ErrNotFound                = store.ErrNotFound
	ErrValidation              = errors.New("validation failed")
)

// drainTimeout bounds how long Stop waits for active runs.
const drainTimeout = 30 * time.Second

type activeRun struct {
	scheduleID string
	cancel     context.CancelFunc
}

// Scheduler evaluates cron schedules and executes their runs through the
// session manager. Dispatch is serial per schedule and parallel across
// schedules, capped globally by MaxConcurrentRuns.
type Scheduler struct {
	cfg    config.PulseConfig
	store  *store.Store
	runner SessionRunner
	feed   bus.EventBus
	log    *logger.Logger
	gron   gronx.Gronx

	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	jobs       map[string]chan struct{}
	activeRuns map[string]*activeRun
	// reserved counts slots claimed per schedule between the cap check
	// and run registration, so the cap holds across that window.
	reserved map[string]int

	wg sync.WaitGroup
}

// errScheduleBusy: a tick fired while the schedule's previous run was
// still active.
var errScheduleBusy = errors.New("schedule already has an active run")

// NewScheduler builds the scheduler and its store schema.
func NewScheduler(cfg config.PulseConfig, database *db.Database, runner SessionRunner, eventBus bus.EventBus, log *logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.Default()
	}
	st, err := store.NewStore(database)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 3
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = 50
	}
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		runner:     runner,
		feed:       eventBus,
		log:        log.WithFields(zap.String("component", "pulse")),
		gron:       gronx.New(),
		jobs:       make(map[string]chan struct{}),
		activeRuns: make(map[string]*activeRun),
		reserved:   make(map[string]int),
	}, nil
}

// Start recovers orphaned runs, prunes history, and registers a cron job
// for every enabled active schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	changed, err := s.store.MarkRunningAsFailed(ctx)
	if err != nil {
		s.abortStart()
		return fmt.Errorf("failed to recover orphaned runs: %w", err)
	}
	if changed > 0 {
		s.log.Warn("failed runs orphaned by previous process", zap.Int64("count", changed))
	}

	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.abortStart()
		return err
	}

	registered := 0
	for i := range schedules {
		if _, err := s.store.PruneRuns(ctx, schedules[i].ID, s.cfg.RunRetention); err != nil {
			s.log.WithError(err).Warn("run pruning failed", zap.String("schedule_id", schedules[i].ID))
		}
		if schedules[i].Enabled && schedules[i].Status == store.StatusActive {
			s.registerSchedule(schedules[i].ID)
			registered++
		}
	}

	s.log.Info("pulse scheduler started",
		zap.Int("schedules", registered),
		zap.Int("max_concurrent_runs", s.cfg.MaxConcurrentRuns))
	return nil
}

// abortStart unwinds a Start that failed before registering any jobs.
func (s *Scheduler) abortStart() {
	s.mu.Lock()
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
}

// Stop cancels every active run and waits up to 30 seconds for them to
// drain.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	for id, stop := range s.jobs {
		close(stop)
		delete(s.jobs, id)
	}
	for _, run := range s.activeRuns {
		run.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("pulse scheduler stopped")
	case <-time.After(drainTimeout):
		s.log.Warn("pulse scheduler stop timed out draining runs",
			zap.Int("active_runs", s.ActiveRunCount()))
	}
	return nil
}

// IsRunning reports whether the scheduler has been started.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ActiveRunCount returns the number of runs currently executing.
func (s *Scheduler) ActiveRunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeRuns)
}

// registerSchedule starts the per-schedule cron loop. Idempotent while
// the loop is alive.
func (s *Scheduler) registerSchedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if _, ok := s.jobs[id]; ok {
		return
	}
	stop := make(chan struct{})
	s.jobs[id] = stop
	s.wg.Add(1)
	go s.jobLoop(id, stop, s.stopCh)
}

// unregisterSchedule stops the per-schedule cron loop if one is alive.
func (s *Scheduler) unregisterSchedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.jobs[id]; ok {
		delete(s.jobs, id)
		close(stop)
	}
}

// jobLoop sleeps until the schedule's next tick, then fires. Firing is
// synchronous, so one schedule never overlaps itself even when a run
// outlasts the tick interval.
func (s *Scheduler) jobLoop(id string, stop chan struct{}, global <-chan struct{}) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if cur, ok := s.jobs[id]; ok && cur == stop {
			delete(s.jobs, id)
		}
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		cur, ok := s.jobs[id]
		s.mu.Unlock()
		if !ok || cur != stop {
			// Unregistered, or a re-registration superseded this loop.
			return
		}

		sched, err := s.store.GetSchedule(context.Background(), id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.log.WithError(err).Error("schedule read failed", zap.String("schedule_id", id))
			}
			return
		}
		if !sched.Enabled || sched.Status != store.StatusActive {
			return
		}

		next, err := s.nextAfter(sched, time.Now())
		if err != nil {
			s.log.WithError(err).Error("cron evaluation failed",
				zap.String("schedule_id", id), zap.String("cron", sched.Cron))
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-global:
			timer.Stop()
			return
		case <-timer.C:
			s.fire(id)
		}
	}
}

// fire re-reads the schedule and executes one run unless the schedule
// went away or the global cap is reached.
func (s *Scheduler) fire(id string) {
	ctx := context.Background()
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.WithError(err).Error("schedule read failed", zap.String("schedule_id", id))
		}
		return
	}
	if !sched.Enabled || sched.Status != store.StatusActive {
		return
	}

	if err := s.claimTickSlot(id); err != nil {
		if errors.Is(err, ErrTooManyRuns) {
			s.log.Warn("max concurrent runs reached, skipping tick",
				zap.String("schedule_id", id),
				zap.Int("max_concurrent_runs", s.cfg.MaxConcurrentRuns))
		} else {
			s.log.Debug("previous run still active, skipping tick",
				zap.String("schedule_id", id))
		}
		return
	}

	run, err := s.store.CreateRun(ctx, id, store.TriggerScheduled)
	if err != nil {
		s.release(id)
		s.log.WithError(err).Error("run creation failed", zap.String("schedule_id", id))
		return
	}
	s.executeRun(sched, run)
}

// nextAfter computes the schedule's next tick strictly after now, minute
// aligned in the schedule's timezone.
func (s *Scheduler) nextAfter(sched *store.Schedule, now time.Time) (time.Time, error) {
	loc := time.Local
	if sched.Timezone != "" {
		if l, err := time.LoadLocation(sched.Timezone); err == nil {
			loc = l
		}
	}
	ref := now.In(loc).Truncate(time.Minute).Add(time.Minute)
	return gronx.NextTickAfter(sched.Cron, ref, true)
}

// claimTickSlot claims a concurrency slot for a cron tick. It fails when
// the global cap is reached or the schedule already has a claimed or
// active run. Callers convert the claim into an active run (track) or
// give it back (release).
func (s *Scheduler) claimTickSlot(scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slotsUsed() >= s.cfg.MaxConcurrentRuns {
		return ErrTooManyRuns
	}
	if s.reserved[scheduleID] > 0 {
		return errScheduleBusy
	}
	for _, run := range s.activeRuns {
		if run.scheduleID == scheduleID {
			return errScheduleBusy
		}
	}
	s.reserved[scheduleID]++
	return nil
}

// slotsUsed counts active plus reserved runs. Callers hold s.mu.
func (s *Scheduler) slotsUsed() int {
	total := len(s.activeRuns)
	for _, n := range s.reserved {
		total += n
	}
	return total
}

func (s *Scheduler) release(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropReservation(scheduleID)
}

func (s *Scheduler) dropReservation(scheduleID string) {
	if s.reserved[scheduleID] <= 1 {
		delete(s.reserved, scheduleID)
	} else {
		s.reserved[scheduleID]--
	}
}

func (s *Scheduler) track(runID, scheduleID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropReservation(scheduleID)
	s.activeRuns[runID] = &activeRun{scheduleID: scheduleID, cancel: cancel}
}

func (s *Scheduler) untrack(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeRuns, runID)
}

func (s *Scheduler) emitFeed(eventType string, data map[string]interface{}) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(context.Background(), "feed."+eventType, bus.NewEvent(eventType, "pulse", data)); err != nil {
		s.log.WithError(err).Debug("feed publish failed", zap.String("type", eventType))
	}
}
