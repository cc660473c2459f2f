package cron

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/praybot/internal/bus"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/praybot/internal/cron")

const (
	// defaultActionTimeout bounds a run when the job sets no timeoutMs.
	defaultActionTimeout = 30 * time.Second

	// stuckRunAfter force-clears a runningAtMs older than this; a crash
	// mid-run must not block the job forever.
	stuckRunAfter = 2 * time.Hour

	// maxTimerDelay caps the re-arm delay; time.Timer handles larger
	// values fine but the store keeps absolute times, so a periodic
	// re-check costs nothing and guards against clock math overflow.
	maxTimerDelay = time.Duration(math.MaxInt32) * time.Millisecond
)

// ActionFunc executes one job action. The context carries the per-run
// timeout; a non-nil error records lastStatus "error".
type ActionFunc func(ctx context.Context, job *Job) error

// Service schedules and runs jobs. All mutations funnel through a
// capacity-1 channel held across blocking steps, so at most one critical
// section (CRUD or run pass) is active. Readers serve from an atomic
// snapshot and never block behind a running job.
type Service struct {
	path    string
	log     *slog.Logger
	events  bus.EventPublisher
	actions map[string]ActionFunc
	now     func() time.Time

	chain chan struct{} // capacity 1, owned while a mutation runs

	// Guarded by chain.
	jobs    []*Job
	timer   *time.Timer
	started bool
	closed  bool

	runCtx    context.Context
	cancelRun context.CancelFunc

	view atomic.Pointer[[]Job] // read-side snapshot
}

// NewService builds a scheduler persisting to path (the jobs.json file).
// events may be nil. Actions are registered before Start.
func NewService(path string, events bus.EventPublisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		path:    path,
		log:     log.With("component", "cron"),
		events:  events,
		actions: make(map[string]ActionFunc),
		now:     time.Now,
		chain:   make(chan struct{}, 1),
	}
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	empty := []Job{}
	s.view.Store(&empty)
	return s
}

// RegisterAction installs the handler for an action type. Not safe to call
// concurrently with Start.
func (s *Service) RegisterAction(actionType string, fn ActionFunc) {
	s.actions[actionType] = fn
}

func (s *Service) lock()   { s.chain <- struct{}{} }
func (s *Service) unlock() { <-s.chain }

// Start loads the store, fills in missing next-run times and arms the
// timer. Overdue jobs keep their past nextRunAtMs so the timer fires
// immediately.
func (s *Service) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock()
	defer s.unlock()
	if s.closed {
		return ErrServiceClosed
	}
	if s.started {
		return nil
	}

	sf, err := loadStore(s.path)
	if err != nil {
		return err
	}
	s.jobs = sf.Jobs

	now := s.now()
	changed := false
	for _, j := range s.jobs {
		if j.State.NextRunAtMs != 0 || !j.Enabled {
			continue
		}
		next, err := nextRun(j, now)
		if err != nil {
			s.log.Warn("cron schedule invalid", "jobId", j.ID, "error", err)
			continue
		}
		if next != 0 {
			j.State.NextRunAtMs = next
			changed = true
		}
	}
	if changed {
		if err := persistStore(s.path, &StoreFile{Version: storeVersion, Jobs: s.jobs}); err != nil {
			return err
		}
	}

	s.started = true
	s.refreshView()
	s.armTimerLocked()
	s.log.Info("cron started", "jobs", len(s.jobs), "store", s.path)
	return nil
}

// Stop cancels in-flight actions and disarms the timer. Idempotent. The
// cancel happens before taking the chain so a blocked action cannot hold
// shutdown hostage past its context.
func (s *Service) Stop() {
	s.cancelRun()
	s.lock()
	defer s.unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Add creates a job from spec and schedules it.
func (s *Service) Add(spec JobSpec) (*Job, error) {
	if err := validateSchedule(spec.Schedule); err != nil {
		return nil, err
	}
	if spec.Action.Type == "" {
		return nil, fmt.Errorf("action type required")
	}

	s.lock()
	defer s.unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}

	now := s.now()
	source := spec.Source
	if source == "" {
		source = SourceUser
	}
	j := &Job{
		ID:             newJobID(),
		Name:           spec.Name,
		Description:    spec.Description,
		Enabled:        spec.Enabled,
		DeleteAfterRun: spec.DeleteAfterRun,
		Source:         source,
		TimeoutMs:      spec.TimeoutMs,
		CreatedAtMs:    now.UnixMilli(),
		UpdatedAtMs:    now.UnixMilli(),
		Schedule:       spec.Schedule,
		Action:         spec.Action,
	}
	next, err := nextRun(j, now)
	if err != nil {
		return nil, err
	}
	j.State.NextRunAtMs = next

	s.jobs = append(s.jobs, j)
	if err := persistStore(s.path, &StoreFile{Version: storeVersion, Jobs: s.jobs}); err != nil {
		s.jobs = s.jobs[:len(s.jobs)-1]
		return nil, err
	}
	s.refreshView()
	s.armTimerLocked()
	s.log.Info("cron job added", "jobId", j.ID, "name", j.Name, "kind", j.Schedule.Kind)
	return j.clone(), nil
}

// Update merges patch into the job. A schedule change recomputes the
// next-run time.
func (s *Service) Update(id string, patch Patch) (*Job, error) {
	if patch.Schedule != nil {
		if err := validateSchedule(*patch.Schedule); err != nil {
			return nil, err
		}
	}

	s.lock()
	defer s.unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	j := s.findLocked(id)
	if j == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if patch.Name != nil {
		j.Name = *patch.Name
	}
	if patch.Description != nil {
		j.Description = *patch.Description
	}
	if patch.Enabled != nil {
		j.Enabled = *patch.Enabled
	}
	if patch.DeleteAfterRun != nil {
		j.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.TimeoutMs != nil {
		j.TimeoutMs = *patch.TimeoutMs
	}
	if patch.Action != nil {
		j.Action = *patch.Action
	}
	now := s.now()
	if patch.Schedule != nil {
		j.Schedule = *patch.Schedule
		j.State.NextRunAtMs = 0
		next, err := nextRun(j, now)
		if err != nil {
			return nil, err
		}
		j.State.NextRunAtMs = next
	} else if patch.Enabled != nil && *patch.Enabled && j.State.NextRunAtMs == 0 {
		next, err := nextRun(j, now)
		if err != nil {
			return nil, err
		}
		j.State.NextRunAtMs = next
	}
	j.UpdatedAtMs = now.UnixMilli()

	if err := persistStore(s.path, &StoreFile{Version: storeVersion, Jobs: s.jobs}); err != nil {
		return nil, err
	}
	s.refreshView()
	s.armTimerLocked()
	return j.clone(), nil
}

// Remove deletes the job and its run log.
func (s *Service) Remove(id string) error {
	s.lock()
	defer s.unlock()
	if s.closed {
		return ErrServiceClosed
	}
	idx := -1
	for i, j := range s.jobs {
		if j.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
	if err := persistStore(s.path, &StoreFile{Version: storeVersion, Jobs: s.jobs}); err != nil {
		return err
	}
	os.Remove(s.runLogPath(id))
	s.refreshView()
	s.armTimerLocked()
	s.log.Info("cron job removed", "jobId", id)
	return nil
}

// Run executes the job now, regardless of its schedule. A job already
// mid-run records a skipped entry instead of double-running.
func (s *Service) Run(id string) (*Job, error) {
	s.lock()
	defer s.unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	j := s.findLocked(id)
	if j == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	nowMs := s.now().UnixMilli()
	if j.State.RunningAtMs != 0 && time.Duration(nowMs-j.State.RunningAtMs)*time.Millisecond < stuckRunAfter {
		entry := RunEntry{AtMs: nowMs, Trigger: TriggerManual, Status: StatusSkipped, Error: "already running"}
		if err := s.appendRunLog(j.ID, entry); err != nil {
			s.log.Warn("cron run log append failed", "jobId", j.ID, "error", err)
		}
		return j.clone(), nil
	}

	s.executeLocked(j, TriggerManual)
	if err := persistStore(s.path, &StoreFile{Version: storeVersion, Jobs: s.jobs}); err != nil {
		return nil, err
	}
	s.refreshView()
	s.armTimerLocked()
	return j.clone(), nil
}

// List returns all jobs from the read-side snapshot.
func (s *Service) List() []Job {
	return append([]Job(nil), *s.view.Load()...)
}

// Get returns one job from the read-side snapshot.
func (s *Service) Get(id string) (Job, bool) {
	for _, j := range *s.view.Load() {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

// Status summarizes the scheduler.
func (s *Service) Status() ServiceStatus {
	jobs := *s.view.Load()
	st := ServiceStatus{Running: true, Jobs: len(jobs)}
	for _, j := range jobs {
		if !j.Enabled {
			continue
		}
		st.Enabled++
		if j.State.NextRunAtMs != 0 && (st.NextRunAtMs == 0 || j.State.NextRunAtMs < st.NextRunAtMs) {
			st.NextRunAtMs = j.State.NextRunAtMs
		}
	}
	return st
}

// Runs returns the newest limit run-log entries for the job, oldest first.
func (s *Service) Runs(jobID string, limit int) ([]RunEntry, error) {
	return readRunLog(s.runLogPath(jobID), limit)
}

// tick runs due jobs. Fired by the timer; serialized with CRUD through the
// chain like everything else.
func (s *Service) tick() {
	s.lock()
	defer s.unlock()
	if s.closed {
		return
	}

	now := s.now()
	nowMs := now.UnixMilli()
	ran := false
	for _, j := range append([]*Job(nil), s.jobs...) {
		if !j.Enabled || j.State.NextRunAtMs == 0 || j.State.NextRunAtMs > nowMs {
			continue
		}
		if j.State.RunningAtMs != 0 {
			if time.Duration(nowMs-j.State.RunningAtMs)*time.Millisecond < stuckRunAfter {
				continue
			}
			s.log.Warn("cron job stuck, clearing", "jobId", j.ID, "runningAtMs", j.State.RunningAtMs)
			j.State.RunningAtMs = 0
		}
		s.executeLocked(j, TriggerSchedule)
		ran = true
	}

	if ran {
		if err := persistStore(s.path, &StoreFile{Version: storeVersion, Jobs: s.jobs}); err != nil {
			s.log.Error("cron store persist failed", "error", err)
		}
	}
	s.refreshView()
	s.armTimerLocked()
}

// executeLocked runs one job start-to-finish while holding the chain. The
// action races its timeout; a timed-out action may still finish in the
// background but the run is recorded as an error.
func (s *Service) executeLocked(j *Job, trigger string) {
	started := s.now()
	startedMs := started.UnixMilli()
	j.State.RunningAtMs = startedMs
	s.publish(bus.EventCronStarted, bus.CronPayload{JobID: j.ID, Name: j.Name})
	s.log.Info("cron job started", "jobId", j.ID, "name", j.Name, "trigger", trigger)

	timeout := defaultActionTimeout
	if j.TimeoutMs > 0 {
		timeout = time.Duration(j.TimeoutMs) * time.Millisecond
	}

	var runErr error
	fn, ok := s.actions[j.Action.Type]
	status := StatusOK
	if !ok {
		status = StatusSkipped
		runErr = fmt.Errorf("no handler for action type %q", j.Action.Type)
	} else {
		ctx, cancel := context.WithTimeout(s.runCtx, timeout)
		ctx, span := tracer.Start(ctx, "cron.run", trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.String("job.name", j.Name),
			attribute.String("action.type", j.Action.Type),
			attribute.String("trigger", trigger),
		))
		done := make(chan error, 1)
		jc := j.clone()
		go func() { done <- fn(ctx, jc) }()
		select {
		case err := <-done:
			runErr = err
		case <-ctx.Done():
			runErr = fmt.Errorf("action timed out after %s", timeout)
		}
		if runErr != nil {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
		}
		span.End()
		cancel()
		if runErr != nil {
			status = StatusError
		}
	}

	finished := s.now()
	duration := finished.Sub(started).Milliseconds()

	j.State.LastRunAtMs = startedMs
	j.State.LastStatus = status
	j.State.LastDurationMs = duration
	j.State.LastError = ""
	if runErr != nil {
		j.State.LastError = runErr.Error()
	}
	j.State.RunningAtMs = 0

	if j.DeleteAfterRun {
		for i, cand := range s.jobs {
			if cand.ID == j.ID {
				s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
				break
			}
		}
	} else {
		next, err := nextRun(j, finished)
		if err != nil {
			s.log.Warn("cron next-run recompute failed", "jobId", j.ID, "error", err)
			next = 0
		}
		j.State.NextRunAtMs = next
	}

	entry := RunEntry{AtMs: startedMs, Trigger: trigger, Status: status, DurationMs: duration}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if err := s.appendRunLog(j.ID, entry); err != nil {
		s.log.Warn("cron run log append failed", "jobId", j.ID, "error", err)
	}

	payload := bus.CronPayload{JobID: j.ID, Name: j.Name, Status: status, DurationMs: duration}
	if runErr != nil {
		payload.Error = runErr.Error()
	}
	s.publish(bus.EventCronFinished, payload)
	if runErr != nil {
		s.log.Warn("cron job finished", "jobId", j.ID, "status", status, "durationMs", duration, "error", runErr)
	} else {
		s.log.Info("cron job finished", "jobId", j.ID, "status", status, "durationMs", duration)
	}
}

// armTimerLocked points the single timer at the earliest enabled next-run.
func (s *Service) armTimerLocked() {
	if !s.started || s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	var minNext int64
	for _, j := range s.jobs {
		if !j.Enabled || j.State.NextRunAtMs == 0 {
			continue
		}
		target := j.State.NextRunAtMs
		// A job mid-run is not eligible until it is stuck-aged; arming at
		// its due time would spin the timer.
		if j.State.RunningAtMs != 0 {
			if stuckAt := j.State.RunningAtMs + stuckRunAfter.Milliseconds(); stuckAt > target {
				target = stuckAt
			}
		}
		if minNext == 0 || target < minNext {
			minNext = target
		}
	}
	if minNext == 0 {
		return
	}

	delay := time.Duration(minNext-s.now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if delay > maxTimerDelay {
		delay = maxTimerDelay
	}
	s.timer = time.AfterFunc(delay, s.tick)
}

func (s *Service) findLocked(id string) *Job {
	for _, j := range s.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// refreshView publishes a deep copy of the jobs for lock-free readers.
func (s *Service) refreshView() {
	view := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		view = append(view, *j.clone())
	}
	s.view.Store(&view)
}

func (s *Service) publish(name string, payload bus.CronPayload) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(bus.Event{Name: name, Payload: payload})
}
