package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"newsflow/internal/domain"
	"newsflow/internal/task"
)

var (
	ErrAlreadyRunning = errors.New("schedule already has a running task")
	ErrUnknownJobType = errors.New("no job registered for job type")
)

// JobBuilder turns a schedule's configuration into a runnable job function.
// Jobs are registered by job type name, the same way queue handlers are
// registered by task type.
type JobBuilder func(s domain.Schedule) task.JobFunc

// Dispatcher polls the store once per interval, fires due schedules into the
// task registry and writes execution bookkeeping back. There is exactly one
// dispatcher loop per process; there is no cross-process coordination.
type Dispatcher struct {
	store    Store
	reg      *task.Registry
	jobs     map[string]JobBuilder
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running map[string]string // schedule id -> live task id
	stop    chan struct{}
}

func NewDispatcher(store Store, reg *task.Registry, jobs map[string]JobBuilder, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Dispatcher{
		store:    store,
		reg:      reg,
		jobs:     jobs,
		interval: interval,
		now:      time.Now,
		running:  map[string]string{},
		stop:     make(chan struct{}),
	}
}

// Start probes the store and launches the poll loop. An unreachable store is
// fatal: better to refuse to start than to run with a broken trigger source.
func (d *Dispatcher) Start(ctx context.Context) error {
	if _, err := d.store.ListEnabled(ctx); err != nil {
		return fmt.Errorf("schedule store unavailable: %w", err)
	}
	go d.loop(ctx)
	log.Info().Dur("interval", d.interval).Msg("schedule dispatcher started")
	return nil
}

func (d *Dispatcher) Stop() {
	close(d.stop)
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeTick(ctx)
		}
	}
}

// safeTick keeps the loop alive across anything a tick throws: the
// dispatcher is self-healing and never silently stops.
func (d *Dispatcher) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("stack", string(debug.Stack())).Msg("panic in dispatcher tick")
		}
	}()
	d.tick(ctx, d.now())
}

func (d *Dispatcher) tick(ctx context.Context, now time.Time) {
	now = now.UTC().Truncate(time.Minute)

	schedules, err := d.store.ListEnabled(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load enabled schedules")
		return
	}

	for _, s := range schedules {
		if err := d.evaluate(ctx, s, now); err != nil {
			// One schedule's failure never aborts the tick.
			log.Error().Err(err).Str("schedule_id", s.ID).Msg("failed to evaluate schedule")
			d.recordError(s.ID, now, err)
		}
	}
}

func (d *Dispatcher) evaluate(ctx context.Context, s domain.Schedule, now time.Time) error {
	if !due(s, now) {
		return nil
	}
	_, err := d.fire(ctx, s, now)
	if errors.Is(err, ErrAlreadyRunning) {
		log.Info().Str("schedule_id", s.ID).Msg("schedule still running, skipped")
		return nil
	}
	return err
}

// fire submits the schedule's job, maps schedule -> task id and optimistically
// marks the schedule running in the store. At most one concurrent execution
// per schedule is enforced here.
func (d *Dispatcher) fire(ctx context.Context, s domain.Schedule, fireTime time.Time) (string, error) {
	builder, ok := d.jobs[s.JobType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownJobType, s.JobType)
	}

	d.mu.Lock()
	if taskID, live := d.running[s.ID]; live {
		d.mu.Unlock()
		return taskID, ErrAlreadyRunning
	}
	// Reserve the slot before submitting so a slow submit can't double-fire.
	d.running[s.ID] = ""
	d.mu.Unlock()

	taskID, err := d.reg.Submit(ctx, task.SubmitOptions{
		ID:      fmt.Sprintf("%s_%s", s.ID, fireTime.UTC().Format("20060102_1504")),
		Total:   100,
		Message: "scheduled run: " + s.Name,
	}, builder(s))
	if err != nil {
		d.mu.Lock()
		delete(d.running, s.ID)
		d.mu.Unlock()
		return "", fmt.Errorf("submit job for schedule %s: %w", s.ID, err)
	}

	d.mu.Lock()
	d.running[s.ID] = taskID
	d.mu.Unlock()

	// MarkRunning strictly before Subscribe: a job fast enough to settle
	// during submission is replayed to the settler, whose RecordRun must be
	// the later write.
	if err := d.store.MarkRunning(ctx, s.ID, "run started: "+taskID); err != nil {
		log.Warn().Err(err).Str("schedule_id", s.ID).Msg("failed to mark schedule running")
	}

	d.reg.Subscribe(taskID, &settler{d: d, scheduleID: s.ID, sched: s, fireTime: fireTime})

	log.Info().Str("schedule_id", s.ID).Str("task_id", taskID).Time("fire_time", fireTime).Msg("schedule fired")
	return taskID, nil
}

// RunNow bypasses the time-of-day and period checks but still enforces the
// at-most-one-concurrent rule, returning ErrAlreadyRunning as a conflict.
func (d *Dispatcher) RunNow(ctx context.Context, scheduleID string) (string, error) {
	s, err := d.store.Get(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	return d.fire(ctx, s, d.now().UTC().Truncate(time.Minute))
}

// Status reports the execution view of one schedule for the query surface.
func (d *Dispatcher) Status(ctx context.Context, scheduleID string) (domain.ScheduleStatus, error) {
	s, err := d.store.Get(ctx, scheduleID)
	if err != nil {
		return domain.ScheduleStatus{}, err
	}
	d.mu.Lock()
	taskID, live := d.running[scheduleID]
	d.mu.Unlock()
	return domain.ScheduleStatus{
		IsRunning:      live,
		TaskID:         taskID,
		LastExecutedAt: s.LastExecutedAt,
		LastStatus:     s.LastStatus,
		LastMessage:    s.LastMessage,
		NextRunAt:      s.NextRunAt,
	}, nil
}

func (d *Dispatcher) recordError(scheduleID string, now time.Time, evalErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.store.RecordRun(ctx, scheduleID, now, "error", evalErr.Error(), nil); err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("failed to record schedule error")
	}
}

// settler writes a finished run back to the store exactly once.
type settler struct {
	d          *Dispatcher
	scheduleID string
	sched      domain.Schedule
	fireTime   time.Time
	once       sync.Once
}

func (l *settler) TaskUpdated(rec domain.TaskRecord) {
	if !rec.Status.Terminal() {
		return
	}
	l.once.Do(func() { l.settle(rec) })
}

func (l *settler) settle(rec domain.TaskRecord) {
	status := "success"
	switch rec.Status {
	case domain.TaskFailed:
		status = "failed"
	case domain.TaskCancelled:
		status = "cancelled"
	}
	next := NextRun(l.sched, l.fireTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.d.store.RecordRun(ctx, l.scheduleID, l.fireTime, status, rec.Message, &next); err != nil {
		log.Error().Err(err).Str("schedule_id", l.scheduleID).Msg("failed to record schedule run")
	}

	l.d.mu.Lock()
	delete(l.d.running, l.scheduleID)
	l.d.mu.Unlock()

	log.Info().
		Str("schedule_id", l.scheduleID).
		Str("task_id", rec.ID).
		Str("status", status).
		Time("next_run", next).
		Msg("schedule run settled")
}
