package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"newsflow/internal/domain"
)

var ErrDuplicateTask = errors.New("task id already exists")

// JobFunc is any unit of background work. It receives a cancellable context
// and a progress handle, and returns a serializable result. Long-running jobs
// must check ctx at safe points; returning ctx.Err() marks the task cancelled
// rather than failed.
type JobFunc func(ctx context.Context, p *Progress) (any, error)

// Listener observes task state changes. Implementations must not block;
// a panicking listener is logged and does not affect the task or its peers.
type Listener interface {
	TaskUpdated(rec domain.TaskRecord)
}

// SubmitOptions control task creation. A zero value is valid: an id is
// generated and the task starts with no known total.
type SubmitOptions struct {
	ID      string
	Total   int
	Message string
}

// Registry tracks the lifecycle, progress and cancellation of background
// tasks. State mutation happens under a single mutex; listener notification
// happens outside it and is best-effort. Live state is in-memory only and
// does not survive a restart.
type Registry struct {
	mu        sync.Mutex
	tasks     map[string]*domain.TaskRecord
	cancels   map[string]context.CancelFunc
	listeners map[string][]Listener
	retention time.Duration
	wg        sync.WaitGroup
}

// NewRegistry creates a registry. Terminal records older than retention are
// removed by Sweep; retention <= 0 defaults to 24h.
func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Registry{
		tasks:     map[string]*domain.TaskRecord{},
		cancels:   map[string]context.CancelFunc{},
		listeners: map[string][]Listener{},
		retention: retention,
	}
}

// Submit registers a new task and starts fn on its own goroutine. The task's
// context is derived from ctx, so cancelling ctx cancels every live task.
func (r *Registry) Submit(ctx context.Context, opt SubmitOptions, fn JobFunc) (string, error) {
	id := opt.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}

	r.mu.Lock()
	if _, ok := r.tasks[id]; ok {
		r.mu.Unlock()
		return "", ErrDuplicateTask
	}
	rec := &domain.TaskRecord{
		ID:        id,
		Status:    domain.TaskPending,
		Total:     opt.Total,
		Message:   opt.Message,
		CreatedAt: time.Now().UTC(),
		Details:   map[string]any{},
	}
	r.tasks[id] = rec
	jobCtx, cancel := context.WithCancel(ctx)
	r.cancels[id] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.execute(jobCtx, id, fn)

	log.Info().Str("task_id", id).Msg("task submitted")
	return id, nil
}

func (r *Registry) execute(ctx context.Context, id string, fn JobFunc) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.cancels[id]; ok {
			cancel()
			delete(r.cancels, id)
		}
		r.mu.Unlock()
	}()

	now := time.Now().UTC()
	r.transition(id, func(rec *domain.TaskRecord) {
		rec.Status = domain.TaskRunning
		rec.StartedAt = &now
		rec.Message = "task started"
	})

	result, err := runRecovered(ctx, fn, &Progress{reg: r, id: id})

	done := time.Now().UTC()
	switch {
	case err == nil:
		r.transition(id, func(rec *domain.TaskRecord) {
			rec.Status = domain.TaskCompleted
			rec.CompletedAt = &done
			rec.Result = result
			rec.Message = "task completed"
		})
		log.Info().Str("task_id", id).Msg("task completed")
	case errors.Is(err, context.Canceled):
		r.transition(id, func(rec *domain.TaskRecord) {
			rec.Status = domain.TaskCancelled
			rec.CompletedAt = &done
			rec.Message = "task was cancelled"
		})
		log.Info().Str("task_id", id).Msg("task cancelled")
	default:
		r.transition(id, func(rec *domain.TaskRecord) {
			rec.Status = domain.TaskFailed
			rec.CompletedAt = &done
			rec.Error = err.Error()
			rec.Message = "task failed: " + err.Error()
		})
		log.Error().Err(err).Str("task_id", id).Msg("task failed")
	}
}

func runRecovered(ctx context.Context, fn JobFunc, p *Progress) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Join(err, errorFromPanic(rec))
		}
	}()
	return fn(ctx, p)
}

func errorFromPanic(v any) error {
	if e, ok := v.(error); ok {
		return e
	}
	return fmt.Errorf("panic in job: %v", v)
}

// transition mutates a non-terminal record under the lock and notifies
// listeners afterwards. Terminal records are immutable.
func (r *Registry) transition(id string, mutate func(*domain.TaskRecord)) {
	r.mu.Lock()
	rec, ok := r.tasks[id]
	if !ok || rec.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	mutate(rec)
	snapshot := cloneRecord(*rec)
	ls := append([]Listener(nil), r.listeners[id]...)
	r.mu.Unlock()

	r.notify(snapshot, ls)
}

func (r *Registry) notify(rec domain.TaskRecord, ls []Listener) {
	for _, l := range ls {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Warn().Str("task_id", rec.ID).Any("panic", p).Msg("task listener panicked")
				}
			}()
			l.TaskUpdated(rec)
		}()
	}
}

// Update carries a partial progress report. Nil fields keep prior values;
// Details entries are merged into the existing map.
type Update struct {
	Current *int
	Total   *int
	Message *string
	Details map[string]any
}

// UpdateProgress merges upd into an existing record. References to unknown
// or already-terminal tasks are a silent no-op: late or duplicate reports
// must never raise.
func (r *Registry) UpdateProgress(id string, upd Update) {
	r.transition(id, func(rec *domain.TaskRecord) {
		if upd.Current != nil {
			rec.Current = *upd.Current
		}
		if upd.Total != nil {
			rec.Total = *upd.Total
		}
		if rec.Total > 0 && rec.Current > rec.Total {
			rec.Current = rec.Total
		}
		if upd.Message != nil {
			rec.Message = *upd.Message
		}
		for k, v := range upd.Details {
			rec.Details[k] = v
		}
	})
}

// Cancel requests cooperative cancellation of a live task. It reports whether
// a live execution unit was found; the job itself decides when to stop.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	log.Info().Str("task_id", id).Msg("task cancellation requested")
	return true
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (domain.TaskRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return domain.TaskRecord{}, false
	}
	return cloneRecord(*rec), true
}

// List returns records newest-first, optionally filtered by status.
// limit <= 0 defaults to 100.
func (r *Registry) List(filter domain.TaskStatus, limit int) []domain.TaskRecord {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	out := make([]domain.TaskRecord, 0, len(r.tasks))
	for _, rec := range r.tasks {
		if filter != "" && rec.Status != filter {
			continue
		}
		out = append(out, cloneRecord(*rec))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Subscribe registers a listener for one task's updates. Unknown ids are
// accepted; the listener simply never fires. Subscribing to an already
// terminal task delivers the final record immediately, so a listener
// attached after a fast job settled still observes the outcome.
func (r *Registry) Subscribe(id string, l Listener) {
	r.mu.Lock()
	if rec, ok := r.tasks[id]; ok && rec.Status.Terminal() {
		snapshot := cloneRecord(*rec)
		r.mu.Unlock()
		r.notify(snapshot, []Listener{l})
		return
	}
	r.listeners[id] = append(r.listeners[id], l)
	r.mu.Unlock()
}

// Sweep removes terminal records whose completion predates the retention
// horizon, bounding memory across long uptimes. Returns the removed count.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, rec := range r.tasks {
		if rec.Status.Terminal() && rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			delete(r.listeners, id)
			removed++
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("swept finished tasks")
	}
	return removed
}

// Wait blocks until all live tasks return. Used during shutdown and tests.
func (r *Registry) Wait() { r.wg.Wait() }

func cloneRecord(rec domain.TaskRecord) domain.TaskRecord {
	details := make(map[string]any, len(rec.Details))
	for k, v := range rec.Details {
		details[k] = v
	}
	rec.Details = details
	return rec
}

// Progress is the reporting handle passed to a running job. Each Report
// overwrites current/total/message and merges details, matching the
// registry's update semantics.
type Progress struct {
	reg *Registry
	id  string
}

// TaskID returns the id of the task this handle reports for.
func (p *Progress) TaskID() string { return p.id }

// Report updates current/total/message for the task.
func (p *Progress) Report(current, total int, message string) {
	p.reg.UpdateProgress(p.id, Update{Current: &current, Total: &total, Message: &message})
}

// Detail merges one freeform key into the task's detail map.
func (p *Progress) Detail(key string, value any) {
	p.reg.UpdateProgress(p.id, Update{Details: map[string]any{key: value}})
}

// Message updates only the human-readable message.
func (p *Progress) Message(message string) {
	p.reg.UpdateProgress(p.id, Update{Message: &message})
}
