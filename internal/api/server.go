package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"newsflow/internal/domain"
	"newsflow/internal/schedule"
	"newsflow/internal/task"
)

// Server exposes the query surface consumed by an external status layer:
// task inspection/cancellation, schedule management and manual runs.
type Server struct {
	r     *chi.Mux
	reg   *task.Registry
	store schedule.Store
	disp  *schedule.Dispatcher
}

func NewServer(reg *task.Registry, store schedule.Store, disp *schedule.Dispatcher) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, reg: reg, store: store, disp: disp}

	r.Get("/health", s.health)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/tasks/{id}/cancel", s.cancelTask)
	r.Get("/api/schedules", s.listSchedules)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)
	r.Get("/api/schedules/{id}/status", s.scheduleStatus)
	r.Post("/api/schedules/{id}/run", s.runSchedule)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// taskView adds the derived completion percentage to the wire shape.
type taskView struct {
	domain.TaskRecord
	Percent float64 `json:"percent"`
}

func toView(rec domain.TaskRecord) taskView {
	return taskView{TaskRecord: rec, Percent: rec.Percent()}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	filter := domain.TaskStatus(r.URL.Query().Get("status"))
	recs := s.reg.List(filter, limit)
	views := make([]taskView, len(recs))
	for i, rec := range recs {
		views[i] = toView(rec)
	}
	writeJSON(w, 200, views)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.reg.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, toView(rec))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	found := s.reg.Cancel(id)
	writeJSON(w, 200, map[string]any{"id": id, "cancelling": found})
}

type scheduleReq struct {
	OwnerID       string          `json:"owner_id"`
	Name          string          `json:"name"`
	Cadence       string          `json:"cadence"`
	TriggerHour   int             `json:"trigger_hour"`
	TriggerMinute int             `json:"trigger_minute"`
	Weekday       int             `json:"weekday"`
	DayOfMonth    int             `json:"day_of_month"`
	IntervalDays  int             `json:"interval_days"`
	Enabled       bool            `json:"enabled"`
	JobType       string          `json:"job_type"`
	Params        json.RawMessage `json:"params"`
}

func (req scheduleReq) validate() string {
	if req.OwnerID == "" {
		return "owner_id is required"
	}
	if req.Name == "" {
		return "name is required"
	}
	if req.JobType == "" {
		return "job_type is required"
	}
	switch domain.Cadence(req.Cadence) {
	case domain.CadenceDaily:
	case domain.CadenceWeekly:
		if req.Weekday < 0 || req.Weekday > 6 {
			return "weekday must be 0..6"
		}
	case domain.CadenceMonthly:
		if req.DayOfMonth < 1 || req.DayOfMonth > 31 {
			return "day_of_month must be 1..31"
		}
	case domain.CadenceCustom:
		if req.IntervalDays < 1 {
			return "interval_days must be >= 1"
		}
	default:
		return "cadence must be daily, weekly, monthly or custom"
	}
	if req.TriggerHour < 0 || req.TriggerHour > 23 || req.TriggerMinute < 0 || req.TriggerMinute > 59 {
		return "trigger time out of range"
	}
	return ""
}

func (req scheduleReq) toDomain() domain.Schedule {
	return domain.Schedule{
		OwnerID:       req.OwnerID,
		Name:          req.Name,
		Cadence:       domain.Cadence(req.Cadence),
		TriggerHour:   req.TriggerHour,
		TriggerMinute: req.TriggerMinute,
		Weekday:       time.Weekday(req.Weekday),
		DayOfMonth:    req.DayOfMonth,
		IntervalDays:  req.IntervalDays,
		Enabled:       req.Enabled,
		JobType:       req.JobType,
		Params:        req.Params,
	}
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if msg := req.validate(); msg != "" {
		http.Error(w, msg, 400)
		return
	}
	id, err := s.store.Create(r.Context(), req.toDomain())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner_id")
	if owner == "" {
		http.Error(w, "owner_id is required", 400)
		return
	}
	schedules, err := s.store.ListByOwner(r.Context(), owner)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, schedule.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, sched)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.Get(r.Context(), id)
	if errors.Is(err, schedule.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = existing.OwnerID
	}
	if msg := req.validate(); msg != "" {
		http.Error(w, msg, 400)
		return
	}

	updated := req.toDomain()
	updated.ID = id
	updated.OwnerID = existing.OwnerID // ownership never changes via update
	if err := s.store.Update(r.Context(), updated); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	sched, _ := s.store.Get(r.Context(), id)
	writeJSON(w, 200, sched)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) scheduleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.disp.Status(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, schedule.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, st)
}

func (s *Server) runSchedule(w http.ResponseWriter, r *http.Request) {
	taskID, err := s.disp.RunNow(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, schedule.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, schedule.ErrAlreadyRunning):
		http.Error(w, "schedule is already running", http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), 500)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
