package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a background task.
// Transitions are monotonic: pending -> running -> {completed|failed|cancelled}.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition may occur.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskRecord is the observable state of one background task.
type TaskRecord struct {
	ID          string         `json:"id"`
	Status      TaskStatus     `json:"status"`
	Current     int            `json:"current"`
	Total       int            `json:"total"`
	Message     string         `json:"message"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Percent maps Current/Total to 0..100, or 0 when Total is unset.
func (t TaskRecord) Percent() float64 {
	if t.Total <= 0 {
		return 0
	}
	p := float64(t.Current) / float64(t.Total) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Cadence is the recurrence pattern of a schedule.
type Cadence string

const (
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
	CadenceCustom  Cadence = "custom"
)

// Schedule is a durable per-owner recurring job configuration.
//
// Weekday applies to weekly cadence, DayOfMonth to monthly (clamped to the
// target month's length), IntervalDays to custom. All trigger and period
// arithmetic is done in UTC.
type Schedule struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	Name          string          `json:"name"`
	Cadence       Cadence         `json:"cadence"`
	TriggerHour   int             `json:"trigger_hour"`
	TriggerMinute int             `json:"trigger_minute"`
	Weekday       time.Weekday    `json:"weekday"`
	DayOfMonth    int             `json:"day_of_month"`
	IntervalDays  int             `json:"interval_days"`
	Enabled       bool            `json:"enabled"`
	JobType       string          `json:"job_type"`
	Params        json.RawMessage `json:"params,omitempty"`

	// Bookkeeping, written exclusively by the dispatcher.
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	LastStatus     string     `json:"last_status,omitempty"`
	LastMessage    string     `json:"last_message,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleStatus is the query-surface view of one schedule's execution state.
type ScheduleStatus struct {
	IsRunning      bool       `json:"is_running"`
	TaskID         string     `json:"task_id,omitempty"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	LastStatus     string     `json:"last_status,omitempty"`
	LastMessage    string     `json:"last_message,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
}

// BatchResult aggregates per-item outcomes of one batch run.
type BatchResult struct {
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Duplicate []string `json:"duplicate"`
	Failed    []string `json:"failed"`
}

// Counts returns processed totals for logging and progress messages.
func (r BatchResult) Counts() (created, updated, duplicate, failed int) {
	return len(r.Created), len(r.Updated), len(r.Duplicate), len(r.Failed)
}
