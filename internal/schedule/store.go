package schedule

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"newsflow/internal/domain"
)

var ErrNotFound = errors.New("schedule not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  name TEXT NOT NULL,
  cadence TEXT NOT NULL CHECK(cadence IN ('daily','weekly','monthly','custom')),
  trigger_hour INTEGER NOT NULL DEFAULT 9,
  trigger_minute INTEGER NOT NULL DEFAULT 0,
  weekday INTEGER NOT NULL DEFAULT 1,
  day_of_month INTEGER NOT NULL DEFAULT 1,
  interval_days INTEGER NOT NULL DEFAULT 1,
  enabled INTEGER NOT NULL DEFAULT 1,
  job_type TEXT NOT NULL,
  params BLOB,
  last_executed_at DATETIME,
  last_status TEXT,
  last_message TEXT,
  next_run_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled);
CREATE INDEX IF NOT EXISTS idx_schedules_owner ON schedules(owner_id);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the durable per-owner schedule configuration plus execution
// bookkeeping. Configuration fields are written by the management surface;
// bookkeeping fields only ever by the dispatcher.
type Store interface {
	Create(ctx context.Context, s domain.Schedule) (string, error)
	Get(ctx context.Context, id string) (domain.Schedule, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Schedule, error)
	ListEnabled(ctx context.Context) ([]domain.Schedule, error)
	Update(ctx context.Context, s domain.Schedule) error
	Delete(ctx context.Context, id string) error

	// MarkRunning optimistically records that a fire was dispatched.
	MarkRunning(ctx context.Context, id string, message string) error
	// RecordRun writes the outcome of one execution and the next due time.
	RecordRun(ctx context.Context, id string, executedAt time.Time, status, message string, nextRun *time.Time) error
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

const scheduleColumns = `id,owner_id,name,cadence,trigger_hour,trigger_minute,weekday,day_of_month,interval_days,enabled,job_type,params,last_executed_at,last_status,last_message,next_run_at,created_at,updated_at`

func (r *sqliteStore) Create(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if s.IntervalDays == 0 {
		s.IntervalDays = 1
	}
	if s.DayOfMonth == 0 {
		s.DayOfMonth = 1
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id,owner_id,name,cadence,trigger_hour,trigger_minute,weekday,day_of_month,interval_days,enabled,job_type,params,next_run_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, s.OwnerID, s.Name, string(s.Cadence), s.TriggerHour, s.TriggerMinute, int(s.Weekday), s.DayOfMonth, s.IntervalDays, s.Enabled, s.JobType, []byte(s.Params), nullTime(s.NextRunAt))
	return id, err
}

func (r *sqliteStore) Get(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return s, err
}

func (r *sqliteStore) ListByOwner(ctx context.Context, ownerID string) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE owner_id=? ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (r *sqliteStore) ListEnabled(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled=1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (r *sqliteStore) Update(ctx context.Context, s domain.Schedule) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cadence=?,trigger_hour=?,trigger_minute=?,weekday=?,day_of_month=?,interval_days=?,enabled=?,job_type=?,params=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, s.Name, string(s.Cadence), s.TriggerHour, s.TriggerMinute, int(s.Weekday), s.DayOfMonth, s.IntervalDays, s.Enabled, s.JobType, []byte(s.Params), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteStore) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	return err
}

func (r *sqliteStore) MarkRunning(ctx context.Context, id string, message string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_status='running',last_message=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`, message, id)
	return err
}

func (r *sqliteStore) RecordRun(ctx context.Context, id string, executedAt time.Time, status, message string, nextRun *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_executed_at=?,last_status=?,last_message=?,next_run_at=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		executedAt.UTC(), status, message, nullTime(nextRun), id)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		s        domain.Schedule
		cadence  string
		weekday  int
		params   []byte
		lastAt   sql.NullTime
		lastStat sql.NullString
		lastMsg  sql.NullString
		nextAt   sql.NullTime
	)
	err := row.Scan(&s.ID, &s.OwnerID, &s.Name, &cadence, &s.TriggerHour, &s.TriggerMinute, &weekday, &s.DayOfMonth, &s.IntervalDays, &s.Enabled, &s.JobType, &params, &lastAt, &lastStat, &lastMsg, &nextAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	s.Cadence = domain.Cadence(cadence)
	s.Weekday = time.Weekday(weekday)
	s.Params = params
	if lastAt.Valid {
		t := lastAt.Time.UTC()
		s.LastExecutedAt = &t
	}
	s.LastStatus = lastStat.String
	s.LastMessage = lastMsg.String
	if nextAt.Valid {
		t := nextAt.Time.UTC()
		s.NextRunAt = &t
	}
	return s, nil
}

func scanSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
