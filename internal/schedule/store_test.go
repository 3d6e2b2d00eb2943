package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"newsflow/internal/domain"
)

func testStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewSQLiteStore(db)
}

func TestStoreCreateAndGet(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	params, _ := json.Marshal(map[string]any{"urls": []string{"https://example.com/feed"}})
	id, err := st.Create(ctx, domain.Schedule{
		OwnerID:       "own_1",
		Name:          "morning ingest",
		Cadence:       domain.CadenceWeekly,
		TriggerHour:   9,
		TriggerMinute: 30,
		Weekday:       time.Wednesday,
		Enabled:       true,
		JobType:       "feed_ingest",
		Params:        params,
	})
	require.NoError(t, err)
	assert.Contains(t, id, "sch_")

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "own_1", got.OwnerID)
	assert.Equal(t, domain.CadenceWeekly, got.Cadence)
	assert.Equal(t, time.Wednesday, got.Weekday)
	assert.Equal(t, 9, got.TriggerHour)
	assert.Equal(t, 30, got.TriggerMinute)
	assert.JSONEq(t, string(params), string(got.Params))
	assert.Nil(t, got.LastExecutedAt)
	assert.Nil(t, got.NextRunAt)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStoreGetMissing(t *testing.T) {
	st := testStore(t)
	_, err := st.Get(context.Background(), "sch_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreListByOwner(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	for _, s := range []domain.Schedule{
		{OwnerID: "own_a", Name: "b report", Cadence: domain.CadenceDaily, JobType: "report", Enabled: true},
		{OwnerID: "own_a", Name: "a ingest", Cadence: domain.CadenceDaily, JobType: "feed_ingest", Enabled: false},
		{OwnerID: "own_b", Name: "other", Cadence: domain.CadenceDaily, JobType: "report", Enabled: true},
	} {
		_, err := st.Create(ctx, s)
		require.NoError(t, err)
	}

	mine, err := st.ListByOwner(ctx, "own_a")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "a ingest", mine[0].Name, "sorted by name")

	enabled, err := st.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Len(t, enabled, 2, "disabled schedules are invisible to the dispatcher")
}

func TestStoreUpdate(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, domain.Schedule{
		OwnerID: "own_1", Name: "before", Cadence: domain.CadenceDaily, JobType: "report", Enabled: true,
	})
	require.NoError(t, err)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	got.Name = "after"
	got.Cadence = domain.CadenceMonthly
	got.DayOfMonth = 31
	got.Enabled = false
	require.NoError(t, st.Update(ctx, got))

	got, err = st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Name)
	assert.Equal(t, domain.CadenceMonthly, got.Cadence)
	assert.Equal(t, 31, got.DayOfMonth)
	assert.False(t, got.Enabled)

	assert.ErrorIs(t, st.Update(ctx, domain.Schedule{ID: "sch_missing", Cadence: domain.CadenceDaily}), ErrNotFound)
}

func TestStoreDelete(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, domain.Schedule{
		OwnerID: "own_1", Name: "short lived", Cadence: domain.CadenceDaily, JobType: "report",
	})
	require.NoError(t, err)
	require.NoError(t, st.Delete(ctx, id))
	_, err = st.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRunBookkeeping(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, domain.Schedule{
		OwnerID: "own_1", Name: "tracked", Cadence: domain.CadenceDaily, TriggerHour: 9, JobType: "report", Enabled: true,
	})
	require.NoError(t, err)

	require.NoError(t, st.MarkRunning(ctx, id, "run started: tsk_x"))
	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "running", got.LastStatus)
	assert.Nil(t, got.LastExecutedAt, "MarkRunning does not count as an execution")

	executed := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	next := executed.AddDate(0, 0, 1)
	require.NoError(t, st.RecordRun(ctx, id, executed, "success", "task completed", &next))

	got, err = st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastStatus)
	assert.Equal(t, "task completed", got.LastMessage)
	require.NotNil(t, got.LastExecutedAt)
	assert.True(t, got.LastExecutedAt.Equal(executed))
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))
}
