package queue

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"eventbell/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row / Rows ---

type mockRow struct {
	scanErr error
	values  []any
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	assign(dest, r.values)
	return nil
}

type mockRows struct {
	data   [][]any
	idx    int
	closed bool
	errVal error
}

func newMockRows(data ...[]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	assign(dest, r.data[r.idx])
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// assign copies values into scan destinations; nil leaves the zero value.
func assign(dest []any, values []any) {
	for i, d := range dest {
		if i >= len(values) || values[i] == nil {
			continue
		}
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(values[i]))
	}
}

func sqlContaining(fragment string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, fragment) })
}

var pgNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func jobRow(id, state string, runAt time.Time, attempts int) []any {
	return []any{
		"reminders", id, []byte(`{"eventId":"evt_1"}`), state, runAt, attempts, 3,
		"exponential", int64(1000), "", nil, nil, pgNow, pgNow,
	}
}

func newPGStore(db *mockDBTX) *PostgresStore {
	return NewPostgresStore(db, types.ClockFunc(func() time.Time { return pgNow }), nil)
}

func TestPostgresStore_EnqueueInserts(t *testing.T) {
	db := new(mockDBTX)
	s := newPGStore(db)

	runAt := pgNow.Add(time.Minute)
	db.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO queue_jobs"), mock.Anything).
		Return(&mockRow{values: jobRow("rem:evt_1:10", "waiting", runAt, 0)})

	job, err := s.Enqueue(context.Background(), Reminders, "rem:evt_1:10",
		types.ReminderJobPayload{EventID: "evt_1"}, JobOptions{Delay: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, "rem:evt_1:10", job.ID)
	assert.Equal(t, Reminders, job.Queue)
	assert.Equal(t, StateDelayed, job.State)
	assert.Equal(t, Backoff{Type: BackoffExponential, Delay: time.Second}, job.Backoff)

	args := db.Calls[0].Arguments.Get(2).([]any)
	assert.Equal(t, "reminders", args[0])
	assert.Equal(t, runAt, args[3])
	assert.Equal(t, 3, args[4])
	assert.Equal(t, "exponential", args[5])
	assert.Equal(t, int64(1000), args[6])
}

func TestPostgresStore_EnqueueExistingLiveJob(t *testing.T) {
	db := new(mockDBTX)
	s := newPGStore(db)

	db.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO queue_jobs"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})
	db.On("QueryRow", mock.Anything, sqlContaining("FROM queue_jobs WHERE queue = $1 AND id = $2"), mock.Anything).
		Return(&mockRow{values: jobRow("rem:evt_1:10", "waiting", pgNow.Add(time.Hour), 0)})

	job, err := s.Enqueue(context.Background(), Reminders, "rem:evt_1:10", nil, JobOptions{})
	require.NoError(t, err)
	assert.Equal(t, pgNow.Add(time.Hour), job.RunAt, "existing job returned unchanged")
	db.AssertExpectations(t)
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db := new(mockDBTX)
	s := newPGStore(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := s.Get(context.Background(), Reminders, "nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFoundJob, types.CodeOf(err))
}

func TestPostgresStore_RemoveWrapsErrors(t *testing.T) {
	db := new(mockDBTX)
	s := newPGStore(db)

	db.On("Exec", mock.Anything, sqlContaining("DELETE FROM queue_jobs"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection reset"))

	err := s.Remove(context.Background(), Reminders, "rem:evt_1:10")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalQueue, types.CodeOf(err))
}

func TestPostgresStore_ListSkipsQueryWhenEmpty(t *testing.T) {
	db := new(mockDBTX)
	s := newPGStore(db)

	db.On("QueryRow", mock.Anything, sqlContaining("SELECT count(*)"), mock.Anything).
		Return(&mockRow{values: []any{0}})

	res, err := s.List(context.Background(), Reminders, JobFilter{IDPrefix: "rem:evt_1:"})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.NotNil(t, res.Data)
	db.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
}

func TestPostgresStore_ListPassesFilters(t *testing.T) {
	db := new(mockDBTX)
	s := newPGStore(db)

	db.On("QueryRow", mock.Anything, sqlContaining("SELECT count(*)"), mock.Anything).
		Return(&mockRow{values: []any{1}})
	db.On("Query", mock.Anything, sqlContaining("ORDER BY run_at, id"), mock.Anything).
		Return(newMockRows(jobRow("rem:evt_1:10", "waiting", pgNow, 0)), nil)

	res, err := s.List(context.Background(), Reminders, JobFilter{
		IDPrefix: "rem:evt_1:",
		States:   []State{StateWaiting, StateDelayed},
		Page:     2,
		PageSize: 5,
	})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, StateWaiting, res.Data[0].State)

	args := db.Calls[1].Arguments.Get(2).([]any)
	assert.Equal(t, "rem:evt_1:", args[2])
	assert.Equal(t, []string{"waiting", "delayed"}, args[3])
	assert.Equal(t, 5, args[4])
	assert.Equal(t, 5, args[5])
}

func TestPostgresStore_Counts(t *testing.T) {
	db := new(mockDBTX)
	s := newPGStore(db)

	db.On("Query", mock.Anything, sqlContaining("GROUP BY st"), mock.Anything).
		Return(newMockRows([]any{"delayed", 4}, []any{"completed", 2}, []any{"failed", 1}), nil)

	c, err := s.Counts(context.Background(), Reminders)
	require.NoError(t, err)
	assert.Equal(t, Counts{Delayed: 4, Completed: 2, Failed: 1}, c)
}

func TestPostgresStore_Claim(t *testing.T) {
	db := new(mockDBTX)
	s := newPGStore(db)

	db.On("Query", mock.Anything, sqlContaining("FOR UPDATE SKIP LOCKED"), mock.Anything).
		Return(newMockRows(
			jobRow("a", "active", pgNow, 1),
			jobRow("b", "active", pgNow, 1),
		), nil)

	jobs, err := s.Claim(context.Background(), Reminders, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, StateActive, jobs[0].State)

	args := db.Calls[0].Arguments.Get(2).([]any)
	assert.Equal(t, 5, args[2])

	none, err := s.Claim(context.Background(), Reminders, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPostgresStore_FailSchedulesRetry(t *testing.T) {
	db := new(mockDBTX)
	s := newPGStore(db)

	db.On("Exec", mock.Anything, sqlContaining("SET state = 'waiting', run_at = $3"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	retryAt := pgNow.Add(2 * time.Second)
	job := &Job{ID: "j", Queue: Reminders}
	require.NoError(t, s.Fail(context.Background(), job, errors.New("timeout"), &retryAt))

	args := db.Calls[0].Arguments.Get(2).([]any)
	assert.Equal(t, retryAt, args[2])
	assert.Equal(t, "timeout", args[3])
}

func recurringRow(key string, next time.Time, end *time.Time) []any {
	return []any{
		"recurrences", key, "0 10 * * *", "UTC", end, []byte(`{"eventId":"evt_1","ruleId":"rr_1"}`),
		next, nil, pgNow, pgNow,
	}
}

func TestPostgresStore_FireRecurring_SkipsWhenAnotherWorkerAdvanced(t *testing.T) {
	db := new(mockDBTX)
	s := newPGStore(db)

	db.On("Exec", mock.Anything, sqlContaining("DELETE FROM queue_recurring"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 0"), nil)
	db.On("Query", mock.Anything, sqlContaining("next_run_at <= $2"), mock.Anything).
		Return(newMockRows(recurringRow("rec:rr_1", pgNow.Add(-time.Minute), nil)), nil)
	db.On("Exec", mock.Anything, sqlContaining("UPDATE queue_recurring"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	n, err := s.FireRecurring(context.Background(), Recurrences)
	require.NoError(t, err)
	assert.Zero(t, n)
	db.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything, mock.Anything)
}

func TestPostgresStore_FireRecurring_EnqueuesTick(t *testing.T) {
	db := new(mockDBTX)
	s := newPGStore(db)

	due := pgNow.Add(-time.Minute)
	db.On("Exec", mock.Anything, sqlContaining("DELETE FROM queue_recurring"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 0"), nil).Once()
	db.On("Query", mock.Anything, sqlContaining("next_run_at <= $2"), mock.Anything).
		Return(newMockRows(recurringRow("rec:rr_1", due, nil)), nil)
	db.On("Exec", mock.Anything, sqlContaining("UPDATE queue_recurring"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO queue_jobs"), mock.Anything).
		Return(&mockRow{values: jobRow(TickJobID("rec:rr_1", due), "waiting", pgNow, 0)})

	n, err := s.FireRecurring(context.Background(), Recurrences)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var insertArgs []any
	for _, c := range db.Calls {
		if c.Method == "QueryRow" {
			insertArgs = c.Arguments.Get(2).([]any)
		}
	}
	require.NotNil(t, insertArgs)
	assert.Equal(t, TickJobID("rec:rr_1", due), insertArgs[1])
	assert.JSONEq(t, `{"eventId":"evt_1","ruleId":"rr_1"}`, string(insertArgs[2].(json.RawMessage)))
}

func TestPostgresStore_UpsertRecurringRejectsBadPattern(t *testing.T) {
	db := new(mockDBTX)
	s := newPGStore(db)

	_, err := s.UpsertRecurring(context.Background(), Recurrences, "rec:rr_1",
		RecurringSpec{Pattern: "61 25 * * *"}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeValidationRecurrence, types.CodeOf(err))
	db.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything, mock.Anything)
}
