package db

import (
	"context"
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

// mockConn hands out a mockTx whose statements go to the same mockDBTX.
type mockConn struct {
	*mockDBTX
	tx       *mockTx
	beginErr error
}

func newMockConn() *mockConn {
	db := new(mockDBTX)
	return &mockConn{mockDBTX: db, tx: &mockTx{db: db}}
}

func (c *mockConn) Begin(context.Context) (pgx.Tx, error) {
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	return c.tx, nil
}

// mockTx implements the parts of pgx.Tx the repositories use. The embedded
// interface is nil; calling anything else panics.
type mockTx struct {
	pgx.Tx
	db         *mockDBTX
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *mockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}

func (t *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}

func (t *mockTx) Commit(context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *mockTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
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

// argsOf returns the SQL arguments of the i-th recorded call.
func argsOf(db *mockDBTX, i int) []any {
	return db.Calls[i].Arguments.Get(2).([]any)
}

var dbNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

// --- WithTx ---

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	conn := newMockConn()
	conn.mockDBTX.On("Exec", mock.Anything, sqlContaining("SELECT 1"), mock.Anything).
		Return(pgconn.NewCommandTag("SELECT 1"), nil)

	err := WithTx(context.Background(), conn, func(tx DBTX) error {
		_, err := tx.Exec(context.Background(), "SELECT 1")
		return err
	})
	require.NoError(t, err)
	assert.True(t, conn.tx.committed)
	assert.False(t, conn.tx.rolledBack)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	conn := newMockConn()
	boom := types.NewAppError(types.ErrCodeNotFoundEvent, "event not found", nil)

	err := WithTx(context.Background(), conn, func(DBTX) error { return boom })
	assert.Same(t, boom, err)
	assert.False(t, conn.tx.committed)
	assert.True(t, conn.tx.rolledBack)
}

func TestWithTx_BeginAndCommitFailuresAreDBErrors(t *testing.T) {
	conn := newMockConn()
	conn.beginErr = errors.New("pool closed")
	err := WithTx(context.Background(), conn, func(DBTX) error { return nil })
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))

	conn = newMockConn()
	conn.tx.commitErr = errors.New("serialization failure")
	err = WithTx(context.Background(), conn, func(DBTX) error { return nil })
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("23505")))
}

func TestSchema_DeclaresDomainTables(t *testing.T) {
	s := Schema()
	for _, table := range []string{"events", "recurrence_rules", "subscriptions"} {
		assert.Contains(t, s, "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.Contains(t, s, "WHERE deleted_at IS NULL")
}
