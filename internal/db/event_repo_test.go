package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"eventbell/internal/types"
)

func ptr[T any](v T) *T { return &v }

var standupStart = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

func eventRow(id string, withRule bool) []any {
	row := []any{
		id, "Standup", ptr("daily sync"), standupStart, 30,
		[]string{"Room 4"}, []int{30, 10}, dbNow, dbNow, nil,
		nil, nil, nil, nil, nil, nil,
	}
	if withRule {
		row[10] = ptr("rr_daily")
		row[11] = ptr("daily")
		row[12] = ptr(1)
		row[14] = ptr(0)
		row[15] = ptr(dbNow)
	}
	return row
}

func newStandup() *types.Event {
	return &types.Event{
		ID:              "evt_standup",
		Name:            "Standup",
		StartTime:       standupStart,
		DurationMinutes: 30,
		Reminders:       []int{30, 10},
		Rule:            &types.RecurrenceRule{ID: "rr_daily", Type: types.RecurrenceDaily, Interval: 1},
	}
}

func TestEventRepository_CreateInsertsEventAndRule(t *testing.T) {
	conn := newMockConn()
	conn.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO events"), mock.Anything).
		Return(&mockRow{values: []any{dbNow, dbNow}})
	conn.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO recurrence_rules"), mock.Anything).
		Return(&mockRow{values: []any{dbNow}})

	e := newStandup()
	require.NoError(t, NewEventRepository(conn).Create(context.Background(), e))

	assert.True(t, conn.tx.committed)
	assert.Equal(t, dbNow, e.CreatedAt)
	assert.Equal(t, "evt_standup", e.Rule.EventID)
	assert.Equal(t, dbNow, e.Rule.CreatedAt)

	eventArgs := argsOf(conn.mockDBTX, 0)
	assert.Equal(t, []string{}, eventArgs[5], "nil locations are stored as an empty array")
	assert.Equal(t, []int{30, 10}, eventArgs[6])

	ruleArgs := argsOf(conn.mockDBTX, 1)
	assert.Equal(t, []any{"rr_daily", "evt_standup", "daily", 1, (*time.Time)(nil), 0}, ruleArgs)
}

func TestEventRepository_CreateDuplicateIsConflict(t *testing.T) {
	conn := newMockConn()
	conn.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO events"), mock.Anything).
		Return(&mockRow{scanErr: &pgconn.PgError{Code: "23505"}})

	err := NewEventRepository(conn).Create(context.Background(), newStandup())
	assert.Equal(t, types.ErrCodeConflictEventExists, types.CodeOf(err))
	assert.True(t, conn.tx.rolledBack)
	conn.AssertNotCalled(t, "QueryRow", mock.Anything, sqlContaining("INSERT INTO recurrence_rules"), mock.Anything)
}

func TestEventRepository_GetHydratesRule(t *testing.T) {
	conn := newMockConn()
	conn.On("QueryRow", mock.Anything, sqlContaining("e.deleted_at IS NULL"), []any{"evt_standup"}).
		Return(&mockRow{values: eventRow("evt_standup", true)})

	e, err := NewEventRepository(conn).Get(context.Background(), "evt_standup")
	require.NoError(t, err)

	assert.Equal(t, "daily sync", *e.Description)
	assert.Equal(t, []string{"Room 4"}, e.Locations)
	require.NotNil(t, e.Rule)
	assert.Equal(t, types.RecurrenceRule{
		ID: "rr_daily", EventID: "evt_standup", Type: types.RecurrenceDaily, Interval: 1, CreatedAt: dbNow,
	}, *e.Rule)
	assert.True(t, e.IsActive())
}

func TestEventRepository_GetWithoutRule(t *testing.T) {
	conn := newMockConn()
	conn.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{values: eventRow("evt_once", false)})

	e, err := NewEventRepository(conn).Get(context.Background(), "evt_once")
	require.NoError(t, err)
	assert.Nil(t, e.Rule)
}

func TestEventRepository_GetErrors(t *testing.T) {
	tests := []struct {
		name    string
		scanErr error
		code    types.ErrorCode
	}{
		{"missing", pgx.ErrNoRows, types.ErrCodeNotFoundEvent},
		{"driver", errors.New("conn reset"), types.ErrCodeInternalDB},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newMockConn()
			conn.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
				Return(&mockRow{scanErr: tt.scanErr})

			_, err := NewEventRepository(conn).Get(context.Background(), "evt_x")
			assert.Equal(t, tt.code, types.CodeOf(err))
		})
	}
}

func TestEventRepository_GetRule(t *testing.T) {
	conn := newMockConn()
	end := dbNow.AddDate(0, 1, 0)
	conn.On("QueryRow", mock.Anything, sqlContaining("FROM recurrence_rules WHERE id = $1"), []any{"rr_daily"}).
		Return(&mockRow{values: []any{"rr_daily", "evt_standup", "weekly", 2, &end, 0, dbNow}})

	rule, err := NewEventRepository(conn).GetRule(context.Background(), "rr_daily")
	require.NoError(t, err)
	assert.Equal(t, types.RecurrenceWeekly, rule.Type)
	assert.Equal(t, 2, rule.Interval)
	assert.Equal(t, end, *rule.EndDate)

	conn = newMockConn()
	conn.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})
	_, err = NewEventRepository(conn).GetRule(context.Background(), "rr_gone")
	assert.Equal(t, types.ErrCodeNotFoundRecurrence, types.CodeOf(err))
}

func TestEventRepository_MonthlyRuleKeepsAnchorDay(t *testing.T) {
	conn := newMockConn()
	conn.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO events"), mock.Anything).
		Return(&mockRow{values: []any{dbNow, dbNow}})
	conn.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO recurrence_rules"), mock.Anything).
		Return(&mockRow{values: []any{dbNow}})

	e := newStandup()
	e.Rule = &types.RecurrenceRule{ID: "rr_monthly", Type: types.RecurrenceMonthly, Interval: 1, AnchorDay: 31}
	require.NoError(t, NewEventRepository(conn).Create(context.Background(), e))
	assert.Equal(t, 31, argsOf(conn.mockDBTX, 1)[5])

	row := eventRow("evt_standup", true)
	row[10] = ptr("rr_monthly")
	row[11] = ptr("monthly")
	row[14] = ptr(31)
	conn = newMockConn()
	conn.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{values: row})

	got, err := NewEventRepository(conn).Get(context.Background(), "evt_standup")
	require.NoError(t, err)
	require.NotNil(t, got.Rule)
	assert.Equal(t, types.RecurrenceMonthly, got.Rule.Type)
	assert.Equal(t, 31, got.Rule.AnchorDay)

	conn = newMockConn()
	conn.On("QueryRow", mock.Anything, sqlContaining("FROM recurrence_rules WHERE id = $1"), mock.Anything).
		Return(&mockRow{values: []any{"rr_monthly", "evt_standup", "monthly", 1, (*time.Time)(nil), 31, dbNow}})
	rule, err := NewEventRepository(conn).GetRule(context.Background(), "rr_monthly")
	require.NoError(t, err)
	assert.Equal(t, 31, rule.AnchorDay)
}

func TestEventRepository_ListBuildsFilters(t *testing.T) {
	conn := newMockConn()
	from := standupStart.Add(-time.Hour)
	conn.On("QueryRow", mock.Anything, sqlContaining("SELECT COUNT(*) FROM events e"), mock.Anything).
		Return(&mockRow{values: []any{2}})
	conn.On("Query", mock.Anything, sqlContaining("ORDER BY e.start_time DESC"), mock.Anything).
		Return(newMockRows(eventRow("evt_a", true), eventRow("evt_b", false)), nil)

	res, err := NewEventRepository(conn).List(context.Background(), types.EventFilter{
		StartFrom: &from,
		Name:      "stand",
		Sort:      types.SortDescend,
		Page:      2,
		PageSize:  5,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Data, 2)
	assert.Equal(t, "evt_a", res.Data[0].ID)
	assert.NotNil(t, res.Data[0].Rule)
	assert.Nil(t, res.Data[1].Rule)

	countSQL := conn.Calls[0].Arguments.String(1)
	assert.Contains(t, countSQL, "e.start_time >= $1")
	assert.Contains(t, countSQL, "e.name ILIKE '%' || $2 || '%'")
	assert.NotContains(t, countSQL, "e.start_time <=")

	listSQL := conn.Calls[1].Arguments.String(1)
	assert.Contains(t, listSQL, "LIMIT $3 OFFSET $4")
	assert.Equal(t, []any{from, "stand", 5, 5}, argsOf(conn.mockDBTX, 1))
}

func TestEventRepository_ListEmptyReturnsEmptySlice(t *testing.T) {
	conn := newMockConn()
	conn.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{values: []any{0}})
	conn.On("Query", mock.Anything, sqlContaining("ORDER BY e.start_time ASC"), mock.Anything).
		Return(newMockRows(), nil)

	res, err := NewEventRepository(conn).List(context.Background(), types.EventFilter{})
	require.NoError(t, err)
	assert.NotNil(t, res.Data)
	assert.Empty(t, res.Data)
	assert.Equal(t, []any{types.DefaultPageSize, 0}, argsOf(conn.mockDBTX, 1))
}

func TestEventRepository_UpdateKeepsRule(t *testing.T) {
	conn := newMockConn()
	later := dbNow.Add(time.Minute)
	conn.On("QueryRow", mock.Anything, sqlContaining("UPDATE events"), mock.Anything).
		Return(&mockRow{values: []any{later}})

	e := newStandup()
	removed, err := NewEventRepository(conn).Update(context.Background(), e, false)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, later, e.UpdatedAt)
	assert.True(t, conn.tx.committed)
	conn.AssertNotCalled(t, "QueryRow", mock.Anything, sqlContaining("DELETE FROM recurrence_rules"), mock.Anything)
}

func TestEventRepository_UpdateReplacesRule(t *testing.T) {
	conn := newMockConn()
	conn.On("QueryRow", mock.Anything, sqlContaining("UPDATE events"), mock.Anything).
		Return(&mockRow{values: []any{dbNow}})
	conn.On("QueryRow", mock.Anything, sqlContaining("DELETE FROM recurrence_rules"), []any{"evt_standup"}).
		Return(&mockRow{values: []any{"rr_daily"}})
	conn.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO recurrence_rules"), mock.Anything).
		Return(&mockRow{values: []any{dbNow}})

	e := newStandup()
	e.Rule = &types.RecurrenceRule{ID: "rr_weekly", Type: types.RecurrenceWeekly, Interval: 2}
	removed, err := NewEventRepository(conn).Update(context.Background(), e, true)
	require.NoError(t, err)

	conn.AssertExpectations(t)
	assert.Equal(t, "rr_daily", removed)
	assert.Equal(t, "evt_standup", e.Rule.EventID)
}

func TestEventRepository_UpdateAfterRuleMoved(t *testing.T) {
	conn := newMockConn()
	conn.On("QueryRow", mock.Anything, sqlContaining("UPDATE events"), mock.Anything).
		Return(&mockRow{values: []any{dbNow}})
	conn.On("QueryRow", mock.Anything, sqlContaining("DELETE FROM recurrence_rules"), []any{"evt_standup"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})
	conn.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO recurrence_rules"), mock.Anything).
		Return(&mockRow{values: []any{dbNow}})

	e := newStandup()
	e.Rule = &types.RecurrenceRule{ID: "rr_weekly", Type: types.RecurrenceWeekly, Interval: 2}
	removed, err := NewEventRepository(conn).Update(context.Background(), e, true)
	require.NoError(t, err)
	assert.Empty(t, removed, "no rule row belonged to the event any more")
	assert.True(t, conn.tx.committed)
}

func TestEventRepository_UpdateClearsRule(t *testing.T) {
	conn := newMockConn()
	conn.On("QueryRow", mock.Anything, sqlContaining("UPDATE events"), mock.Anything).
		Return(&mockRow{values: []any{dbNow}})
	conn.On("QueryRow", mock.Anything, sqlContaining("DELETE FROM recurrence_rules"), mock.Anything).
		Return(&mockRow{values: []any{"rr_daily"}})

	e := newStandup()
	e.Rule = nil
	removed, err := NewEventRepository(conn).Update(context.Background(), e, true)
	require.NoError(t, err)
	assert.Equal(t, "rr_daily", removed)
	conn.AssertNotCalled(t, "QueryRow", mock.Anything, sqlContaining("INSERT INTO recurrence_rules"), mock.Anything)
}

func TestEventRepository_UpdateMissingEvent(t *testing.T) {
	conn := newMockConn()
	conn.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := NewEventRepository(conn).Update(context.Background(), newStandup(), true)
	assert.Equal(t, types.ErrCodeNotFoundEvent, types.CodeOf(err))
	assert.True(t, conn.tx.rolledBack)
}

func TestEventRepository_SoftDelete(t *testing.T) {
	conn := newMockConn()
	conn.On("Exec", mock.Anything, sqlContaining("SET deleted_at = now()"), []any{"evt_standup"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	conn.On("Exec", mock.Anything, sqlContaining("SET deleted_at = now()"), []any{"evt_standup"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	repo := NewEventRepository(conn)
	require.NoError(t, repo.SoftDelete(context.Background(), "evt_standup"))

	err := repo.SoftDelete(context.Background(), "evt_standup")
	assert.Equal(t, types.ErrCodeNotFoundEvent, types.CodeOf(err))
}

func TestEventRepository_MaterializeMovesRule(t *testing.T) {
	conn := newMockConn()
	conn.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO events"), mock.Anything).
		Return(&mockRow{values: []any{dbNow, dbNow}})
	conn.On("Exec", mock.Anything, sqlContaining("UPDATE recurrence_rules SET event_id"),
		[]any{"evt_next", "rr_daily", "evt_standup"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	next := newStandup()
	next.ID = "evt_next"
	next.Rule = nil
	require.NoError(t, NewEventRepository(conn).Materialize(context.Background(), "rr_daily", "evt_standup", next))
	assert.True(t, conn.tx.committed)
	conn.AssertNotCalled(t, "QueryRow", mock.Anything, sqlContaining("INSERT INTO recurrence_rules"), mock.Anything)
}

func TestEventRepository_MaterializeLostRuleRollsBack(t *testing.T) {
	conn := newMockConn()
	conn.On("QueryRow", mock.Anything, sqlContaining("INSERT INTO events"), mock.Anything).
		Return(&mockRow{values: []any{dbNow, dbNow}})
	conn.On("Exec", mock.Anything, sqlContaining("UPDATE recurrence_rules"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	next := newStandup()
	next.ID = "evt_next"
	err := NewEventRepository(conn).Materialize(context.Background(), "rr_daily", "evt_old", next)
	assert.True(t, types.IsNotFound(err))
	assert.True(t, conn.tx.rolledBack)
	assert.False(t, conn.tx.committed)
}
