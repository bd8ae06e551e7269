package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"eventbell/internal/types"
)

// EventRepository provides data access for the events and recurrence_rules
// tables. An event owns at most one rule; the rule row points at its owner
// and moves to the next occurrence when a tick materializes it.
type EventRepository struct {
	db Conn
}

// NewEventRepository creates an EventRepository backed by a pool or a
// transaction.
func NewEventRepository(db Conn) *EventRepository {
	return &EventRepository{db: db}
}

// eventColumns is the projection shared by every event read. The rule
// columns come from a LEFT JOIN and are NULL when the event has no rule.
const eventColumns = `e.id, e.name, e.description, e.start_time, e.duration_minutes,
	e.locations, e.reminders, e.created_at, e.updated_at, e.deleted_at,
	r.id, r.type, r.interval, r.end_date, r.anchor_day, r.created_at`

const eventFrom = ` FROM events e LEFT JOIN recurrence_rules r ON r.event_id = e.id`

const ruleColumns = `id, event_id, type, interval, end_date, anchor_day, created_at`

// scanEvent scans a row in eventColumns order. pgx.Rows satisfies pgx.Row,
// so list queries share it.
func scanEvent(row pgx.Row) (*types.Event, error) {
	var e types.Event
	var (
		ruleID       *string
		ruleType     *string
		ruleInterval *int
		ruleEnd      *time.Time
		ruleAnchor   *int
		ruleCreated  *time.Time
	)

	err := row.Scan(
		&e.ID,
		&e.Name,
		&e.Description,
		&e.StartTime,
		&e.DurationMinutes,
		&e.Locations,
		&e.Reminders,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.DeletedAt,
		&ruleID,
		&ruleType,
		&ruleInterval,
		&ruleEnd,
		&ruleAnchor,
		&ruleCreated,
	)
	if err != nil {
		return nil, err
	}

	if ruleID != nil {
		e.Rule = &types.RecurrenceRule{
			ID:      *ruleID,
			EventID: e.ID,
			EndDate: ruleEnd,
		}
		if ruleType != nil {
			e.Rule.Type = types.RecurrenceType(*ruleType)
		}
		if ruleInterval != nil {
			e.Rule.Interval = *ruleInterval
		}
		if ruleAnchor != nil {
			e.Rule.AnchorDay = *ruleAnchor
		}
		if ruleCreated != nil {
			e.Rule.CreatedAt = *ruleCreated
		}
	}
	return &e, nil
}

func scanRule(row pgx.Row) (*types.RecurrenceRule, error) {
	var r types.RecurrenceRule
	var ruleType string
	if err := row.Scan(&r.ID, &r.EventID, &ruleType, &r.Interval, &r.EndDate, &r.AnchorDay, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Type = types.RecurrenceType(ruleType)
	return &r, nil
}

// Create inserts the event and, when present, its rule in one transaction.
// An active event with the same name and start time is a conflict.
func (r *EventRepository) Create(ctx context.Context, e *types.Event) error {
	return WithTx(ctx, r.db, func(tx DBTX) error {
		if err := insertEvent(ctx, tx, e); err != nil {
			return err
		}
		if e.Rule != nil {
			e.Rule.EventID = e.ID
			return insertRule(ctx, tx, e.Rule)
		}
		return nil
	})
}

func insertEvent(ctx context.Context, db DBTX, e *types.Event) error {
	err := db.QueryRow(ctx,
		`INSERT INTO events (id, name, description, start_time, duration_minutes, locations, reminders)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		e.ID, e.Name, e.Description, e.StartTime, e.DurationMinutes,
		nonNilStrings(e.Locations), nonNilInts(e.Reminders),
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppErrorWithDetails(types.ErrCodeConflictEventExists,
				"an active event with this name and start time already exists", err,
				map[string]any{"name": e.Name, "startTime": e.StartTime})
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create event", err)
	}
	return nil
}

func insertRule(ctx context.Context, db DBTX, rule *types.RecurrenceRule) error {
	err := db.QueryRow(ctx,
		`INSERT INTO recurrence_rules (id, event_id, type, interval, end_date, anchor_day)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		rule.ID, rule.EventID, string(rule.Type), rule.Interval, rule.EndDate, rule.AnchorDay,
	).Scan(&rule.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create recurrence rule", err)
	}
	return nil
}

// Get returns an active event with its rule.
func (r *EventRepository) Get(ctx context.Context, id string) (*types.Event, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+eventFrom+`
		 WHERE e.id = $1 AND e.deleted_at IS NULL`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEvent, "event not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get event", err)
	}
	return e, nil
}

// GetRule returns a rule by id regardless of the state of its event.
func (r *EventRepository) GetRule(ctx context.Context, ruleID string) (*types.RecurrenceRule, error) {
	rule, err := scanRule(r.db.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM recurrence_rules WHERE id = $1`,
		ruleID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundRecurrence, "recurrence rule not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get recurrence rule", err)
	}
	return rule, nil
}

// List returns a page of active events and the total number of matches.
func (r *EventRepository) List(ctx context.Context, f types.EventFilter) (types.ListResult[*types.Event], error) {
	var result types.ListResult[*types.Event]

	conditions := []string{"e.deleted_at IS NULL"}
	var args []any
	argIdx := 1

	if f.StartFrom != nil {
		conditions = append(conditions, fmt.Sprintf("e.start_time >= $%d", argIdx))
		args = append(args, *f.StartFrom)
		argIdx++
	}
	if f.StartTo != nil {
		conditions = append(conditions, fmt.Sprintf("e.start_time <= $%d", argIdx))
		args = append(args, *f.StartTo)
		argIdx++
	}
	if f.Name != "" {
		conditions = append(conditions, fmt.Sprintf("e.name ILIKE '%%' || $%d || '%%'", argIdx))
		args = append(args, f.Name)
		argIdx++
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM events e`+where, args...).Scan(&result.Total); err != nil {
		return result, types.NewAppError(types.ErrCodeInternalDB, "failed to count events", err)
	}

	order := "ASC"
	if f.Sort == types.SortDescend {
		order = "DESC"
	}
	offset, limit := types.NormalizePage(f.Page, f.PageSize)
	query := fmt.Sprintf(`SELECT %s%s%s ORDER BY e.start_time %s, e.id LIMIT $%d OFFSET $%d`,
		eventColumns, eventFrom, where, order, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return result, types.NewAppError(types.ErrCodeInternalDB, "failed to list events", err)
	}
	defer rows.Close()

	result.Data = []*types.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return result, types.NewAppError(types.ErrCodeInternalDB, "failed to scan event row", err)
		}
		result.Data = append(result.Data, e)
	}
	if err := rows.Err(); err != nil {
		return result, types.NewAppError(types.ErrCodeInternalDB, "error iterating event rows", err)
	}
	return result, nil
}

// Update persists the mutable fields of an active event. When replaceRule is
// set, the rule row the event owns is removed and e.Rule (if any) inserted in
// the same transaction. The id of the removed row is returned; it is empty
// when a tick handed the rule to a later occurrence in the meantime.
func (r *EventRepository) Update(ctx context.Context, e *types.Event, replaceRule bool) (string, error) {
	var removed string
	err := WithTx(ctx, r.db, func(tx DBTX) error {
		err := tx.QueryRow(ctx,
			`UPDATE events
			 SET name = $2, description = $3, start_time = $4, duration_minutes = $5,
			     locations = $6, reminders = $7, updated_at = now()
			 WHERE id = $1 AND deleted_at IS NULL
			 RETURNING updated_at`,
			e.ID, e.Name, e.Description, e.StartTime, e.DurationMinutes,
			nonNilStrings(e.Locations), nonNilInts(e.Reminders),
		).Scan(&e.UpdatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.NewAppError(types.ErrCodeNotFoundEvent, "event not found", nil)
			}
			if isUniqueViolation(err) {
				return types.NewAppError(types.ErrCodeConflictEventExists,
					"an active event with this name and start time already exists", err)
			}
			return types.NewAppError(types.ErrCodeInternalDB, "failed to update event", err)
		}

		if !replaceRule {
			return nil
		}
		err = tx.QueryRow(ctx,
			`DELETE FROM recurrence_rules WHERE event_id = $1 RETURNING id`,
			e.ID,
		).Scan(&removed)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to remove recurrence rule", err)
		}
		if e.Rule != nil {
			e.Rule.EventID = e.ID
			return insertRule(ctx, tx, e.Rule)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return removed, nil
}

// SoftDelete marks an active event deleted. The rule row is left in place
// so in-flight ticks still resolve it and find the event inactive.
func (r *EventRepository) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE events SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete event", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundEvent, "event not found", nil)
	}
	return nil
}

// Materialize inserts next and moves rule ruleID from fromEventID to it.
// If the rule no longer belongs to fromEventID the insert is rolled back
// and a not-found error returned.
func (r *EventRepository) Materialize(ctx context.Context, ruleID, fromEventID string, next *types.Event) error {
	return WithTx(ctx, r.db, func(tx DBTX) error {
		if err := insertEvent(ctx, tx, next); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE recurrence_rules SET event_id = $1 WHERE id = $2 AND event_id = $3`,
			next.ID, ruleID, fromEventID,
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to move recurrence rule", err)
		}
		if tag.RowsAffected() == 0 {
			return types.NewAppError(types.ErrCodeNotFoundRecurrence, "recurrence rule moved or removed", nil)
		}
		return nil
	})
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilInts(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
