package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"eventbell/internal/db"
	"eventbell/internal/types"
)

const jobColumns = `queue, id, payload, state, run_at, attempts, max_attempts,
	backoff_type, backoff_ms, COALESCE(last_error, ''), claimed_at, finished_at, created_at, updated_at`

const recurringColumns = `queue, key, pattern, timezone, end_date, payload, next_run_at,
	last_run_at, created_at, updated_at`

// stateExpr reports not-yet-due waiting jobs as delayed. $2 must be now.
const stateExpr = `CASE WHEN state = 'waiting' AND run_at > $2 THEN 'delayed' ELSE state END`

// PostgresStore keeps jobs and recurring entries in two tables. Workers
// claim with FOR UPDATE SKIP LOCKED so that any number of processes can
// consume the same queue; recurring entries advance with a compare-and-set
// on next_run_at.
type PostgresStore struct {
	db     db.DBTX
	clock  types.Clock
	logger types.Logger
}

// NewPostgresStore creates a store over a pool or transaction.
func NewPostgresStore(conn db.DBTX, clock types.Clock, logger types.Logger) *PostgresStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &PostgresStore{db: conn, clock: clock, logger: logger}
}

var _ Store = (*PostgresStore)(nil)

// Enqueue inserts a job. An existing job with the same id is kept untouched
// unless it already finished, in which case it is replaced.
func (s *PostgresStore) Enqueue(ctx context.Context, queue Name, id string, payload any, opts JobOptions) (*Job, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	opts = normalizeOptions(queue, opts)
	now := s.clock.Now()

	row := s.db.QueryRow(ctx,
		`INSERT INTO queue_jobs (queue, id, payload, state, run_at, attempts, max_attempts,
		                         backoff_type, backoff_ms, created_at, updated_at)
		 VALUES ($1, $2, $3, 'waiting', $4, 0, $5, $6, $7, $8, $8)
		 ON CONFLICT (queue, id) DO UPDATE
		   SET payload = EXCLUDED.payload,
		       state = 'waiting',
		       run_at = EXCLUDED.run_at,
		       attempts = 0,
		       max_attempts = EXCLUDED.max_attempts,
		       backoff_type = EXCLUDED.backoff_type,
		       backoff_ms = EXCLUDED.backoff_ms,
		       last_error = NULL,
		       claimed_at = NULL,
		       finished_at = NULL,
		       updated_at = EXCLUDED.updated_at
		   WHERE queue_jobs.state IN ('completed', 'failed')
		 RETURNING `+jobColumns,
		string(queue), id, body, now.Add(opts.Delay), opts.Attempts,
		string(opts.Backoff.Type), opts.Backoff.Delay.Milliseconds(), now,
	)

	job, err := scanJob(row, now)
	if errors.Is(err, pgx.ErrNoRows) {
		// A live job already holds the id.
		return s.Get(ctx, queue, id)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalQueue, "failed to enqueue job", err)
	}
	return job, nil
}

// Remove deletes a job in any state.
func (s *PostgresStore) Remove(ctx context.Context, queue Name, id string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM queue_jobs WHERE queue = $1 AND id = $2`, string(queue), id); err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "failed to remove job", err)
	}
	return nil
}

// Get returns a single job.
func (s *PostgresStore) Get(ctx context.Context, queue Name, id string) (*Job, error) {
	now := s.clock.Now()
	row := s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE queue = $1 AND id = $2`, string(queue), id)
	job, err := scanJob(row, now)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobNotFound(queue, id)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalQueue, "failed to read job", err)
	}
	return job, nil
}

// List returns one page of jobs ordered by run time, with the total count.
func (s *PostgresStore) List(ctx context.Context, queue Name, filter JobFilter) (types.ListResult[*Job], error) {
	now := s.clock.Now()
	offset, limit := types.NormalizePage(filter.Page, filter.PageSize)
	states := make([]string, len(filter.States))
	for i, st := range filter.States {
		states[i] = string(st)
	}

	where := `WHERE queue = $1
	   AND ($3 = '' OR starts_with(id, $3))
	   AND (cardinality($4::text[]) = 0 OR ` + stateExpr + ` = ANY($4))`

	result := types.ListResult[*Job]{Data: []*Job{}}
	if err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM queue_jobs `+where, string(queue), now, filter.IDPrefix, states,
	).Scan(&result.Total); err != nil {
		return result, types.NewAppError(types.ErrCodeInternalQueue, "failed to count jobs", err)
	}
	if result.Total == 0 {
		return result, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs `+where+`
		 ORDER BY run_at, id
		 LIMIT $5 OFFSET $6`,
		string(queue), now, filter.IDPrefix, states, limit, offset)
	if err != nil {
		return result, types.NewAppError(types.ErrCodeInternalQueue, "failed to list jobs", err)
	}
	defer rows.Close()

	for rows.Next() {
		job, err := scanJob(rows, now)
		if err != nil {
			return result, types.NewAppError(types.ErrCodeInternalQueue, "failed to scan job", err)
		}
		result.Data = append(result.Data, job)
	}
	if err := rows.Err(); err != nil {
		return result, types.NewAppError(types.ErrCodeInternalQueue, "failed to iterate jobs", err)
	}
	return result, nil
}

// Counts groups the jobs of a queue by effective state.
func (s *PostgresStore) Counts(ctx context.Context, queue Name) (Counts, error) {
	var counts Counts
	rows, err := s.db.Query(ctx,
		`SELECT `+stateExpr+` AS st, count(*) FROM queue_jobs WHERE queue = $1 GROUP BY st`,
		string(queue), s.clock.Now())
	if err != nil {
		return counts, types.NewAppError(types.ErrCodeInternalQueue, "failed to count jobs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return counts, types.NewAppError(types.ErrCodeInternalQueue, "failed to scan job count", err)
		}
		counts.add(State(st), n)
	}
	if err := rows.Err(); err != nil {
		return counts, types.NewAppError(types.ErrCodeInternalQueue, "failed to iterate job counts", err)
	}
	return counts, nil
}

// UpsertRecurring stores the entry and computes its first fire time.
func (s *PostgresStore) UpsertRecurring(ctx context.Context, queue Name, key string, spec RecurringSpec, payload any) (*RecurringEntry, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	next, err := NextRun(spec, now)
	if err != nil {
		return nil, err
	}
	tz := spec.Timezone
	if tz == "" {
		tz = "UTC"
	}

	row := s.db.QueryRow(ctx,
		`INSERT INTO queue_recurring (queue, key, pattern, timezone, end_date, payload,
		                              next_run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (queue, key) DO UPDATE
		   SET pattern = EXCLUDED.pattern,
		       timezone = EXCLUDED.timezone,
		       end_date = EXCLUDED.end_date,
		       payload = EXCLUDED.payload,
		       next_run_at = EXCLUDED.next_run_at,
		       updated_at = EXCLUDED.updated_at
		 RETURNING `+recurringColumns,
		string(queue), key, spec.Pattern, tz, spec.EndDate, body, next, now,
	)
	entry, err := scanRecurring(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalQueue, "failed to upsert recurring entry", err)
	}
	return entry, nil
}

// RemoveRecurring deletes an entry. Tick jobs it already fired are kept.
func (s *PostgresStore) RemoveRecurring(ctx context.Context, queue Name, key string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM queue_recurring WHERE queue = $1 AND key = $2`, string(queue), key); err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "failed to remove recurring entry", err)
	}
	return nil
}

// GetRecurring returns a single entry.
func (s *PostgresStore) GetRecurring(ctx context.Context, queue Name, key string) (*RecurringEntry, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+recurringColumns+` FROM queue_recurring WHERE queue = $1 AND key = $2`, string(queue), key)
	entry, err := scanRecurring(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, recurringNotFound(queue, key)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalQueue, "failed to read recurring entry", err)
	}
	return entry, nil
}

// ListRecurring returns one page of entries ordered by next fire time.
func (s *PostgresStore) ListRecurring(ctx context.Context, queue Name, page, pageSize int) (types.ListResult[*RecurringEntry], error) {
	offset, limit := types.NormalizePage(page, pageSize)
	result := types.ListResult[*RecurringEntry]{Data: []*RecurringEntry{}}

	if err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM queue_recurring WHERE queue = $1`, string(queue),
	).Scan(&result.Total); err != nil {
		return result, types.NewAppError(types.ErrCodeInternalQueue, "failed to count recurring entries", err)
	}
	if result.Total == 0 {
		return result, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+recurringColumns+` FROM queue_recurring WHERE queue = $1
		 ORDER BY next_run_at, key LIMIT $2 OFFSET $3`, string(queue), limit, offset)
	if err != nil {
		return result, types.NewAppError(types.ErrCodeInternalQueue, "failed to list recurring entries", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanRecurring(rows)
		if err != nil {
			return result, types.NewAppError(types.ErrCodeInternalQueue, "failed to scan recurring entry", err)
		}
		result.Data = append(result.Data, entry)
	}
	if err := rows.Err(); err != nil {
		return result, types.NewAppError(types.ErrCodeInternalQueue, "failed to iterate recurring entries", err)
	}
	return result, nil
}

// Claim locks due jobs with SKIP LOCKED so that concurrent workers never
// receive the same job.
func (s *PostgresStore) Claim(ctx context.Context, queue Name, limit int) ([]*Job, error) {
	if limit < 1 {
		return nil, nil
	}
	now := s.clock.Now()
	rows, err := s.db.Query(ctx,
		`UPDATE queue_jobs
		 SET state = 'active', attempts = attempts + 1, claimed_at = $2, updated_at = $2
		 WHERE (queue, id) IN (
		     SELECT queue, id FROM queue_jobs
		     WHERE queue = $1 AND state = 'waiting' AND run_at <= $2
		     ORDER BY run_at, id
		     FOR UPDATE SKIP LOCKED
		     LIMIT $3
		 )
		 RETURNING `+jobColumns,
		string(queue), now, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalQueue, "failed to claim jobs", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows, now)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalQueue, "failed to scan claimed job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalQueue, "failed to iterate claimed jobs", err)
	}
	return jobs, nil
}

// Complete marks an active job completed. A job removed while it ran stays
// removed.
func (s *PostgresStore) Complete(ctx context.Context, job *Job) error {
	now := s.clock.Now()
	if _, err := s.db.Exec(ctx,
		`UPDATE queue_jobs SET state = 'completed', finished_at = $3, updated_at = $3, last_error = NULL
		 WHERE queue = $1 AND id = $2 AND state = 'active'`,
		string(job.Queue), job.ID, now); err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "failed to complete job", err)
	}
	return nil
}

// Fail records the failure and either schedules a retry or fails the job.
func (s *PostgresStore) Fail(ctx context.Context, job *Job, cause error, retryAt *time.Time) error {
	now := s.clock.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var err error
	if retryAt != nil {
		_, err = s.db.Exec(ctx,
			`UPDATE queue_jobs SET state = 'waiting', run_at = $3, claimed_at = NULL,
			        last_error = $4, updated_at = $5
			 WHERE queue = $1 AND id = $2 AND state = 'active'`,
			string(job.Queue), job.ID, *retryAt, msg, now)
	} else {
		_, err = s.db.Exec(ctx,
			`UPDATE queue_jobs SET state = 'failed', finished_at = $3, last_error = $4, updated_at = $3
			 WHERE queue = $1 AND id = $2 AND state = 'active'`,
			string(job.Queue), job.ID, now, msg)
	}
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "failed to record job failure", err)
	}
	return nil
}

// FireRecurring enqueues the due ticks of a queue. Each tick job id is
// derived from the entry key and the scheduled instant, and next_run_at only
// advances when it still holds the value that was read, so concurrent
// workers fire each tick once.
func (s *PostgresStore) FireRecurring(ctx context.Context, queue Name) (int, error) {
	now := s.clock.Now()

	if _, err := s.db.Exec(ctx,
		`DELETE FROM queue_recurring
		 WHERE queue = $1 AND end_date IS NOT NULL AND end_date < $2`,
		string(queue), now); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalQueue, "failed to expire recurring entries", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+recurringColumns+` FROM queue_recurring
		 WHERE queue = $1 AND next_run_at <= $2
		 ORDER BY next_run_at`,
		string(queue), now)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalQueue, "failed to read due recurring entries", err)
	}
	var due []*RecurringEntry
	for rows.Next() {
		entry, err := scanRecurring(rows)
		if err != nil {
			rows.Close()
			return 0, types.NewAppError(types.ErrCodeInternalQueue, "failed to scan recurring entry", err)
		}
		due = append(due, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalQueue, "failed to iterate recurring entries", err)
	}

	fired := 0
	for _, e := range due {
		spec := RecurringSpec{Pattern: e.Pattern, Timezone: e.Timezone, EndDate: e.EndDate}
		next, err := NextRun(spec, now)
		if err != nil {
			s.logger.Error("dropping recurring entry with invalid pattern",
				"queue", string(queue), "key", e.Key, "pattern", e.Pattern, "error", err)
			_ = s.RemoveRecurring(ctx, queue, e.Key)
			continue
		}

		tag, err := s.db.Exec(ctx,
			`UPDATE queue_recurring SET next_run_at = $4, last_run_at = $5, updated_at = $5
			 WHERE queue = $1 AND key = $2 AND next_run_at = $3`,
			string(queue), e.Key, e.NextRunAt, next, now)
		if err != nil {
			return fired, types.NewAppError(types.ErrCodeInternalQueue, "failed to advance recurring entry", err)
		}
		if tag.RowsAffected() == 0 {
			// Another worker advanced it first.
			continue
		}

		if _, err := s.Enqueue(ctx, queue, TickJobID(e.Key, e.NextRunAt), e.Payload, DefaultOptions(queue)); err != nil {
			return fired, err
		}
		fired++

		if e.EndDate != nil && next.After(*e.EndDate) {
			if err := s.RemoveRecurring(ctx, queue, e.Key); err != nil {
				return fired, err
			}
		}
	}
	return fired, nil
}

// RequeueStalled returns jobs whose worker vanished to the waiting state.
func (s *PostgresStore) RequeueStalled(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE queue_jobs SET state = 'waiting', claimed_at = NULL, updated_at = $2
		 WHERE state = 'active' AND claimed_at < $1`,
		cutoff, s.clock.Now())
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalQueue, "failed to requeue stalled jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

// Prune deletes completed and failed jobs that finished before cutoff.
func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM queue_jobs WHERE state IN ('completed', 'failed') AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalQueue, "failed to prune jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row, now time.Time) (*Job, error) {
	var (
		j         Job
		queue     string
		state     string
		backoff   string
		backoffMS int64
		payload   []byte
	)
	if err := row.Scan(&queue, &j.ID, &payload, &state, &j.RunAt, &j.Attempts, &j.MaxAttempts,
		&backoff, &backoffMS, &j.LastError, &j.ClaimedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Queue = Name(queue)
	j.Payload = json.RawMessage(payload)
	j.Backoff = Backoff{Type: BackoffType(backoff), Delay: time.Duration(backoffMS) * time.Millisecond}
	j.State = effectiveState(State(state), j.RunAt, now)
	return &j, nil
}

func scanRecurring(row pgx.Row) (*RecurringEntry, error) {
	var (
		e       RecurringEntry
		queue   string
		payload []byte
	)
	if err := row.Scan(&queue, &e.Key, &e.Pattern, &e.Timezone, &e.EndDate, &payload,
		&e.NextRunAt, &e.LastRunAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Queue = Name(queue)
	e.Payload = json.RawMessage(payload)
	return &e, nil
}
