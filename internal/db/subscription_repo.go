package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"eventbell/internal/types"
)

// SubscriptionRepository provides data access for the subscriptions table.
// A device holds one row, keyed by device_code; re-registering refreshes the
// row instead of adding a second one.
type SubscriptionRepository struct {
	db DBTX
}

// NewSubscriptionRepository creates a SubscriptionRepository.
func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subColumns = `id, endpoint, auth, p256dh, device_code, user_agent, key,
	created_at, updated_at, deleted_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	var userAgent *string
	err := row.Scan(
		&s.ID,
		&s.Endpoint,
		&s.Auth,
		&s.P256dh,
		&s.DeviceCode,
		&userAgent,
		&s.Key,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if userAgent != nil {
		s.UserAgent = *userAgent
	}
	return &s, nil
}

// Upsert registers s by device code. An existing row, deleted or not, is
// revived with the new keys and keeps its id. created reports whether the
// device had no live subscription before the call.
func (r *SubscriptionRepository) Upsert(ctx context.Context, s *types.Subscription) (created bool, err error) {
	err = r.db.QueryRow(ctx,
		`WITH prior AS (
		     SELECT deleted_at IS NULL AS live FROM subscriptions WHERE device_code = $5
		 )
		 INSERT INTO subscriptions (id, endpoint, auth, p256dh, device_code, user_agent, key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (device_code) DO UPDATE
		 SET endpoint = EXCLUDED.endpoint,
		     auth = EXCLUDED.auth,
		     p256dh = EXCLUDED.p256dh,
		     user_agent = EXCLUDED.user_agent,
		     key = EXCLUDED.key,
		     updated_at = now(),
		     deleted_at = NULL
		 RETURNING id, created_at, updated_at, NOT COALESCE((SELECT live FROM prior), false)`,
		s.ID, s.Endpoint, s.Auth, s.P256dh, s.DeviceCode, nilIfEmpty(s.UserAgent), s.Key,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt, &created)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	s.DeletedAt = nil
	return created, nil
}

// Get returns a live subscription by id.
func (r *SubscriptionRepository) Get(ctx context.Context, id string) (*types.Subscription, error) {
	return r.getOne(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE id = $1 AND deleted_at IS NULL`, id)
}

// GetByDeviceCode returns the live subscription of a device.
func (r *SubscriptionRepository) GetByDeviceCode(ctx context.Context, deviceCode string) (*types.Subscription, error) {
	return r.getOne(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE device_code = $1 AND deleted_at IS NULL`, deviceCode)
}

func (r *SubscriptionRepository) getOne(ctx context.Context, query string, arg string) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription", err)
	}
	return s, nil
}

// ListActive returns every live subscription, oldest first.
func (r *SubscriptionRepository) ListActive(ctx context.Context) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE deleted_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscriptions", err)
	}
	return collectSubscriptions(rows)
}

// List returns a page of live subscriptions whose endpoint starts with
// f.EndpointPrefix.
func (r *SubscriptionRepository) List(ctx context.Context, f types.SubscriptionFilter) (types.ListResult[*types.Subscription], error) {
	var result types.ListResult[*types.Subscription]

	const where = ` WHERE deleted_at IS NULL AND ($1 = '' OR starts_with(endpoint, $1))`
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM subscriptions`+where, f.EndpointPrefix).Scan(&result.Total); err != nil {
		return result, types.NewAppError(types.ErrCodeInternalDB, "failed to count subscriptions", err)
	}

	offset, limit := types.NormalizePage(f.Page, f.PageSize)
	rows, err := r.db.Query(ctx,
		`SELECT `+subColumns+` FROM subscriptions`+where+`
		 ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		f.EndpointPrefix, limit, offset,
	)
	if err != nil {
		return result, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscriptions", err)
	}
	result.Data, err = collectSubscriptions(rows)
	return result, err
}

func collectSubscriptions(rows pgx.Rows) ([]*types.Subscription, error) {
	defer rows.Close()
	subs := []*types.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscription rows", err)
	}
	return subs, nil
}

// Update writes the keys and user agent of a live subscription.
func (r *SubscriptionRepository) Update(ctx context.Context, s *types.Subscription) error {
	err := r.db.QueryRow(ctx,
		`UPDATE subscriptions
		 SET endpoint = $2, auth = $3, p256dh = $4, user_agent = $5, key = $6, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL
		 RETURNING updated_at`,
		s.ID, s.Endpoint, s.Auth, s.P256dh, nilIfEmpty(s.UserAgent), s.Key,
	).Scan(&s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}
	return nil
}

// SoftDelete marks a subscription deleted. Deleting an already deleted
// subscription is a no-op.
func (r *SubscriptionRepository) SoftDelete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete subscription", err)
	}
	return nil
}

// SoftDeleteByDeviceCode unsubscribes a device.
func (r *SubscriptionRepository) SoftDeleteByDeviceCode(ctx context.Context, deviceCode string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET deleted_at = now(), updated_at = now()
		 WHERE device_code = $1 AND deleted_at IS NULL`,
		deviceCode,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}
