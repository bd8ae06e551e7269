package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"eventbell/internal/types"
)

func subRow(id, deviceCode string) []any {
	return []any{
		id, "https://push.example.com/" + id, "auth-" + id, "p256-" + id, deviceCode,
		ptr("Firefox"), "key-" + id, dbNow, dbNow, nil,
	}
}

func TestSubscriptionRepository_UpsertReportsCreation(t *testing.T) {
	tests := []struct {
		name    string
		created bool
	}{
		{"new device", true},
		{"refreshed device", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			db.On("QueryRow", mock.Anything, sqlContaining("ON CONFLICT (device_code) DO UPDATE"), mock.Anything).
				Return(&mockRow{values: []any{"sub_existing", dbNow, dbNow, tt.created}})

			s := &types.Subscription{
				ID:         "sub_new",
				Endpoint:   "https://push.example.com/a",
				Auth:       "auth",
				P256dh:     "p256",
				DeviceCode: "laptop",
				Key:        "k",
			}
			created, err := NewSubscriptionRepository(db).Upsert(context.Background(), s)
			require.NoError(t, err)

			assert.Equal(t, tt.created, created)
			assert.Equal(t, "sub_existing", s.ID, "the stored id wins")
			assert.Nil(t, argsOf(db, 0)[5], "empty user agent is stored as NULL")
		})
	}
}

func TestSubscriptionRepository_UpsertFailure(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: errors.New("timeout")})

	_, err := NewSubscriptionRepository(db).Upsert(context.Background(), &types.Subscription{})
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}

func TestSubscriptionRepository_Get(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, sqlContaining("WHERE id = $1 AND deleted_at IS NULL"), []any{"sub_1"}).
		Return(&mockRow{values: subRow("sub_1", "laptop")})
	db.On("QueryRow", mock.Anything, sqlContaining("WHERE device_code = $1"), []any{"phone"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	repo := NewSubscriptionRepository(db)
	s, err := repo.Get(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "laptop", s.DeviceCode)
	assert.Equal(t, "Firefox", s.UserAgent)

	_, err = repo.GetByDeviceCode(context.Background(), "phone")
	assert.Equal(t, types.ErrCodeNotFoundSubscription, types.CodeOf(err))
}

func TestSubscriptionRepository_ListActive(t *testing.T) {
	db := new(mockDBTX)
	rows := newMockRows(subRow("sub_1", "laptop"), subRow("sub_2", "phone"))
	db.On("Query", mock.Anything, sqlContaining("WHERE deleted_at IS NULL ORDER BY created_at"), mock.Anything).
		Return(rows, nil)

	subs, err := NewSubscriptionRepository(db).ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "sub_2", subs[1].ID)
	assert.True(t, rows.closed)
}

func TestSubscriptionRepository_ListActiveRowError(t *testing.T) {
	db := new(mockDBTX)
	rows := newMockRows()
	rows.errVal = errors.New("stream broken")
	db.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(rows, nil)

	_, err := NewSubscriptionRepository(db).ListActive(context.Background())
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}

func TestSubscriptionRepository_ListByEndpointPrefix(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, sqlContaining("starts_with(endpoint, $1)"), []any{"https://fcm"}).
		Return(&mockRow{values: []any{7}})
	db.On("Query", mock.Anything, sqlContaining("LIMIT $2 OFFSET $3"), []any{"https://fcm", 2, 4}).
		Return(newMockRows(subRow("sub_5", "tablet")), nil)

	res, err := NewSubscriptionRepository(db).List(context.Background(), types.SubscriptionFilter{
		EndpointPrefix: "https://fcm",
		Page:           3,
		PageSize:       2,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Total)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "tablet", res.Data[0].DeviceCode)
}

func TestSubscriptionRepository_Update(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, sqlContaining("UPDATE subscriptions"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	err := NewSubscriptionRepository(db).Update(context.Background(), &types.Subscription{ID: "sub_gone"})
	assert.Equal(t, types.ErrCodeNotFoundSubscription, types.CodeOf(err))
}

func TestSubscriptionRepository_SoftDeleteIsIdempotent(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, sqlContaining("WHERE id = $1 AND deleted_at IS NULL"), []any{"sub_1"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	assert.NoError(t, NewSubscriptionRepository(db).SoftDelete(context.Background(), "sub_1"))
}

func TestSubscriptionRepository_SoftDeleteByDeviceCode(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, sqlContaining("WHERE device_code = $1"), []any{"laptop"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	db.On("Exec", mock.Anything, sqlContaining("WHERE device_code = $1"), []any{"laptop"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	repo := NewSubscriptionRepository(db)
	require.NoError(t, repo.SoftDeleteByDeviceCode(context.Background(), "laptop"))
	err := repo.SoftDeleteByDeviceCode(context.Background(), "laptop")
	assert.Equal(t, types.ErrCodeNotFoundSubscription, types.CodeOf(err))
}
