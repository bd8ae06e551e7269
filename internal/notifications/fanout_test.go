package notifications

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbell/internal/queue"
	"eventbell/internal/types"
)

type failingEnqueuer struct {
	failFor string
	ids     []string
}

func (f *failingEnqueuer) Enqueue(_ context.Context, q queue.Name, id string, _ any, _ queue.JobOptions) (*queue.Job, error) {
	if strings.HasSuffix(id, f.failFor) {
		return nil, errors.New("queue down")
	}
	f.ids = append(f.ids, id)
	return &queue.Job{ID: id, Queue: q}, nil
}

func TestFanOut_NotifyAllIsIdempotentPerSourceJob(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore(types.ClockFunc(func() time.Time {
		return time.Date(2026, time.March, 2, 9, 50, 0, 0, time.UTC)
	}))
	f := NewFanOut(store, newStubSubscriptions("sub_1", "sub_2"), nil)

	payload := types.PushPayload{Title: "Standup - starting in 10 minutes"}
	n, err := f.NotifyAll(ctx, "rem:evt_1:10", payload)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A retried reminder reuses the same ids.
	_, err = f.NotifyAll(ctx, "rem:evt_1:10", payload)
	require.NoError(t, err)

	res, err := store.List(ctx, queue.Notifications, queue.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	job, err := store.Get(ctx, queue.Notifications, "rem:evt_1:10:sub_2")
	require.NoError(t, err)
	var p types.NotificationJobPayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, "sub_2", p.SubscriptionID)
	assert.Equal(t, payload, p.Payload)
}

func TestFanOut_NotifyAllAttemptsEverySubscription(t *testing.T) {
	q := &failingEnqueuer{failFor: "sub_2"}
	f := NewFanOut(q, newStubSubscriptions("sub_1", "sub_2", "sub_3"), nil)

	n, err := f.NotifyAll(context.Background(), "rem:evt_1:5", types.PushPayload{Title: "x"})
	assert.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"rem:evt_1:5:sub_1", "rem:evt_1:5:sub_3"}, q.ids)
}

func TestFanOut_NotifyAllWithoutSubscriptions(t *testing.T) {
	q := &failingEnqueuer{}
	f := NewFanOut(q, newStubSubscriptions(), nil)

	n, err := f.NotifyAll(context.Background(), "rem:evt_1:5", types.PushPayload{Title: "x"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, q.ids)
}

func TestFanOut_EnqueueUsesFreshIDs(t *testing.T) {
	q := &failingEnqueuer{}
	f := NewFanOut(q, nil, nil)
	sub := &types.Subscription{ID: "sub_1"}

	a, err := f.Enqueue(context.Background(), sub, types.PushPayload{Title: "hi"})
	require.NoError(t, err)
	b, err := f.Enqueue(context.Background(), sub, types.PushPayload{Title: "hi"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a.ID, types.PrefixNotification))
	assert.NotEqual(t, a.ID, b.ID)
}
