package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/store"
)

func TestNotifications_Deduplicated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	target := store.InboundEventNotification{
		JobID:     "job1",
		SessionID: "sess1",
		WorkerID:  "w1",
		HandlerID: "h1",
		EventType: "agent:waiting",
	}

	first := target
	first.ID = id.Generate()
	created, err := st.CreatePendingNotification(ctx, &first)
	require.NoError(t, err)
	assert.Equal(t, first.ID, created.ID)
	assert.Equal(t, store.NotificationPending, created.Status)

	// A duplicate creation attempt is an idempotent no-op returning
	// the first row.
	second := target
	second.ID = id.Generate()
	dup, err := st.CreatePendingNotification(ctx, &second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID, "the winner is the first call's row")

	all, err := st.FindAllNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestNotifications_MarkDelivered(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	n := &store.InboundEventNotification{
		ID:        id.Generate(),
		JobID:     "job1",
		SessionID: "sess1",
		WorkerID:  "w1",
		HandlerID: "slack",
		EventType: "worker:exited",
	}
	created, err := st.CreatePendingNotification(ctx, n)
	require.NoError(t, err)

	require.NoError(t, st.MarkNotificationDelivered(ctx, created.ID))

	got, err := st.FindNotificationByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, store.NotificationDelivered, got.Status)
	require.NotNil(t, got.NotifiedAt)

	assert.ErrorIs(t, st.MarkNotificationDelivered(ctx, "missing"), store.ErrNotFound)
}

func TestNotifications_DistinctTargetsCoexist(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, handler := range []string{"slack", "teams"} {
		n := &store.InboundEventNotification{
			ID:        id.Generate(),
			JobID:     "job1",
			SessionID: "sess1",
			WorkerID:  "w1",
			HandlerID: handler,
			EventType: "agent:idle",
		}
		_, err := st.CreatePendingNotification(ctx, n)
		require.NoError(t, err)
	}

	all, err := st.FindAllNotifications(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2, "the dedup key includes the handler id")
}
