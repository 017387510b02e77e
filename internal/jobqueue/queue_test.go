package jobqueue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/testutil"
)

func newTestQueue(t *testing.T) (*jobqueue.Queue, *store.Store) {
	t.Helper()
	sqlDB, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, store.Migrate(sqlDB))

	st := store.New(sqlDB)
	return jobqueue.New(st, 2, 10*time.Millisecond), st
}

func TestQueue_ProcessToSuccess(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	var runs atomic.Int32
	require.NoError(t, q.RegisterHandler("ok", func(ctx context.Context, job *store.Job) error {
		runs.Add(1)
		return nil
	}))

	jobID, err := q.Enqueue(ctx, "ok", map[string]string{"k": "v"}, jobqueue.Options{})
	require.NoError(t, err)

	q.Start(ctx)
	defer q.Stop()

	testutil.RequireEventually(t, func() bool {
		j, err := st.GetJob(ctx, jobID)
		return err == nil && j.Status == store.JobCompleted
	}, "job should complete")

	assert.EqualValues(t, 1, runs.Load())
	j, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.NotNil(t, j.CompletedAt)
}

func TestQueue_FailureBackoffThenStall(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.RegisterHandler("fail", func(ctx context.Context, job *store.Job) error {
		return errors.New("always fails")
	}))

	jobID, err := q.Enqueue(ctx, "fail", struct{}{}, jobqueue.Options{MaxAttempts: 3})
	require.NoError(t, err)

	q.Start(ctx)
	defer q.Stop()

	// Two retries with delayed next_retry_at, then stalled. The first
	// backoff is >= ~700ms (1s base, -30% jitter), so the retry
	// timestamps land in the future relative to each failure.
	testutil.RequireEventually(t, func() bool {
		j, err := st.GetJob(ctx, jobID)
		return err == nil && j.Status == store.JobStalled
	}, "job should stall after attempt exhaustion")

	j, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 3, j.Attempts)
	assert.Contains(t, j.LastError, "always fails")

	// retry() resets the slate.
	require.NoError(t, q.Retry(ctx, jobID))
	j, err = st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, j.Status)
	assert.Zero(t, j.Attempts)
	assert.Empty(t, j.LastError)
}

func TestQueue_FirstFailureSchedulesRetry(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.RegisterHandler("fail", func(ctx context.Context, job *store.Job) error {
		return errors.New("boom")
	}))

	jobID, err := q.Enqueue(ctx, "fail", struct{}{}, jobqueue.Options{MaxAttempts: 2})
	require.NoError(t, err)

	q.Start(ctx)
	defer q.Stop()

	// After the first failure the job goes back to pending with a
	// next_retry_at in the future.
	var firstRetry time.Time
	testutil.RequireEventually(t, func() bool {
		j, err := st.GetJob(ctx, jobID)
		if err != nil || j.Attempts != 1 || j.NextRetryAt == nil {
			return false
		}
		firstRetry = *j.NextRetryAt
		return true
	}, "first failure should schedule a retry")
	assert.True(t, firstRetry.After(time.Now().Add(-time.Second)))
}

func TestQueue_HandlerRules(t *testing.T) {
	q, _ := newTestQueue(t)

	require.NoError(t, q.RegisterHandler("a", func(context.Context, *store.Job) error { return nil }))
	assert.Error(t, q.RegisterHandler("a", func(context.Context, *store.Job) error { return nil }),
		"exactly one handler per type")

	q.Start(context.Background())
	defer q.Stop()
	assert.Error(t, q.RegisterHandler("b", func(context.Context, *store.Job) error { return nil }),
		"handlers are declared before start")
}

func TestQueue_ListValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.List(ctx, store.JobFilter{Limit: 0})
	assert.ErrorIs(t, err, jobqueue.ErrInvalidArgument)

	_, _, err = q.List(ctx, store.JobFilter{Limit: 1001})
	assert.ErrorIs(t, err, jobqueue.ErrInvalidArgument)

	_, _, err = q.List(ctx, store.JobFilter{Limit: 10, Offset: -1})
	assert.ErrorIs(t, err, jobqueue.ErrInvalidArgument)

	jobs, total, err := q.List(ctx, store.JobFilter{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, jobs)
}

func TestQueue_Stats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "x", struct{}{}, jobqueue.Options{})
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestQueue_UnregisteredTypeStalls(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "mystery", struct{}{}, jobqueue.Options{MaxAttempts: 1})
	require.NoError(t, err)

	q.Start(ctx)
	defer q.Stop()

	testutil.RequireEventually(t, func() bool {
		j, err := st.GetJob(ctx, jobID)
		return err == nil && j.Status == store.JobStalled
	}, "a job without a handler stalls")

	j, _ := st.GetJob(ctx, jobID)
	assert.Contains(t, j.LastError, "no handler")
}
