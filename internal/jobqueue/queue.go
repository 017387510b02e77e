// Package jobqueue runs typed, retryable background jobs pulled from
// the store in priority order by a fixed-concurrency worker pool.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/metrics"
	"github.com/agentconsole/agentconsole/internal/store"
)

// ErrInvalidArgument reports a caller error (bad limit/offset). Mapped
// to 400 by the HTTP layer.
var ErrInvalidArgument = errors.New("invalid argument")

// Handler processes one job. A returned error makes the attempt count
// toward the job's retry budget.
type Handler func(ctx context.Context, job *store.Job) error

// Options tune a single enqueue.
type Options struct {
	Priority    int
	MaxAttempts int
}

const defaultMaxAttempts = 3

// Queue is the asynchronous job queue.
type Queue struct {
	store        *store.Store
	concurrency  int
	pollInterval time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a stopped queue.
func New(st *store.Store, concurrency int, pollInterval time.Duration) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Queue{
		store:        st,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		handlers:     make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job type. Exactly one handler
// per type; handlers must be declared before Start.
func (q *Queue) RegisterHandler(jobType string, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return fmt.Errorf("queue already started")
	}
	if _, dup := q.handlers[jobType]; dup {
		return fmt.Errorf("handler already registered for type %q", jobType)
	}
	q.handlers[jobType] = h
	return nil
}

// Enqueue creates a pending job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	j := &store.Job{
		ID:          id.Generate(),
		Type:        jobType,
		Payload:     raw,
		Status:      store.JobPending,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
	}
	if err := q.store.CreateJob(ctx, j); err != nil {
		return "", err
	}
	return j.ID, nil
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.run(ctx)
	}
	slog.Info("job queue started", "concurrency", q.concurrency)
}

// Stop halts new pulls. In-flight jobs run to completion.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	slog.Info("job queue stopped")
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	for {
		job, err := q.store.ClaimNextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("claim job failed", "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}

		// The handler finishes even if Stop was called mid-run, so
		// completion bookkeeping uses a background context.
		q.process(context.WithoutCancel(ctx), job)

		if ctx.Err() != nil {
			return
		}
	}
}

func (q *Queue) process(ctx context.Context, job *store.Job) {
	q.mu.Lock()
	h := q.handlers[job.Type]
	q.mu.Unlock()

	var err error
	if h == nil {
		err = fmt.Errorf("no handler registered for type %q", job.Type)
	} else {
		err = func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return h(ctx, job)
		}()
	}

	if err == nil {
		if err := q.store.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("complete job failed", "job_id", job.ID, "error", err)
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Type, "completed").Inc()
		return
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		if serr := q.store.StallJob(ctx, job.ID, attempts, err.Error()); serr != nil {
			slog.Error("stall job failed", "job_id", job.ID, "error", serr)
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Type, "stalled").Inc()
		slog.Warn("job stalled", "job_id", job.ID, "type", job.Type, "attempts", attempts, "error", err)
		return
	}

	retryAt := time.Now().Add(retryDelay(job.Attempts))
	if serr := q.store.RescheduleJob(ctx, job.ID, attempts, err.Error(), retryAt); serr != nil {
		slog.Error("reschedule job failed", "job_id", job.ID, "error", serr)
	}
	metrics.JobsProcessedTotal.WithLabelValues(job.Type, "retried").Inc()
	slog.Debug("job rescheduled", "job_id", job.ID, "type", job.Type, "attempts", attempts, "next_retry_at", retryAt)
}

// retryDelay computes the backoff for the given completed-attempt
// count: 1s base, 2x multiplier, 30s cap, ±30% jitter.
func retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2.0
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.3
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// List returns a page of jobs plus the total matching count. limit
// must be in [1, 1000] and offset >= 0.
func (q *Queue) List(ctx context.Context, f store.JobFilter) ([]*store.Job, int, error) {
	if f.Limit < 1 || f.Limit > 1000 {
		return nil, 0, fmt.Errorf("limit must be in [1, 1000]: %w", ErrInvalidArgument)
	}
	if f.Offset < 0 {
		return nil, 0, fmt.Errorf("offset must be >= 0: %w", ErrInvalidArgument)
	}
	return q.store.ListJobs(ctx, f)
}

// Stats returns per-status job counts.
func (q *Queue) Stats(ctx context.Context) (*store.JobStats, error) {
	return q.store.CountJobsByStatus(ctx)
}

// Get returns a job by id, or store.ErrNotFound.
func (q *Queue) Get(ctx context.Context, jobID string) (*store.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// Retry resets a stalled job: status pending, attempts 0, last_error
// cleared. store.ErrNotFound / store.ErrWrongStatus otherwise.
func (q *Queue) Retry(ctx context.Context, jobID string) error {
	return q.store.RetryJob(ctx, jobID)
}

// Cancel deletes a pending or stalled job.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.store.CancelJob(ctx, jobID)
}
