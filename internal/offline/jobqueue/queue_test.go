package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digilib/digisync/internal/offline/db"
	"github.com/digilib/digisync/internal/offline/schema"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.InitSchema())

	clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.Clock = clock.Now
	return New(database, cfg), clock
}

func change(entityID string, op schema.Op, at time.Time) *schema.SyncChange {
	c := &schema.SyncChange{
		ID:        schema.NewID(),
		Kind:      schema.KindBookmark,
		EntityID:  entityID,
		Op:        op,
		Timestamp: at,
		Origin:    schema.OriginLocal,
	}
	if op == schema.OpUpsert {
		c.Payload = json.RawMessage(fmt.Sprintf(`{"id":%q,"title":"t"}`, entityID))
	}
	return c
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 2 * time.Second, Max: 5 * time.Minute, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestEnqueueClaimAck(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, change("bm-1", schema.OpUpsert, clock.Now()))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, change("bm-2", schema.OpUpsert, clock.Now()))
	require.NoError(t, err)

	jobs, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID, jobs[0].ID, "claim must be FIFO")
	assert.Equal(t, second.ID, jobs[1].ID)
	assert.Equal(t, schema.JobInFlight, jobs[0].Status)

	// Nothing left to claim while both are in flight
	again, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Ack(ctx, first.ID))
	err = q.Ack(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InFlight)
	assert.Equal(t, 1, stats.Total())
}

func TestEnqueue_CoalescesPending(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, change("bm-1", schema.OpUpsert, clock.Now()))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, change("bm-2", schema.OpUpsert, clock.Now()))
	require.NoError(t, err)

	clock.Advance(time.Second)
	merged, err := q.Enqueue(ctx, change("bm-1", schema.OpDelete, clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, first.ID, merged.ID)
	assert.Equal(t, schema.OpDelete, merged.Op)

	jobs, err := q.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "bm-1", jobs[0].EntityID, "coalesced job keeps its queue position")
	assert.Equal(t, schema.OpDelete, jobs[0].Op)
	assert.Empty(t, jobs[0].Payload)
	assert.True(t, jobs[0].ChangedAt.Equal(clock.Now()))
}

func TestEnqueue_NoCoalesceWithInFlight(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, change("bm-1", schema.OpUpsert, clock.Now()))
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = q.Enqueue(ctx, change("bm-1", schema.OpUpsert, clock.Now().Add(time.Second)))
	require.NoError(t, err)

	// The second job waits for the in-flight one
	ready, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, q.Ack(ctx, claimed[0].ID))
	ready, err = q.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestEnqueue_Invalid(t *testing.T) {
	q, clock := setupQueue(t)

	c := change("bm-1", schema.OpUpsert, clock.Now())
	c.Payload = nil
	_, err := q.Enqueue(context.Background(), c)
	assert.Error(t, err)
}

func TestNack_BackoffThenFail(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, change("bm-1", schema.OpUpsert, clock.Now()))
	require.NoError(t, err)

	for attempt := 1; attempt < 3; attempt++ {
		claimed, err := q.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		after, err := q.Nack(ctx, job.ID, errors.New("503 service unavailable"))
		require.NoError(t, err)
		assert.Equal(t, schema.JobPending, after.Status)
		assert.Equal(t, attempt, after.Attempts)
		assert.Equal(t, "503 service unavailable", after.LastError)

		// Not ready until the backoff elapses
		none, err := q.Claim(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, none)

		clock.Advance(q.cfg.Backoff.Delay(attempt))
	}

	_, err = q.Claim(ctx, 1)
	require.NoError(t, err)
	after, err := q.Nack(ctx, job.ID, errors.New("still down"))
	require.NoError(t, err)
	assert.Equal(t, schema.JobFailed, after.Status)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Pending)
}

func TestNack_Permanent(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, change("bm-1", schema.OpUpsert, clock.Now()))
	require.NoError(t, err)

	after, err := q.Nack(ctx, job.ID, fmt.Errorf("server rejected: %w", ErrPermanent))
	require.NoError(t, err)
	assert.Equal(t, schema.JobFailed, after.Status)
	assert.Equal(t, 1, after.Attempts)
}

func TestRetryFailed(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, change("bm-1", schema.OpUpsert, clock.Now()))
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, change("bm-2", schema.OpUpsert, clock.Now()))
	require.NoError(t, err)
	for _, id := range []string{a.ID, b.ID} {
		_, err := q.Nack(ctx, id, ErrPermanent)
		require.NoError(t, err)
	}

	n, err := q.RetryFailed(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LastError)

	n, err = q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecover(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	for _, id := range []string{"bm-1", "bm-2"} {
		_, err := q.Enqueue(ctx, change(id, schema.OpUpsert, clock.Now()))
		require.NoError(t, err)
	}
	_, err := q.Claim(ctx, 10)
	require.NoError(t, err)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs, err := q.List(ctx, Filter{Status: schema.JobPending})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestDropAndDropPendingForEntity(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, change("bm-1", schema.OpUpsert, clock.Now()))
	require.NoError(t, err)
	require.NoError(t, q.Drop(ctx, job.ID))
	assert.ErrorIs(t, q.Drop(ctx, job.ID), ErrNotFound)

	// One in flight, one pending for the same entity
	_, err = q.Enqueue(ctx, change("bm-2", schema.OpUpsert, clock.Now()))
	require.NoError(t, err)
	_, err = q.Claim(ctx, 10)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, change("bm-2", schema.OpDelete, clock.Now().Add(time.Second)))
	require.NoError(t, err)

	n, err := DropPendingForEntityTx(ctx, q.db.RawDB(), schema.KindBookmark, "bm-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := EntityJobsTx(ctx, q.db.RawDB(), schema.KindBookmark, "bm-2")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, schema.JobInFlight, left[0].Status)
}

func TestList_Filter(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	for _, id := range []string{"bm-1", "bm-2", "bm-3"} {
		_, err := q.Enqueue(ctx, change(id, schema.OpUpsert, clock.Now()))
		require.NoError(t, err)
	}

	jobs, err := q.List(ctx, Filter{EntityID: "bm-2"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "bm-2", jobs[0].EntityID)

	jobs, err = q.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = q.List(ctx, Filter{Kind: schema.KindComment})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStats_PendingBounds(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	start := clock.Now()
	_, err := q.Enqueue(ctx, change("bm-1", schema.OpUpsert, start))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = q.Enqueue(ctx, change("bm-2", schema.OpUpsert, clock.Now()))
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.True(t, stats.OldestPending.Equal(start))
	assert.True(t, stats.NextAttempt.Equal(start))
}

func TestRelease(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, change("bm-1", schema.OpUpsert, clock.Now()))
	require.NoError(t, err)
	_, err = q.Claim(ctx, 1)
	require.NoError(t, err)

	n, err := q.Release(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobPending, got.Status)
	assert.Zero(t, got.Attempts)

	n, err = q.Release(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
