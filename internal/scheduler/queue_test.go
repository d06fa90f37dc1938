package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const repairJob = "repair_paypal_suspensions"

func setupQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewQueue(client, "test:tasks"), mr
}

func TestSchedule_NoDuplicatePendingTask(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)
	first := time.Unix(1717200000, 0)

	ok, err := q.Schedule(ctx, repairJob, first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Schedule(ctx, repairJob, first.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	at, pending, err := q.Pending(ctx, repairJob)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, first, at)
}

func TestDueAndClaim(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)
	now := time.Unix(1717200000, 0)

	_, err := q.Schedule(ctx, "later", now.Add(time.Minute))
	require.NoError(t, err)
	_, err = q.Schedule(ctx, repairJob, now.Add(-time.Second))
	require.NoError(t, err)

	due, err := q.Due(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{repairJob}, due)

	claimed, err := q.Claim(ctx, repairJob)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = q.Claim(ctx, repairJob)
	require.NoError(t, err)
	assert.False(t, claimed)

	// A claimed job may queue its next run.
	ok, err := q.Schedule(ctx, repairJob, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSchedule_OnlyTheSortedSetCounts(t *testing.T) {
	ctx := context.Background()
	q, mr := setupQueue(t)
	now := time.Unix(1717200000, 0)

	// Stray keys under the queue prefix never block scheduling.
	require.NoError(t, mr.Set("test:tasks:pending:"+repairJob, "1717200000"))

	ok, err := q.Schedule(ctx, repairJob, now)
	require.NoError(t, err)
	assert.True(t, ok)

	at, pending, err := q.Pending(ctx, repairJob)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, now, at)
}

func TestPending_NotQueued(t *testing.T) {
	q, _ := setupQueue(t)
	_, pending, err := q.Pending(context.Background(), repairJob)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestSchedule_RedisDown(t *testing.T) {
	q, mr := setupQueue(t)
	mr.Close()

	_, err := q.Schedule(context.Background(), repairJob, time.Now())
	assert.Error(t, err)
}

func newTestDispatcher(q *Queue, now time.Time) *Dispatcher {
	d := NewDispatcher(q, zap.NewNop(), Config{Interval: time.Second, BatchSize: 10, RetryDelay: time.Minute})
	d.now = func() time.Time { return now }
	return d
}

func TestDispatcher_RunsDueTaskOnce(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)
	now := time.Unix(1717200000, 0)
	d := newTestDispatcher(q, now)

	calls := 0
	d.Handle(repairJob, func(ctx context.Context, job string) error {
		calls++
		return nil
	})

	_, err := q.Schedule(ctx, repairJob, now)
	require.NoError(t, err)

	ran, err := d.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	ran, err = d.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)
	assert.Equal(t, 1, calls)
}

func TestDispatcher_HandlerMayReschedule(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)
	now := time.Unix(1717200000, 0)
	d := newTestDispatcher(q, now)

	d.Handle(repairJob, func(ctx context.Context, job string) error {
		ok, err := q.Schedule(ctx, job, now.Add(5*time.Minute))
		require.True(t, ok)
		return err
	})

	_, err := q.Schedule(ctx, repairJob, now)
	require.NoError(t, err)
	_, err = d.RunDue(ctx)
	require.NoError(t, err)

	at, pending, err := q.Pending(ctx, repairJob)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, now.Add(5*time.Minute), at)
}

func TestDispatcher_FailedTaskIsRequeued(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)
	now := time.Unix(1717200000, 0)
	d := newTestDispatcher(q, now)

	d.Handle(repairJob, func(ctx context.Context, job string) error {
		return errors.New("database unavailable")
	})

	_, err := q.Schedule(ctx, repairJob, now)
	require.NoError(t, err)
	ran, err := d.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)

	at, pending, err := q.Pending(ctx, repairJob)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, now.Add(time.Minute), at)
}

func TestDispatcher_PanicIsContained(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)
	now := time.Unix(1717200000, 0)
	d := newTestDispatcher(q, now)

	d.Handle(repairJob, func(ctx context.Context, job string) error {
		panic("boom")
	})

	_, err := q.Schedule(ctx, repairJob, now)
	require.NoError(t, err)
	_, err = d.RunDue(ctx)
	require.NoError(t, err)

	_, pending, err := q.Pending(ctx, repairJob)
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestDispatcher_UnknownJobDropped(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)
	now := time.Unix(1717200000, 0)
	d := newTestDispatcher(q, now)

	_, err := q.Schedule(ctx, "retired_job", now)
	require.NoError(t, err)
	_, err = d.RunDue(ctx)
	require.NoError(t, err)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCron_RejectsBadSpec(t *testing.T) {
	c := NewCron(context.Background(), zap.NewNop())
	err := c.AddJob("every five minutes", "scan", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
	assert.NoError(t, c.AddJob("*/5 * * * *", "scan", func(ctx context.Context) error { return nil }))
}
