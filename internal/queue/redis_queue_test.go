package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"compute-generation-service/internal/models"
)

func newTestQueue(t *testing.T) (*GenerationQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, time.Minute), mr
}

func testJob(instanceID string) models.GenerationJob {
	return models.GenerationJob{
		InstanceID:     instanceID,
		MicroserviceID: "ms-1",
		GenerateAPI:    true,
		TraceID:        "trace-" + instanceID,
	}
}

func TestEnqueueIsIdempotentByInstanceID(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	added, err := q.Enqueue(ctx, testJob("inst-1"))
	require.NoError(t, err)
	require.True(t, added)

	added, err = q.Enqueue(ctx, testJob("inst-1"))
	require.NoError(t, err)
	require.False(t, added, "same idempotency key must not create a second logical job")

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting)
}

func TestClaimLeasesExactlyOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("inst-1"))
	require.NoError(t, err)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "inst-1", job.InstanceID)
	require.Equal(t, "ms-1", job.MicroserviceID)

	// A second claimer (dual-leadership race) gets nothing.
	second, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Nil(t, second)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, counts.Waiting)
	require.EqualValues(t, 1, counts.Active)
}

func TestAckRemovesAllQueueState(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("inst-1"))
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, "inst-1"))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, counts.Waiting+counts.Delayed+counts.Active)
	require.False(t, mr.Exists("compute:job:inst-1"), "payload must be deleted on ack")

	// The key is free again: a new attempt can enqueue.
	added, err := q.Enqueue(ctx, testJob("inst-1"))
	require.NoError(t, err)
	require.True(t, added)
}

func TestSchedulePreservesAttemptsAcrossRedelivery(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("inst-1"))
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)

	job.Attempts = 2
	require.NoError(t, q.Schedule(ctx, *job, time.Now().Add(-time.Second)))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Delayed)
	require.EqualValues(t, 0, counts.Active)

	promoted, err := q.PromoteScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	redelivered, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	require.Equal(t, 2, redelivered.Attempts)
}

func TestPromoteScheduledLeavesFutureJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("inst-1"))
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Schedule(ctx, *job, time.Now().Add(time.Hour)))

	promoted, err := q.PromoteScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 0, promoted)
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("inst-1"))
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	// Reclaim as if the visibility deadline passed.
	ids, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"inst-1"}, ids)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestWaitingPositionsAccountForActiveJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"inst-1", "inst-2", "inst-3"} {
		_, err := q.Enqueue(ctx, testJob(id))
		require.NoError(t, err)
	}
	_, err := q.Claim(ctx) // inst-1 goes active
	require.NoError(t, err)

	positions, err := q.WaitingPositions(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"inst-2": 2, "inst-3": 3}, positions)
}

func TestClaimEmptyQueueReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.Nil(t, job)
}
