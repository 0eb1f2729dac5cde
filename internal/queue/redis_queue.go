package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"compute-generation-service/internal/models"
)

// GenerationQueue coordinates the fleet-wide generation queue in Redis.
// There is a single ready list (no priority fan-out: the workflow mutates
// shared git repositories and DNS state, so fleet concurrency is fixed at 1),
// a scheduled zset for retry backoff, and an inflight zset whose score is the
// lease deadline. The job payload lives under its own key, keyed by instance
// id, which doubles as the idempotency guard on enqueue.
type GenerationQueue struct {
	client        *redis.Client
	readyKey      string
	scheduledKey  string
	inflightKey   string
	payloadPrefix string
	visibilityTTL time.Duration
}

// New builds a queue on an existing Redis client.
func New(client *redis.Client, visibility time.Duration) *GenerationQueue {
	if visibility == 0 {
		visibility = 16 * time.Minute
	}
	return &GenerationQueue{
		client:        client,
		readyKey:      "compute:ready",
		scheduledKey:  "compute:scheduled",
		inflightKey:   "compute:inflight",
		payloadPrefix: "compute:job:",
		visibilityTTL: visibility,
	}
}

func (q *GenerationQueue) payloadKey(instanceID string) string {
	return q.payloadPrefix + instanceID
}

// Ping verifies Redis connectivity for readiness probes.
func (q *GenerationQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue admits a job keyed by its instance id. Re-enqueueing the same key
// is a no-op and reports added=false; the payload key is the idempotency
// record and only the winning writer pushes onto the ready list.
func (q *GenerationQueue) Enqueue(ctx context.Context, job models.GenerationJob) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job payload: %w", err)
	}
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.payloadKey(job.InstanceID), q.readyKey},
		job.InstanceID, payload).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	added, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected type from enqueue script: %T", res)
	}
	return added == 1, nil
}

// Claim atomically pops the next ready job and leases it. It returns nil when
// the queue is empty. The pop+lease script is the safety net against brief
// dual leadership: two claimers can never receive the same job.
func (q *GenerationQueue) Claim(ctx context.Context) (*models.GenerationJob, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := claimScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}

	raw, err := q.client.Get(ctx, q.payloadKey(id)).Result()
	if err == redis.Nil {
		// Payload vanished (cancelled or already removed); drop the lease.
		_ = q.client.ZRem(ctx, q.inflightKey, id).Err()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job payload: %w", err)
	}
	var job models.GenerationJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	return &job, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *GenerationQueue) ExtendLease(ctx context.Context, instanceID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: instanceID,
	}).Err()
}

// Ack removes a job from the queue entirely. Both completion and permanent
// failure end here; the Instance row is the durable audit trail, the queue
// keeps no terminal job records.
func (q *GenerationQueue) Ack(ctx context.Context, instanceID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, instanceID)
	pipe.LRem(ctx, q.readyKey, 0, instanceID)
	pipe.ZRem(ctx, q.scheduledKey, instanceID)
	pipe.Del(ctx, q.payloadKey(instanceID))
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule parks a job for deferred redelivery, rewriting its payload so the
// attempt counter survives the round trip.
func (q *GenerationQueue) Schedule(ctx context.Context, job models.GenerationJob, runAt time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.payloadKey(job.InstanceID), payload, 0)
	pipe.ZRem(ctx, q.inflightKey, job.InstanceID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.InstanceID})
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs onto the ready list.
func (q *GenerationQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases whose deadline passed, re-enqueuing them.
func (q *GenerationQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Counts describes queue depth for position estimates and gauges.
type Counts struct {
	Waiting int64
	Delayed int64
	Active  int64
}

// Total is the approximate position a newly enqueued job lands at.
func (c Counts) Total() int64 {
	return c.Waiting + c.Delayed + c.Active
}

// Counts returns waiting/delayed/active depths in one round trip.
func (q *GenerationQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.readyKey)
	delayed := pipe.ZCard(ctx, q.scheduledKey)
	active := pipe.ZCard(ctx, q.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	return Counts{Waiting: waiting.Val(), Delayed: delayed.Val(), Active: active.Val()}, nil
}

// WaitingPositions returns 1-based ready-list positions keyed by instance id.
// An active job shifts every waiting position down by one.
func (q *GenerationQueue) WaitingPositions(ctx context.Context) (map[string]int, error) {
	pipe := q.client.Pipeline()
	ids := pipe.LRange(ctx, q.readyKey, 0, -1)
	active := pipe.ZCard(ctx, q.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	offset := int(active.Val())
	out := make(map[string]int, len(ids.Val()))
	for i, id := range ids.Val() {
		out[id] = offset + i + 1
	}
	return out, nil
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
