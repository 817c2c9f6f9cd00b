// Package redisq implements the per-source task queue on Redis. Delivery is
// at-least-once: a reserved task carries a visibility deadline and is
// returned to its pending list by the reaper if the worker neither acks nor
// nacks in time. FIFO holds within a priority; higher priorities preempt at
// dequeue time.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/verifact/provider-validator/internal/domain"
	"github.com/verifact/provider-validator/internal/observability"
)

const (
	tombstoneKey = "q:tombstoned_jobs"
	pollInterval = 50 * time.Millisecond
)

// reserveScript promotes due delayed tasks, then pops the most urgent
// pending task and moves it in flight with the given visibility deadline.
// KEYS: pending urgent/high/normal/low, delayed, inflight, prio, body.
// ARGV: now_ms, deadline_ms.
const reserveScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[5], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[5], id)
  local prio = redis.call("HGET", KEYS[7], id)
  local idx = 3
  if prio == "urgent" then idx = 1 elseif prio == "high" then idx = 2 elseif prio == "low" then idx = 4 end
  redis.call("RPUSH", KEYS[idx], id)
end

for i = 1, 4 do
  local id = redis.call("RPOP", KEYS[i])
  if id then
    redis.call("ZADD", KEYS[6], ARGV[2], id)
    local body = redis.call("HGET", KEYS[8], id)
    return { id, body }
  end
end
return false
`

// requeueExpiredScript returns in-flight tasks whose deadline passed to
// their pending lists. KEYS: inflight, prio, pending urgent/high/normal/low.
// ARGV: now_ms.
const requeueExpiredScript = `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[1], id)
  local prio = redis.call("HGET", KEYS[2], id)
  local idx = 5
  if prio == "urgent" then idx = 3 elseif prio == "high" then idx = 4 elseif prio == "low" then idx = 6 end
  redis.call("RPUSH", KEYS[idx], id)
end
return #expired
`

// Queue implements domain.Queue on Redis.
type Queue struct {
	rdb        *redis.Client
	reserve    *redis.Script
	requeue    *redis.Script
	visibility time.Duration
}

// New constructs a Queue; visibility is the reserve deadline for workers.
func New(rdb *redis.Client, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	return &Queue{
		rdb:        rdb,
		reserve:    redis.NewScript(reserveScript),
		requeue:    redis.NewScript(requeueExpiredScript),
		visibility: visibility,
	}
}

func pendingKey(tt domain.TaskType, p domain.JobPriority) string {
	return fmt.Sprintf("q:%s:pending:%s", tt, p)
}
func delayedKey(tt domain.TaskType) string  { return fmt.Sprintf("q:%s:delayed", tt) }
func inflightKey(tt domain.TaskType) string { return fmt.Sprintf("q:%s:inflight", tt) }
func prioKey(tt domain.TaskType) string     { return fmt.Sprintf("q:%s:prio", tt) }
func bodyKey(tt domain.TaskType) string     { return fmt.Sprintf("q:%s:body", tt) }

func keysFor(tt domain.TaskType) []string {
	return []string{
		pendingKey(tt, domain.PriorityUrgent),
		pendingKey(tt, domain.PriorityHigh),
		pendingKey(tt, domain.PriorityNormal),
		pendingKey(tt, domain.PriorityLow),
		delayedKey(tt),
		inflightKey(tt),
		prioKey(tt),
		bodyKey(tt),
	}
}

// Enqueue adds a task to its type's pending list.
func (q *Queue) Enqueue(ctx context.Context, t domain.WorkerTask) error {
	if t.Priority == "" {
		t.Priority = domain.PriorityNormal
	}
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, bodyKey(t.Type), t.ID, b)
	pipe.HSet(ctx, prioKey(t.Type), t.ID, string(t.Priority))
	pipe.LPush(ctx, pendingKey(t.Type, t.Priority), t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	observability.TasksEnqueuedTotal.WithLabelValues(string(t.Type)).Inc()
	return nil
}

// Reserve claims the next ready task, polling until timeout.
func (q *Queue) Reserve(ctx context.Context, tt domain.TaskType, timeout time.Duration) (*domain.WorkerTask, error) {
	deadline := time.Now().Add(timeout)
	for {
		t, err := q.tryReserve(ctx, tt)
		if err != nil || t != nil {
			return t, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) tryReserve(ctx context.Context, tt domain.TaskType) (*domain.WorkerTask, error) {
	now := time.Now()
	res, err := q.reserve.Run(ctx, q.rdb, keysFor(tt),
		now.UnixMilli(), now.Add(q.visibility).UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=queue.reserve: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return nil, nil
	}
	body, _ := vals[1].(string)
	if body == "" {
		// Body lost (acked elsewhere); drop the claim.
		if id, ok := vals[0].(string); ok {
			_ = q.Ack(ctx, tt, id)
		}
		return nil, nil
	}
	var t domain.WorkerTask
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		slog.Error("queue task body corrupt, dropping",
			slog.String("task_type", string(tt)), slog.Any("error", err))
		if id, ok := vals[0].(string); ok {
			_ = q.Ack(ctx, tt, id)
		}
		return nil, nil
	}
	return &t, nil
}

// Ack removes a claimed task permanently.
func (q *Queue) Ack(ctx context.Context, tt domain.TaskType, taskID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, inflightKey(tt), taskID)
	pipe.HDel(ctx, bodyKey(tt), taskID)
	pipe.HDel(ctx, prioKey(tt), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.ack: %w", err)
	}
	return nil
}

// Nack returns a task to the queue after delay, rewriting its body.
func (q *Queue) Nack(ctx context.Context, t domain.WorkerTask, delay time.Duration) error {
	if t.Priority == "" {
		t.Priority = domain.PriorityNormal
	}
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("op=queue.nack: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, bodyKey(t.Type), t.ID, b)
	pipe.ZRem(ctx, inflightKey(t.Type), t.ID)
	if delay > 0 {
		pipe.ZAdd(ctx, delayedKey(t.Type), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: t.ID,
		})
	} else {
		pipe.RPush(ctx, pendingKey(t.Type, t.Priority), t.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.nack: %w", err)
	}
	return nil
}

// TombstoneJob marks every task of a job droppable.
func (q *Queue) TombstoneJob(ctx context.Context, jobID string) error {
	if err := q.rdb.SAdd(ctx, tombstoneKey, jobID).Err(); err != nil {
		return fmt.Errorf("op=queue.tombstone: %w", err)
	}
	return nil
}

// IsTombstoned reports whether a job has been tombstoned.
func (q *Queue) IsTombstoned(ctx context.Context, jobID string) (bool, error) {
	ok, err := q.rdb.SIsMember(ctx, tombstoneKey, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("op=queue.is_tombstoned: %w", err)
	}
	return ok, nil
}

// RequeueExpired returns expired in-flight tasks to pending; crash recovery.
func (q *Queue) RequeueExpired(ctx context.Context, tt domain.TaskType) (int, error) {
	keys := []string{
		inflightKey(tt),
		prioKey(tt),
		pendingKey(tt, domain.PriorityUrgent),
		pendingKey(tt, domain.PriorityHigh),
		pendingKey(tt, domain.PriorityNormal),
		pendingKey(tt, domain.PriorityLow),
	}
	n, err := q.requeue.Run(ctx, q.rdb, keys, time.Now().UnixMilli()).Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("op=queue.requeue_expired: %w", err)
	}
	if n > 0 {
		slog.Warn("requeued expired in-flight tasks",
			slog.String("task_type", string(tt)), slog.Int("count", n))
	}
	return n, nil
}
