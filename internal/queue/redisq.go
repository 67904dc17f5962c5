// Package queue is a Redis task queue: one ready list per queue, a delay
// sorted set per queue for scheduled work, leases for in-flight tasks, and
// groups that fire a join callback once every member has reported.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"

	"github.com/you/lexbatch/internal/domain"
)

const (
	defaultTaskTTL = 24 * time.Hour
	leasesKey      = "leases"
	revokedKey     = "revoked"
	dequeuePoll    = 50 * time.Millisecond
)

// DefaultMaxAttempts caps how often a task is leased before a lapsed lease
// fails it instead of requeueing it.
const DefaultMaxAttempts = 5

func readyKey(queue string) string { return "queue:" + queue }
func delayKey(queue string) string { return "delay:" + queue }
func taskKey(id string) string { return "task:" + id }
func groupKey(id string) string { return "group:" + id }
func membersKey(id string) string { return "group:" + id + ":members" }
func callbackKey(id string) string { return "group:" + id + ":callback" }

type RedisQ struct {
	rdb         *r.Client
	taskTTL     time.Duration
	maxAttempts int
	now         func() time.Time
}

func New(rdb *r.Client) *RedisQ {
	return &RedisQ{rdb: rdb, taskTTL: defaultTaskTTL, maxAttempts: DefaultMaxAttempts, now: time.Now}
}

// Enqueue stores the task record and makes it runnable, or schedules it on the
// delay set when RunAt is in the future.
func (q *RedisQ) Enqueue(ctx context.Context, t *domain.Task) error {
	now := q.now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Queue == "" {
		t.Queue = domain.QueueDefault
	}
	if t.RunAt.IsZero() {
		t.RunAt = now
	}
	t.EnqueuedAt = now
	t.UpdatedAt = now
	t.Status = domain.TaskQueued
	if t.RunAt.After(now) {
		t.Status = domain.TaskDelayed
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, taskKey(t.ID), data, q.taskTTL)
	if t.Status == domain.TaskDelayed {
		pipe.ZAdd(ctx, delayKey(t.Queue), r.Z{Score: float64(t.RunAt.Unix()), Member: t.ID})
	} else {
		pipe.LPush(ctx, readyKey(t.Queue), t.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", t.ID, err)
	}
	return nil
}

// popScript takes the first id off the ready lists KEYS[2..] in order and
// records its lease deadline in KEYS[1] in the same step.
var popScript = r.NewScript(`
for i = 2, #KEYS do
  local id = redis.call('RPOP', KEYS[i])
  if id then
    redis.call('ZADD', KEYS[1], ARGV[1], id)
    return id
  end
end
return false
`)

// Dequeue waits up to block for a task on any of queues, preferring earlier
// queues, and leases it for lease. It returns nil, nil when nothing arrived.
// A task is leased the moment it leaves its ready list, so a worker dying
// before it touches the record only delays the task until the lease lapses.
func (q *RedisQ) Dequeue(ctx context.Context, queues []string, block, lease time.Duration) (*domain.Task, error) {
	keys := make([]string, 0, len(queues)+1)
	keys = append(keys, leasesKey)
	for _, name := range queues {
		keys = append(keys, readyKey(name))
	}
	deadline := time.Now().Add(block)
	for {
		id, err := popScript.Run(ctx, q.rdb, keys, q.now().Add(lease).Unix()).Text()
		if err == nil {
			return q.lease(ctx, id)
		}
		if !errors.Is(err, r.Nil) {
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		wait := min(dequeuePoll, time.Until(deadline))
		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *RedisQ) lease(ctx context.Context, id string) (*domain.Task, error) {
	t, err := q.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		// record expired while queued
		return nil, q.rdb.ZRem(ctx, leasesKey, id).Err()
	}
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskLeased
	t.Attempt++
	t.UpdatedAt = q.now().UTC()
	if err := q.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (q *RedisQ) save(ctx context.Context, t *domain.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return q.rdb.Set(ctx, taskKey(t.ID), data, q.taskTTL).Err()
}

// Get loads a task record.
func (q *RedisQ) Get(ctx context.Context, id string) (*domain.Task, error) {
	raw, err := q.rdb.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var t domain.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

// Ack releases the lease and records the final task status.
func (q *RedisQ) Ack(ctx context.Context, t *domain.Task, status domain.TaskStatus, errMsg string) error {
	t.Status = status
	t.Error = errMsg
	t.UpdatedAt = q.now().UTC()
	if err := q.rdb.ZRem(ctx, leasesKey, t.ID).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", t.ID, err)
	}
	return q.save(ctx, t)
}

// Extend pushes the lease deadline of a running task forward.
func (q *RedisQ) Extend(ctx context.Context, id string, lease time.Duration) error {
	return q.rdb.ZAddXX(ctx, leasesKey, r.Z{Score: float64(q.now().Add(lease).Unix()), Member: id}).Err()
}

// Continue enqueues the next link of t's chain. It reports false when the
// chain is exhausted.
func (q *RedisQ) Continue(ctx context.Context, t *domain.Task) (bool, error) {
	if len(t.Chain) == 0 {
		return false, nil
	}
	next := &domain.Task{
		Name:        t.Chain[0],
		Queue:       t.Queue,
		BatchID:     t.BatchID,
		DocumentID:  t.DocumentID,
		ProjectRef:  t.ProjectRef,
		GroupID:     t.GroupID,
		MemberID:    t.MemberID,
		Chain:       append([]string(nil), t.Chain[1:]...),
		Payload:     t.Payload,
		MaxAttempts: t.MaxAttempts,
	}
	if err := q.Enqueue(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// MoveDue promotes delayed tasks whose run time has passed.
func (q *RedisQ) MoveDue(ctx context.Context, queue string, now int64, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, delayKey(queue), &r.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey(queue), id)
		pipe.ZRem(ctx, delayKey(queue), id)
	}
	_, err = pipe.Exec(ctx)
	return len(ids), err
}

// RequeueExpired returns tasks whose lease lapsed to their ready list; the
// worker holding them is presumed dead or stalled. A task that has used up
// its attempts is failed instead, reported to its group as a failed member,
// and returned in dead.
func (q *RedisQ) RequeueExpired(ctx context.Context, now int64, batch int64) (requeued int, dead []*domain.Task, err error) {
	ids, err := q.rdb.ZRangeByScore(ctx, leasesKey, &r.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch}).Result()
	if err != nil || len(ids) == 0 {
		return 0, nil, err
	}
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, leasesKey, id).Result()
		if err != nil {
			return requeued, dead, err
		}
		if removed == 0 {
			// acked concurrently
			continue
		}
		t, err := q.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return requeued, dead, err
		}
		t.UpdatedAt = q.now().UTC()

		limit := t.MaxAttempts
		if limit <= 0 {
			limit = q.maxAttempts
		}
		if t.Attempt >= limit {
			t.Status = domain.TaskFailed
			t.Error = fmt.Sprintf("lease lapsed on attempt %d of %d", t.Attempt, limit)
			if err := q.save(ctx, t); err != nil {
				return requeued, dead, err
			}
			if t.GroupID != "" && t.MemberID != "" {
				if _, err := q.CompleteMember(ctx, t.GroupID, t.MemberID, false); err != nil {
					return requeued, dead, err
				}
			}
			dead = append(dead, t)
			continue
		}

		t.Status = domain.TaskQueued
		if err := q.save(ctx, t); err != nil {
			return requeued, dead, err
		}
		if err := q.rdb.LPush(ctx, readyKey(t.Queue), id).Err(); err != nil {
			return requeued, dead, err
		}
		requeued++
	}
	return requeued, dead, nil
}

// Revoke flags task ids so workers skip them. Tasks already running are not
// interrupted.
func (q *RedisQ) Revoke(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, revokedKey, members...)
	pipe.Expire(ctx, revokedKey, q.taskTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQ) IsRevoked(ctx context.Context, ids ...string) (bool, error) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		ok, err := q.rdb.SIsMember(ctx, revokedKey, id).Result()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Depth reports ready and delayed counts for a queue.
func (q *RedisQ) Depth(ctx context.Context, queue string) (ready, delayed int64, err error) {
	pipe := q.rdb.Pipeline()
	rl := pipe.LLen(ctx, readyKey(queue))
	dl := pipe.ZCard(ctx, delayKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return rl.Val(), dl.Val(), nil
}
