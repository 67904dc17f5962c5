package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"

	"github.com/you/lexbatch/internal/domain"
)

// Member outcomes recorded per group.
const (
	MemberSucceeded = "succeeded"
	MemberFailed    = "failed"
)

type GroupState struct {
	ID        string `json:"id"`
	Total     int64  `json:"total"`
	Pending   int64  `json:"pending"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
}

func (g GroupState) Done() bool { return g.Pending <= 0 }

// SubmitGroup enqueues every task as a member of one group and arms callback
// to run once all members have reported through CompleteMember. A task's
// MemberID defaults to its own id; chain links inherit it.
func (q *RedisQ) SubmitGroup(ctx context.Context, groupID string, tasks []*domain.Task, callback *domain.Task) error {
	if groupID == "" {
		return errors.New("group id is required")
	}
	if callback != nil {
		if callback.ID == "" {
			callback.ID = uuid.NewString()
		}
		callback.GroupID = groupID
		data, err := json.Marshal(callback)
		if err != nil {
			return fmt.Errorf("encode callback: %w", err)
		}
		if err := q.rdb.Set(ctx, callbackKey(groupID), data, q.taskTTL).Err(); err != nil {
			return fmt.Errorf("store callback %s: %w", groupID, err)
		}
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, groupKey(groupID), map[string]any{
		"total":     len(tasks),
		"pending":   len(tasks),
		"succeeded": 0,
		"failed":    0,
	})
	pipe.Expire(ctx, groupKey(groupID), q.taskTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create group %s: %w", groupID, err)
	}

	if len(tasks) == 0 {
		_, err := q.fireCallback(ctx, groupID)
		return err
	}
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.MemberID == "" {
			t.MemberID = t.ID
		}
		t.GroupID = groupID
		if err := q.Enqueue(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// completeScript records a member outcome once and returns the pending count
// after the decrement, or -1 if the member had already reported.
var completeScript = r.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
  return -1
end
redis.call('EXPIRE', KEYS[2], ARGV[3])
redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
return redis.call('HINCRBY', KEYS[1], 'pending', -1)
`)

// CompleteMember reports one member's outcome. It reports true when this call
// drained the group and fired its callback. Repeated reports are ignored.
func (q *RedisQ) CompleteMember(ctx context.Context, groupID, memberID string, ok bool) (bool, error) {
	outcome := MemberFailed
	if ok {
		outcome = MemberSucceeded
	}
	ttl := strconv.Itoa(int(q.taskTTL.Seconds()))
	pending, err := completeScript.Run(ctx, q.rdb, []string{groupKey(groupID), membersKey(groupID)}, memberID, outcome, ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("complete member %s/%s: %w", groupID, memberID, err)
	}
	if pending != 0 {
		return false, nil
	}
	return q.fireCallback(ctx, groupID)
}

func (q *RedisQ) fireCallback(ctx context.Context, groupID string) (bool, error) {
	raw, err := q.rdb.Get(ctx, callbackKey(groupID)).Bytes()
	if errors.Is(err, r.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load callback %s: %w", groupID, err)
	}
	var cb domain.Task
	if err := json.Unmarshal(raw, &cb); err != nil {
		return false, fmt.Errorf("decode callback %s: %w", groupID, err)
	}
	if err := q.Enqueue(ctx, &cb); err != nil {
		return false, err
	}
	return true, nil
}

// GroupState reads the tallies of a group.
func (q *RedisQ) GroupState(ctx context.Context, groupID string) (GroupState, error) {
	raw, err := q.rdb.HGetAll(ctx, groupKey(groupID)).Result()
	if err != nil {
		return GroupState{}, fmt.Errorf("group %s: %w", groupID, err)
	}
	if len(raw) == 0 {
		return GroupState{}, domain.ErrNotFound
	}
	parse := func(k string) int64 {
		n, _ := strconv.ParseInt(raw[k], 10, 64)
		return n
	}
	return GroupState{
		ID:        groupID,
		Total:     parse("total"),
		Pending:   parse("pending"),
		Succeeded: parse(MemberSucceeded),
		Failed:    parse(MemberFailed),
	}, nil
}

// GroupResults maps member id to outcome for every member that reported.
func (q *RedisQ) GroupResults(ctx context.Context, groupID string) (map[string]string, error) {
	out, err := q.rdb.HGetAll(ctx, membersKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("group members %s: %w", groupID, err)
	}
	return out, nil
}

// WaitGroup polls until the group drains or timeout elapses, in which case it
// returns the last observed state with domain.ErrWaitTimeout.
func (q *RedisQ) WaitGroup(ctx context.Context, groupID string, timeout, poll time.Duration) (GroupState, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(poll)
	defer tick.Stop()
	for {
		st, err := q.GroupState(ctx, groupID)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return st, err
		}
		if err == nil && st.Done() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, domain.ErrWaitTimeout
		case <-tick.C:
		}
	}
}
