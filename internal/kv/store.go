// Package kv is the keyed shared store: JSON records with TTLs, optimistic
// read-modify-write, atomic counters and time-ordered sorted sets on Redis.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/you/lexbatch/internal/domain"
)

// ErrNoChange aborts an Update without writing.
var ErrNoChange = errors.New("kv: no change")

const defaultUpdateRetries = 8

type Store struct {
	rdb        *r.Client
	maxRetries int
}

func New(rdb *r.Client) *Store { return &Store{rdb: rdb, maxRetries: defaultUpdateRetries} }

func (s *Store) Client() *r.Client { return s.rdb }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get loads the JSON record at key. Missing keys return domain.ErrNotFound.
func Get[T any](ctx context.Context, s *Store, key string) (*T, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("kv decode %s: %w", key, err)
	}
	return &v, nil
}

// MGet loads many records; missing keys yield nil entries.
func MGet[T any](ctx context.Context, s *Store, keys []string) ([]*T, error) {
	out := make([]*T, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("kv mget: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec T
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("kv decode %s: %w", keys[i], err)
		}
		out[i] = &rec
	}
	return out, nil
}

func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

// Update applies fn to the record at key under WATCH and writes the result in
// a MULTI block. Concurrent writers cause a retry; after the retry budget the
// call fails with domain.ErrConflict. fn returning ErrNoChange skips the write.
func Update[T any](ctx context.Context, s *Store, key string, ttl time.Duration, fn func(cur *T, exists bool) error) (*T, error) {
	var result *T
	txf := func(tx *r.Tx) error {
		var cur T
		exists := true
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, r.Nil):
			exists = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &cur); err != nil {
				return fmt.Errorf("kv decode %s: %w", key, err)
			}
		}

		if err := fn(&cur, exists); err != nil {
			if errors.Is(err, ErrNoChange) {
				result = &cur
				return nil
			}
			return err
		}
		data, err := json.Marshal(&cur)
		if err != nil {
			return fmt.Errorf("kv encode %s: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		if err == nil {
			result = &cur
		}
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, r.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("kv update %s: %w", key, domain.ErrConflict)
}

// HIncrBy atomically adds n to field and refreshes the hash TTL.
func (s *Store) HIncrBy(ctx context.Context, key, field string, n int64, ttl time.Duration) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, field, n)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("kv hincrby %s.%s: %w", key, field, err)
	}
	return incr.Val(), nil
}

// HSetInts overwrites integer fields of a hash.
func (s *Store) HSetInts(ctx context.Context, key string, fields map[string]int64, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	args := make(map[string]any, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, args)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv hset %s: %w", key, err)
	}
	return nil
}

// HGetInts reads a hash of integer fields. A missing key yields an empty map.
func (s *Store) HGetInts(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv hgetall %s: %w", key, err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			// float counters (durations) are truncated
			f, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil {
				return nil, fmt.Errorf("kv hash %s field %s: %w", key, k, err)
			}
			n = int64(f)
		}
		out[k] = n
	}
	return out, nil
}

// transferScript moves up to ARGV[1] from field ARGV[2] to field ARGV[3],
// clamped to the current value of the source field. Returns the amount moved.
var transferScript = r.NewScript(`
local have = tonumber(redis.call('HGET', KEYS[1], ARGV[2]) or '0')
local n = tonumber(ARGV[1])
if n > have then n = have end
if n < 0 then n = 0 end
if n > 0 then
  redis.call('HINCRBY', KEYS[1], ARGV[2], -n)
  redis.call('HINCRBY', KEYS[1], ARGV[3], n)
end
return n
`)

// Transfer atomically moves up to n units between two hash fields.
func (s *Store) Transfer(ctx context.Context, key, from, to string, n int64) (int64, error) {
	moved, err := transferScript.Run(ctx, s.rdb, []string{key}, n, from, to).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv transfer %s: %w", key, err)
	}
	return moved, nil
}

// transferOnceScript is transferScript guarded by the marker KEYS[2]: the
// move and the marker are written together, or neither is. Returns the
// amount moved, or -1 when the marker already exists.
var transferOnceScript = r.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return -1
end
local have = tonumber(redis.call('HGET', KEYS[1], ARGV[2]) or '0')
local n = tonumber(ARGV[1])
if n > have then n = have end
if n < 0 then n = 0 end
if n > 0 then
  redis.call('HINCRBY', KEYS[1], ARGV[2], -n)
  redis.call('HINCRBY', KEYS[1], ARGV[3], n)
end
redis.call('SET', KEYS[2], ARGV[4], 'PX', ARGV[5])
return n
`)

// TransferOnce is Transfer that runs at most once per marker. applied is
// false when an earlier call already set the marker.
func (s *Store) TransferOnce(ctx context.Context, key, marker, owner, from, to string, n int64, ttl time.Duration) (moved int64, applied bool, err error) {
	moved, err = transferOnceScript.Run(ctx, s.rdb, []string{key, marker}, n, from, to, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("kv transfer %s: %w", key, err)
	}
	if moved < 0 {
		return 0, false, nil
	}
	return moved, true, nil
}

// ZAddJSON inserts v into the sorted set at key with the given score.
func (s *Store) ZAddJSON(ctx context.Context, key string, score float64, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv encode %s: %w", key, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, r.Z{Score: score, Member: string(data)})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv zadd %s: %w", key, err)
	}
	return nil
}

// ZAdd inserts a plain member.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, r.Z{Score: score, Member: member})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv zadd %s: %w", key, err)
	}
	return nil
}

// ZRangeByScore returns members with min <= score <= max in score order.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	out, err := s.rdb.ZRangeByScore(ctx, key, &r.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("kv zrangebyscore %s: %w", key, err)
	}
	return out, nil
}

// ZRangeByScoreMulti runs ZRangeByScore over many keys in one pipeline and
// concatenates the results in key order. Missing keys contribute nothing.
func (s *Store) ZRangeByScoreMulti(ctx context.Context, keys []string, min, max float64) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	by := &r.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*r.StringSliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.ZRangeByScore(ctx, k, by)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, r.Nil) {
		return nil, fmt.Errorf("kv zrangebyscore x%d: %w", len(keys), err)
	}
	var out []string
	for _, c := range cmds {
		out = append(out, c.Val()...)
	}
	return out, nil
}

// ZTrimBefore drops members scored below cutoff.
func (s *Store) ZTrimBefore(ctx context.Context, key string, cutoff float64) error {
	return s.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatFloat(cutoff, 'f', -1, 64)).Err()
}

// Scan returns every key matching pattern.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv scan %s: %w", pattern, err)
	}
	return keys, nil
}

// Acquire takes a TTL-bound lock. It reports false if someone else holds it.
func (s *Store) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv lock %s: %w", key, err)
	}
	return ok, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kv exists %s: %w", key, err)
	}
	return n == 1, nil
}

// Holds reports whether owner currently holds the lock at key.
func (s *Store) Holds(ctx context.Context, key, owner string) (bool, error) {
	cur, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, r.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv lock %s: %w", key, err)
	}
	return cur == owner, nil
}

var releaseScript = r.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Release drops the lock if owner still holds it.
func (s *Store) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{key}, owner).Err(); err != nil && !errors.Is(err, r.Nil) {
		return fmt.Errorf("kv unlock %s: %w", key, err)
	}
	return nil
}
