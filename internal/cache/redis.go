package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDelete releases a key only when it still holds the caller's token,
// so a worker whose lock already expired cannot delete a successor's lock.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var pruneIndex = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 0 then
	return redis.call("ZREM", KEYS[1], ARGV[1])
end
return 0
`)

// Options configures a Redis connection.
type Options struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Redis implements Store on top of go-redis.
type Redis struct {
	rdb redis.UniversalClient
}

var _ Store = (*Redis)(nil)

// NewRedis wraps an existing client.
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

// Dial opens a client for opts and verifies connectivity with PING.
func Dial(ctx context.Context, opts Options) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: ping %s: %w", opts.Addr, err)
	}
	return &Redis{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error { return r.rdb.Close() }

// Get returns the value of key. A missing key reports found=false.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key with ttl; a zero ttl keeps it forever.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value only when key is absent and reports whether it did.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: setnx %s: %w", key, err)
	}
	return ok, nil
}

// Expire refreshes the TTL of key. Non-positive ttls are ignored.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cache: expire %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Del removes keys. Missing keys are ignored.
func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: del: %w", err)
	}
	return nil
}

// CompareAndDelete removes key only while it still holds value, using a
// Lua script so the check and the delete cannot interleave.
func (r *Redis) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, r.rdb, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// Incr increments the integer at key and returns the new value.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incr %s: %w", key, err)
	}
	return n, nil
}

// PushCapped appends value, trims the list to its newest max entries and
// refreshes the TTL under MULTI/EXEC. It returns the resulting length.
func (r *Redis) PushCapped(ctx context.Context, key, value string, max int64, ttl time.Duration) (int64, error) {
	var llen *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, value)
		if max > 0 {
			pipe.LTrim(ctx, key, -max, -1)
		}
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		llen = pipe.LLen(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache: push capped %s: %w", key, err)
	}
	return llen.Val(), nil
}

// ReplaceList swaps the list contents under MULTI/EXEC. An empty values
// slice leaves the key deleted.
func (r *Redis) ReplaceList(ctx context.Context, key string, values []string, ttl time.Duration) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) == 0 {
			return nil
		}
		pipe.RPush(ctx, key, toArgs(values)...)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: replace %s: %w", key, err)
	}
	return nil
}

// ListRange returns the elements between start and stop, inclusive.
func (r *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: lrange %s: %w", key, err)
	}
	return vals, nil
}

// ListTrim keeps only the elements between start and stop.
func (r *Redis) ListTrim(ctx context.Context, key string, start, stop int64) error {
	if err := r.rdb.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("cache: ltrim %s: %w", key, err)
	}
	return nil
}

// DrainList reads the whole list, deletes it with alsoDelete and drops
// zsetMember from zsetKey under MULTI/EXEC.
func (r *Redis) DrainList(ctx context.Context, key string, alsoDelete []string, zsetKey, zsetMember string) ([]string, error) {
	var entries *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		entries = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, append([]string{key}, alsoDelete...)...)
		if zsetKey != "" && zsetMember != "" {
			pipe.ZRem(ctx, zsetKey, zsetMember)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache: drain %s: %w", key, err)
	}
	return entries.Val(), nil
}

// PurgeAll deletes keys and drops zsetMember from zsetKey under MULTI/EXEC,
// so no EnqueueAndArm can land between the two.
func (r *Redis) PurgeAll(ctx context.Context, keys []string, zsetKey, zsetMember string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		if zsetKey != "" && zsetMember != "" {
			pipe.ZRem(ctx, zsetKey, zsetMember)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: purge: %w", err)
	}
	return nil
}

// EnqueueAndArm queues entry and arms the deadline under one MULTI/EXEC.
// A drain can then never observe the entry without its deadline, nor a
// deadline armed for an entry it already took.
func (r *Redis) EnqueueAndArm(ctx context.Context, listKey, entry, deadlineKey, deadline string, ttl time.Duration, zsetKey, member string, score float64) (bool, error) {
	var armed *redis.BoolCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, listKey, entry)
		if ttl > 0 {
			pipe.Expire(ctx, listKey, ttl)
		}
		armed = pipe.SetNX(ctx, deadlineKey, deadline, ttl)
		pipe.ZAddNX(ctx, zsetKey, redis.Z{Score: score, Member: member})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cache: enqueue %s: %w", listKey, err)
	}
	return armed.Val(), nil
}

// PruneIndex removes member from zsetKey only while guardKey is absent.
func (r *Redis) PruneIndex(ctx context.Context, zsetKey, member, guardKey string) (bool, error) {
	n, err := pruneIndex.Run(ctx, r.rdb, []string{zsetKey, guardKey}, member).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: prune %s: %w", zsetKey, err)
	}
	return n == 1, nil
}

// ZAdd adds or updates scored members.
func (r *Redis) ZAdd(ctx context.Context, key string, members ...ScoredMember) error {
	if len(members) == 0 {
		return nil
	}
	zs := make([]redis.Z, 0, len(members))
	for _, m := range members {
		zs = append(zs, redis.Z{Score: m.Score, Member: m.Member})
	}
	if err := r.rdb.ZAdd(ctx, key, zs...).Err(); err != nil {
		return fmt.Errorf("cache: zadd %s: %w", key, err)
	}
	return nil
}

// ZRem removes members from a sorted set.
func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.rdb.ZRem(ctx, key, toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("cache: zrem %s: %w", key, err)
	}
	return nil
}

// ZRangeByScore lists members scored within [min, max]. Infinite bounds
// are allowed.
func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	vals, err := r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: zrangebyscore %s: %w", key, err)
	}
	return vals, nil
}

// HSet writes hash fields and refreshes the TTL in one transaction.
func (r *Redis) HSet(ctx context.Context, key string, ttl time.Duration, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		args := make([]any, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		pipe.HSet(ctx, key, args...)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: hset %s: %w", key, err)
	}
	return nil
}

// HIncrBy adds delta to a hash field and returns the new value.
func (r *Redis) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := r.rdb.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: hincrby %s: %w", key, err)
	}
	return n, nil
}

// HGetAll returns every field of a hash; a missing key yields an empty map.
func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: hgetall %s: %w", key, err)
	}
	return m, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func toArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// formatScore renders a ZRANGEBYSCORE bound, mapping infinities to Redis syntax.
func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
