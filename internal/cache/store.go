// Package cache defines the keyed store the batching engine coordinates
// through, and its Redis implementation. The store is the only shared mutable
// resource between ingest and dispatch, so every operation here maps onto a
// single atomic Redis command or a MULTI/EXEC transaction.
package cache

import (
	"context"
	"time"
)

// ScoredMember is one entry of a sorted set.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the Cache Store contract consumed by the batching engine.
//
// Implementations must be safe for concurrent use. Missing keys are not
// errors: Get reports found=false and list reads return an empty slice.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent. It reports whether the
	// value was written.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// CompareAndDelete removes key only when its current value equals value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)

	// PushCapped appends value, keeps only the newest max entries and
	// refreshes the TTL in one transaction. It returns the resulting length.
	PushCapped(ctx context.Context, key, value string, max int64, ttl time.Duration) (int64, error)
	// ReplaceList atomically swaps the contents of a list.
	ReplaceList(ctx context.Context, key string, values []string, ttl time.Duration) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListTrim(ctx context.Context, key string, start, stop int64) error
	// DrainList reads the whole list and deletes it together with extra keys,
	// removing zsetMember from zsetKey in the same transaction.
	DrainList(ctx context.Context, key string, alsoDelete []string, zsetKey, zsetMember string) ([]string, error)
	// PurgeAll deletes keys and removes zsetMember from zsetKey in one
	// transaction.
	PurgeAll(ctx context.Context, keys []string, zsetKey, zsetMember string) error

	// EnqueueAndArm appends entry to listKey and, in the same transaction,
	// sets deadlineKey=deadline only when absent and adds member to zsetKey
	// with score unless present. Every key gets ttl. It reports whether the
	// deadline was set.
	EnqueueAndArm(ctx context.Context, listKey, entry, deadlineKey, deadline string, ttl time.Duration, zsetKey, member string, score float64) (bool, error)
	// PruneIndex removes member from zsetKey only while guardKey is absent,
	// so a concurrently re-armed deadline keeps its index entry.
	PruneIndex(ctx context.Context, zsetKey, member, guardKey string) (bool, error)
	ZAdd(ctx context.Context, key string, members ...ScoredMember) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	HSet(ctx context.Context, key string, ttl time.Duration, fields map[string]string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	Ping(ctx context.Context) error
}
