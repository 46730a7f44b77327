package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	statsBaseTTL     = 24 * time.Hour
	statsJitter      = 60 * time.Minute
	emptyCacheMarker = -1 // null marker, keeps misses from hammering MySQL
)

// StatsSource is the database fallback for a cache miss. The bool reports
// whether the document exists at all.
type StatsSource interface {
	CountEdits(ctx context.Context, docID string) (uint64, bool, error)
	CountEditors(ctx context.Context, docID string) (uint64, bool, error)
}

type InteractionCache interface {
	RecordEdit(ctx context.Context, docID string, userID uint64) error
	GetEditCount(ctx context.Context, docID string) (uint64, error)
	GetEditorCount(ctx context.Context, docID string) (uint64, error)
}

type redisInteraction struct {
	rdb    redis.UniversalClient
	source StatsSource
	sf     singleflight.Group
}

func NewRedisInteraction(rdb redis.UniversalClient, source StatsSource) InteractionCache {
	return &redisInteraction{rdb: rdb, source: source}
}

// RecordEdit bumps the per-document edit counter and adds the author to the
// distinct-editor set atomically. The cached DISTINCT count is dropped only
// when the author is new to the set, so reads after a first-time editor see
// a fresh value instead of a day-stale one.
func (r *redisInteraction) RecordEdit(ctx context.Context, docID string, userID uint64) error {
	const editScript = `
	local added = redis.call("SADD", KEYS[1], ARGV[1])
	redis.call("INCR", KEYS[2])
	if added == 1 then
		redis.call("DEL", KEYS[3])
	end
	return added
	`
	return r.rdb.Eval(ctx, editScript,
		[]string{editorSetKey(docID), editCountKey(docID), editorCountKey(docID)}, userID).Err()
}

func (r *redisInteraction) GetEditCount(ctx context.Context, docID string) (uint64, error) {
	return r.getWithProtection(ctx, editCountKey(docID), func() (uint64, bool, error) {
		return r.source.CountEdits(ctx, docID)
	})
}

func (r *redisInteraction) GetEditorCount(ctx context.Context, docID string) (uint64, error) {
	return r.getWithProtection(ctx, editorCountKey(docID), func() (uint64, bool, error) {
		return r.source.CountEditors(ctx, docID)
	})
}

// getWithProtection is the combined read policy: singleflight collapses
// concurrent misses to one database query, and misses for nonexistent
// documents are cached with a short-lived null marker.
func (r *redisInteraction) getWithProtection(
	ctx context.Context,
	key string,
	fetchDB func() (uint64, bool, error),
) (uint64, error) {
	val, err, _ := r.sf.Do(key, func() (interface{}, error) {
		v, hit, err := r.readCache(ctx, key)
		if err != nil && err != redis.Nil {
			return 0, err
		}
		if hit {
			return v, nil
		}

		count, exists, err := fetchDB()
		if err != nil {
			return 0, err
		}

		if !exists {
			_ = r.writeNullCache(ctx, key)
			return uint64(0), nil
		}
		_ = r.writeCache(ctx, key, count)
		return count, nil
	})
	if err != nil {
		return 0, err
	}
	if v, ok := val.(uint64); ok {
		return v, nil
	}
	return 0, errors.New("internal type error")
}

func (r *redisInteraction) readCache(ctx context.Context, key string) (uint64, bool, error) {
	res, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	// ParseInt, not ParseUint: the null marker is negative
	v, err := strconv.ParseInt(res, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("bad cached count %q: %w", res, err)
	}
	if v == emptyCacheMarker {
		// null marker counts as a hit, the document has no stats row
		return 0, true, nil
	}
	return uint64(v), true, nil
}

func (r *redisInteraction) writeCache(ctx context.Context, key string, val uint64) error {
	// jittered TTL avoids a synchronized expiry stampede
	ttl := statsBaseTTL + time.Duration(rand.Int63n(int64(statsJitter)))
	return r.rdb.Set(ctx, key, val, ttl).Err()
}

func (r *redisInteraction) writeNullCache(ctx context.Context, key string) error {
	return r.rdb.Set(ctx, key, emptyCacheMarker, 5*time.Minute).Err()
}
