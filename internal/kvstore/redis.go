package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dshills/kbretrieval/pkg/types"
)

// RedisStore keeps entries in Redis using MGET and pipelined SET EX
type RedisStore struct {
	rdb redis.Cmdable
}

// NewRedisStore wraps an existing client; the caller owns its lifecycle
func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return [][]byte{}, nil
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	return decodeMGet(vals, len(keys)), nil
}

// decodeMGet maps an MGET reply onto byte slices, nil for misses
func decodeMGet(vals []interface{}, n int) [][]byte {
	out := make([][]byte, n)
	for i := 0; i < n && i < len(vals); i++ {
		switch v := vals[i].(type) {
		case string:
			out[i] = []byte(v)
		case []byte:
			out[i] = v
		}
	}
	return out
}

func (r *RedisStore) SetMany(ctx context.Context, entries []Entry, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.StatusCmd, len(entries))
	for i, e := range entries {
		cmds[i] = pipe.Set(ctx, e.Key, e.Value, ttl)
	}
	_, execErr := pipe.Exec(ctx)

	failed := 0
	var firstErr error
	for _, cmd := range cmds {
		if err := cmd.Err(); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	switch {
	case failed == 0 && execErr == nil:
		return nil
	case failed == 0:
		return fmt.Errorf("redis pipeline: %w", execErr)
	case failed == len(entries):
		return fmt.Errorf("redis pipeline: %w", firstErr)
	default:
		return &types.PartialWriteError{
			Written: len(entries) - failed,
			Failed:  failed,
			Err:     errors.Join(firstErr, execErr),
		}
	}
}

// Close is a no-op; the shared client is closed by its owner
func (r *RedisStore) Close() error {
	return nil
}
