// Package kvstore provides the key/value backends behind the embedding
// cache: Redis for shared deployments and an expiring in-process LRU for
// single-process use.
package kvstore

import (
	"context"
	"time"
)

// Entry is one key/value pair to write
type Entry struct {
	Key   string
	Value []byte
}

// Store is a byte-valued key/value store with TTL
type Store interface {
	// MGet returns one value per key in order; missing keys yield nil
	MGet(ctx context.Context, keys []string) ([][]byte, error)

	// SetMany writes all entries with the given TTL in one round trip.
	// A partial failure is reported as *types.PartialWriteError.
	SetMany(ctx context.Context, entries []Entry, ttl time.Duration) error

	// Close releases any resources held by the store
	Close() error
}
