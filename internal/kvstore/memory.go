package kvstore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultMemorySize = 10000

// MemoryStore is an in-process LRU whose entries expire after a fixed TTL.
// The TTL is set for the whole store; the ttl passed to SetMany is ignored.
type MemoryStore struct {
	cache *expirable.LRU[string, []byte]
}

// NewMemoryStore creates a store holding at most size entries
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = defaultMemorySize
	}
	return &MemoryStore{
		cache: expirable.NewLRU[string, []byte](size, nil, ttl),
	}
}

func (m *MemoryStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := m.cache.Get(k); ok {
			out[i] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetMany(ctx context.Context, entries []Entry, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, e := range entries {
		m.cache.Add(e.Key, append([]byte(nil), e.Value...))
	}
	return nil
}

// Len returns the number of live entries
func (m *MemoryStore) Len() int {
	return m.cache.Len()
}

// Purge removes every entry
func (m *MemoryStore) Purge() {
	m.cache.Purge()
}

func (m *MemoryStore) Close() error {
	m.cache.Purge()
	return nil
}
