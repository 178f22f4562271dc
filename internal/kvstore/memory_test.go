package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10, time.Minute)
	defer store.Close()

	t.Run("miss is nil", func(t *testing.T) {
		got, err := store.MGet(ctx, []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, [][]byte{nil, nil}, got)
	})

	t.Run("set then get in key order", func(t *testing.T) {
		require.NoError(t, store.SetMany(ctx, []Entry{
			{Key: "a", Value: []byte("1")},
			{Key: "c", Value: []byte("3")},
		}, time.Minute))

		got, err := store.MGet(ctx, []string{"c", "b", "a"})
		require.NoError(t, err)
		assert.Equal(t, []byte("3"), got[0])
		assert.Nil(t, got[1])
		assert.Equal(t, []byte("1"), got[2])
	})

	t.Run("returned bytes are copies", func(t *testing.T) {
		got, err := store.MGet(ctx, []string{"a"})
		require.NoError(t, err)
		got[0][0] = 'x'

		again, err := store.MGet(ctx, []string{"a"})
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), again[0])
	})

	t.Run("purge empties", func(t *testing.T) {
		store.Purge()
		assert.Equal(t, 0, store.Len())
	})
}

func TestMemoryStore_Eviction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(2, time.Minute)

	require.NoError(t, store.SetMany(ctx, []Entry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
		{Key: "c", Value: []byte("3")},
	}, 0))

	assert.Equal(t, 2, store.Len())
	got, err := store.MGet(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Nil(t, got[0])
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10, 20*time.Millisecond)

	require.NoError(t, store.SetMany(ctx, []Entry{{Key: "a", Value: []byte("1")}}, 0))
	require.Eventually(t, func() bool {
		got, err := store.MGet(ctx, []string{"a"})
		return err == nil && got[0] == nil
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewMemoryStore(10, time.Minute)

	_, err := store.MGet(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.SetMany(ctx, nil, 0), context.Canceled)
}

func TestDecodeMGet(t *testing.T) {
	got := decodeMGet([]interface{}{"abc", nil, []byte("x")}, 4)
	assert.Equal(t, [][]byte{[]byte("abc"), nil, []byte("x"), nil}, got)
}
