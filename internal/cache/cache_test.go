package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avkeypool/internal/statestore"
)

func TestMemoryCacheSetGet(t *testing.T) {
	c := NewMemoryCache(10, nil)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))

	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestMemoryCacheMiss(t *testing.T) {
	c := NewMemoryCache(10, nil)
	defer c.Close()

	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(10, nil)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheDelete(t *testing.T) {
	c := NewMemoryCache(10, nil)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Delete(ctx, "k"))

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheEviction(t *testing.T) {
	c := NewMemoryCache(2, nil)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	// Touch "a" so "b" becomes the LRU victim.
	_, err := c.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))

	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss)

	_, err = c.Get(ctx, "a")
	assert.NoError(t, err)
}

func TestMemoryCacheCloseIdempotent(t *testing.T) {
	c := NewMemoryCache(10, nil)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func newStoreCache(t *testing.T) (*StoreCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := statestore.DefaultConfig()
	cfg.Address = mr.Addr()
	cfg.ConnectRetries = 1

	store, err := statestore.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c, err := NewStoreCache(store)
	require.NoError(t, err)
	return c, mr
}

func TestStoreCacheSetGet(t *testing.T) {
	c, _ := newStoreCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestStoreCacheMissAndExpiry(t *testing.T) {
	c, mr := newStoreCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestStoreCacheUnavailableIsNotMiss(t *testing.T) {
	c, mr := newStoreCache(t)
	mr.Close()

	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
	assert.ErrorIs(t, err, statestore.ErrUnavailable)
}

func TestStoreCacheNilStore(t *testing.T) {
	_, err := NewStoreCache(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
