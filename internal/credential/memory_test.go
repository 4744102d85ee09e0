package credential

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAddAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := New("sk-alpha")
	added, err := store.Add(ctx, c)
	require.NoError(t, err)
	require.Len(t, added, 1)

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-alpha", got.Secret)
	assert.Equal(t, StatusActive, got.Status)
}

func TestMemoryStoreAddSkipsDuplicateSecrets(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.Add(ctx, New("sk-same"))
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := store.Add(ctx, New("sk-same"), New("sk-other"))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "sk-other", second[0].Secret)
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Add(ctx, New(fmt.Sprintf("sk-active-%d", i)))
		require.NoError(t, err)
	}
	bad := New("sk-bad")
	bad.Status = StatusError
	_, err := store.Add(ctx, bad)
	require.NoError(t, err)

	active, err := store.ListByStatus(ctx, StatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 3)

	failed, err := store.ListByStatus(ctx, StatusError)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestMemoryStoreUpdateIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := New("sk-iso")
	_, err := store.Add(ctx, c)
	require.NoError(t, err)

	updated, err := store.Update(ctx, c.ID, func(cr *Credential) error {
		cr.FailedCount = 7
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, updated.FailedCount)

	// Mutating the returned copy must not leak into the store.
	updated.FailedCount = 99
	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.FailedCount)
}

func TestMemoryStoreUpdateMutatorError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := New("sk-err")
	_, err := store.Add(ctx, c)
	require.NoError(t, err)

	wantErr := fmt.Errorf("boom")
	_, err = store.Update(ctx, c.ID, func(*Credential) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailedCount)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := New("sk-a")
	b := New("sk-b")
	_, err := store.Add(ctx, a, b)
	require.NoError(t, err)

	removed, err := store.Delete(ctx, a.ID, "missing")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, removed)

	_, err = store.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting frees the secret for re-import.
	again, err := store.Add(ctx, New("sk-a"))
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, status := range []Status{StatusActive, StatusActive, StatusExhausted, StatusError} {
		c := New(fmt.Sprintf("sk-stat-%d", i))
		c.Status = status
		_, err := store.Add(ctx, c)
		require.NoError(t, err)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Exhausted)
	assert.Equal(t, 1, stats.Error)
	assert.Equal(t, 4, stats.Total)
	assert.False(t, stats.TakenAt.IsZero())
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := New("sk-conc")
	_, err := store.Add(ctx, c)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, c.ID, func(cr *Credential) error {
				cr.UsageCount++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.UsageCount)
}

func TestCredentialRedacted(t *testing.T) {
	c := New("sk-1234567890")
	assert.Equal(t, "****7890", c.Redacted())

	short := New("abc")
	assert.Equal(t, "****", short.Redacted())
}
