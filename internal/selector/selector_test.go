package selector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avkeypool/internal/cache"
	"github.com/vyrodovalexey/avkeypool/internal/credential"
	"github.com/vyrodovalexey/avkeypool/internal/ratelimit"
	"github.com/vyrodovalexey/avkeypool/internal/statestore"
)

type fixture struct {
	store    *credential.MemoryStore
	selector *Selector
	limiter  *ratelimit.Limiter
	redis    *miniredis.Miniredis
}

func newFixture(t *testing.T, defaults ratelimit.Limit, cfg Config) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	scfg := statestore.DefaultConfig()
	scfg.Address = mr.Addr()
	scfg.ConnectRetries = 1

	store, err := statestore.New(scfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	limiter, err := ratelimit.NewLimiter(store, defaults, time.Hour, nil)
	require.NoError(t, err)

	mem := cache.NewMemoryCache(100, nil)
	t.Cleanup(func() { _ = mem.Close() })

	creds := credential.NewMemoryStore()
	sel := New(creds, cache.NewActiveSet(mem, time.Minute, nil), limiter, cfg, nil)

	return &fixture{store: creds, selector: sel, limiter: limiter, redis: mr}
}

func (f *fixture) seed(t *testing.T, n int, status credential.Status) []*credential.Credential {
	t.Helper()

	out := make([]*credential.Credential, 0, n)
	for i := 0; i < n; i++ {
		c := credential.New(fmt.Sprintf("sk-%s-%d-%d", status, time.Now().UnixNano(), i))
		c.Status = status
		added, err := f.store.Add(context.Background(), c)
		require.NoError(t, err)
		out = append(out, added...)
	}
	return out
}

func TestPickReturnsOnlyActive(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{Capacity: 100, RefillRate: 10}, DefaultConfig())
	f.seed(t, 5, credential.StatusActive)
	f.seed(t, 5, credential.StatusError)
	f.seed(t, 5, credential.StatusExhausted)

	for i := 0; i < 20; i++ {
		cred, err := f.selector.Pick(context.Background(), 1, nil)
		require.NoError(t, err)
		assert.Equal(t, credential.StatusActive, cred.Status)
	}
}

func TestPickEmptyPool(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{Capacity: 10, RefillRate: 1}, DefaultConfig())

	_, err := f.selector.Pick(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestPickHonorsExclusions(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{Capacity: 100, RefillRate: 10}, DefaultConfig())
	creds := f.seed(t, 3, credential.StatusActive)

	exclude := map[string]struct{}{
		creds[0].ID: {},
		creds[1].ID: {},
	}

	for i := 0; i < 10; i++ {
		cred, err := f.selector.Pick(context.Background(), 1, exclude)
		require.NoError(t, err)
		assert.Equal(t, creds[2].ID, cred.ID)
	}
}

func TestPickAllExcluded(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{Capacity: 100, RefillRate: 10}, DefaultConfig())
	creds := f.seed(t, 2, credential.StatusActive)

	exclude := map[string]struct{}{
		creds[0].ID: {},
		creds[1].ID: {},
	}

	_, err := f.selector.Pick(context.Background(), 1, exclude)
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestPickPrefersTokenRichCredentials(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{Capacity: 1000, RefillRate: 0.001}, DefaultConfig())
	creds := f.seed(t, 2, credential.StatusActive)
	ctx := context.Background()

	// Drain the first credential almost completely.
	for i := 0; i < 999; i++ {
		dec, err := f.limiter.Consume(ctx, creds[0].ID, 1)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	counts := map[string]int{}
	for i := 0; i < 40; i++ {
		cred, err := f.selector.Pick(ctx, 1, nil)
		require.NoError(t, err)
		counts[cred.ID]++
	}

	assert.Greater(t, counts[creds[1].ID], counts[creds[0].ID])
}

func TestPickDrainedPool(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{Capacity: 1, RefillRate: 0.0001}, DefaultConfig())
	creds := f.seed(t, 2, credential.StatusActive)
	ctx := context.Background()

	for _, c := range creds {
		dec, err := f.limiter.Consume(ctx, c.ID, 1)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	_, err := f.selector.Pick(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestPickFailsOpenWhenStoreDown(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{Capacity: 10, RefillRate: 1}, DefaultConfig())
	f.seed(t, 3, credential.StatusActive)

	// Warm the active set cache, then kill the state store.
	cred, err := f.selector.Pick(context.Background(), 1, nil)
	require.NoError(t, err)
	require.NotNil(t, cred)

	f.redis.Close()

	cred, err = f.selector.Pick(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, credential.StatusActive, cred.Status)
}

func TestPickSkipsStaleCacheEntries(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{Capacity: 100, RefillRate: 10}, DefaultConfig())
	creds := f.seed(t, 2, credential.StatusActive)
	ctx := context.Background()

	// Warm the cache, then demote one credential behind its back.
	_, err := f.selector.Pick(ctx, 1, nil)
	require.NoError(t, err)

	_, err = f.store.Update(ctx, creds[0].ID, func(c *credential.Credential) error {
		c.Status = credential.StatusError
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		cred, err := f.selector.Pick(ctx, 1, nil)
		require.NoError(t, err)
		assert.Equal(t, credential.StatusActive, cred.Status)
		assert.NotEqual(t, creds[0].ID, cred.ID)
	}
}

func TestPickExpandsSample(t *testing.T) {
	cfg := Config{
		InitialSampleSize: 2,
		MaxSampleSize:     16,
		ExpansionFactor:   2,
		MaxAttempts:       3,
	}
	f := newFixture(t, ratelimit.Limit{Capacity: 50, RefillRate: 5}, cfg)
	f.seed(t, 16, credential.StatusActive)

	// With a tiny initial sample the selector still lands on someone.
	for i := 0; i < 10; i++ {
		cred, err := f.selector.Pick(context.Background(), 1, nil)
		require.NoError(t, err)
		assert.Equal(t, credential.StatusActive, cred.Status)
	}
}

func TestPickExpandsPastDrainedSample(t *testing.T) {
	cfg := Config{
		InitialSampleSize: 2,
		MaxSampleSize:     16,
		ExpansionFactor:   2,
		MaxAttempts:       3,
	}
	f := newFixture(t, ratelimit.Limit{Capacity: 1, RefillRate: 0.0001}, cfg)
	creds := f.seed(t, 8, credential.StatusActive)
	ctx := context.Background()

	// Drain everyone but the last credential. The sample sizes grow
	// 2, 4, 8, so the final attempt covers the whole pool and must
	// land on the one credential that can still pay.
	for _, c := range creds[:7] {
		dec, err := f.limiter.Consume(ctx, c.ID, 1)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	cred, err := f.selector.Pick(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, creds[7].ID, cred.ID)
}

func TestPickSkipsCredentialsBelowRequiredTokens(t *testing.T) {
	f := newFixture(t, ratelimit.Limit{Capacity: 10, RefillRate: 0.0001}, DefaultConfig())
	creds := f.seed(t, 2, credential.StatusActive)
	ctx := context.Background()

	// Leave the first credential with 2 tokens, short of the 5 the
	// request needs.
	for i := 0; i < 8; i++ {
		dec, err := f.limiter.Consume(ctx, creds[0].ID, 1)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	// Two picks of 5 exhaust the qualifying credential exactly.
	for i := 0; i < 2; i++ {
		cred, err := f.selector.Pick(ctx, 5, nil)
		require.NoError(t, err)
		assert.Equal(t, creds[1].ID, cred.ID)
	}

	_, err := f.selector.Pick(ctx, 5, nil)
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestWeightedPickSkipsTried(t *testing.T) {
	sample := []string{"a", "b"}
	tokens := map[string]float64{"a": 100, "b": 100}
	tried := map[string]struct{}{"a": {}}

	for i := 0; i < 10; i++ {
		id, ok := weightedPick(sample, tokens, tried)
		require.True(t, ok)
		assert.Equal(t, "b", id)
	}

	tried["b"] = struct{}{}
	_, ok := weightedPick(sample, tokens, tried)
	assert.False(t, ok)
}
