package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, baseURL string) {
	t.Helper()
	content := "upstream:\n  baseURL: \"" + baseURL + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keypool.yaml")
	writeConfig(t, path, "https://one.example.com")

	var reloads int64
	w, err := NewWatcher(path, func(*Config) {
		atomic.AddInt64(&reloads, 1)
	}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })

	require.NotNil(t, w.LastConfig())
	assert.Equal(t, "https://one.example.com", w.LastConfig().Upstream.BaseURL)

	writeConfig(t, path, "https://two.example.com")

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&reloads) >= 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "https://two.example.com", w.LastConfig().Upstream.BaseURL)
}

func TestWatcherKeepsPreviousOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keypool.yaml")
	writeConfig(t, path, "https://one.example.com")

	var reloads int64
	w, err := NewWatcher(path, func(*Config) {
		atomic.AddInt64(&reloads, 1)
	}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })

	// Dropping the required upstream URL makes the new file invalid.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":9\"\n"), 0o600))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&reloads))
	assert.Equal(t, "https://one.example.com", w.LastConfig().Upstream.BaseURL)
}

func TestWatcherStartFailsOnMissingFile(t *testing.T) {
	w, err := NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil, nil)
	require.NoError(t, err)

	assert.Error(t, w.Start(context.Background()))
}

func TestWatcherStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keypool.yaml")
	writeConfig(t, path, "https://one.example.com")

	w, err := NewWatcher(path, nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
