package rbac

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

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	manifests, err := NewManifests()
	require.NoError(t, err)

	var reloads atomic.Int32
	w := NewWatcher(dir, manifests, nil, func() { reloads.Add(1) })
	w.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	manifest := []byte("id: reports\npermissions:\n  - key: reports:export\n")
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "reports.yaml"), manifest, 0o644)
		_, ok := manifests.Get("reports")
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "reports.yaml")))
	require.Eventually(t, func() bool {
		_, ok := manifests.Get("reports")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.Load(), int32(1))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherFailsOnMissingDir(t *testing.T) {
	manifests, err := NewManifests()
	require.NoError(t, err)
	w := NewWatcher(filepath.Join(t.TempDir(), "absent"), manifests, nil, nil)
	assert.Error(t, w.Run(context.Background()))
}
