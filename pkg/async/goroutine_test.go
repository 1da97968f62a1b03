package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeGoRunsTask(t *testing.T) {
	done := make(chan struct{})
	SafeGo(context.Background(), time.Second, "test", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestSafeGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo(context.Background(), time.Second, "panicky", func(ctx context.Context) error {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestSafeGoAppliesTimeout(t *testing.T) {
	deadline := make(chan bool, 1)
	SafeGo(context.Background(), 50*time.Millisecond, "deadline", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		deadline <- ok
		return nil
	})
	assert.True(t, <-deadline)
}

func TestMapPreservesOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	results, errs := Map(context.Background(), items, 3, func(ctx context.Context, n int) (int, error) {
		return n * n, nil
	})

	require.Len(t, results, len(items))
	for i, n := range items {
		assert.Equal(t, n*n, results[i])
		assert.NoError(t, errs[i])
	}
	assert.NoError(t, FirstError(errs))
}

func TestMapBoundsConcurrency(t *testing.T) {
	var current, peak int32
	items := make([]int, 20)

	Map(context.Background(), items, 4, func(ctx context.Context, _ int) (struct{}, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return struct{}{}, nil
	})

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
}

func TestMapIsolatesFailures(t *testing.T) {
	items := []string{"ok", "fail", "panic", "ok"}
	results, errs := Map(context.Background(), items, 2, func(ctx context.Context, s string) (string, error) {
		switch s {
		case "fail":
			return "", errors.New("upstream 503")
		case "panic":
			panic("nil map")
		}
		return s + "!", nil
	})

	assert.Equal(t, "ok!", results[0])
	assert.EqualError(t, errs[1], "upstream 503")
	assert.ErrorContains(t, errs[2], "panic")
	assert.Equal(t, "ok!", results[3])
}

func TestMapHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	_, errs := Map(ctx, []int{1, 2, 3}, 2, func(ctx context.Context, n int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return n, nil
	})

	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.ErrorIs(t, FirstError(errs), context.Canceled)
}
