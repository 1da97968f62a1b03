package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

func TestSink_RecordAndFlush(t *testing.T) {
	store := &memStore{}
	sink := NewSink(store, 10, nil, nil)
	sink.Start()

	for i := 0; i < 5; i++ {
		sink.Record(context.Background(), Entry{Action: ActionLogin})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sink.Stop(ctx))
	assert.Equal(t, 5, store.count())
}

func TestSink_DropsWhenFull(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store := &memStore{}
	// Writer not started: the queue fills up.
	sink := NewSink(store, 2, nil, metrics)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			sink.Record(context.Background(), Entry{Action: ActionLogin})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.AuditEntriesTotal.WithLabelValues("queued")))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.AuditEntriesTotal.WithLabelValues("dropped")))
}

func TestSink_WriteFailureIsSwallowed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store := &memStore{insertErr: errWrite}
	sink := NewSink(store, 4, nil, metrics)
	sink.Start()

	sink.Record(context.Background(), Entry{Action: ActionSetup})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sink.Stop(ctx))

	assert.Equal(t, 0, store.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditEntriesTotal.WithLabelValues("failed")))
}

func TestSink_StampsCreatedAt(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	sink := NewSink(store, 4, nil, nil)
	sink.now = func() time.Time { return fixed }
	sink.Start()

	sink.Record(context.Background(), Entry{Action: ActionLogout})
	require.NoError(t, sink.Stop(context.Background()))

	entries, err := store.Search(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fixed, entries[0].CreatedAt)
}

func TestSink_RecordAfterStop(t *testing.T) {
	store := &memStore{}
	sink := NewSink(store, 4, nil, nil)
	sink.Start()
	require.NoError(t, sink.Stop(context.Background()))

	sink.Record(context.Background(), Entry{Action: ActionLogin})
	assert.Equal(t, 0, store.count())
}

func TestSink_RecordRacingStopStrandsNothing(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	const writers, perWriter = 8, 25
	store := &memStore{}
	sink := NewSink(store, writers*perWriter, nil, metrics)
	sink.Start()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < perWriter; j++ {
				sink.Record(context.Background(), Entry{Action: ActionLogin})
			}
		}()
	}
	close(start)
	require.NoError(t, sink.Stop(context.Background()))
	wg.Wait()

	queued := testutil.ToFloat64(metrics.AuditEntriesTotal.WithLabelValues("queued"))
	dropped := testutil.ToFloat64(metrics.AuditEntriesTotal.WithLabelValues("dropped"))
	assert.Equal(t, float64(writers*perWriter), queued+dropped)
	assert.Equal(t, int(queued), store.count())
	assert.Empty(t, sink.queue)
}

func TestSink_StopTwice(t *testing.T) {
	sink := NewSink(&memStore{}, 4, nil, nil)
	sink.Start()
	require.NoError(t, sink.Stop(context.Background()))
	require.NoError(t, sink.Stop(context.Background()))
}

func TestSink_StopHonoursContext(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	defer close(store.block)

	sink := NewSink(store, 4, nil, nil)
	sink.Start()
	sink.Record(context.Background(), Entry{Action: ActionLogin})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sink.Stop(ctx), context.DeadlineExceeded)
}

func TestEntryBuilders(t *testing.T) {
	base := Entry{Action: ActionUserUpdate}
	e := base.WithActor(7, "a@example.com").
		WithTarget(TargetUser, "9").
		WithDetail("role", "editor")

	require.NotNil(t, e.ActorID)
	assert.Equal(t, int64(7), *e.ActorID)
	assert.Equal(t, "9", e.TargetID)
	assert.Equal(t, "editor", e.Details["role"])
	assert.Nil(t, base.Details)
}
