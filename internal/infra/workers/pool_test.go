package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanvault/internal/domain/scans"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(2, 8, nil)
	stopped := make(chan struct{})
	go func() { p.Run(ctx); close(stopped) }()

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(Task{Name: "t", Run: func(context.Context) error {
			defer wg.Done()
			n.Add(1)
			return nil
		}}))
	}
	wg.Wait()
	assert.Equal(t, int32(5), n.Load())

	cancel()
	<-stopped
	assert.ErrorIs(t, p.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestPoolQueueFull(t *testing.T) {
	p := NewPool(1, 1, nil)
	// not running: the single slot fills up
	require.NoError(t, p.Submit(Task{Name: "a", Run: func(context.Context) error { return nil }}))
	err := p.Submit(Task{Name: "b", ScanID: "s1", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, scans.ErrQueueFull)
}

func TestPoolDrainsWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(1, 4, nil)

	var sawCancel atomic.Bool
	require.NoError(t, p.Submit(Task{Name: "q", Run: func(ctx context.Context) error {
		sawCancel.Store(ctx.Err() != nil)
		return nil
	}}))
	cancel()

	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.True(t, sawCancel.Load())
}

func TestPoolSurvivesPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(1, 4, nil)
	go p.Run(ctx)
	defer cancel()

	done := make(chan struct{})
	require.NoError(t, p.Submit(Task{Name: "boom", Run: func(context.Context) error { panic("boom") }}))
	require.NoError(t, p.Submit(Task{Name: "after", Run: func(context.Context) error { close(done); return nil }}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool stopped after panic")
	}
}
