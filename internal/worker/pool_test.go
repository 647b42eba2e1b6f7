package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTasks(t *testing.T) {
	p := NewPool(2, 8)
	defer p.Shutdown(context.Background())

	var ran atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		ok := p.Submit(func() {
			if ran.Add(1) == 5 {
				close(done)
			}
		})
		require.True(t, ok)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}
	assert.Equal(t, int32(5), ran.Load())
}

func TestSubmitDropsWhenFull(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Shutdown(context.Background())

	block := make(chan struct{})
	require.True(t, p.Submit(func() { <-block })) // occupies the worker
	require.True(t, p.Submit(func() {}))          // fills the queue

	// Queue is full now; further submits must drop without blocking.
	assert.Eventually(t, func() bool {
		return !p.Submit(func() {})
	}, time.Second, 10*time.Millisecond)

	close(block)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := NewPool(1, 4)
	defer p.Shutdown(context.Background())

	require.True(t, p.Submit(func() { panic("boom") }))

	done := make(chan struct{})
	require.True(t, p.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestShutdownWaitsForInflight(t *testing.T) {
	p := NewPool(1, 4)

	var finished atomic.Bool
	require.True(t, p.Submit(func() {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	}))

	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, finished.Load())

	assert.False(t, p.Submit(func() {}), "closed pool must refuse tasks")
}

func TestShutdownHonorsContext(t *testing.T) {
	p := NewPool(1, 4)

	block := make(chan struct{})
	defer close(block)
	require.True(t, p.Submit(func() { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
}
