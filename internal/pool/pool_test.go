package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_ExecutesSubmittedTasks(t *testing.T) {
	p := New(Config{MaxWorkers: 4, QueueSize: 16})
	defer p.Close()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := p.Submit(func(ctx context.Context) {
			defer wg.Done()
			ran.Add(1)
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int32(10), ran.Load())
	stats := p.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(0), stats.Rejected)
}

func TestWorkerPool_RejectsWhenSaturated(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	// One slot in the queue, then saturation.
	require.NoError(t, p.Submit(func(ctx context.Context) {}))

	err := p.Submit(func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
}

func TestWorkerPool_CloseWaitsAndRejects(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueSize: 4})

	done := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) {
		time.Sleep(10 * time.Millisecond)
		close(done)
	}))

	p.Close()

	select {
	case <-done:
	default:
		t.Fatal("Close returned before the in-flight task finished")
	}

	err := p.Submit(func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_ConcurrentSubmitAndClose(t *testing.T) {
	p := New(Config{MaxWorkers: 4, QueueSize: 16})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				// Submissions racing Close must fail cleanly, never panic.
				// A full queue just means retry; only closure ends the loop.
				if err := p.Submit(func(ctx context.Context) {}); errors.Is(err, ErrPoolClosed) {
					return
				}
			}
		}()
	}

	time.Sleep(time.Millisecond)
	p.Close()
	wg.Wait()
}

func TestWorkerPool_RecoversFromPanics(t *testing.T) {
	var recovered atomic.Value
	p := New(Config{
		MaxWorkers: 1,
		QueueSize:  4,
		PanicHandler: func(r any) {
			recovered.Store(r)
		},
	})
	defer p.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	require.NoError(t, p.Submit(func(ctx context.Context) {
		defer wg.Done()
		panic("run blew up")
	}))
	// The worker survives and keeps processing.
	require.NoError(t, p.Submit(func(ctx context.Context) {
		defer wg.Done()
	}))
	wg.Wait()

	assert.Equal(t, "run blew up", recovered.Load())
}
