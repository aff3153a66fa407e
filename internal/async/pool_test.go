package async

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docflow/internal/common"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerPool_ProcessesAllItems(t *testing.T) {
	p := NewWorkerPool(quietLogger(), WithWorkers(4), WithQueueSize(8))

	var n atomic.Int32
	var wg sync.WaitGroup
	p.Start(func(ctx context.Context, item WorkItem) {
		defer wg.Done()
		assert.NotZero(t, common.WorkerIDFromContext(ctx))
		n.Add(1)
	})

	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, p.Enqueue(context.Background(), WorkItem{RunID: uuid.New(), Attempt: 1}))
	}
	wg.Wait()
	p.Shutdown(context.Background())
	assert.EqualValues(t, 50, n.Load())
}

func TestWorkerPool_BackpressureRespectsContext(t *testing.T) {
	p := NewWorkerPool(quietLogger(), WithWorkers(1), WithQueueSize(1))
	// not started: nothing drains the queue
	require.NoError(t, p.Enqueue(context.Background(), WorkItem{RunID: uuid.New()}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Enqueue(ctx, WorkItem{RunID: uuid.New()})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, p.Len())
}

func TestWorkerPool_EnqueueAfterDoesNotBlockWhenFull(t *testing.T) {
	p := NewWorkerPool(quietLogger(), WithWorkers(1), WithQueueSize(1))
	require.NoError(t, p.Enqueue(context.Background(), WorkItem{RunID: uuid.New()}))
	require.NoError(t, p.EnqueueAfter(WorkItem{RunID: uuid.New()}, 0))
	assert.Equal(t, 2, p.Len())
}

func TestWorkerPool_EnqueueAfterDelays(t *testing.T) {
	p := NewWorkerPool(quietLogger(), WithWorkers(1))
	got := make(chan time.Time, 1)
	p.Start(func(ctx context.Context, item WorkItem) { got <- time.Now() })
	defer p.Shutdown(context.Background())

	start := time.Now()
	require.NoError(t, p.EnqueueAfter(WorkItem{RunID: uuid.New()}, 40*time.Millisecond))

	select {
	case at := <-got:
		assert.GreaterOrEqual(t, at.Sub(start), 40*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed item never ran")
	}
}

func TestWorkerPool_ProcessTimeout(t *testing.T) {
	p := NewWorkerPool(quietLogger(), WithWorkers(1), WithProcessTimeout(20*time.Millisecond))
	errs := make(chan error, 1)
	p.Start(func(ctx context.Context, item WorkItem) {
		<-ctx.Done()
		errs <- ctx.Err()
	})
	defer p.Shutdown(context.Background())

	require.NoError(t, p.Enqueue(context.Background(), WorkItem{RunID: uuid.New()}))
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout was not applied")
	}
}

func TestWorkerPool_ShutdownDrainsAndRejects(t *testing.T) {
	p := NewWorkerPool(quietLogger(), WithWorkers(2), WithQueueSize(16))
	var n atomic.Int32
	p.Start(func(ctx context.Context, item WorkItem) {
		time.Sleep(2 * time.Millisecond)
		n.Add(1)
	})
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Enqueue(context.Background(), WorkItem{RunID: uuid.New()}))
	}
	require.NoError(t, p.EnqueueAfter(WorkItem{RunID: uuid.New()}, time.Hour))

	p.Shutdown(context.Background())
	assert.EqualValues(t, 10, n.Load())
	assert.ErrorIs(t, p.Enqueue(context.Background(), WorkItem{}), ErrPoolClosed)
	assert.ErrorIs(t, p.EnqueueAfter(WorkItem{}, 0), ErrPoolClosed)
}

func TestWorkerPool_HandlerPanicDoesNotKillWorker(t *testing.T) {
	p := NewWorkerPool(quietLogger(), WithWorkers(1))
	done := make(chan struct{})
	var calls atomic.Int32
	p.Start(func(ctx context.Context, item WorkItem) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		close(done)
	})
	defer p.Shutdown(context.Background())

	require.NoError(t, p.Enqueue(context.Background(), WorkItem{RunID: uuid.New()}))
	require.NoError(t, p.Enqueue(context.Background(), WorkItem{RunID: uuid.New()}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}
