package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsTask(t *testing.T) {
	q := New(2, slog.Default())
	defer q.Close()

	ch, err := q.Push(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)

	result := <-ch
	require.NoError(t, result.Err)
	assert.Equal(t, 42, result.Value)
}

func TestQueueConcurrencyCap(t *testing.T) {
	q := New(3, slog.Default())
	defer q.Close()

	var inFlight, peak int64
	release := make(chan struct{})

	var channels []<-chan Result
	for i := 0; i < 10; i++ {
		ch, err := q.Push(context.Background(), func(ctx context.Context) (any, error) {
			current := atomic.AddInt64(&inFlight, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if current <= old || atomic.CompareAndSwapInt64(&peak, old, current) {
					break
				}
			}
			<-release
			atomic.AddInt64(&inFlight, -1)
			return nil, nil
		})
		require.NoError(t, err)
		channels = append(channels, ch)
	}

	// Let the first wave start, then drain everything.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, q.Running())
	assert.Equal(t, 7, q.Pending())
	close(release)

	for _, ch := range channels {
		result := <-ch
		require.NoError(t, result.Err)
	}

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
}

func TestQueueFIFOAdmission(t *testing.T) {
	q := New(1, slog.Default())
	defer q.Close()

	var mu sync.Mutex
	var order []int

	var channels []<-chan Result
	for i := 0; i < 5; i++ {
		n := i
		ch, err := q.Push(context.Background(), func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			return n, nil
		})
		require.NoError(t, err)
		channels = append(channels, ch)
	}

	for _, ch := range channels {
		<-ch
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestQueueFailureSettlesWithError(t *testing.T) {
	q := New(1, slog.Default())
	defer q.Close()

	boom := errors.New("boom")
	ch, err := q.Push(context.Background(), func(ctx context.Context) (any, error) {
		return nil, boom
	})
	require.NoError(t, err)

	result := <-ch
	assert.ErrorIs(t, result.Err, boom)
}

func TestQueueListeners(t *testing.T) {
	q := New(2, slog.Default())
	defer q.Close()

	var mu sync.Mutex
	completed := 0
	failed := 0
	emptied := make(chan BatchStats, 1)

	q.SetListeners(Listeners{
		OnCompleted: func(id string, waited, ran time.Duration) {
			mu.Lock()
			completed++
			mu.Unlock()
		},
		OnFailed: func(id string, err error) {
			mu.Lock()
			failed++
			mu.Unlock()
		},
		OnEmpty: func(stats BatchStats) {
			select {
			case emptied <- stats:
			default:
			}
		},
	})

	var channels []<-chan Result
	for i := 0; i < 4; i++ {
		n := i
		ch, err := q.Push(context.Background(), func(ctx context.Context) (any, error) {
			time.Sleep(20 * time.Millisecond)
			if n%2 == 0 {
				return nil, errors.New("even task fails")
			}
			return n, nil
		})
		require.NoError(t, err)
		channels = append(channels, ch)
	}

	for _, ch := range channels {
		<-ch
	}

	select {
	case stats := <-emptied:
		assert.Equal(t, 2, stats.Completed)
		assert.Equal(t, 2, stats.Failed)
		assert.Greater(t, stats.Duration, time.Duration(0))
	case <-time.After(2 * time.Second):
		t.Fatal("OnEmpty was never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, completed)
	assert.Equal(t, 2, failed)
}

func TestQueueSetConcurrencyAdmitsWaiting(t *testing.T) {
	q := New(1, slog.Default())
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 4)

	var channels []<-chan Result
	for i := 0; i < 4; i++ {
		ch, err := q.Push(context.Background(), func(ctx context.Context) (any, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		})
		require.NoError(t, err)
		channels = append(channels, ch)
	}

	<-started
	assert.Equal(t, 3, q.Pending())

	q.SetConcurrency(4)
	assert.Equal(t, 4, q.Concurrency())

	// Raising the limit starts the backlog without waiting for completions.
	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("backlogged task was not admitted after SetConcurrency")
		}
	}

	close(release)
	for _, ch := range channels {
		<-ch
	}
}

func TestQueueCancelledContextSkipsExecution(t *testing.T) {
	q := New(1, slog.Default())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	ch, err := q.Push(ctx, func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	})
	require.NoError(t, err)

	result := <-ch
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.False(t, ran)
}

func TestQueueCloseFailsBacklog(t *testing.T) {
	q := New(1, slog.Default())

	release := make(chan struct{})
	running, err := q.Push(context.Background(), func(ctx context.Context) (any, error) {
		<-release
		return "done", nil
	})
	require.NoError(t, err)

	// Give the first task time to start so the second stays backlogged.
	time.Sleep(20 * time.Millisecond)

	backlogged, err := q.Push(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	q.Close()

	result := <-backlogged
	assert.ErrorIs(t, result.Err, ErrQueueClosed)

	_, err = q.Push(context.Background(), func(ctx context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrQueueClosed)

	// The already-admitted task still runs to completion.
	close(release)
	settled := <-running
	require.NoError(t, settled.Err)
	assert.Equal(t, "done", settled.Value)
}
