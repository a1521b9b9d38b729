package shardqueue

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

type noopJob struct{}

func (n noopJob) Run(ctx context.Context) error { return nil }

func TestShardExecutor_SubmitAndStop(t *testing.T) {
	t.Parallel()
	exec := NewShardExecutor(Config{})
	defer exec.Stop()

	if err := exec.Submit(context.Background(), "k1", noopJob{}); err != nil {
		t.Fatalf("submit error: %v", err)
	}
}

func TestShardExecutor_QueueFull(t *testing.T) {
	t.Parallel()
	exec := NewShardExecutor(Config{QueueSize: 1, Shards: 1, EnqueueTimeout: 10 * time.Millisecond})
	defer exec.Stop()

	blockCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var started int32
	_ = exec.Submit(context.Background(), "same", JobFunc(func(ctx context.Context) error {
		atomic.StoreInt32(&started, 1)
		<-blockCtx.Done()
		return nil
	}))
	for atomic.LoadInt32(&started) == 0 {
		time.Sleep(time.Millisecond)
	}

	_ = exec.Submit(context.Background(), "same", noopJob{})
	err := exec.Submit(context.Background(), "same", noopJob{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
	var qf *QueueFullError
	require.True(t, errors.As(err, &qf))
	assert.Equal(t, 1, qf.Capacity)
}

func TestShardExecutor_FIFOOrdering(t *testing.T) {
	p := NewShardExecutor(Config{Shards: 4, QueueSize: 10})
	defer p.Stop()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	wg.Add(5)
	for i := 0; i < 5; i++ {
		v := i
		require.NoError(t, p.Submit(context.Background(), "weight", JobFunc(func(ctx context.Context) error {
			mu.Lock()
			order = append(order, v)
			mu.Unlock()
			wg.Done()
			return nil
		})))
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestShardExecutor_ParallelDifferentShards(t *testing.T) {
	p := NewShardExecutor(Config{Shards: 4, QueueSize: 10})
	defer p.Stop()

	keyA := "steps"
	keyB := "sleep"
	for tries := 0; tries < 100 && p.shardFor(keyB) == p.shardFor(keyA); tries++ {
		keyB += "x"
	}
	require.NotEqual(t, p.shardFor(keyA), p.shardFor(keyB))

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), keyA, JobFunc(func(ctx context.Context) error {
		<-release
		return nil
	})))
	ran := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), keyB, JobFunc(func(ctx context.Context) error {
		close(ran)
		return nil
	})))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job on another shard was blocked")
	}
	close(release)
}

func TestShardExecutor_Barrier(t *testing.T) {
	p := NewShardExecutor(Config{Shards: 2})
	defer p.Stop()

	var n int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), "heart_rate", JobFunc(func(ctx context.Context) error {
			atomic.AddInt32(&n, 1)
			return nil
		})))
	}
	require.NoError(t, p.Barrier(context.Background(), "heart_rate"))
	assert.Equal(t, int32(10), atomic.LoadInt32(&n))
}

func TestShardExecutor_SubmitAfterStop(t *testing.T) {
	p := NewShardExecutor(Config{})
	p.Stop()
	p.Stop()
	assert.ErrorIs(t, p.Submit(context.Background(), "k", noopJob{}), ErrExecutorClosed)
}

func TestShardExecutor_StopDrainsQueuedJobs(t *testing.T) {
	p := NewShardExecutor(Config{Shards: 1, QueueSize: 16})

	var n int32
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(context.Background(), "k", JobFunc(func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&n, 1)
			return nil
		})))
	}
	p.Stop()
	assert.Equal(t, int32(8), atomic.LoadInt32(&n))
}

func TestShardExecutor_ErrorHandlerReceivesJobErrors(t *testing.T) {
	errs := make(chan error, 1)
	p := NewShardExecutor(Config{Shards: 1, ErrorHandler: func(err error) { errs <- err }})
	defer p.Stop()

	boom := errors.New("boom")
	require.NoError(t, p.Submit(context.Background(), "k", JobFunc(func(ctx context.Context) error { return boom })))
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("error handler not invoked")
	}
}

// A panicking job is recovered; the same shard keeps running later jobs.
func TestWorker_PanicDoesNotStopShard(t *testing.T) {
	var panics int32
	ex := NewShardExecutor(Config{Shards: 1, QueueSize: 4, ErrorHandler: func(err error) {
		var pe *PanicError
		if errors.As(err, &pe) {
			atomic.AddInt32(&panics, 1)
		}
	}})
	defer ex.Stop()

	require.NoError(t, ex.Submit(context.Background(), "k", JobFunc(func(ctx context.Context) error { panic("job panic") })))

	ran := make(chan struct{})
	require.NoError(t, ex.Submit(context.Background(), "k", JobFunc(func(ctx context.Context) error { close(ran); return nil })))

	select {
	case <-ran:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("shard did not continue after job panic")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&panics))
}

// A job whose context is cancelled before the worker reaches it is skipped
// and reported to the error handler.
func TestWorker_SkipsRunForCanceledJob(t *testing.T) {
	var handlerCalls int32
	ex := NewShardExecutor(Config{Shards: 1, QueueSize: 2, ErrorHandler: func(err error) {
		if errors.Is(err, context.Canceled) {
			atomic.AddInt32(&handlerCalls, 1)
		}
	}})
	defer ex.Stop()

	blockCtx, unblock := context.WithCancel(context.Background())
	started := make(chan struct{})
	require.NoError(t, ex.Submit(context.Background(), "k", JobFunc(func(ctx context.Context) error {
		close(started)
		<-blockCtx.Done()
		return nil
	})))
	<-started

	var ran int32
	jobCtx, cancelJob := context.WithCancel(context.Background())
	require.NoError(t, ex.Submit(jobCtx, "k", JobFunc(func(ctx context.Context) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})))
	cancelJob()
	unblock()

	require.NoError(t, ex.Barrier(context.Background(), "k"))
	assert.Zero(t, atomic.LoadInt32(&ran))
	assert.Equal(t, int32(1), atomic.LoadInt32(&handlerCalls))
}
