// Package shardqueue provides a sharded work queue that keeps FIFO order per
// key while running different shards in parallel. The outbox uses the record
// kind as key, so each kind drains as an ordered lane.
//
// Callers must not invoke Submit concurrently for the same key; FIFO
// ordering relies on that external serialisation.
package shardqueue

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

type queuedJob struct {
	ctx context.Context
	job Job
}

// ShardExecutor executes Jobs on worker goroutines partitioned by a stable
// hash of the key.
type ShardExecutor struct {
	cfg    Config
	queues []chan queuedJob

	done    chan struct{} // closed in Stop()
	stopped atomic.Bool

	wg sync.WaitGroup
}

// NewShardExecutor constructs the executor and starts its shard workers.
func NewShardExecutor(cfg Config) *ShardExecutor {
	cfg = cfg.withDefaults()
	p := &ShardExecutor{
		cfg:    cfg,
		queues: make([]chan queuedJob, cfg.Shards),
		done:   make(chan struct{}),
	}
	for i := 0; i < cfg.Shards; i++ {
		ch := make(chan queuedJob, cfg.QueueSize)
		p.queues[i] = ch
		p.wg.Add(1)
		go p.runWorker(i, ch)
	}
	return p
}

// Submit enqueues job for the shard derived from key.
//
//   - Returns nil on success.
//   - Returns ErrExecutorClosed if the executor is stopped.
//   - Returns *QueueFullError (errors.Is ErrQueueFull) if the shard is
//     still full after EnqueueTimeout.
//   - Returns ctx.Err() if ctx is cancelled first.
func (p *ShardExecutor) Submit(ctx context.Context, key string, job Job) error {
	if p.stopped.Load() {
		return ErrExecutorClosed
	}

	shard := p.shardFor(key)
	ch := p.queues[shard]

	timer := time.NewTimer(p.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case ch <- queuedJob{ctx: ctx, job: job}:
		submissionsTotal.WithLabelValues(labelFor(shard)).Inc()
		return nil
	case <-p.done:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		queueFullTotal.WithLabelValues(labelFor(shard)).Inc()
		return &QueueFullError{Shard: shard, Length: len(ch), Capacity: cap(ch)}
	}
}

// Barrier enqueues a no-op job on the shard for key and waits until it runs,
// so every job submitted earlier for that key has completed.
func (p *ShardExecutor) Barrier(ctx context.Context, key string) error {
	done := make(chan struct{})
	j := JobFunc(func(context.Context) error {
		close(done)
		return nil
	})
	if err := p.Submit(ctx, key, j); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Stop lets every worker drain its queue, waits for them and returns. It is
// idempotent and safe for concurrent use.
func (p *ShardExecutor) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	log.Debug().Int("shards", p.cfg.Shards).Msg("shardqueue: stopping executor")
	close(p.done)
	p.wg.Wait()
	log.Debug().Msg("shardqueue: executor stopped, all queues drained")
}

// Close lets ShardExecutor satisfy io.Closer.
func (p *ShardExecutor) Close() error {
	p.Stop()
	return nil
}

func (p *ShardExecutor) runWorker(idx int, ch <-chan queuedJob) {
	defer p.wg.Done()
	depth := queueDepth.WithLabelValues(labelFor(idx))
	defer depth.Set(0)

	for {
		select {
		case qj := <-ch:
			p.execute(idx, qj)
			depth.Set(float64(len(ch)))
		case <-p.done:
			if n := p.drainShard(idx, ch); n > 0 {
				log.Debug().Int("shard", idx).Int("drained", n).Msg("shardqueue: drained remaining jobs")
			}
			return
		}
	}
}

// drainShard runs whatever is still buffered after Stop.
func (p *ShardExecutor) drainShard(idx int, ch <-chan queuedJob) int {
	for n := 0; ; n++ {
		select {
		case qj := <-ch:
			p.execute(idx, qj)
		default:
			return n
		}
	}
}

// execute runs one job. A job whose context already ended is skipped and
// reported to the error handler.
func (p *ShardExecutor) execute(idx int, qj queuedJob) {
	if qj.job == nil {
		return
	}
	if err := qj.ctx.Err(); err != nil {
		p.safeHandleError(err)
		return
	}
	start := time.Now()
	err := p.runRecovered(idx, qj)
	runDuration.WithLabelValues(labelFor(idx)).Observe(time.Since(start).Seconds())
	p.safeHandleError(err)
}

// runRecovered converts a panic into *PanicError so the shard keeps serving.
func (p *ShardExecutor) runRecovered(idx int, qj queuedJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			panicsTotal.WithLabelValues(labelFor(idx)).Inc()
			log.Error().Int("shard", idx).Interface("panic", r).Msg("shardqueue: job panic")
			err = &PanicError{Shard: idx, Value: r}
		}
	}()
	return qj.job.Run(qj.ctx)
}

func (p *ShardExecutor) safeHandleError(err error) {
	if err == nil || p.cfg.ErrorHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("shardqueue: error handler panic")
		}
	}()
	p.cfg.ErrorHandler(err)
}

func (p *ShardExecutor) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.cfg.Shards))
}
