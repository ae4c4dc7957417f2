package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Job is one unit of background work. OnFinish, when set, runs after Work
// with its result.
type Job struct {
	ID       string
	Source   string
	Work     func(context.Context) error
	OnFinish func(error)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Length      int    `json:"length"`
	Capacity    int    `json:"capacity"`
	WorkerCount int    `json:"workers"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
}

// Queue is a bounded job queue drained by a fixed worker pool. Each job runs
// under its own timeout.
type Queue struct {
	jobs        chan Job
	workerCount int
	timeout     time.Duration

	mu      sync.RWMutex
	started bool
	stopped bool

	wg        sync.WaitGroup
	processed atomic.Uint64
	failed    atomic.Uint64
}

func New(capacity, workerCount int, timeout time.Duration) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if workerCount < 1 {
		workerCount = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Queue{
		jobs:        make(chan Job, capacity),
		workerCount: workerCount,
		timeout:     timeout,
	}
}

// Start launches the workers. Workers exit when ctx ends or Stop drains the queue.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue adds j without blocking. It returns false when the queue is full,
// not started or stopped.
func (q *Queue) Enqueue(j Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.started || q.stopped {
		log.Warn().Str("job", j.ID).Str("source", j.Source).Msg("queue not running, dropping job")
		return false
	}
	select {
	case q.jobs <- j:
		return true
	default:
		log.Warn().Str("job", j.ID).Str("source", j.Source).Msg("job queue full, dropping job")
		return false
	}
}

// Stop refuses new jobs and waits for queued ones to finish or ctx to end.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.stopped = true
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue drain: %w", ctx.Err())
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		Length:      len(q.jobs),
		Capacity:    cap(q.jobs),
		WorkerCount: q.workerCount,
		Processed:   q.processed.Load(),
		Failed:      q.failed.Load(),
	}
}

// Healthy reports whether the pool is accepting jobs.
func (q *Queue) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.started && !q.stopped
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handleJob(ctx, j)
		}
	}
}

func (q *Queue) handleJob(ctx context.Context, j Job) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error().Str("job", j.ID).Interface("panic", r).Msg("job panic recovered")
		}
		if j.OnFinish != nil {
			j.OnFinish(err)
		}
		q.processed.Add(1)
		if err != nil {
			q.failed.Add(1)
		}
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("source", j.Source).Str("job", j.ID).Dur("duration", time.Since(start)).Msg("job finished")
	}()

	jobCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	err = j.Work(jobCtx)
}
