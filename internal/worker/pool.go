package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Do once StopAll has been called
var ErrPoolClosed = errors.New("worker pool is closed")

// DefaultMaxWorkers bounds concurrent blocking calls when no size is configured
const DefaultMaxWorkers = 8

// Pool runs blocking calls (store round-trips, prompt building) on a bounded
// number of goroutines so the broker consumer and the HTTP handlers never
// queue unbounded work against the database.
type Pool struct {
	sem        *semaphore.Weighted
	maxWorkers int
	logger     *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	working   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	inFlight prometheus.Gauge
}

// NewPool creates a new worker pool
func NewPool(maxWorkers int, logger *zap.Logger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
		maxWorkers: maxWorkers,
		logger:     logger,
	}
}

// TrackInFlight reports the number of running calls on g. Call it before
// the pool is used.
func (p *Pool) TrackInFlight(g prometheus.Gauge) {
	p.inFlight = g
}

// Do runs fn on a pool slot and waits for it. It returns ctx.Err() if no slot
// frees up before ctx is done. A panic inside fn is returned as an error.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.rejected.Add(1)
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()
	defer p.wg.Done()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.rejected.Add(1)
		return err
	}
	p.working.Add(1)
	if p.inFlight != nil {
		p.inFlight.Inc()
	}

	// The result is sent after the slot is released so callers observe
	// settled counters.
	done := make(chan error, 1)
	go func() {
		var err error
		defer func() { done <- err }()
		defer p.sem.Release(1)
		defer p.working.Add(-1)
		if p.inFlight != nil {
			defer p.inFlight.Dec()
		}
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker panic", zap.Any("panic", r))
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		err = fn(ctx)
	}()

	err := <-done
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	return err
}

// Submit is Do for calls that produce a value.
func Submit[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// GetPoolStats returns statistics about the pool
func (p *Pool) GetPoolStats() PoolStats {
	return PoolStats{
		MaxWorkers:     p.maxWorkers,
		WorkingWorkers: int(p.working.Load()),
		Completed:      p.completed.Load(),
		Failed:         p.failed.Load(),
		Rejected:       p.rejected.Load(),
	}
}

// StopAll refuses new work and waits for in-flight calls to return
func (p *Pool) StopAll() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("stopped all workers in pool")
}

// PoolStats contains statistics about the worker pool
type PoolStats struct {
	MaxWorkers     int   `json:"max_workers"`
	WorkingWorkers int   `json:"working_workers"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	Rejected       int64 `json:"rejected"`
}
