// Package workers runs background scan tasks on a fixed number of
// goroutines fed by a bounded queue.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bryanwahyu/scanvault/internal/domain/scans"
)

var ErrStopped = errors.New("worker pool stopped")

// Task is one unit of background work.
type Task struct {
	Name   string
	ScanID scans.ScanID
	Run    func(ctx context.Context) error
}

// Pool processes submitted tasks using a pool of goroutines.
type Pool struct {
	concurrency int
	queue       chan Task
	logger      *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	inflight atomic.Int64
}

// NewPool creates a pool; Run starts it.
func NewPool(concurrency, queueSize int, logger *zap.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{concurrency: concurrency, queue: make(chan Task, queueSize), logger: logger}
}

// Submit queues t without blocking. A full queue is reported as
// scans.ErrQueueFull so callers can ask the client to retry.
func (p *Pool) Submit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- t:
		return nil
	default:
		return fmt.Errorf("%w: %s for %s", scans.ErrQueueFull, t.Name, t.ScanID)
	}
}

// Run starts the workers and blocks until ctx is cancelled. Tasks still
// queued at that point run with the cancelled context so they can record
// their cancellation instead of vanishing.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool starting", zap.Int("concurrency", p.concurrency), zap.Int("queue", cap(p.queue)))
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	p.logger.Info("worker pool shutting down, draining queue")
	p.mu.Lock()
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) workerLoop(ctx context.Context, workerID int) {
	for t := range p.queue {
		p.process(ctx, workerID, t)
	}
}

func (p *Pool) process(ctx context.Context, workerID int, t Task) {
	p.inflight.Add(1)
	defer p.inflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.String("task", t.Name), zap.String("scan_id", string(t.ScanID)), zap.Any("panic", r))
		}
	}()
	if err := t.Run(ctx); err != nil {
		p.logger.Warn("task failed",
			zap.Int("worker", workerID),
			zap.String("task", t.Name),
			zap.String("scan_id", string(t.ScanID)),
			zap.Error(err))
		return
	}
	p.logger.Debug("task done", zap.Int("worker", workerID), zap.String("task", t.Name), zap.String("scan_id", string(t.ScanID)))
}

// Stats reports queued and running task counts.
func (p *Pool) Stats() (queued, running int) {
	return len(p.queue), int(p.inflight.Load())
}
