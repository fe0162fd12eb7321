// Package worker provides the bounded handler pool used by the receive loops.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/ahwlsqja/pbft-ledger/metrics"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Stats contains worker pool statistics.
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// Pool runs handlers concurrently with at most size of them in flight.
// Submit blocks while the pool is full, which pushes back on the caller's
// receive loop instead of queueing without bound.
type Pool struct {
	name    string
	size    int
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	closed  atomic.Bool
	logger  hclog.Logger
	metrics *metrics.Metrics

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a pool named name running at most size handlers.
func New(name string, size int, logger hclog.Logger, m *metrics.Metrics) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Pool{
		name:    name,
		size:    size,
		sem:     semaphore.NewWeighted(int64(size)),
		logger:  logger,
		metrics: m,
	}
}

// Submit runs fn on the pool, waiting for a free slot until ctx is done.
// Errors and panics raised by fn are logged and counted, never propagated.
func (p *Pool) Submit(ctx context.Context, fn func() error) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go p.run(fn)
	return nil
}

func (p *Pool) run(fn func() error) {
	defer p.wg.Done()
	defer p.sem.Release(1)

	p.metrics.SetWorkersActive(p.name, p.active.Add(1))
	defer func() {
		p.metrics.SetWorkersActive(p.name, p.active.Add(-1))
	}()

	err := p.call(fn)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("handler failed", "pool", p.name, "error", err)
	} else {
		p.completed.Add(1)
	}
	p.metrics.WorkerTaskDone(p.name, err != nil)
}

// call converts a panic in fn into an error so one handler cannot take the
// receive loop down.
func (p *Pool) call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return fn()
}

// Wait blocks until every submitted handler returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close rejects further submissions and waits for running handlers.
func (p *Pool) Close() {
	p.closed.Store(true)
	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.size,
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}
