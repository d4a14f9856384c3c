// Package pool manages a fixed-size set of workers under concurrent load.
//
// The pool is the single source of truth for which workers are free:
// acquire and release funnel through one mutex-guarded free list plus an
// explicit FIFO waiter queue, so no two callers can ever hold the same
// worker and no waiter is starved by later arrivals. Ownership of a worker
// transfers atomically from pool to caller on Acquire and back on Release.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gembridge/gembridge/internal/worker"
)

var (
	// ErrInit means the pool could not reach full capacity on startup.
	// A pool silently running under capacity would break the concurrency
	// limit it exists to provide, so initialization is fail-fast.
	ErrInit = errors.New("pool initialization failed")
	// ErrExhausted means no worker became free within the caller's
	// deadline. Surfaced to clients as backpressure, not as a failure.
	ErrExhausted = errors.New("pool exhausted")
	// ErrClosed means the pool has been shut down.
	ErrClosed = errors.New("pool closed")
)

// startRetries bounds how often a worker start is attempted, both during
// initialization and when replacing a retired worker.
const startRetries = 3

// Stats is a point-in-time occupancy snapshot for health reporting.
type Stats struct {
	Capacity int `json:"capacity"`
	Free     int `json:"free"`
	Held     int `json:"held"`
	Waiting  int `json:"waiting"`
}

type Pool struct {
	capacity int
	cfg      worker.Config

	mu      sync.Mutex
	free    []*worker.Worker          // FIFO of ready workers
	waiters []chan *worker.Worker     // FIFO of blocked acquirers
	held    map[*worker.Worker]struct{}
	closed  bool

	done chan struct{} // closed by Shutdown, wakes blocked acquirers
	wg   sync.WaitGroup
}

// New starts size workers concurrently and places them into the free list.
// Each worker start is retried a bounded number of times; if any slot still
// cannot be filled the whole pool fails with ErrInit and every worker that
// did start is stopped again.
func New(ctx context.Context, size int, cfg worker.Config) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: size %d", ErrInit, size)
	}

	p := &Pool{
		capacity: size,
		cfg:      cfg,
		held:     make(map[*worker.Worker]struct{}, size),
		done:     make(chan struct{}),
	}

	started := make([]*worker.Worker, size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range size {
		g.Go(func() error {
			w, err := p.startWorker(gctx)
			if err != nil {
				return err
			}
			started[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range started {
			if w != nil {
				w.Stop()
			}
		}
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}

	p.free = started
	slog.InfoContext(ctx, "pool initialized", "size", size, "cli", cfg.Path)
	return p, nil
}

func (p *Pool) startWorker(ctx context.Context) (*worker.Worker, error) {
	var err error
	for attempt := 1; attempt <= startRetries; attempt++ {
		w := worker.New(p.cfg)
		if err = w.Start(ctx); err == nil {
			return w, nil
		}
		slog.WarnContext(ctx, "worker start failed",
			"attempt", attempt, "error", err)
	}
	return nil, err
}

// Acquire removes one worker from the free list, blocking in FIFO order
// behind earlier callers when none is free. It fails with ErrExhausted when
// ctx's deadline passes while waiting, with ctx.Err() when ctx is canceled
// outright, and with ErrClosed once the pool is shut down.
func (p *Pool) Acquire(ctx context.Context) (*worker.Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if len(p.free) > 0 {
		w := p.free[0]
		p.free = p.free[1:]
		p.held[w] = struct{}{}
		p.mu.Unlock()
		return w, nil
	}

	// Queue discipline lives here, not in the scheduler: each waiter gets
	// its own handoff channel and Release serves the oldest one first.
	handoff := make(chan *worker.Worker, 1)
	p.waiters = append(p.waiters, handoff)
	p.mu.Unlock()

	select {
	case w := <-handoff:
		return w, nil
	case <-p.done:
		p.abandonWait(handoff)
		return nil, ErrClosed
	case <-ctx.Done():
		p.abandonWait(handoff)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrExhausted, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// abandonWait removes handoff from the waiter queue. When Release handed a
// worker over concurrently, the worker is returned to circulation so that a
// canceled caller never removes it from service.
func (p *Pool) abandonWait(handoff chan *worker.Worker) {
	p.mu.Lock()
	for i, ch := range p.waiters {
		if ch == handoff {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Not in the queue anymore: a worker was already delivered.
	select {
	case w := <-handoff:
		p.Release(w)
	default:
	}
}

// Release returns a held worker to circulation. Ready workers go back to
// the free list (or directly to the oldest waiter); anything else is
// retired and replaced asynchronously. Releasing a worker that is not
// currently held is a programming error and panics rather than corrupting
// the pool accounting.
func (p *Pool) Release(w *worker.Worker) {
	p.mu.Lock()
	if _, ok := p.held[w]; !ok {
		p.mu.Unlock()
		panic("pool: Release of a worker that is not acquired")
	}
	delete(p.held, w)

	if p.closed {
		p.mu.Unlock()
		w.Stop()
		return
	}

	if w.State() != worker.Ready {
		p.mu.Unlock()
		slog.Warn("retiring worker", "worker_id", w.ID(), "state", w.State().String())
		p.wg.Add(1)
		go p.replace(w)
		return
	}

	p.handOver(w)
	p.mu.Unlock()
}

// handOver gives w to the oldest waiter or appends it to the free list.
// Caller holds p.mu.
func (p *Pool) handOver(w *worker.Worker) {
	if len(p.waiters) > 0 {
		handoff := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.held[w] = struct{}{}
		handoff <- w
		return
	}
	p.free = append(p.free, w)
}

// replace stops a retired worker and starts a fresh one in its place.
// Capacity dips below N until the replacement is ready; it is restored as
// soon as the new worker enters circulation.
func (p *Pool) replace(old *worker.Worker) {
	defer p.wg.Done()
	old.Stop()

	ctx := context.Background()
	var w *worker.Worker
	var err error
	for attempt := 1; attempt <= startRetries; attempt++ {
		select {
		case <-p.done:
			return
		default:
		}
		w, err = func() (*worker.Worker, error) {
			nw := worker.New(p.cfg)
			return nw, nw.Start(ctx)
		}()
		if err == nil {
			break
		}
		slog.WarnContext(ctx, "replacement worker start failed",
			"attempt", attempt, "error", err)
		time.Sleep(time.Second)
	}
	if err != nil {
		slog.ErrorContext(ctx, "could not replace retired worker, pool runs under capacity",
			"error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		w.Stop()
		return
	}
	slog.InfoContext(ctx, "replacement worker in service", "worker_id", w.ID())
	p.handOver(w)
}

// Shutdown closes the pool and stops every worker it owns, including ones
// currently held by callers. Blocked acquirers fail with ErrClosed, and
// subsequent Acquire calls fail immediately.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	close(p.done)

	all := make([]*worker.Worker, 0, len(p.free)+len(p.held))
	all = append(all, p.free...)
	for w := range p.held {
		all = append(all, w)
	}
	p.free = nil
	p.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, w := range all {
		g.Go(func() error {
			w.Stop()
			return nil
		})
	}
	err := g.Wait()

	// Replacement goroutines observe p.done and finish promptly.
	p.wg.Wait()
	slog.InfoContext(ctx, "pool shut down", "workers", len(all))
	return err
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity: p.capacity,
		Free:     len(p.free),
		Held:     len(p.held),
		Waiting:  len(p.waiters),
	}
}
