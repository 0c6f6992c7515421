package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrStatsQueueFull is returned when an AsyncStats queue drops an event
	ErrStatsQueueFull = errors.New("stats queue full")
	// ErrStatsClosed is returned by Record after Close
	ErrStatsClosed = errors.New("stats queue closed")
)

// AsyncStats moves writes to a slow StatsStore (Redis) off the request path.
// Events are queued and written by a single worker; a full queue drops events.
type AsyncStats struct {
	next    StatsStore
	timeout time.Duration
	queue   chan Event
	onError func(error)

	dropped atomic.Int64
	wg      sync.WaitGroup

	// mu guards closed against sends racing Close
	mu     sync.RWMutex
	closed bool
}

// NewAsyncStats starts a worker writing into next. Call Close to drain it.
func NewAsyncStats(next StatsStore, size int, timeout time.Duration, onError func(error)) *AsyncStats {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	a := &AsyncStats{
		next:    next,
		timeout: timeout,
		queue:   make(chan Event, size),
		onError: onError,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Record queues ev without blocking. Events recorded after Close are dropped.
func (a *AsyncStats) Record(_ context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return ErrStatsClosed
	}

	select {
	case a.queue <- ev:
		return nil
	default:
		a.dropped.Add(1)
		return ErrStatsQueueFull
	}
}

// Dropped returns the number of events lost to a full queue or to Close
func (a *AsyncStats) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events and waits for queued ones to be written
func (a *AsyncStats) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *AsyncStats) run() {
	defer a.wg.Done()
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Record(ctx, ev)
		cancel()
		if err != nil && a.onError != nil {
			a.onError(err)
		}
	}
}
