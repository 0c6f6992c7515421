// Package ratelimit implements fixed-window request quotas per API key.
//
// Windows live in a sharded arena: the shard lock only guards finding or
// inserting a key's window, and each window carries its own mutex for the
// read-modify-write of its count. Distinct keys never share a window lock.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Decision is the result of a quota check
type Decision struct {
	Allowed bool
	// Limit is the quota ceiling applied to this request
	Limit int
	// Remaining is the number of requests still admitted in the current window
	Remaining int
	// ResetAt is the end of the current window
	ResetAt time.Time
	// RetryAfter is set on rejection: time left until the window resets
	RetryAfter time.Duration
}

// Snapshot is a read-only view of a key's window
type Snapshot struct {
	Count     int
	Start     time.Time
	ResetAt   time.Time
	Remaining int
}

// Options configures a Limiter
type Options struct {
	Window       time.Duration
	DefaultQuota int
	Shards       int
	// IdleTTL is how long past its reset an untouched window is kept
	IdleTTL      time.Duration
	CleanupEvery time.Duration
}

// usageWindow is one key's fixed window.
// start never moves backwards; count never exceeds the quota of an admitted request.
type usageWindow struct {
	mu      sync.Mutex
	start   time.Time
	count   int
	evicted bool
}

type shard struct {
	mu      sync.RWMutex
	windows map[string]*usageWindow
}

// Limiter counts requests per key within fixed windows
type Limiter struct {
	shards       []shard
	window       time.Duration
	defaultQuota int
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

// New creates a Limiter, filling zero options with defaults
func New(opts Options) *Limiter {
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.DefaultQuota <= 0 {
		opts.DefaultQuota = 1000
	}
	if opts.Shards <= 0 {
		opts.Shards = 32
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = opts.Window
	}

	l := &Limiter{
		shards:       make([]shard, opts.Shards),
		window:       opts.Window,
		defaultQuota: opts.DefaultQuota,
		idleTTL:      opts.IdleTTL,
		cleanupEvery: opts.CleanupEvery,
	}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*usageWindow)
	}
	return l
}

// Window returns the window duration
func (l *Limiter) Window() time.Duration { return l.window }

// DefaultQuota returns the quota applied when a caller passes none
func (l *Limiter) DefaultQuota() int { return l.defaultQuota }

// Allow checks the key's quota at now and, when admitted, counts the request.
// quota <= 0 applies the default quota.
func (l *Limiter) Allow(keyID string, quota int, now time.Time) Decision {
	if quota <= 0 {
		quota = l.defaultQuota
	}

	w := l.lockedWindow(keyID, now)
	defer w.mu.Unlock()

	elapsed := now.Sub(w.start)
	if elapsed < 0 {
		elapsed = 0
	}

	if w.count == 0 || elapsed >= l.window {
		w.start = maxTime(w.start, now)
		w.count = 1
		return Decision{
			Allowed:   true,
			Limit:     quota,
			Remaining: quota - 1,
			ResetAt:   w.start.Add(l.window),
		}
	}

	resetAt := w.start.Add(l.window)
	if w.count < quota {
		w.count++
		return Decision{
			Allowed:   true,
			Limit:     quota,
			Remaining: quota - w.count,
			ResetAt:   resetAt,
		}
	}

	return Decision{
		Allowed:    false,
		Limit:      quota,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: l.window - elapsed,
	}
}

// Snapshot reports the key's window at now without counting a request.
// A key without a live window reports a full quota.
func (l *Limiter) Snapshot(keyID string, quota int, now time.Time) Snapshot {
	if quota <= 0 {
		quota = l.defaultQuota
	}

	sh := l.shardFor(keyID)
	sh.mu.RLock()
	w, ok := sh.windows[keyID]
	sh.mu.RUnlock()

	if !ok {
		return Snapshot{Remaining: quota, Start: now, ResetAt: now.Add(l.window)}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == 0 || now.Sub(w.start) >= l.window {
		return Snapshot{Remaining: quota, Start: now, ResetAt: now.Add(l.window)}
	}
	remaining := quota - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		Count:     w.count,
		Start:     w.start,
		ResetAt:   w.start.Add(l.window),
		Remaining: remaining,
	}
}

// Reset clears the key's count; its next request opens a fresh window
func (l *Limiter) Reset(keyID string) bool {
	sh := l.shardFor(keyID)
	sh.mu.RLock()
	w, ok := sh.windows[keyID]
	sh.mu.RUnlock()
	if !ok {
		return false
	}

	w.mu.Lock()
	w.count = 0
	w.mu.Unlock()
	return true
}

// Len returns the number of tracked windows
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.RLock()
		n += len(sh.windows)
		sh.mu.RUnlock()
	}
	return n
}

// Cleanup drops windows whose reset is older than the idle TTL.
// It returns the number of windows removed.
func (l *Limiter) Cleanup(now time.Time) int {
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, w := range sh.windows {
			w.mu.Lock()
			idle := now.Sub(w.start.Add(l.window)) >= l.idleTTL
			if idle {
				w.evicted = true
			}
			w.mu.Unlock()
			if idle {
				delete(sh.windows, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// StartJanitor removes idle windows periodically until ctx is done
func (l *Limiter) StartJanitor(ctx context.Context, onCleanup func(removed int)) {
	if l.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(l.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				removed := l.Cleanup(now)
				if onCleanup != nil {
					onCleanup(removed)
				}
			}
		}
	}()
}

// lockedWindow returns the key's live window with its mutex held.
// A window evicted by Cleanup between lookup and lock is replaced.
func (l *Limiter) lockedWindow(keyID string, now time.Time) *usageWindow {
	for {
		w := l.windowFor(keyID, now)
		w.mu.Lock()
		if !w.evicted {
			return w
		}
		w.mu.Unlock()
	}
}

// windowFor returns the key's window, creating it on first use
func (l *Limiter) windowFor(keyID string, now time.Time) *usageWindow {
	sh := l.shardFor(keyID)

	sh.mu.RLock()
	w, ok := sh.windows[keyID]
	sh.mu.RUnlock()
	if ok {
		return w
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if w, ok := sh.windows[keyID]; ok {
		return w
	}
	w = &usageWindow{start: now}
	sh.windows[keyID] = w
	return w
}

func (l *Limiter) shardFor(keyID string) *shard {
	if len(l.shards) == 1 {
		return &l.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(keyID))
	return &l.shards[h.Sum32()%uint32(len(l.shards))]
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
