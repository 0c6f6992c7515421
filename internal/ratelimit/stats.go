package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event is one gateway decision, recorded for statistics
type Event struct {
	KeyID    string
	Endpoint string
	// Outcome is the decision name: admitted, unauthorized, rate_limited, invalid or internal_fault
	Outcome string
	At      time.Time
}

// StatsStore persists decision statistics.
// Recording is best-effort: callers log failures and never fail the request.
type StatsStore interface {
	Record(ctx context.Context, ev Event) error
}

// Counters aggregates decision outcomes
type Counters map[string]int64

// MemoryStatsStore keeps counters in process memory
type MemoryStatsStore struct {
	mu         sync.Mutex
	total      Counters
	byEndpoint map[string]Counters
	byKey      map[string]Counters
	trackKeys  bool
}

// MemoryStatsOption configures a MemoryStatsStore
type MemoryStatsOption func(*MemoryStatsStore)

// WithTrackKeys enables per-key counters
func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		total:      make(Counters),
		byEndpoint: make(map[string]Counters),
		byKey:      make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total[ev.Outcome]++
	if ev.Endpoint != "" {
		bumpCounter(s.byEndpoint, ev.Endpoint, ev.Outcome)
	}
	if s.trackKeys && ev.KeyID != "" {
		bumpCounter(s.byKey, ev.KeyID, ev.Outcome)
	}
	return nil
}

func bumpCounter(m map[string]Counters, name, outcome string) {
	c, ok := m[name]
	if !ok {
		c = make(Counters)
		m[name] = c
	}
	c[outcome]++
}

// Total returns a copy of the overall counters
func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounters(s.total)
}

// ByEndpoint returns a copy of the per-endpoint counters
func (s *MemoryStatsStore) ByEndpoint() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounterMap(s.byEndpoint)
}

// ByKey returns a copy of the per-key counters
func (s *MemoryStatsStore) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounterMap(s.byKey)
}

// Key returns a copy of one key's counters
func (s *MemoryStatsStore) Key(keyID string) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounters(s.byKey[keyID])
}

func copyCounters(c Counters) Counters {
	out := make(Counters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func copyCounterMap(m map[string]Counters) map[string]Counters {
	out := make(map[string]Counters, len(m))
	for k, v := range m {
		out[k] = copyCounters(v)
	}
	return out
}

// MultiStats fans an event out to several stores
type MultiStats []StatsStore

func (m MultiStats) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
