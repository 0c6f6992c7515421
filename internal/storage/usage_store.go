package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// UsageRecord is one key's usage for one day
type UsageRecord struct {
	Date         string `json:"date"` // YYYY-MM-DD
	KeyID        string `json:"key_id"`
	RequestCount int64  `json:"request_count"`
	InputWords   int64  `json:"input_words"`
	OutputWords  int64  `json:"output_words"`
}

type usageKey struct {
	date  string
	keyID string
}

// UsageStore aggregates daily per-key usage in memory and flushes it to
// one JSON file per key and day.
type UsageStore struct {
	usageDir string

	mu    sync.Mutex
	dirty map[usageKey]*UsageRecord
}

// NewUsageStore creates a new usage store
func NewUsageStore(usageDir string) *UsageStore {
	return &UsageStore{
		usageDir: usageDir,
		dirty:    make(map[usageKey]*UsageRecord),
	}
}

// Record adds one request for keyID on the day of at
func (s *UsageStore) Record(keyID string, at time.Time, inputWords, outputWords int64) {
	k := usageKey{date: at.UTC().Format("2006-01-02"), keyID: keyID}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.dirty[k]
	if !ok {
		rec = &UsageRecord{Date: k.date, KeyID: keyID}
		s.dirty[k] = rec
	}
	rec.RequestCount++
	rec.InputWords += inputWords
	rec.OutputWords += outputWords
}

// Flush merges pending usage into the files on disk
func (s *UsageStore) Flush() error {
	s.mu.Lock()
	pending := s.dirty
	s.dirty = make(map[usageKey]*UsageRecord)
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := os.MkdirAll(s.usageDir, 0755); err != nil {
		return fmt.Errorf("failed to create usage directory: %w", err)
	}

	for k, rec := range pending {
		if err := s.merge(k, rec); err != nil {
			// keep unwritten usage for the next flush
			s.mu.Lock()
			for k2, r2 := range pending {
				s.requeueLocked(k2, r2)
			}
			s.mu.Unlock()
			return err
		}
		delete(pending, k)
	}
	return nil
}

func (s *UsageStore) requeueLocked(k usageKey, rec *UsageRecord) {
	cur, ok := s.dirty[k]
	if !ok {
		s.dirty[k] = rec
		return
	}
	cur.RequestCount += rec.RequestCount
	cur.InputWords += rec.InputWords
	cur.OutputWords += rec.OutputWords
}

func (s *UsageStore) merge(k usageKey, rec *UsageRecord) error {
	path := filepath.Join(s.usageDir, fmt.Sprintf("%s_%s.json", k.date, k.keyID))

	merged := UsageRecord{Date: k.date, KeyID: k.keyID}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &merged); err != nil {
			return fmt.Errorf("failed to parse usage file %s: %w", path, err)
		}
	}
	merged.RequestCount += rec.RequestCount
	merged.InputWords += rec.InputWords
	merged.OutputWords += rec.OutputWords

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write usage file: %w", err)
	}
	return nil
}

// StartFlusher flushes every interval and once more when ctx is done.
// The returned channel closes after the final flush.
func (s *UsageStore) StartFlusher(ctx context.Context, interval time.Duration, onError func(error)) <-chan struct{} {
	done := make(chan struct{})
	t := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := s.Flush(); err != nil && onError != nil {
					onError(err)
				}
				return
			case <-t.C:
				if err := s.Flush(); err != nil && onError != nil {
					onError(err)
				}
			}
		}
	}()
	return done
}

// History returns flushed and pending records from the last days, oldest first.
// An empty keyID selects every key.
func (s *UsageStore) History(keyID string, days int, now time.Time) ([]UsageRecord, error) {
	cutoff := now.UTC().AddDate(0, 0, -days).Format("2006-01-02")
	merged := make(map[usageKey]UsageRecord)

	entries, err := os.ReadDir(s.usageDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read usage directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		// YYYY-MM-DD_keyid.json
		date, id, ok := strings.Cut(strings.TrimSuffix(entry.Name(), ".json"), "_")
		if !ok || date < cutoff || (keyID != "" && id != keyID) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.usageDir, entry.Name()))
		if err != nil {
			continue
		}
		var rec UsageRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		merged[usageKey{date: date, keyID: id}] = rec
	}

	s.mu.Lock()
	for k, rec := range s.dirty {
		if k.date < cutoff || (keyID != "" && k.keyID != keyID) {
			continue
		}
		cur := merged[k]
		cur.Date, cur.KeyID = k.date, k.keyID
		cur.RequestCount += rec.RequestCount
		cur.InputWords += rec.InputWords
		cur.OutputWords += rec.OutputWords
		merged[k] = cur
	}
	s.mu.Unlock()

	records := make([]UsageRecord, 0, len(merged))
	for _, rec := range merged {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Date != records[j].Date {
			return records[i].Date < records[j].Date
		}
		return records[i].KeyID < records[j].KeyID
	})
	return records, nil
}
