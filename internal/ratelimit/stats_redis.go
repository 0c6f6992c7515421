package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore keeps decision counters in Redis hashes:
//
//	<prefix>:total             outcome -> count
//	<prefix>:hour:<yyyymmddhh> outcome -> count (expires after ttl)
//	<prefix>:endpoint          <endpoint>:<outcome> -> count
//	<prefix>:key:<keyID>       outcome -> count (only with key tracking, expires after ttl)
type RedisStatsStore struct {
	rdb       redis.Cmdable
	prefix    string
	ttl       time.Duration
	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "promptgate:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	pipe := s.rdb.Pipeline()
	for _, op := range s.ops(ev) {
		pipe.HIncrBy(ctx, op.key, op.field, 1)
		if op.expire && s.ttl > 0 {
			pipe.Expire(ctx, op.key, s.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis stats: %w", err)
	}
	return nil
}

// Totals reads the overall counters
func (s *RedisStatsStore) Totals(ctx context.Context) (Counters, error) {
	raw, err := s.rdb.HGetAll(ctx, s.prefix+":total").Result()
	if err != nil {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	out := make(Counters, len(raw))
	for k, v := range raw {
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			out[k] = n
		}
	}
	return out, nil
}

type hincr struct {
	key    string
	field  string
	expire bool
}

// ops lists the hash increments for one event
func (s *RedisStatsStore) ops(ev Event) []hincr {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	ops := []hincr{
		{key: s.prefix + ":total", field: ev.Outcome},
		{key: fmt.Sprintf("%s:hour:%s", s.prefix, at.UTC().Format("2006010215")), field: ev.Outcome, expire: true},
	}
	if ep := strings.TrimSpace(ev.Endpoint); ep != "" {
		ops = append(ops, hincr{key: s.prefix + ":endpoint", field: ep + ":" + ev.Outcome})
	}
	if s.trackKeys {
		if k := strings.TrimSpace(ev.KeyID); k != "" {
			ops = append(ops, hincr{key: s.prefix + ":key:" + k, field: ev.Outcome, expire: true})
		}
	}
	return ops
}
