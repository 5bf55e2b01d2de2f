package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "kiln:stats"
	defaultTTL    = 24 * time.Hour
)

// RedisSink keeps cumulative and per-minute render counters in Redis hashes:
//
//	<prefix>:total                 completed|failed
//	<prefix>:kind:<kind>           completed|failed, duration_ms
//	<prefix>:minute:<yyyymmddhhmm> completed|failed (expires after ttl)
type RedisSink struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisSink.
type RedisOption func(*RedisSink)

// WithPrefix sets the key prefix. Surrounding colons are trimmed.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisSink) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// WithTTL sets how long minute buckets are kept. Zero keeps them forever.
func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisSink) { s.ttl = d }
}

// NewRedisSink creates a sink writing through rdb.
func NewRedisSink(rdb *redis.Client, opts ...RedisOption) *RedisSink {
	s := &RedisSink{
		rdb:    rdb,
		prefix: defaultPrefix,
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record implements Sink with a single pipelined round trip.
func (s *RedisSink) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	field := ev.Status
	if field == "" {
		field = "unknown"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.totalKey(), field, 1)

	if ev.Kind != "" {
		kindKey := s.kindKey(ev.Kind)
		pipe.HIncrBy(ctx, kindKey, field, 1)
		pipe.HIncrBy(ctx, kindKey, "duration_ms", ev.Duration.Milliseconds())
	}

	bucketKey := s.minuteKey(ev.At)
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record render stats: %w", err)
	}
	return nil
}

// Ping checks connectivity to the backing Redis.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}

func (s *RedisSink) totalKey() string {
	return s.prefix + ":total"
}

func (s *RedisSink) kindKey(kind string) string {
	return s.prefix + ":kind:" + strings.TrimSpace(kind)
}

func (s *RedisSink) minuteKey(at time.Time) string {
	if at.IsZero() {
		at = time.Now()
	}
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}
