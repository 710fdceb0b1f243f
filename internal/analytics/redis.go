// Package analytics records per-job firing counts in Redis time buckets.
// Counts executions started, not successful runs.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rubyAppSec/quartz/internal/domain"
)

// DefaultRetention is how long firing-count buckets live.
const DefaultRetention = 30 * 24 * time.Hour

type RedisSink struct {
	client    *redis.Client
	prefix    string
	window    time.Duration
	retention time.Duration
}

func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	return &RedisSink{
		client:    client,
		prefix:    prefix,
		window:    time.Hour,
		retention: DefaultRetention,
	}
}

// WithWindow sets the bucket width (minute, 5 minutes or hour).
func (s *RedisSink) WithWindow(window time.Duration) *RedisSink {
	s.window = window
	return s
}

// RecordFiring increments the job's bucket for the given fire time.
func (s *RedisSink) RecordFiring(ctx context.Context, jobKey domain.Key, firedAt time.Time) error {
	key := s.buildKey(jobKey, firedAt)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// FiringCount reads the count for one bucket; a missing bucket is zero.
func (s *RedisSink) FiringCount(ctx context.Context, jobKey domain.Key, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, s.buildKey(jobKey, at)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func (s *RedisSink) buildKey(jobKey domain.Key, t time.Time) string {
	return fmt.Sprintf("%s:firings:%s:%s", s.prefix, jobKey, truncateToBucket(t, s.window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
