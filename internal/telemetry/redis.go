package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink keeps a live registry of connected devices: one hash per session
// that expires unless refreshed by activity. Nothing reads it back; it is
// there for dashboards.
type RedisSink struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisSink connects to the redis server at url (redis://host:port/db)
func NewRedisSink(ctx context.Context, url string, ttl time.Duration) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	opts.MaxRetries = 1
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisSink{rdb: rdb, ttl: ttl}, nil
}

// Name implements Sink
func (s *RedisSink) Name() string { return "redis" }

// Write implements Sink
func (s *RedisSink) Write(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindSessionClosed:
		if err := s.rdb.Del(ctx, sessionKey(ev.SessionID)).Err(); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	case KindChannelUpdated:
		return s.hset(ctx, channelKey, 0, channelFields(ev)...)
	case KindSessionOpened, KindShareForwarded, KindDifficultyChanged:
		if ev.SessionID == "" {
			return nil
		}
		return s.hset(ctx, sessionKey(ev.SessionID), s.ttl, sessionFields(ev)...)
	default:
		return nil
	}
}

func (s *RedisSink) hset(ctx context.Context, key string, ttl time.Duration, values ...any) error {
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, values...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update %s: %w", key, err)
	}
	return nil
}

// Close implements Sink
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}

const channelKey = "tproxy:channel"

func sessionKey(sessionID string) string {
	return fmt.Sprintf("tproxy:session:%s", sessionID)
}

func sessionFields(ev Event) []any {
	fields := []any{"updated_at", ev.Time.Unix()}
	switch ev.Kind {
	case KindSessionOpened:
		fields = append(fields, "remote_addr", ev.RemoteAddr, "connected_at", ev.Time.Unix())
	case KindShareForwarded:
		fields = append(fields, "last_share_at", ev.Time.Unix(), "last_job_id", ev.JobID)
	case KindDifficultyChanged:
		fields = append(fields, "difficulty", ev.Difficulty, "hashrate", ev.Hashrate)
	}
	if ev.Worker != "" {
		fields = append(fields, "worker", ev.Worker)
	}
	return fields
}

func channelFields(ev Event) []any {
	return []any{
		"channel_id", ev.ChannelID,
		"nominal_hashrate", ev.Hashrate,
		"updated_at", ev.Time.Unix(),
	}
}
