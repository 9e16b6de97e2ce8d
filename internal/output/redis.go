package output

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/control/pkg/schema"
)

// Redis defaults.
const (
	DefaultRedisPrefix  = "control:result:"
	DefaultRedisChannel = "control:results"
	DefaultRedisTTL     = 24 * time.Hour
)

// RedisOptions configures a RedisSink.
type RedisOptions struct {
	Prefix  string
	Channel string
	TTL     time.Duration
}

type redisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisSink stores every result under prefix+task ID and publishes it on a channel.
type RedisSink struct {
	client redisClient
	opts   RedisOptions
}

// NewRedisSink connects to the Redis instance at rawURL.
func NewRedisSink(ctx context.Context, rawURL string, opts RedisOptions) (*RedisSink, error) {
	ro, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid redis url").WithCause(err)
	}
	client := redis.NewClient(ro)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return newRedisSink(client, opts), nil
}

func newRedisSink(client redisClient, opts RedisOptions) *RedisSink {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.Channel == "" {
		opts.Channel = DefaultRedisChannel
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultRedisTTL
	}
	return &RedisSink{client: client, opts: opts}
}

// Write implements Sink.
func (s *RedisSink) Write(ctx context.Context, r Result) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	key := s.opts.Prefix + r.TaskID
	if err := s.client.Set(ctx, key, body, s.opts.TTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := s.client.Publish(ctx, s.opts.Channel, body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.opts.Channel, err)
	}
	return nil
}

// Close implements Sink.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
