package backends

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores blobs as plain string values.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects lazily to cfg.Endpoint, which is either host:port or a
// redis:// URL. Retries are disabled; the Client decides what a failure means.
func NewRedis(cfg Config) (*Redis, error) {
	var opts *redis.Options
	if strings.Contains(cfg.Endpoint, "://") {
		var err error
		opts, err = redis.ParseURL(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
	} else {
		opts = &redis.Options{Addr: cfg.Endpoint}
	}
	opts.MaxRetries = -1
	opts.DialTimeout = cfg.Timeout
	opts.ReadTimeout = cfg.Timeout
	opts.WriteTimeout = cfg.Timeout
	opts.ContextTimeoutEnabled = true

	return NewRedisFromClient(redis.NewClient(opts), cfg.Prefix, cfg.TTL), nil
}

// NewRedisFromClient wraps an existing client. A zero ttl keeps keys forever.
func NewRedisFromClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) Name() string { return string(KindRedis) }

func (r *Redis) Fetch(ctx context.Context, key string) ([]byte, error) {
	blob, err := r.client.Get(ctx, objectKey(r.prefix, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return blob, nil
}

// Publish uses SETNX so the first blob stored for a key is kept.
func (r *Redis) Publish(ctx context.Context, key string, blob []byte) error {
	return r.client.SetNX(ctx, objectKey(r.prefix, key), blob, r.ttl).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
