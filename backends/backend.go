// Package backends implements the remote cache tier: a Backend interface over
// several blob stores and a Client that bounds every call with a timeout and
// degrades any failure to a miss.
package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrNotFound is returned by Backend.Fetch when no blob is stored for a key.
var ErrNotFound = errors.New("not found")

// Backend stores opaque, immutable blobs by cache key. Implementations must be
// safe for concurrent use. Publishing a key that already exists is not an
// error; all blobs for one key are equivalent, so either copy may be kept.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// Fetch returns the blob for key, or ErrNotFound.
	Fetch(ctx context.Context, key string) ([]byte, error)
	// Publish stores blob under key.
	Publish(ctx context.Context, key string, blob []byte) error
	// Close releases connections held by the backend.
	Close() error
}

// Kind selects a Backend implementation.
type Kind string

const (
	KindNone  Kind = "none"
	KindRedis Kind = "redis"
	KindHTTP  Kind = "http"
	KindS3    Kind = "s3"
	KindGCS   Kind = "gcs"
)

// ParseKind parses a backend kind. The empty string and "disabled" mean none.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", "disabled", "off":
		return KindNone, nil
	case KindNone, KindRedis, KindHTTP, KindS3, KindGCS:
		return k, nil
	default:
		return "", fmt.Errorf("unknown remote backend %q", s)
	}
}

// Config configures the remote tier.
type Config struct {
	Kind Kind
	// Endpoint is the redis address or URL, the HTTP base URL, or a custom
	// S3/GCS endpoint.
	Endpoint string
	// Bucket is required for s3 and gcs.
	Bucket string
	// Region is used by s3.
	Region string
	// Prefix is prepended to every key.
	Prefix string
	// Token is sent as a bearer token by the http backend.
	Token string
	// CredentialsFile points gcs at a service account key.
	CredentialsFile string
	// TTL expires redis keys. Zero keeps them forever.
	TTL time.Duration
	// Timeout bounds every remote call.
	Timeout time.Duration
	// ReadOnly disables publishing.
	ReadOnly bool
	// Debug wraps the backend in a logging decorator.
	Debug bool
}

// DefaultConfig returns a disabled remote tier.
func DefaultConfig() Config {
	return Config{
		Kind:    KindNone,
		Prefix:  "toolcache/",
		Timeout: 5 * time.Second,
	}
}

// Validate checks that the selected kind has what it needs.
func (c Config) Validate() error {
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("remote timeout must be positive, got %s", c.Timeout)
	}
	switch c.Kind {
	case KindRedis, KindHTTP:
		if c.Endpoint == "" {
			return fmt.Errorf("remote backend %s requires an endpoint", c.Kind)
		}
	case KindS3, KindGCS:
		if c.Bucket == "" {
			return fmt.Errorf("remote backend %s requires a bucket", c.Kind)
		}
	}
	return nil
}

// New builds the Backend selected by cfg.Kind.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind, _ := ParseKind(string(cfg.Kind))

	var (
		b   Backend
		err error
	)
	switch kind {
	case KindNone:
		return NewDisabled(), nil
	case KindRedis:
		b, err = NewRedis(cfg)
	case KindHTTP:
		b, err = NewHTTP(cfg)
	case KindS3:
		b, err = NewS3(ctx, cfg)
	case KindGCS:
		b, err = NewGCS(ctx, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", kind, err)
	}
	if cfg.Debug {
		b = NewDebug(b, logger)
	}
	return b, nil
}

// objectKey maps a cache key to the backend's key or object name.
func objectKey(prefix, key string) string {
	return prefix + key
}
