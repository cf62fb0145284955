package backends

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Status is the outcome of a Client call.
type Status int

const (
	// StatusOK means the blob was fetched or published.
	StatusOK Status = iota
	// StatusMiss means the backend has no blob for the key.
	StatusMiss
	// StatusUnavailable means the call failed or timed out. Callers treat
	// it like a miss for fetches and ignore it for publishes.
	StatusUnavailable
	// StatusSkipped means the call was not attempted because the client is
	// disabled or read-only.
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMiss:
		return "miss"
	case StatusUnavailable:
		return "unavailable"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Client fronts a Backend for the cache. It never returns errors: every call
// is bounded by the configured timeout and any failure becomes
// StatusUnavailable. It does not retry.
type Client struct {
	backend  Backend
	timeout  time.Duration
	readOnly bool
	disabled bool
	logger   *slog.Logger

	fetches singleflight.Group
}

// NewClient wraps backend using cfg.Timeout and cfg.ReadOnly.
func NewClient(backend Backend, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	_, disabled := backend.(*Disabled)
	return &Client{
		backend:  backend,
		timeout:  timeout,
		readOnly: cfg.ReadOnly,
		disabled: disabled,
		logger:   logger.With("backend", backend.Name()),
	}
}

// Enabled reports whether the client talks to a real backend.
func (c *Client) Enabled() bool {
	return c != nil && !c.disabled
}

// Fetch returns the blob stored under key. Concurrent fetches of the same key
// share one backend call and receive the same slice, which callers must not
// modify.
func (c *Client) Fetch(ctx context.Context, key string) ([]byte, Status) {
	if !c.Enabled() {
		return nil, StatusMiss
	}
	v, err, _ := c.fetches.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.backend.Fetch(ctx, key)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, StatusMiss
		}
		c.logger.WarnContext(ctx, "remote fetch unavailable", "key", key, "error", err)
		return nil, StatusUnavailable
	}
	blob, _ := v.([]byte)
	return blob, StatusOK
}

// Publish stores blob under key, best effort.
func (c *Client) Publish(ctx context.Context, key string, blob []byte) Status {
	if !c.Enabled() || c.readOnly {
		return StatusSkipped
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.backend.Publish(ctx, key, blob); err != nil {
		c.logger.WarnContext(ctx, "remote publish unavailable", "key", key, "size", len(blob), "error", err)
		return StatusUnavailable
	}
	return StatusOK
}

// Close closes the backend.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.backend.Close()
}
