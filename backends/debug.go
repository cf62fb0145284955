package backends

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Debug wraps any Backend and logs every call at debug level.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debug{
		backend: backend,
		logger:  logger.With("backend", backend.Name()),
	}
}

func (d *Debug) Name() string {
	return d.backend.Name()
}

// Fetch retrieves a blob with debug logging.
func (d *Debug) Fetch(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	blob, err := d.backend.Fetch(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		d.logger.DebugContext(ctx, "remote fetch: miss", "key", key, "duration", time.Since(start))
	case err != nil:
		d.logger.DebugContext(ctx, "remote fetch: error", "key", key, "duration", time.Since(start), "error", err)
	default:
		d.logger.DebugContext(ctx, "remote fetch: hit", "key", key, "size", len(blob), "duration", time.Since(start))
	}
	return blob, err
}

// Publish stores a blob with debug logging.
func (d *Debug) Publish(ctx context.Context, key string, blob []byte) error {
	start := time.Now()
	err := d.backend.Publish(ctx, key, blob)
	if err != nil {
		d.logger.DebugContext(ctx, "remote publish: error", "key", key, "size", len(blob), "duration", time.Since(start), "error", err)
		return err
	}
	d.logger.DebugContext(ctx, "remote publish: stored", "key", key, "size", len(blob), "duration", time.Since(start))
	return nil
}

// Close performs cleanup operations with debug logging.
func (d *Debug) Close() error {
	d.logger.Debug("closing remote backend")
	err := d.backend.Close()
	if err != nil {
		d.logger.Debug("failed to close remote backend", "error", err)
	}
	return err
}
