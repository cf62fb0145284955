package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCS stores blobs as objects in a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCS uses Application Default Credentials unless cfg.CredentialsFile is
// set. A custom endpoint (an emulator) is accessed without authentication.
func NewGCS(ctx context.Context, cfg Config) (*GCS, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCS{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		prefix: cfg.Prefix,
	}, nil
}

func (g *GCS) Name() string { return string(KindGCS) }

func (g *GCS) object(key string) *storage.ObjectHandle {
	return g.bucket.Object(objectKey(g.prefix, key))
}

func (g *GCS) Fetch(ctx context.Context, key string) ([]byte, error) {
	r, err := g.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer r.Close()

	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return blob, nil
}

// Publish only creates the object if it does not exist yet.
func (g *GCS) Publish(ctx context.Context, key string, blob []byte) error {
	w := g.object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(blob); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return nil
		}
		return fmt.Errorf("failed to finalize object: %w", err)
	}
	return nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
