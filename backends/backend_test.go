package backends

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"":         KindNone,
		"none":     KindNone,
		"disabled": KindNone,
		"Redis":    KindRedis,
		" http ":   KindHTTP,
		"s3":       KindS3,
		"gcs":      KindGCS,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("memcached")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := []Config{
		DefaultConfig(),
		{Kind: KindRedis, Endpoint: "localhost:6379", Timeout: time.Second},
		{Kind: KindHTTP, Endpoint: "http://cache.internal", Timeout: time.Second},
		{Kind: KindS3, Bucket: "builds", Timeout: time.Second},
		{Kind: KindGCS, Bucket: "builds", Timeout: time.Second},
	}
	for _, cfg := range valid {
		assert.NoError(t, cfg.Validate(), "%+v", cfg)
	}

	invalid := []Config{
		{Kind: "ftp", Timeout: time.Second},
		{Kind: KindNone},
		{Kind: KindRedis, Timeout: time.Second},
		{Kind: KindHTTP, Timeout: time.Second},
		{Kind: KindS3, Timeout: time.Second},
		{Kind: KindGCS, Timeout: time.Second},
	}
	for _, cfg := range invalid {
		assert.Error(t, cfg.Validate(), "%+v", cfg)
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	b, err := New(ctx, DefaultConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, &Disabled{}, b)

	b, err = New(ctx, Config{Kind: KindRedis, Endpoint: "127.0.0.1:1", Timeout: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, "redis", b.Name())
	require.NoError(t, b.Close())

	b, err = New(ctx, Config{Kind: KindHTTP, Endpoint: "http://127.0.0.1:1", Timeout: time.Second, Debug: true}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Debug{}, b)
	assert.Equal(t, "http", b.Name())

	b, err = New(ctx, Config{Kind: KindGCS, Bucket: "b", Endpoint: "http://127.0.0.1:1/storage/v1/", Timeout: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gcs", b.Name())
	require.NoError(t, b.Close())

	_, err = New(ctx, Config{Kind: KindHTTP, Endpoint: "ftp://nope", Timeout: time.Second}, nil)
	assert.Error(t, err)
	_, err = New(ctx, Config{Kind: KindHTTP, Timeout: time.Second}, nil)
	assert.Error(t, err)
}

func TestDisabled(t *testing.T) {
	d := NewDisabled()
	_, err := d.Fetch(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, d.Publish(context.Background(), "k", []byte("v")))
	assert.NoError(t, d.Close())
}

func TestDebugLogsCalls(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	inner := newFakeBackend()
	d := NewDebug(inner, logger)
	ctx := context.Background()

	_, err := d.Fetch(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, d.Publish(ctx, "k1", []byte("blob")))
	blob, err := d.Fetch(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "blob", string(blob))
	require.NoError(t, d.Close())

	out := buf.String()
	for _, want := range []string{"remote fetch: miss", "remote publish: stored", "remote fetch: hit", "closing remote backend", "backend=fake"} {
		assert.True(t, strings.Contains(out, want), "missing %q in %s", want, out)
	}
}
