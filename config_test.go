package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/toolcache/backends"
	"github.com/richardartoul/toolcache/pkg/entry"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Size(5<<30), cfg.MaxSize)
	assert.Equal(t, "lz4", cfg.Compression)

	bc, err := cfg.BackendConfig()
	require.NoError(t, err)
	assert.Equal(t, backends.KindNone, bc.Kind)
	assert.Equal(t, 5*time.Second, bc.Timeout)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configName), []byte(`
max_size = "100MiB"
compression = "zstd"
compression_level = 3

[remote]
kind = "redis"
endpoint = "localhost:6379"
timeout = "2s"
`), 0o644))

	cfg, path, err := LoadConfig(envMap(map[string]string{
		"TOOLCACHE_DIR":              dir,
		"TOOLCACHE_COMPRESSION":      "lz4",
		"TOOLCACHE_REMOTE_READ_ONLY": "true",
	}))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, configName), path)
	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, Size(100<<20), cfg.MaxSize)
	assert.Equal(t, "lz4", cfg.Compression, "environment overrides the file")
	assert.Equal(t, 3, cfg.CompressionLevel)
	assert.True(t, cfg.Remote.ReadOnly)
	require.NoError(t, cfg.Validate())

	opts, err := cfg.StoreOptions()
	require.NoError(t, err)
	assert.Equal(t, int64(100<<20), opts.MaxSize)
	assert.Equal(t, entry.Compression{Algorithm: entry.LZ4, Level: 3}, opts.Compression)

	bc, err := cfg.BackendConfig()
	require.NoError(t, err)
	assert.Equal(t, backends.KindRedis, bc.Kind)
	assert.Equal(t, "localhost:6379", bc.Endpoint)
	assert.Equal(t, 2*time.Second, bc.Timeout)
	assert.True(t, bc.ReadOnly)
}

func TestLoadConfigMissingFile(t *testing.T) {
	dir := t.TempDir()

	cfg, path, err := LoadConfig(envMap(map[string]string{"TOOLCACHE_DIR": dir}))
	require.NoError(t, err, "an implicit config file is optional")
	assert.Empty(t, path)
	assert.Equal(t, dir, cfg.Dir)

	_, _, err = LoadConfig(envMap(map[string]string{
		"TOOLCACHE_DIR":    dir,
		"TOOLCACHE_CONFIG": filepath.Join(dir, "missing.toml"),
	}))
	assert.Error(t, err, "an explicit config file must exist")

	// A cache dir below a regular file cannot hold a config file either.
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg, path, err = LoadConfig(envMap(map[string]string{"TOOLCACHE_DIR": filepath.Join(blocker, "cache")}))
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, filepath.Join(blocker, "cache"), cfg.Dir)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("max_size = ["), 0o644))
	_, _, err = LoadConfig(envMap(map[string]string{"TOOLCACHE_DIR": dir, "TOOLCACHE_CONFIG": bad}))
	assert.Error(t, err, "a malformed config file is fatal")
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	for name, env := range map[string]map[string]string{
		"size":     {"TOOLCACHE_MAX_SIZE": "lots"},
		"level":    {"TOOLCACHE_COMPRESSION_LEVEL": "high"},
		"bool":     {"TOOLCACHE_DEBUG": "sometimes"},
		"duration": {"TOOLCACHE_REMOTE_TIMEOUT": "5 parsecs"},
	} {
		t.Run(name, func(t *testing.T) {
			env["TOOLCACHE_DIR"] = t.TempDir()
			_, _, err := LoadConfig(envMap(env))
			assert.Error(t, err)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"zero size":         func(c *Config) { c.MaxSize = 0 },
		"empty dir":         func(c *Config) { c.Dir = "" },
		"unknown algorithm": func(c *Config) { c.Compression = "brotli" },
		"level too high":    func(c *Config) { c.Compression, c.CompressionLevel = "lz4", 12 },
		"unknown remote":    func(c *Config) { c.Remote.Kind = "ftp" },
		"redis no endpoint": func(c *Config) { c.Remote.Kind = "redis" },
		"s3 no bucket":      func(c *Config) { c.Remote.Kind = "s3" },
		"zero timeout":      func(c *Config) { c.Remote.Timeout = 0 },
		"bad log level":     func(c *Config) { c.LogLevel = "chatty" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigSet(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Set("max-size", "1GB"))
	require.NoError(t, cfg.Set("remote_endpoint", "http://cache:8080"))
	assert.Equal(t, Size(1_000_000_000), cfg.MaxSize)
	assert.Equal(t, "http://cache:8080", cfg.Remote.Endpoint)

	assert.Error(t, cfg.Set("max-size", "-"))
	assert.Error(t, cfg.Set("colour", "blue"))
}

func TestWriteConfigRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Dir = "/var/cache/toolcache"
	cfg.Remote.Kind = "http"
	cfg.Remote.Endpoint = "https://cache.internal"
	cfg.Remote.Token = "secret"

	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, cfg, ""))
	assert.Contains(t, buf.String(), "# config file: none")
	assert.NotContains(t, buf.String(), "secret")

	var got Config
	_, err := toml.Decode(buf.String(), &got)
	require.NoError(t, err)
	assert.Equal(t, cfg.Dir, got.Dir)
	assert.Equal(t, cfg.MaxSize, got.MaxSize)
	assert.Equal(t, cfg.Remote.Timeout, got.Remote.Timeout)
	assert.Equal(t, "https://cache.internal", got.Remote.Endpoint)
}
