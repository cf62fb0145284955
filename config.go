package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/richardartoul/toolcache/backends"
	"github.com/richardartoul/toolcache/pkg/entry"
	"github.com/richardartoul/toolcache/pkg/localcache"
)

const (
	envPrefix     = "TOOLCACHE_"
	envConfigFile = "TOOLCACHE_CONFIG"
	configName    = "config.toml"
)

// Size is a byte count written as "5GiB", "500MB" or a plain integer.
type Size int64

func (s *Size) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*s = Size(n)
	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(s))), nil
}

// Duration is a time.Duration written as "5s" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// RemoteConfig holds the [remote] table.
type RemoteConfig struct {
	Kind            string   `toml:"kind"`
	Endpoint        string   `toml:"endpoint,omitempty"`
	Bucket          string   `toml:"bucket,omitempty"`
	Region          string   `toml:"region,omitempty"`
	Prefix          string   `toml:"prefix"`
	Token           string   `toml:"token,omitempty"`
	CredentialsFile string   `toml:"credentials_file,omitempty"`
	TTL             Duration `toml:"ttl,omitempty"`
	Timeout         Duration `toml:"timeout"`
	ReadOnly        bool     `toml:"read_only"`
}

// Config holds the toolcache configuration.
type Config struct {
	Dir              string       `toml:"dir"`
	MaxSize          Size         `toml:"max_size"`
	Compression      string       `toml:"compression"`
	CompressionLevel int          `toml:"compression_level"`
	LogLevel         string       `toml:"log_level"`
	Debug            bool         `toml:"debug"`
	Remote           RemoteConfig `toml:"remote"`
}

// Default returns the default configuration.
func Default() Config {
	remote := backends.DefaultConfig()
	return Config{
		Dir:         defaultDir(),
		MaxSize:     Size(localcache.DefaultOptions("").MaxSize),
		Compression: entry.DefaultCompression().Algorithm.String(),
		LogLevel:    "warn",
		Remote: RemoteConfig{
			Kind:    string(remote.Kind),
			Prefix:  remote.Prefix,
			Timeout: Duration(remote.Timeout),
		},
	}
}

func defaultDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "toolcache")
	}
	return filepath.Join(os.TempDir(), "toolcache")
}

// setting is one option settable from the environment and the command line.
// The environment variable is TOOLCACHE_ followed by the upper-cased name,
// the flag is the name with underscores replaced by dashes.
type setting struct {
	name  string
	usage string
	set   func(c *Config, v string) error
}

func (s setting) env() string {
	return envPrefix + strings.ToUpper(s.name)
}

func (s setting) flag() string {
	return strings.ReplaceAll(s.name, "_", "-")
}

var settings = []setting{
	{"dir", "cache root directory", func(c *Config, v string) error {
		c.Dir = v
		return nil
	}},
	{"max_size", "eviction budget, e.g. 5GiB", func(c *Config, v string) error {
		return c.MaxSize.UnmarshalText([]byte(v))
	}},
	{"compression", "compression algorithm: none, lz4 or zstd", func(c *Config, v string) error {
		c.Compression = v
		return nil
	}},
	{"compression_level", "compression level, 0 for the algorithm default", func(c *Config, v string) error {
		return setInt(&c.CompressionLevel, v)
	}},
	{"remote", "remote tier: none, redis, http, s3 or gcs", func(c *Config, v string) error {
		c.Remote.Kind = v
		return nil
	}},
	{"remote_endpoint", "remote endpoint (redis address, base URL or custom S3/GCS endpoint)", func(c *Config, v string) error {
		c.Remote.Endpoint = v
		return nil
	}},
	{"remote_bucket", "bucket for the s3 and gcs remotes", func(c *Config, v string) error {
		c.Remote.Bucket = v
		return nil
	}},
	{"remote_region", "region for the s3 remote", func(c *Config, v string) error {
		c.Remote.Region = v
		return nil
	}},
	{"remote_prefix", "key prefix in the remote tier", func(c *Config, v string) error {
		c.Remote.Prefix = v
		return nil
	}},
	{"remote_timeout", "timeout for each remote call", func(c *Config, v string) error {
		return c.Remote.Timeout.UnmarshalText([]byte(v))
	}},
	{"remote_read_only", "never publish to the remote tier", func(c *Config, v string) error {
		return setBool(&c.Remote.ReadOnly, v)
	}},
	{"debug", "log every remote call", func(c *Config, v string) error {
		return setBool(&c.Debug, v)
	}},
	{"log_level", "log level: debug, info, warn or error", func(c *Config, v string) error {
		c.LogLevel = v
		return nil
	}},
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid integer %q", v)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid boolean %q", v)
	}
	*dst = b
	return nil
}

// LoadConfig builds the configuration from the defaults, the config file and
// the environment, in that order. lookup is os.LookupEnv outside of tests.
//
// The config file is $TOOLCACHE_CONFIG when set, otherwise config.toml in the
// cache root. Only an explicitly named file must exist.
func LoadConfig(lookup func(string) (string, bool)) (Config, string, error) {
	cfg := Default()
	if dir, ok := lookup(envPrefix + "DIR"); ok && dir != "" {
		cfg.Dir = dir
	}

	path, explicit := lookup(envConfigFile)
	if !explicit || path == "" {
		explicit = false
		path = filepath.Join(cfg.Dir, configName)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, path, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	case explicit:
		return cfg, path, fmt.Errorf("failed to load config %s: %w", path, err)
	default:
		// The implicit file is optional, and the cache dir may not be
		// readable at all.
		path = ""
	}

	for _, s := range settings {
		v, ok := lookup(s.env())
		if !ok {
			continue
		}
		if err := s.set(&cfg, v); err != nil {
			return cfg, path, fmt.Errorf("%s: %w", s.env(), err)
		}
	}
	return cfg, path, nil
}

// Set applies one named option, as given on the command line.
func (c *Config) Set(name, value string) error {
	for _, s := range settings {
		if s.name == name || s.flag() == name {
			if err := s.set(c, value); err != nil {
				return fmt.Errorf("--%s: %w", s.flag(), err)
			}
			return nil
		}
	}
	return fmt.Errorf("unknown option %q", name)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("cache dir must be set")
	}
	if c.MaxSize <= 0 {
		return fmt.Errorf("max_size must be positive, got %d", c.MaxSize)
	}
	if _, err := c.compression(); err != nil {
		return err
	}
	if _, err := c.level(); err != nil {
		return err
	}
	if _, err := c.BackendConfig(); err != nil {
		return err
	}
	return nil
}

func (c Config) compression() (entry.Compression, error) {
	algo, err := entry.ParseAlgorithm(c.Compression)
	if err != nil {
		return entry.Compression{}, err
	}
	comp := entry.Compression{Algorithm: algo, Level: c.CompressionLevel}
	if err := comp.Validate(); err != nil {
		return entry.Compression{}, err
	}
	return comp, nil
}

func (c Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}

// StoreOptions returns the local store options.
func (c Config) StoreOptions() (localcache.Options, error) {
	comp, err := c.compression()
	if err != nil {
		return localcache.Options{}, err
	}
	opts := localcache.DefaultOptions(c.Dir)
	opts.MaxSize = int64(c.MaxSize)
	opts.Compression = comp
	return opts, nil
}

// BackendConfig returns the validated remote tier configuration.
func (c Config) BackendConfig() (backends.Config, error) {
	kind, err := backends.ParseKind(c.Remote.Kind)
	if err != nil {
		return backends.Config{}, err
	}
	bc := backends.Config{
		Kind:            kind,
		Endpoint:        c.Remote.Endpoint,
		Bucket:          c.Remote.Bucket,
		Region:          c.Remote.Region,
		Prefix:          c.Remote.Prefix,
		Token:           c.Remote.Token,
		CredentialsFile: c.Remote.CredentialsFile,
		TTL:             time.Duration(c.Remote.TTL),
		Timeout:         time.Duration(c.Remote.Timeout),
		ReadOnly:        c.Remote.ReadOnly,
		Debug:           c.Debug,
	}
	if err := bc.Validate(); err != nil {
		return backends.Config{}, err
	}
	return bc, nil
}

// settingNames lists the option names in a stable order for help output.
func settingNames() []string {
	names := make([]string, 0, len(settings))
	for _, s := range settings {
		names = append(names, s.env())
	}
	sort.Strings(names)
	return names
}
