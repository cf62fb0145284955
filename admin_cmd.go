package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/richardartoul/toolcache/backends"
	"github.com/richardartoul/toolcache/pkg/cache"
	"github.com/richardartoul/toolcache/pkg/fsutil"
	"github.com/richardartoul/toolcache/pkg/localcache"
	"github.com/richardartoul/toolcache/pkg/locking"
	"github.com/richardartoul/toolcache/pkg/metrics"
)

func (a *app) openStore() (*localcache.Store, error) {
	opts, err := a.cfg.StoreOptions()
	if err != nil {
		return nil, err
	}
	store, err := localcache.New(opts, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache dir %s: %w", opts.Dir, err)
	}
	return store, nil
}

// openCache wires the local store, the remote tier and metrics into a Cache.
// An unusable cache dir disables the local tier instead of failing the run.
// The returned function releases both tiers.
func (a *app) openCache(ctx context.Context, latency *metrics.LatencyTracker) (*cache.Cache, func() error, error) {
	opts, err := a.cfg.StoreOptions()
	if err != nil {
		return nil, nil, err
	}
	bc, err := a.cfg.BackendConfig()
	if err != nil {
		return nil, nil, err
	}
	counters, err := metrics.NewCounters(nil)
	if err != nil {
		return nil, nil, err
	}

	store, err := localcache.New(opts, a.logger)
	if err != nil {
		a.logger.Warn("local cache unavailable, running without it", "dir", opts.Dir, "error", err)
		store = nil
	}
	backend, err := backends.New(ctx, bc, a.logger)
	if err != nil {
		// The remote tier is optional; run local-only rather than fail.
		a.logger.Warn("remote cache unavailable", "kind", bc.Kind, "error", err)
		backend = backends.NewDisabled()
	}
	remote := backends.NewClient(backend, bc, a.logger)

	// One invocation runs a single key; no in-process serialization needed.
	c := cache.New(store, remote, cache.Options{
		Compression: opts.Compression,
		Locker:      locking.NewNoOpGroup(),
		Latency:     latency,
		Counters:    counters,
	}, a.logger)

	closeFn := func() error {
		err := remote.Close()
		if store != nil {
			err = errors.Join(err, store.Close())
		}
		return err
	}
	return c, closeFn, nil
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache size and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Stats()
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), store.Dir(), int64(a.cfg.MaxSize), st)
			return nil
		},
	}
}

func printStats(w io.Writer, dir string, maxSize int64, st localcache.Stats) {
	lastSweep := "never"
	if !st.LastSweep.IsZero() {
		lastSweep = st.LastSweep.Local().Format(time.RFC3339)
	}
	ratio := 0.0
	if lookups := st.Hits + st.Misses; lookups > 0 {
		ratio = 100 * float64(st.Hits) / float64(lookups)
	}

	fmt.Fprintf(w, "cache dir:   %s\n", dir)
	fmt.Fprintf(w, "size:        %s / %s\n", fsutil.HumanSize(st.Size), fsutil.HumanSize(maxSize))
	fmt.Fprintf(w, "entries:     %d\n", st.Entries)
	fmt.Fprintf(w, "hits:        %d (%.1f%%)\n", st.Hits, ratio)
	fmt.Fprintf(w, "misses:      %d\n", st.Misses)
	fmt.Fprintf(w, "commits:     %d (%d skipped)\n", st.Commits, st.Skipped)
	fmt.Fprintf(w, "corrupt:     %d\n", st.Corrupt)
	fmt.Fprintf(w, "evicted:     %d\n", st.Evicted)
	fmt.Fprintf(w, "last sweep:  %s\n", lastSweep)
}

func newGCCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Evict least recently used entries down to the size budget",
		Long: `Evict least recently used entries down to the size budget.

Without --force the sweep only runs when the tracked size exceeds the budget.
Every sweep also removes corrupt records and temp files left by crashed
writers, and recomputes the size and entry totals.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var res localcache.SweepResult
			if force {
				res, err = store.Sweep(cmd.Context())
				if errors.Is(err, localcache.ErrSweepBusy) {
					fmt.Fprintln(cmd.OutOrStdout(), "another sweep is in progress")
					return nil
				}
			} else {
				res, err = store.EvictIfNeeded(cmd.Context())
			}
			if err != nil {
				return err
			}
			if !res.Ran {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to do")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, evicted %d, corrupt %d, stale temps %d, failed %d\n",
				res.Scanned, res.Evicted, res.Corrupt, res.StaleTemps, res.Failed)
			fmt.Fprintf(cmd.OutOrStdout(), "size %s -> %s (%d entries) in %s\n",
				fsutil.HumanSize(res.SizeBefore), fsutil.HumanSize(res.SizeAfter), res.EntriesAfter,
				res.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "sweep even when under budget")

	return cmd
}

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every local cache entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries from %s\n", n, store.Dir())
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Long: `Print the effective configuration as TOML.

Settings are read from the config file ($TOOLCACHE_CONFIG, or config.toml in
the cache dir), then the environment, then command line flags.

Environment variables:
  ` + strings.Join(settingNames(), "\n  "),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeConfig(cmd.OutOrStdout(), a.cfg, a.configPath)
		},
	}
}

func writeConfig(w io.Writer, cfg Config, path string) error {
	if path == "" {
		path = "none"
	}
	fmt.Fprintf(w, "# config file: %s\n", path)
	if cfg.Remote.Token != "" {
		cfg.Remote.Token = "<redacted>"
	}
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
