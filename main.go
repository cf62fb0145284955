package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information, set at link time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func versionString() string {
	return fmt.Sprintf("toolcache %s (%s, %s)", version, commit[:min(7, len(commit))], runtime.Version())
}

// exitCodeError carries the wrapped tool's exit status out of a command
// without printing anything.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// app is the state shared by all commands once the root command has loaded
// the configuration.
type app struct {
	cfg        Config
	configPath string
	logger     *slog.Logger
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(&app{})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *exitCodeError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(stderr, "toolcache: %v\n", err)
	return 1
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "toolcache",
		Short: "Cache the results of expensive tool invocations",
		Long: `toolcache memoizes deterministic tool invocations such as compiler runs.

A run whose command, tool version and inputs were seen before replays the
recorded output files, stdout, stderr and exit status instead of running the
tool again. Results live in a size-bounded local directory shared safely by
any number of processes, optionally backed by a remote tier.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.Version = versionString()
	root.SetVersionTemplate("{{.Version}}\n")

	flags := root.PersistentFlags()
	for _, s := range settings {
		flags.String(s.flag(), "", s.usage+" (env "+s.env()+")")
	}
	for _, name := range []string{"debug", "remote-read-only"} {
		flags.Lookup(name).NoOptDefVal = "true"
	}

	root.AddCommand(
		newRunCmd(a),
		newStatsCmd(a),
		newGCCmd(a),
		newClearCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return root
}

// load resolves the configuration and builds the logger. Flags override the
// environment, which overrides the config file.
func (a *app) load(cmd *cobra.Command) error {
	cfg, path, err := LoadConfig(os.LookupEnv)
	if err != nil {
		return err
	}
	for _, s := range settings {
		f := cmd.Flags().Lookup(s.flag())
		if f == nil || !f.Changed {
			continue
		}
		if err := cfg.Set(s.name, f.Value.String()); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := cfg.level()
	if cfg.Debug {
		level = slog.LevelDebug
	}
	a.cfg = cfg
	a.configPath = path
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
			return nil
		},
	}
}
