package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/jmgilman/go/exec"
	"github.com/spf13/cobra"

	"github.com/richardartoul/toolcache/pkg/cache"
	"github.com/richardartoul/toolcache/pkg/cachekey"
	"github.com/richardartoul/toolcache/pkg/entry"
	"github.com/richardartoul/toolcache/pkg/fsutil"
	"github.com/richardartoul/toolcache/pkg/metrics"
)

// invocation is a tool run as described on the command line.
type invocation struct {
	// Command is the tool followed by its arguments.
	Command []string
	// Inputs are ROLE=PATH pairs or bare paths.
	Inputs []string
	// Outputs are NAME=PATH pairs or bare relative paths.
	Outputs []string
	// Env names environment variables the tool's result depends on.
	Env []string
	// ToolVersion overrides hashing the executable.
	ToolVersion string
}

func newRunCmd(a *app) *cobra.Command {
	var (
		inv   invocation
		stats bool
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- COMMAND [ARGS...]",
		Short: "Run a tool through the cache",
		Long: `Run a tool through the cache.

The cache key covers the executable's name and contents, every argument, the
contents of each --input file, the value of each --env variable and the names
of the declared outputs. On a hit the outputs are restored and the recorded
stdout, stderr and exit status are replayed without running the tool.

Only successful runs whose declared outputs all exist are cached.`,
		Example: `  toolcache run --input src=foo.c --output foo.o -- cc -c foo.c -o foo.o
  toolcache run --env CFLAGS --input foo.c -o obj/foo.o=/tmp/build/foo.o -- ./build.sh`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv.Command = args
			return a.run(cmd, inv, stats)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringArrayVarP(&inv.Inputs, "input", "i", nil, "input file as ROLE=PATH or PATH (repeatable)")
	cmd.Flags().StringArrayVarP(&inv.Outputs, "output", "o", nil, "output file as NAME=PATH or a relative PATH (repeatable)")
	cmd.Flags().StringArrayVarP(&inv.Env, "env", "e", nil, "environment variable the result depends on (repeatable)")
	cmd.Flags().StringVar(&inv.ToolVersion, "tool-version", "", "tool version, defaults to a hash of the executable")
	cmd.Flags().BoolVar(&stats, "stats", false, "print the outcome and per-phase latencies to stderr")

	return cmd
}

func (a *app) run(cmd *cobra.Command, inv invocation, stats bool) error {
	ctx := cmd.Context()

	req, err := buildRequest(ctx, inv, os.LookupEnv)
	if err != nil {
		return err
	}

	var latency *metrics.LatencyTracker
	if stats {
		latency = metrics.NewLatencyTracker(0.01)
	}
	c, closeFn, err := a.openCache(ctx, latency)
	if err != nil {
		return err
	}

	res, err := c.Run(ctx, req)
	if res != nil {
		cmd.OutOrStdout().Write(res.Stdout)
		cmd.ErrOrStderr().Write(res.Stderr)
	}
	c.Wait()
	if cerr := closeFn(); cerr != nil {
		a.logger.Warn("failed to close cache", "error", cerr)
	}
	if err != nil {
		return err
	}

	if stats {
		fmt.Fprintf(cmd.ErrOrStderr(), "toolcache: key=%s outcome=%s stored=%t\n%s",
			res.Key, res.Outcome, res.Stored, latency.Report())
	}
	if res.ExitCode != 0 {
		code := res.ExitCode
		if code < 0 {
			code = 1
		}
		return &exitCodeError{code: code}
	}
	return nil
}

// buildRequest derives the descriptor of inv. Every argument is treated as
// hash-relevant.
func buildRequest(ctx context.Context, inv invocation, lookupEnv func(string) (string, bool)) (cache.Request, error) {
	if len(inv.Command) == 0 {
		return cache.Request{}, fmt.Errorf("%w: no command", cache.ErrInvalidInput)
	}
	// A toolcache binary installed under the tool's name must not wrap itself.
	self, _ := os.Executable()
	exe, err := fsutil.FindExecutable(inv.Command[0], self)
	if err != nil {
		return cache.Request{}, err
	}
	args := inv.Command[1:]

	desc := cachekey.Descriptor{
		Command:     strings.Join(append([]string{filepath.Base(exe.Virtual)}, args...), "\x00"),
		ToolVersion: inv.ToolVersion,
	}
	if desc.ToolVersion == "" {
		if desc.ToolVersion, err = cachekey.HashFile(exe.Real); err != nil {
			return cache.Request{}, fmt.Errorf("failed to hash tool: %w", err)
		}
	}

	roles := make([]string, 0, len(inv.Inputs))
	paths := make([]string, 0, len(inv.Inputs))
	for _, in := range inv.Inputs {
		role, path, err := splitPair(in)
		if err != nil {
			return cache.Request{}, fmt.Errorf("%w: --input %q: %v", cache.ErrInvalidInput, in, err)
		}
		if role == "" {
			role = "input:" + filepath.ToSlash(filepath.Clean(path))
		}
		roles = append(roles, role)
		paths = append(paths, path)
	}
	sums, err := cachekey.HashFiles(ctx, paths, runtime.GOMAXPROCS(0))
	if err != nil {
		return cache.Request{}, err
	}
	for i, role := range roles {
		desc.Inputs = append(desc.Inputs, cachekey.Input{Role: role, Hash: sums[i]})
	}

	for _, name := range inv.Env {
		value, ok := lookupEnv(name)
		state := "unset"
		if ok {
			state = "set:" + value
		}
		desc.Inputs = append(desc.Inputs, cachekey.Input{
			Role: "env:" + name,
			Hash: cachekey.HashBytes([]byte(state)),
		})
	}

	outputs := make([]cache.Output, 0, len(inv.Outputs))
	for _, out := range inv.Outputs {
		name, path, err := splitPair(out)
		if err != nil {
			return cache.Request{}, fmt.Errorf("%w: --output %q: %v", cache.ErrInvalidInput, out, err)
		}
		if name == "" {
			name = filepath.ToSlash(filepath.Clean(path))
		}
		if err := entry.ValidatePath(name); err != nil {
			return cache.Request{}, fmt.Errorf("%w: --output %q: %v", cache.ErrInvalidInput, out, err)
		}
		outputs = append(outputs, cache.Output{Name: name, Path: path})
		// The set of stored artifacts is part of the result.
		desc.Inputs = append(desc.Inputs, cachekey.Input{
			Role: "output:" + name,
			Hash: cachekey.HashBytes([]byte(name)),
		})
	}

	return cache.Request{
		Descriptor: desc,
		Outputs:    outputs,
		Run:        toolRunner(exe.Virtual, args),
	}, nil
}

// splitPair splits "NAME=PATH". A value without "=" is a bare path.
func splitPair(s string) (name, path string, err error) {
	name, path, ok := strings.Cut(s, "=")
	if !ok {
		name, path = "", s
	}
	if path == "" {
		return "", "", errors.New("empty path")
	}
	if ok && name == "" {
		return "", "", errors.New("empty name")
	}
	return name, path, nil
}

// toolRunner runs the tool with the caller's environment and captures its
// output. A non-zero exit is a normal Execution; only a failure to start the
// process is an error.
func toolRunner(path string, args []string) cache.Runner {
	return func(ctx context.Context) (cache.Execution, error) {
		res, err := exec.New().
			WithInheritEnv().
			WithContext(ctx).
			Run(append([]string{path}, args...)...)
		if err != nil {
			var exitErr *osexec.ExitError
			if !errors.As(err, &exitErr) || res == nil {
				return cache.Execution{}, err
			}
		}
		return cache.Execution{
			ExitCode: res.ExitCode,
			Stdout:   []byte(res.Stdout),
			Stderr:   []byte(res.Stderr),
		}, nil
	}
}
