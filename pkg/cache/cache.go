// Package cache sequences the cache tiers around one tool invocation: local
// lookup, remote lookup with local backfill, and on a miss execution of the
// tool followed by a local commit and a best-effort remote publish.
//
// Caching never changes what the caller observes beyond skipping work. Every
// cache failure degrades to running the tool, and only successful runs whose
// declared outputs all exist are stored.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/richardartoul/toolcache/backends"
	"github.com/richardartoul/toolcache/pkg/cachekey"
	"github.com/richardartoul/toolcache/pkg/entry"
	"github.com/richardartoul/toolcache/pkg/localcache"
	"github.com/richardartoul/toolcache/pkg/locking"
	"github.com/richardartoul/toolcache/pkg/metrics"
)

var (
	// ErrInvalidInput is returned for malformed requests. Nothing runs.
	ErrInvalidInput = cachekey.ErrInvalidInput
	// ErrExecution is returned when the tool could not be run at all.
	ErrExecution = errors.New("failed to execute tool")

	errMissingArtifact = errors.New("entry has no artifact")
)

// Outcome says how a Result was produced.
type Outcome int

const (
	// LocalHit replayed an entry from the local store.
	LocalHit Outcome = iota
	// RemoteHit replayed an entry fetched from the remote tier.
	RemoteHit
	// Executed ran the tool successfully.
	Executed
	// Uncached ran the tool, which failed; the result was not stored.
	Uncached
)

func (o Outcome) String() string {
	switch o {
	case LocalHit:
		return "local_hit"
	case RemoteHit:
		return "remote_hit"
	case Executed:
		return "executed"
	case Uncached:
		return "uncached"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Hit reports whether the tool was skipped.
func (o Outcome) Hit() bool {
	return o == LocalHit || o == RemoteHit
}

// Output is one file the tool produces.
type Output struct {
	// Name is the artifact path inside the entry, e.g. "foo.o".
	Name string
	// Path is where the file lives on disk.
	Path string
}

// Execution is what a tool run produced besides its output files.
type Execution struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner runs the tool to completion. A non-zero exit is reported through
// Execution.ExitCode; an error means the tool could not be run.
type Runner func(ctx context.Context) (Execution, error)

// Request is one cached invocation.
type Request struct {
	Descriptor cachekey.Descriptor
	Outputs    []Output
	Run        Runner
}

// Result is the observable result of an invocation, replayed or fresh.
type Result struct {
	Key      string
	Outcome  Outcome
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	// Stored is true when this call committed a new local record.
	Stored bool
}

// Options configures a Cache.
type Options struct {
	Compression entry.Compression
	// Locker serializes runs of the same key within this process.
	// Defaults to a MemLock.
	Locker   locking.Group
	Latency  *metrics.LatencyTracker
	Counters *metrics.Counters
	// Synchronous publishes and evicts inline instead of in the
	// background.
	Synchronous bool
}

// Cache is safe for concurrent use.
type Cache struct {
	store  *localcache.Store
	remote *backends.Client
	opts   Options
	logger *slog.Logger

	wg sync.WaitGroup
}

// New creates a Cache. store and remote may be nil to disable a tier.
func New(store *localcache.Store, remote *backends.Client, opts Options, logger *slog.Logger) *Cache {
	if opts.Locker == nil {
		opts.Locker = locking.NewMemLock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		store:  store,
		remote: remote,
		opts:   opts,
		logger: logger,
	}
}

// Wait blocks until background publishes and evictions finish.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Run answers req from the cache or by running the tool. The only errors are
// ErrInvalidInput, before anything runs, and ErrExecution when the runner
// fails to start; in the latter case the returned Result is still non-nil.
func (c *Cache) Run(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	start := time.Now()
	defer c.opts.Latency.Since(metrics.PhaseTotal, start)

	key := cachekey.BuildKey(req.Descriptor)
	c.opts.Latency.Since(metrics.PhaseKey, start)

	var (
		res *Result
		err error
	)
	_ = c.opts.Locker.DoWithLock(key, func() error {
		res, err = c.run(ctx, key, req)
		return err
	})
	if res != nil {
		c.logger.DebugContext(ctx, "cache run finished",
			"key", key, "outcome", res.Outcome, "exit_code", res.ExitCode, "duration", time.Since(start))
	}
	return res, err
}

func validate(req Request) error {
	if req.Run == nil {
		return fmt.Errorf("%w: no runner", ErrInvalidInput)
	}
	if err := req.Descriptor.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(req.Outputs))
	for _, o := range req.Outputs {
		if err := entry.ValidatePath(o.Name); err != nil {
			return fmt.Errorf("%w: output %q: %v", ErrInvalidInput, o.Name, err)
		}
		if o.Path == "" {
			return fmt.Errorf("%w: output %q has no path", ErrInvalidInput, o.Name)
		}
		if _, dup := seen[o.Name]; dup {
			return fmt.Errorf("%w: duplicate output %q", ErrInvalidInput, o.Name)
		}
		seen[o.Name] = struct{}{}
	}
	return nil
}

func (c *Cache) run(ctx context.Context, key string, req Request) (*Result, error) {
	if e, ok := c.lookupLocal(ctx, key); ok {
		err := c.materialize(req.Outputs, e)
		if err == nil {
			return replay(key, LocalHit, e), nil
		}
		c.logger.WarnContext(ctx, "failed to restore local cache entry, running tool", "key", key, "error", err)
		if errors.Is(err, errMissingArtifact) {
			// Drop the record so the fresh result can take its place.
			if err := c.store.Remove(key); err != nil {
				c.logger.WarnContext(ctx, "failed to remove incomplete cache entry", "key", key, "error", err)
			}
		}
		return c.execute(ctx, key, req)
	}

	if e, blob, ok := c.lookupRemote(ctx, key); ok {
		c.backfill(ctx, key, blob)
		err := c.materialize(req.Outputs, e)
		if err == nil {
			return replay(key, RemoteHit, e), nil
		}
		c.logger.WarnContext(ctx, "failed to restore remote cache entry, running tool", "key", key, "error", err)
	}
	return c.execute(ctx, key, req)
}

func replay(key string, outcome Outcome, e entry.Entry) *Result {
	return &Result{
		Key:      key,
		Outcome:  outcome,
		ExitCode: e.ExitCode,
		Stdout:   e.Stdout,
		Stderr:   e.Stderr,
	}
}

func (c *Cache) lookupLocal(ctx context.Context, key string) (entry.Entry, bool) {
	if c.store == nil {
		return entry.Entry{}, false
	}
	start := time.Now()
	e, err := c.store.Lookup(key)
	c.opts.Latency.Since(metrics.PhaseLocalLookup, start)

	switch {
	case err == nil:
		c.opts.Counters.Lookup(ctx, metrics.TierLocal, true)
		return e, true
	case errors.Is(err, localcache.ErrMiss):
	case errors.Is(err, localcache.ErrCorruptEntry):
		c.opts.Counters.Error(ctx, metrics.TierLocal, "corrupt")
		c.logger.WarnContext(ctx, "corrupt local cache entry treated as miss", "key", key, "error", err)
	default:
		c.opts.Counters.Error(ctx, metrics.TierLocal, "lookup")
		c.logger.WarnContext(ctx, "local cache lookup failed", "key", key, "error", err)
	}
	c.opts.Counters.Lookup(ctx, metrics.TierLocal, false)
	return entry.Entry{}, false
}

func (c *Cache) lookupRemote(ctx context.Context, key string) (entry.Entry, []byte, bool) {
	if !c.remote.Enabled() {
		return entry.Entry{}, nil, false
	}
	start := time.Now()
	blob, status := c.remote.Fetch(ctx, key)
	c.opts.Latency.Since(metrics.PhaseRemoteFetch, start)

	if status != backends.StatusOK {
		if status == backends.StatusUnavailable {
			c.opts.Counters.Error(ctx, metrics.TierRemote, "fetch")
		}
		c.opts.Counters.Lookup(ctx, metrics.TierRemote, false)
		return entry.Entry{}, nil, false
	}
	e, err := entry.Decode(blob)
	if err != nil {
		c.opts.Counters.Error(ctx, metrics.TierRemote, "corrupt")
		c.opts.Counters.Lookup(ctx, metrics.TierRemote, false)
		c.logger.WarnContext(ctx, "corrupt remote cache entry treated as miss", "key", key, "error", err)
		return entry.Entry{}, nil, false
	}
	c.opts.Counters.Lookup(ctx, metrics.TierRemote, true)
	c.opts.Counters.Bytes(ctx, metrics.TierRemote, "in", len(blob))
	return e, blob, true
}

// backfill stores a remote hit locally. Failure only costs a future fetch.
func (c *Cache) backfill(ctx context.Context, key string, blob []byte) {
	if c.store == nil {
		return
	}
	start := time.Now()
	res, err := c.store.CommitBlob(key, blob)
	c.opts.Latency.Since(metrics.PhaseLocalCommit, start)
	if err != nil {
		c.opts.Counters.Store(ctx, metrics.TierLocal, "failed")
		c.logger.WarnContext(ctx, "failed to backfill local cache from remote", "key", key, "error", err)
		return
	}
	c.opts.Counters.Store(ctx, metrics.TierLocal, res.String())
	if res == localcache.Committed {
		c.opts.Counters.Bytes(ctx, metrics.TierLocal, "out", len(blob))
		c.background(ctx, c.evict)
	}
}

// materialize writes the requested artifacts of e to their output paths.
func (c *Cache) materialize(outputs []Output, e entry.Entry) error {
	start := time.Now()
	defer c.opts.Latency.Since(metrics.PhaseMaterialize, start)

	for _, o := range outputs {
		a, ok := e.Artifact(o.Name)
		if !ok {
			return fmt.Errorf("%w: %q", errMissingArtifact, o.Name)
		}
		if err := os.MkdirAll(filepath.Dir(o.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		if err := writeOutput(o.Path, a.Data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) execute(ctx context.Context, key string, req Request) (*Result, error) {
	start := time.Now()
	ex, err := req.Run(ctx)
	c.opts.Latency.Since(metrics.PhaseExecute, start)
	if err != nil {
		c.opts.Counters.Execution(ctx, false)
		return &Result{Key: key, Outcome: Uncached, ExitCode: -1}, fmt.Errorf("%w: %w", ErrExecution, err)
	}

	res := &Result{
		Key:      key,
		Outcome:  Executed,
		ExitCode: ex.ExitCode,
		Stdout:   ex.Stdout,
		Stderr:   ex.Stderr,
	}
	if ex.ExitCode != 0 {
		res.Outcome = Uncached
		c.opts.Counters.Execution(ctx, false)
		return res, nil
	}

	e := entry.Entry{
		ExitCode:  ex.ExitCode,
		Stdout:    ex.Stdout,
		Stderr:    ex.Stderr,
		Artifacts: make([]entry.Artifact, 0, len(req.Outputs)),
	}
	for _, o := range req.Outputs {
		data, err := os.ReadFile(o.Path)
		if err != nil {
			c.opts.Counters.Execution(ctx, false)
			c.logger.WarnContext(ctx, "declared output missing, result not cached",
				"key", key, "output", o.Name, "error", err)
			return res, nil
		}
		e.Artifacts = append(e.Artifacts, entry.Artifact{Path: o.Name, Data: data})
	}
	c.opts.Counters.Execution(ctx, true)

	if c.store == nil && !c.remote.Enabled() {
		return res, nil
	}

	encodeStart := time.Now()
	blob, err := entry.Encode(e, c.opts.Compression)
	c.opts.Latency.Since(metrics.PhaseEncode, encodeStart)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to encode cache entry", "key", key, "error", err)
		return res, nil
	}

	if c.store != nil {
		commitStart := time.Now()
		cr, err := c.store.CommitBlob(key, blob)
		c.opts.Latency.Since(metrics.PhaseLocalCommit, commitStart)
		if err != nil {
			c.opts.Counters.Store(ctx, metrics.TierLocal, "failed")
			c.logger.WarnContext(ctx, "failed to commit local cache entry", "key", key, "error", err)
		} else {
			c.opts.Counters.Store(ctx, metrics.TierLocal, cr.String())
			res.Stored = cr == localcache.Committed
			if res.Stored {
				c.opts.Counters.Bytes(ctx, metrics.TierLocal, "out", len(blob))
			}
		}
	}

	c.background(ctx, func(ctx context.Context) {
		c.publish(ctx, key, blob)
		if res.Stored {
			c.evict(ctx)
		}
	})
	return res, nil
}

func (c *Cache) publish(ctx context.Context, key string, blob []byte) {
	if !c.remote.Enabled() {
		return
	}
	start := time.Now()
	status := c.remote.Publish(ctx, key, blob)
	c.opts.Latency.Since(metrics.PhaseRemotePublish, start)
	switch status {
	case backends.StatusOK:
		c.opts.Counters.Store(ctx, metrics.TierRemote, "stored")
		c.opts.Counters.Bytes(ctx, metrics.TierRemote, "out", len(blob))
	case backends.StatusUnavailable:
		c.opts.Counters.Store(ctx, metrics.TierRemote, "failed")
		c.opts.Counters.Error(ctx, metrics.TierRemote, "publish")
	default:
		c.opts.Counters.Store(ctx, metrics.TierRemote, "skipped")
	}
}

func (c *Cache) evict(ctx context.Context) {
	if c.store == nil {
		return
	}
	start := time.Now()
	res, err := c.store.EvictIfNeeded(ctx)
	if !res.Ran && err == nil {
		return
	}
	c.opts.Latency.Since(metrics.PhaseSweep, start)
	if err != nil {
		c.opts.Counters.Error(ctx, metrics.TierLocal, "sweep")
		c.logger.WarnContext(ctx, "cache sweep failed", "error", err)
	}
}

// background runs fn detached from ctx's cancellation, tracked by Wait.
func (c *Cache) background(ctx context.Context, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	if c.opts.Synchronous {
		fn(ctx)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}
