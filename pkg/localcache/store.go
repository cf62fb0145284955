// Package localcache is a size-bounded, on-disk store of encoded cache
// entries that many independent processes can share.
//
// Records live at records/<k[0:2]>/<k[2:4]>/<key>.rec. A record is written
// in full to a uniquely named temp file in its shard and then published with
// a no-replace link, so readers see either nothing or a complete record and
// the first writer for a key wins. The only mutations are create, link,
// rename and delete of uniquely named paths; no file is ever edited in place.
package localcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/richardartoul/toolcache/pkg/cachekey"
	"github.com/richardartoul/toolcache/pkg/entry"
	"github.com/richardartoul/toolcache/pkg/fsutil"
)

var (
	// ErrMiss is returned by Lookup when no record exists for the key.
	ErrMiss = errors.New("cache miss")
	// ErrSweepBusy is returned by Sweep when another sweep holds the marker.
	ErrSweepBusy = errors.New("sweep already in progress")
	// ErrCorruptEntry is wrapped by Lookup errors for records that fail
	// validation.
	ErrCorruptEntry = entry.ErrCorruptEntry
)

// CommitResult reports what Commit did.
type CommitResult int

const (
	// Committed means this call published the record.
	Committed CommitResult = iota
	// Skipped means a record for the key already existed, or a concurrent
	// writer published one first.
	Skipped
)

func (r CommitResult) String() string {
	if r == Committed {
		return "committed"
	}
	return "skipped"
}

const (
	recordsDir   = "records"
	markerFile   = "sweep.marker"
	closeTimeout = 2 * time.Second
)

// Options configures a Store.
type Options struct {
	// Dir is the cache root.
	Dir string
	// MaxSize is the eviction budget in bytes. Zero or less disables
	// budget-driven eviction.
	MaxSize int64
	// Compression is applied by Commit when encoding entries.
	Compression entry.Compression
	// StaleTempAge is the age after which a sweep deletes leftover temp
	// files from crashed writers.
	StaleTempAge time.Duration
	// SweepMarkerTTL is the age after which a sweep marker is considered
	// abandoned by a crashed sweeper.
	SweepMarkerTTL time.Duration
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultOptions returns options for a store rooted at dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:            dir,
		MaxSize:        5 << 30,
		Compression:    entry.DefaultCompression(),
		StaleTempAge:   time.Hour,
		SweepMarkerTTL: 10 * time.Minute,
		Clock:          time.Now,
	}
}

// Store is a local cache directory. It is safe for concurrent use by
// goroutines and by other processes opening the same directory.
type Store struct {
	opts   Options
	logger *slog.Logger

	root          string
	records       string
	statsPath     string
	statsLockPath string
	markerPath    string

	mu      sync.Mutex
	pending Stats
}

// New opens (creating if needed) the store rooted at opts.Dir.
func New(opts Options, logger *slog.Logger) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := opts.Compression.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.StaleTempAge <= 0 {
		opts.StaleTempAge = time.Hour
	}
	if opts.SweepMarkerTTL <= 0 {
		opts.SweepMarkerTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	root, err := fsutil.Canonicalize(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
	}
	records := filepath.Join(root, recordsDir)

	// Precreate the 256 first-level shards so commits only ever need to
	// create the second level.
	for i := 0; i < 256; i++ {
		shard := filepath.Join(records, fmt.Sprintf("%02x", i))
		if err := os.MkdirAll(shard, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create shard %s: %w", shard, err)
		}
	}

	return &Store{
		opts:          opts,
		logger:        logger,
		root:          root,
		records:       records,
		statsPath:     filepath.Join(root, statsFile),
		statsLockPath: filepath.Join(root, statsLock),
		markerPath:    filepath.Join(root, markerFile),
	}, nil
}

// Dir returns the canonical cache root.
func (s *Store) Dir() string {
	return s.root
}

// Options returns the options the store was opened with.
func (s *Store) Options() Options {
	return s.opts
}

func (s *Store) shardDir(key string) string {
	return filepath.Join(s.records, key[0:2], key[2:4])
}

func (s *Store) recordPath(key string) string {
	return filepath.Join(s.shardDir(key), key+recordExt)
}

// Lookup returns the entry stored under key. It returns ErrMiss when there is
// no record, and an error wrapping entry.ErrCorruptEntry when the record fails
// validation; the corrupt record is removed before returning. A hit bumps the
// record's last access time.
func (s *Store) Lookup(key string) (entry.Entry, error) {
	blob, err := s.readBlob(key)
	if err != nil {
		return entry.Entry{}, err
	}
	e, err := entry.Decode(blob)
	if err != nil {
		s.discardCorrupt(key, err)
		return entry.Entry{}, err
	}
	s.touch(key)
	return e, nil
}

func (s *Store) readBlob(key string) ([]byte, error) {
	if !cachekey.ValidKey(key) {
		return nil, fmt.Errorf("%w: malformed key %q", cachekey.ErrInvalidInput, key)
	}
	rec, err := os.ReadFile(s.recordPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.recordPending(Stats{Misses: 1})
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	_, blob, err := decodeRecord(rec)
	if err != nil {
		s.discardCorrupt(key, err)
		return nil, err
	}
	return blob, nil
}

// touch records a hit and bumps the record's mtime, which sweeps use as the
// last access time.
func (s *Store) touch(key string) {
	now := s.opts.Clock()
	if err := os.Chtimes(s.recordPath(key), now, now); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("failed to touch record", "key", key, "error", err)
	}
	s.recordPending(Stats{Hits: 1})
}

func (s *Store) discardCorrupt(key string, cause error) {
	s.logger.Warn("removing corrupt cache record", "key", key, "error", cause)
	path := s.recordPath(key)
	var size int64
	if info, err := os.Lstat(path); err == nil {
		size = info.Size()
	}
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to remove corrupt cache record", "key", key, "error", err)
		}
		s.recordPending(Stats{Corrupt: 1})
		return
	}
	s.recordPending(Stats{Corrupt: 1, Size: -size, Entries: -1})
}

// Commit encodes e and stores it under key unless a record already exists.
// It never replaces an existing record.
func (s *Store) Commit(key string, e entry.Entry) (CommitResult, error) {
	if !cachekey.ValidKey(key) {
		return Skipped, fmt.Errorf("%w: malformed key %q", cachekey.ErrInvalidInput, key)
	}
	if s.exists(key) {
		s.recordPending(Stats{Skipped: 1})
		return Skipped, nil
	}
	blob, err := entry.Encode(e, s.opts.Compression)
	if err != nil {
		return Skipped, err
	}
	return s.CommitBlob(key, blob)
}

// CommitBlob stores an already encoded entry under key. The caller is
// responsible for blob being a valid codec blob.
func (s *Store) CommitBlob(key string, blob []byte) (CommitResult, error) {
	if !cachekey.ValidKey(key) {
		return Skipped, fmt.Errorf("%w: malformed key %q", cachekey.ErrInvalidInput, key)
	}
	if s.exists(key) {
		s.recordPending(Stats{Skipped: 1})
		return Skipped, nil
	}

	shard := s.shardDir(key)
	if err := os.MkdirAll(shard, 0o755); err != nil {
		return Skipped, fmt.Errorf("failed to create shard: %w", err)
	}

	rec := encodeRecord(s.opts.Clock(), blob)
	tmp := fsutil.NewTempFile(shard, tempExt)
	defer tmp.Remove()

	if err := fsutil.WriteSynced(tmp.Path(), rec, 0o644); err != nil {
		return Skipped, err
	}
	if err := fsutil.LinkNoReplace(tmp.Path(), s.recordPath(key)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			s.recordPending(Stats{Skipped: 1})
			return Skipped, nil
		}
		return Skipped, err
	}

	s.recordPending(Stats{Commits: 1, Size: int64(len(rec)), Entries: 1})
	s.tryFlush()
	return Committed, nil
}

func (s *Store) exists(key string) bool {
	_, err := os.Lstat(s.recordPath(key))
	return err == nil
}

// Remove deletes the record for key. Removing a missing record is not an
// error.
func (s *Store) Remove(key string) error {
	if !cachekey.ValidKey(key) {
		return fmt.Errorf("%w: malformed key %q", cachekey.ErrInvalidInput, key)
	}
	path := s.recordPath(key)
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat record: %w", err)
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to remove record: %w", err)
	}
	s.recordPending(Stats{Size: -info.Size(), Entries: -1})
	return nil
}

// Clear removes every record and temp file and resets the size totals.
func (s *Store) Clear(ctx context.Context) (int, error) {
	files, err := fsutil.Walk(s.records, fsutil.All())
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		if filepath.Ext(f.Path) == recordExt {
			removed++
		}
	}
	if err := s.replaceTotals(ctx, 0, 0, 0); err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}

// Stats returns the persisted bookkeeping merged with this process's
// unflushed deltas.
func (s *Store) Stats() (Stats, error) {
	cur, err := loadStats(s.statsPath)
	if err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	cur.add(s.pending)
	s.mu.Unlock()
	return cur, nil
}

// Close flushes this process's counters into the stats file, waiting briefly
// for the stats lock. The store must not be used afterwards.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.flush(ctx); err != nil {
		return fmt.Errorf("failed to flush stats: %w", err)
	}
	return nil
}
