package localcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/richardartoul/toolcache/pkg/fsutil"
)

const (
	statsFile = "stats.json"
	statsLock = "stats.lock"

	flushRetryDelay = 10 * time.Millisecond
)

// Stats is the store's persisted bookkeeping. Size and Entries are tracked
// incrementally by commits and recomputed exactly by sweeps, so between
// sweeps they may be slightly stale. The counters accumulate across every
// process that used the store.
type Stats struct {
	Size      int64     `json:"size"`
	Entries   int64     `json:"entries"`
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	Corrupt   int64     `json:"corrupt"`
	Commits   int64     `json:"commits"`
	Skipped   int64     `json:"skipped"`
	Evicted   int64     `json:"evicted"`
	LastSweep time.Time `json:"last_sweep,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func (s *Stats) add(d Stats) {
	s.Size += d.Size
	s.Entries += d.Entries
	s.Hits += d.Hits
	s.Misses += d.Misses
	s.Corrupt += d.Corrupt
	s.Commits += d.Commits
	s.Skipped += d.Skipped
	s.Evicted += d.Evicted
	if s.Size < 0 {
		s.Size = 0
	}
	if s.Entries < 0 {
		s.Entries = 0
	}
}

func (s Stats) isZero() bool {
	return s == Stats{}
}

// loadStats reads path. A missing or unparsable file yields zero stats; the
// next sweep rewrites exact totals.
func loadStats(path string) (Stats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Stats{}, nil
		}
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	var s Stats
	if err := json.Unmarshal(data, &s); err != nil {
		return Stats{}, nil
	}
	return s, nil
}

func saveStats(path string, s Stats) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	return fsutil.WriteAtomic(path, data, 0o644)
}

// takePending hands the in-process deltas to the caller and resets them.
func (s *Store) takePending() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.pending
	s.pending = Stats{}
	return d
}

// returnPending puts deltas back after a failed flush.
func (s *Store) returnPending(d Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.add(d)
}

func (s *Store) recordPending(d Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.add(d)
}

// tryFlush merges pending deltas into the stats file if the stats lock is
// free right now. A busy lock leaves the deltas for a later flush.
func (s *Store) tryFlush() {
	lock := flock.New(s.statsLockPath)
	ok, err := lock.TryLock()
	if err != nil {
		s.logger.Debug("failed to lock stats", "error", err)
		return
	}
	if !ok {
		return
	}
	defer lock.Unlock()

	if err := s.flushLocked(); err != nil {
		s.logger.Debug("failed to flush stats", "error", err)
	}
}

// flush merges pending deltas, waiting for the stats lock until ctx is done.
func (s *Store) flush(ctx context.Context) error {
	lock := flock.New(s.statsLockPath)
	ok, err := lock.TryLockContext(ctx, flushRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to lock stats: %w", err)
	}
	if !ok {
		return errors.New("stats lock busy")
	}
	defer lock.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	d := s.takePending()
	if d.isZero() {
		return nil
	}
	cur, err := loadStats(s.statsPath)
	if err != nil {
		s.returnPending(d)
		return err
	}
	cur.add(d)
	cur.UpdatedAt = s.opts.Clock()
	if err := saveStats(s.statsPath, cur); err != nil {
		s.returnPending(d)
		return err
	}
	return nil
}

// replaceTotals overwrites Size and Entries with exact values measured by a
// sweep and folds in pending counters. It blocks on the stats lock until ctx
// is done.
func (s *Store) replaceTotals(ctx context.Context, size, entries, evicted int64) error {
	lock := flock.New(s.statsLockPath)
	ok, err := lock.TryLockContext(ctx, flushRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to lock stats: %w", err)
	}
	if !ok {
		return errors.New("stats lock busy")
	}
	defer lock.Unlock()

	d := s.takePending()
	cur, err := loadStats(s.statsPath)
	if err != nil {
		s.returnPending(d)
		return err
	}
	// Size and entry deltas from this process predate the walk and are
	// already part of the measured totals.
	d.Size, d.Entries = 0, 0
	cur.add(d)
	now := s.opts.Clock()
	cur.Size = size
	cur.Entries = entries
	cur.Evicted += evicted
	cur.LastSweep = now
	cur.UpdatedAt = now
	if err := saveStats(s.statsPath, cur); err != nil {
		s.returnPending(d)
		return err
	}
	return nil
}
