package localcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/richardartoul/toolcache/pkg/fsutil"
)

// SweepResult describes one sweep.
type SweepResult struct {
	// Ran is false when the sweep was not needed or another sweep held the
	// marker.
	Ran          bool
	Scanned      int
	Evicted      int
	Corrupt      int
	StaleTemps   int
	Failed       int
	SizeBefore   int64
	SizeAfter    int64
	EntriesAfter int64
	Duration     time.Duration
}

// EvictIfNeeded sweeps when the tracked aggregate size exceeds the budget.
// It never blocks on a concurrent sweep: a busy marker yields a result with
// Ran set to false and no error.
func (s *Store) EvictIfNeeded(ctx context.Context) (SweepResult, error) {
	if s.opts.MaxSize <= 0 {
		return SweepResult{}, nil
	}
	st, err := s.Stats()
	if err != nil {
		return SweepResult{}, err
	}
	if st.Size <= s.opts.MaxSize {
		return SweepResult{}, nil
	}
	res, err := s.Sweep(ctx)
	if errors.Is(err, ErrSweepBusy) {
		return SweepResult{}, nil
	}
	return res, err
}

type candidate struct {
	path  string
	size  int64
	atime time.Time
}

// Sweep deletes stale temp files and structurally invalid records, then
// evicts least recently accessed records until the store fits its budget.
// It returns ErrSweepBusy without doing anything when another sweep is in
// progress. Failing to delete an individual file is logged and counted,
// never fatal.
func (s *Store) Sweep(ctx context.Context) (SweepResult, error) {
	start := s.opts.Clock()
	release, err := s.acquireMarker()
	if err != nil {
		return SweepResult{}, err
	}
	defer release()

	files, err := fsutil.Walk(s.records, fsutil.All())
	if err != nil {
		return SweepResult{}, err
	}

	var (
		res        = SweepResult{Ran: true}
		isRecord   = fsutil.IncludeExtension(recordExt)
		isTemp     = fsutil.IncludeExtension(tempExt)
		tempCutoff = start.Add(-s.opts.StaleTempAge)
		records    = make([]candidate, 0, len(files))
		total      int64
	)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name := filepath.Base(f.Path)
		switch {
		case isTemp.Keep(name):
			if f.ModTime.Before(tempCutoff) {
				if s.removeFile(f.Path, "stale temp file") {
					res.StaleTemps++
				} else {
					res.Failed++
				}
			}
		case isRecord.Keep(name):
			res.Scanned++
			if err := checkRecordFile(f.Path, f.Size); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				s.logger.Warn("removing invalid cache record", "path", f.Path, "error", err)
				if s.removeFile(f.Path, "invalid record") {
					res.Corrupt++
				} else {
					res.Failed++
				}
				continue
			}
			records = append(records, candidate{path: f.Path, size: f.Size, atime: f.ModTime})
			total += f.Size
		}
	}
	res.SizeBefore = total

	sort.Slice(records, func(i, j int) bool {
		if !records[i].atime.Equal(records[j].atime) {
			return records[i].atime.Before(records[j].atime)
		}
		return records[i].path < records[j].path
	})

	entries := int64(len(records))
	if s.opts.MaxSize > 0 {
		for _, r := range records {
			if total <= s.opts.MaxSize {
				break
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if s.removeFile(r.path, "record") {
				total -= r.size
				entries--
				res.Evicted++
			} else {
				res.Failed++
			}
		}
	}
	res.SizeAfter = total
	res.EntriesAfter = entries
	res.Duration = s.opts.Clock().Sub(start)

	if err := s.replaceTotals(ctx, total, entries, int64(res.Evicted)); err != nil {
		s.logger.Warn("failed to update cache stats after sweep", "error", err)
	}

	s.logger.Info("cache sweep finished",
		"scanned", res.Scanned,
		"evicted", res.Evicted,
		"corrupt", res.Corrupt,
		"stale_temps", res.StaleTemps,
		"failures", res.Failed,
		"size_before", fsutil.HumanSize(res.SizeBefore),
		"size_after", fsutil.HumanSize(res.SizeAfter),
		"budget", fsutil.HumanSize(s.opts.MaxSize))
	return res, nil
}

// removeFile deletes path and reports whether it is gone. A file already
// deleted by someone else counts as removed.
func (s *Store) removeFile(path, what string) bool {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove "+what, "path", path, "error", err)
		return false
	}
	return true
}

// acquireMarker creates the store-wide sweep marker exclusively and writes a
// unique token into it. A marker older than SweepMarkerTTL belongs to a
// crashed sweeper and is reclaimed once. The returned release removes the
// marker only while it still carries our token.
func (s *Store) acquireMarker() (func(), error) {
	token := strconv.Itoa(os.Getpid()) + "-" + fsutil.UniqueID()
	for attempt := 0; attempt < 2; attempt++ {
		err := s.createMarker(token)
		if err == nil {
			if !s.ownsMarker(token) {
				return nil, ErrSweepBusy
			}
			return func() { s.releaseMarker(token) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create sweep marker: %w", err)
		}

		info, statErr := os.Stat(s.markerPath)
		if statErr != nil {
			// Removed between our create and stat; try again.
			continue
		}
		age := s.opts.Clock().Sub(info.ModTime())
		if age < s.opts.SweepMarkerTTL {
			return nil, ErrSweepBusy
		}
		stale, err := os.ReadFile(s.markerPath)
		if err != nil {
			continue
		}
		s.logger.Warn("reclaiming abandoned sweep marker", "age", age)
		if err := s.reclaimMarker(string(stale)); err != nil {
			return nil, err
		}
	}
	return nil, ErrSweepBusy
}

func (s *Store) createMarker(token string) error {
	f, err := os.OpenFile(s.markerPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	_, err = f.WriteString(token)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(s.markerPath)
		return err
	}
	return nil
}

func (s *Store) ownsMarker(token string) bool {
	got, err := os.ReadFile(s.markerPath)
	return err == nil && string(got) == token
}

func (s *Store) releaseMarker(token string) {
	if !s.ownsMarker(token) {
		s.logger.Warn("sweep marker was taken over, leaving it in place")
		return
	}
	if err := os.Remove(s.markerPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove sweep marker", "error", err)
	}
}

// reclaimMarker moves the abandoned marker holding stale out of the way. If
// the moved file turns out to hold another token, a concurrent sweeper
// reclaimed it first: its marker is put back and ErrSweepBusy returned.
func (s *Store) reclaimMarker(stale string) error {
	aside := s.markerPath + "." + fsutil.UniqueID()
	if err := os.Rename(s.markerPath, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to remove abandoned sweep marker: %w", err)
	}
	defer os.Remove(aside)

	got, err := os.ReadFile(aside)
	if err != nil || string(got) == stale {
		return nil
	}
	if err := fsutil.LinkNoReplace(aside, s.markerPath); err != nil && !errors.Is(err, fs.ErrExist) {
		s.logger.Warn("failed to restore sweep marker", "error", err)
	}
	return ErrSweepBusy
}
