package localcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/toolcache/pkg/entry"
)

func setAccessTime(t *testing.T, s *Store, key string, at time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(s.recordPath(key), at, at))
}

func recordSize(t *testing.T, s *Store, key string) int64 {
	t.Helper()
	info, err := os.Stat(s.recordPath(key))
	require.NoError(t, err)
	return info.Size()
}

func TestSweepEvictsLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, func(o *Options) {
		o.Clock = clock.Now
		o.Compression = entry.Compression{Algorithm: entry.None}
	})

	base := clock.Now()
	keys := make([]string, 10)
	for i := range keys {
		keys[i] = testKey(i)
		_, err := s.Commit(keys[i], testEntry(int64(i), 1000))
		require.NoError(t, err)
		setAccessTime(t, s, keys[i], base.Add(time.Duration(i)*time.Minute))
	}
	size := recordSize(t, s, keys[0])

	// A hit makes the oldest record the most recently used.
	clock.Set(base.Add(time.Hour))
	_, err := s.Lookup(keys[0])
	require.NoError(t, err)

	s.opts.MaxSize = 4 * size
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.Equal(t, 10, res.Scanned)
	assert.Equal(t, 6, res.Evicted)
	assert.Equal(t, 10*size, res.SizeBefore)
	assert.LessOrEqual(t, res.SizeAfter, s.opts.MaxSize)

	for i, key := range keys {
		_, statErr := os.Stat(s.recordPath(key))
		kept := i == 0 || i >= 7
		assert.Equal(t, kept, statErr == nil, "record %d", i)
	}

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 4*size, st.Size)
	assert.Equal(t, int64(4), st.Entries)
	assert.Equal(t, int64(6), st.Evicted)
	assert.False(t, st.LastSweep.IsZero())
	assert.NoFileExists(t, s.markerPath)
}

func TestSweepContinuesPastUndeletableRecords(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	clock := newFakeClock()
	s := newTestStore(t, func(o *Options) {
		o.Clock = clock.Now
		o.Compression = entry.Compression{Algorithm: entry.None}
	})

	base := clock.Now()
	keys := make([]string, 6)
	shards := make(map[string]bool)
	for i := range keys {
		keys[i] = testKey(i)
		_, err := s.Commit(keys[i], testEntry(int64(i), 1000))
		require.NoError(t, err)
		setAccessTime(t, s, keys[i], base.Add(time.Duration(i)*time.Minute))
		shard := filepath.Dir(s.recordPath(keys[i]))
		require.False(t, shards[shard], "test keys must not share a shard")
		shards[shard] = true
	}
	size := recordSize(t, s, keys[0])

	// The oldest record sits in a directory nobody may delete from.
	locked := filepath.Dir(s.recordPath(keys[0]))
	require.NoError(t, os.Chmod(locked, 0o555))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	s.opts.MaxSize = 3 * size
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Evicted)
	assert.Equal(t, 3*size, res.SizeAfter)

	for i, key := range keys {
		_, statErr := os.Stat(s.recordPath(key))
		kept := i == 0 || i >= 4
		assert.Equal(t, kept, statErr == nil, "record %d", i)
	}
	assert.NoFileExists(t, s.markerPath)
}

func TestSweepConvergesUnderRepeatedInserts(t *testing.T) {
	s := newTestStore(t, func(o *Options) {
		o.Compression = entry.Compression{Algorithm: entry.None}
	})
	_, err := s.Commit(testKey(0), testEntry(0, 2000))
	require.NoError(t, err)
	s.opts.MaxSize = 5 * recordSize(t, s, testKey(0))

	for round := 0; round < 3; round++ {
		for i := 1; i <= 8; i++ {
			_, err := s.Commit(testKey(round*100+i), testEntry(int64(i), 2000))
			require.NoError(t, err)
		}
		res, err := s.EvictIfNeeded(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Ran)
		assert.LessOrEqual(t, res.SizeAfter, s.opts.MaxSize)

		var total int64
		for _, f := range listFiles(t, s, recordExt) {
			total += f.Size
		}
		assert.LessOrEqual(t, total, s.opts.MaxSize)
	}
}

func TestEvictIfNeededUnderBudget(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.Commit(testKey(1), testEntry(1, 100))
	require.NoError(t, err)

	res, err := s.EvictIfNeeded(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Ran)
	assert.Len(t, listFiles(t, s, recordExt), 1)
}

func TestSweepRemovesTruncatedRecords(t *testing.T) {
	s := newTestStore(t, nil)
	good, bad := testKey(1), testKey(2)
	_, err := s.Commit(good, testEntry(1, 1000))
	require.NoError(t, err)
	_, err = s.Commit(bad, testEntry(2, 1000))
	require.NoError(t, err)
	require.NoError(t, os.Truncate(s.recordPath(bad), 10))

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Corrupt)
	assert.Equal(t, 0, res.Evicted)
	assert.NoFileExists(t, s.recordPath(bad))
	assert.FileExists(t, s.recordPath(good))
}

func TestSweepRemovesStaleTemps(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, func(o *Options) {
		o.Clock = clock.Now
		o.StaleTempAge = time.Hour
	})
	key := testKey(1)
	shard := s.shardDir(key)
	require.NoError(t, os.MkdirAll(shard, 0o755))

	stale := filepath.Join(shard, ".crashed-writer"+tempExt)
	fresh := filepath.Join(shard, ".in-flight"+tempExt)
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("partial"), 0o644))
	old := clock.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	recent := clock.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(fresh, recent, recent))

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleTemps)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
}

func TestSweepSkipsWhenMarkerHeld(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.MaxSize = 1 })
	_, err := s.Commit(testKey(1), testEntry(1, 100))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.markerPath, []byte("other"), 0o644))

	_, err = s.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrSweepBusy)

	res, err := s.EvictIfNeeded(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Ran)
	assert.FileExists(t, s.recordPath(testKey(1)), "a skipped sweep deletes nothing")
	assert.FileExists(t, s.markerPath, "another sweeper's marker is left alone")
}

func TestSweepReclaimsAbandonedMarker(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.SweepMarkerTTL = time.Minute })
	require.NoError(t, os.WriteFile(s.markerPath, []byte("crashed"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(s.markerPath, old, old))

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.NoFileExists(t, s.markerPath)
}

func TestSweepMarkerReleaseKeepsForeignMarker(t *testing.T) {
	s := newTestStore(t, nil)

	release, err := s.acquireMarker()
	require.NoError(t, err)
	_, err = s.acquireMarker()
	assert.ErrorIs(t, err, ErrSweepBusy)

	// Another process took the marker over while we were sweeping.
	require.NoError(t, os.WriteFile(s.markerPath, []byte("other"), 0o644))
	release()

	got, err := os.ReadFile(s.markerPath)
	require.NoError(t, err)
	assert.Equal(t, "other", string(got))
}

func TestReclaimMarkerRestoresConcurrentReclaim(t *testing.T) {
	s := newTestStore(t, nil)

	// The abandoned marker we saw ("crashed") was already replaced by a
	// sweeper that reclaimed it first.
	require.NoError(t, os.WriteFile(s.markerPath, []byte("winner"), 0o644))
	assert.ErrorIs(t, s.reclaimMarker("crashed"), ErrSweepBusy)

	got, err := os.ReadFile(s.markerPath)
	require.NoError(t, err)
	assert.Equal(t, "winner", string(got))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), markerFile+".", "moved marker must be cleaned up")
	}

	require.NoError(t, s.reclaimMarker("winner"))
	assert.NoFileExists(t, s.markerPath)
}

func TestSweepHonorsCancellation(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.MaxSize = 1 })
	_, err := s.Commit(testKey(1), testEntry(1, 100))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, s.markerPath)
}
