package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/internal/policy"
	cacheerrors "github.com/tiercache/tiercache/pkg/errors"
)

func newTestWarm(t *testing.T, path string, maxSize int) *WarmCache {
	t.Helper()
	c, err := NewWarmCache(WarmConfig{Path: path, MaxSize: maxSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewWarmCache_Validation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := NewWarmCache(WarmConfig{Path: filepath.Join(dir, "s"), MaxSize: 0})
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeCapacityInvalid))

	_, err = NewWarmCache(WarmConfig{MaxSize: 10})
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeInvalidConfig))

	_, err = NewWarmCache(WarmConfig{Path: filepath.Join(dir, "s"), MaxSize: 10, Policy: "mru"})
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeInvalidConfig))
}

func TestWarmCache_MissingSnapshotStartsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "l2.snapshot")
	c := newTestWarm(t, path, 10)

	assert.Zero(t, c.Size())
	assert.Equal(t, path, c.Path())
	_, err := os.Stat(filepath.Dir(path))
	assert.NoError(t, err, "parent directory should be created")
}

func TestWarmCache_SetGetDelete(t *testing.T) {
	t.Parallel()

	c := newTestWarm(t, filepath.Join(t.TempDir(), "l2.snapshot"), 10)

	require.NoError(t, c.Set("u:1", map[string]any{"name": "a"}, 0))
	got, ok := c.Get("u:1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"name": "a"}, got)

	require.NoError(t, c.Delete("u:1"))
	_, ok = c.Get("u:1")
	assert.False(t, ok)
	assert.NoError(t, c.Delete("u:1"))
}

func TestWarmCache_SnapshotSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "l2.snapshot")
	c, err := NewWarmCache(WarmConfig{Path: path, MaxSize: 10})
	require.NoError(t, err)

	require.NoError(t, c.Set("a", "alpha", 0))
	require.NoError(t, c.Set("b", []any{"x", "y"}, time.Hour))
	require.NoError(t, c.Close())

	reopened := newTestWarm(t, path, 10)
	assert.Equal(t, 2, reopened.Size())

	got, ok := reopened.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", got)

	got, left, ok := reopened.GetWithTTL("b")
	require.True(t, ok)
	assert.Equal(t, []any{"x", "y"}, got)
	assert.Greater(t, left, 59*time.Minute)
	assert.Positive(t, reopened.Stats().Bytes)
}

func TestWarmCache_ValuesOutliveResync(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "l2.snapshot")
	c, err := NewWarmCache(WarmConfig{Path: path, MaxSize: 100})
	require.NoError(t, err)
	require.NoError(t, c.Set("stable", "value", 0))
	require.NoError(t, c.Close())

	reopened := newTestWarm(t, path, 100)
	// every write remaps the snapshot; loaded entries must follow the new mapping
	for i := 0; i < 20; i++ {
		require.NoError(t, reopened.Set(fmt.Sprintf("k%d", i), i, 0))
	}
	got, ok := reopened.Get("stable")
	require.True(t, ok)
	assert.Equal(t, "value", got)
}

func TestWarmCache_ExpiredEntriesDroppedOnLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "l2.snapshot")
	c, err := NewWarmCache(WarmConfig{Path: path, MaxSize: 10})
	require.NoError(t, err)

	// a clock far in the past gives the entry a deadline that has long passed
	clock := newFakeClock()
	c.now = clock.Now
	require.NoError(t, c.Set("old", "v", time.Minute))
	c.now = time.Now
	require.NoError(t, c.Set("fresh", "v", 0))
	require.NoError(t, c.Close())

	reopened := newTestWarm(t, path, 10)
	assert.Equal(t, 1, reopened.Size())
	_, ok := reopened.Get("old")
	assert.False(t, ok)
}

func TestWarmCache_CorruptSnapshotMovedAside(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "l2.snapshot")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a snapshot file"), 0600))

	c := newTestWarm(t, path, 10)
	assert.Zero(t, c.Size())

	_, err := os.Stat(path + ".corrupt")
	assert.NoError(t, err)

	require.NoError(t, c.Set("a", "v", 0))
	_, ok := c.Get("a")
	assert.True(t, ok)
}

func TestWarmCache_TTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := newTestWarm(t, filepath.Join(t.TempDir(), "l2.snapshot"), 10)
	c.now = clock.Now

	require.NoError(t, c.Set("a", "v", time.Minute))
	require.NoError(t, c.Set("b", "v", time.Minute))
	require.NoError(t, c.Set("keep", "v", 0))

	clock.Advance(2 * time.Minute)
	_, ok := c.Get("a")
	assert.False(t, ok)

	assert.Equal(t, 1, c.PurgeExpired())
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, uint64(2), c.Stats().Expirations)

	require.NoError(t, c.Sync())
}

func TestWarmCache_CapacityBound(t *testing.T) {
	t.Parallel()

	for _, p := range policy.Policies {
		t.Run(string(p), func(t *testing.T) {
			c, err := NewWarmCache(WarmConfig{
				Path:    filepath.Join(t.TempDir(), "l2.snapshot"),
				MaxSize: 3,
				Policy:  p,
			})
			require.NoError(t, err)
			defer func() { _ = c.Close() }()

			for i := 0; i < 10; i++ {
				require.NoError(t, c.Set(fmt.Sprintf("k%d", i), i, 0))
				assert.LessOrEqual(t, c.Size(), 3)
			}
			assert.Equal(t, uint64(7), c.Stats().Evictions)
		})
	}
}

func TestWarmCache_FIFOEvictsOldest(t *testing.T) {
	t.Parallel()

	c := newTestWarm(t, filepath.Join(t.TempDir(), "l2.snapshot"), 2)

	require.NoError(t, c.Set("a", "1", 0))
	require.NoError(t, c.Set("b", "2", 0))
	c.Get("a")
	require.NoError(t, c.Set("c", "3", 0))

	_, ok := c.Get("a")
	assert.False(t, ok, "FIFO ignores access order")
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestWarmCache_LoadOverCapacity(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "l2.snapshot")
	c, err := NewWarmCache(WarmConfig{Path: path, MaxSize: 5})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Set(fmt.Sprintf("k%d", i), "v", 0))
	}
	require.NoError(t, c.Close())

	reopened := newTestWarm(t, path, 2)
	assert.Equal(t, 2, reopened.Size())
	_, ok := reopened.Get("k4")
	assert.True(t, ok, "newest entries survive a shrink")
}

func TestWarmCache_ClearIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "l2.snapshot")
	c := newTestWarm(t, path, 10)
	require.NoError(t, c.Set("a", "v", 0))

	require.NoError(t, c.Clear())
	require.NoError(t, c.Clear())
	assert.Zero(t, c.Size())
	assert.Equal(t, uint64(2), c.Stats().Clears)

	reopened, err := NewWarmCache(WarmConfig{Path: path, MaxSize: 10})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	assert.Zero(t, reopened.Size())
}

func TestWarmCache_SyncOnlyWhenDirty(t *testing.T) {
	t.Parallel()

	c := newTestWarm(t, filepath.Join(t.TempDir(), "l2.snapshot"), 10)

	require.NoError(t, c.Sync())
	assert.Zero(t, c.Stats().Syncs)

	require.NoError(t, c.Set("a", "v", 0))
	syncs := c.Stats().Syncs
	require.NoError(t, c.Sync())
	assert.Equal(t, syncs, c.Stats().Syncs)
	assert.False(t, c.Stats().LastSync.IsZero())
}

func TestWarmCache_WriteFailureKeepsIndex(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "warm")
	c := newTestWarm(t, filepath.Join(dir, "l2.snapshot"), 10)

	// replace the directory with a plain file so the snapshot cannot be written
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, nil, 0600))

	err := c.Set("a", "v", 0)
	assert.True(t, cacheerrors.IsCode(err, cacheerrors.ErrCodeIOWrite))

	got, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "v", got)
	assert.Equal(t, uint64(1), c.Stats().SyncErrors)
	assert.Error(t, c.Sync(), "the index stays dirty until a write succeeds")
}

func TestWarmCache_Recent(t *testing.T) {
	t.Parallel()

	c, err := NewWarmCache(WarmConfig{
		Path:    filepath.Join(t.TempDir(), "l2.snapshot"),
		MaxSize: 10,
		Policy:  policy.LRU,
	})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.Set(k, k, time.Hour))
	}
	c.Get("a")
	hitsBefore := c.Stats().Hits

	recent := c.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "a", recent[0].Key)
	assert.Equal(t, "d", recent[1].Key)
	assert.Equal(t, "a", recent[0].Value)
	assert.Positive(t, recent[0].TTL)
	assert.Equal(t, hitsBefore, c.Stats().Hits, "Recent does not count as a read")

	assert.Len(t, c.Recent(100), 4)
}

func TestWarmCache_Closed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "l2.snapshot")
	c, err := NewWarmCache(WarmConfig{Path: path, MaxSize: 10})
	require.NoError(t, err)
	require.NoError(t, c.Set("a", "v", 0))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.True(t, cacheerrors.IsCode(c.Set("a", "v", 0), cacheerrors.ErrCodeComponentStopped))
	assert.True(t, cacheerrors.IsCode(c.Sync(), cacheerrors.ErrCodeComponentStopped))
}

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	entries := []snapshotEntry{
		{key: "a", expiresAt: 0, value: []byte(`"alpha"`)},
		{key: "b", expiresAt: 1234567890, value: []byte(`{"x":1}`)},
		{key: "", expiresAt: -1, value: []byte{}},
	}
	path := filepath.Join(t.TempDir(), "snap")
	n, err := writeFileAtomic(path, &snapshotWriter{entries: entries})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	decoded, err := decodeSnapshot(data)
	require.NoError(t, err)
	require.Len(t, decoded, len(entries))
	for i := range entries {
		assert.Equal(t, entries[i].key, decoded[i].key)
		assert.Equal(t, entries[i].expiresAt, decoded[i].expiresAt)
		assert.Equal(t, entries[i].value, decoded[i].value)
	}

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file should be renamed away")
}

func TestDecodeSnapshot_Corrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snap")
	_, err := writeFileAtomic(path, &snapshotWriter{entries: []snapshotEntry{
		{key: "a", value: []byte(`"v"`)},
	}})
	require.NoError(t, err)
	good, err := os.ReadFile(path)
	require.NoError(t, err)

	flipped := append([]byte(nil), good...)
	flipped[snapshotHeaderSize+1] ^= 0xff

	badMagic := append([]byte(nil), good...)
	copy(badMagic, "NOPE")

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", good[:10]},
		{"bad magic", badMagic},
		{"flipped body byte", flipped},
		{"missing trailer", good[:len(good)-1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeSnapshot(tt.data)
			assert.Error(t, err)
		})
	}
}
