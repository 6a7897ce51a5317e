package cache

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/codec"
	"github.com/tiercache/tiercache/internal/policy"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// WarmConfig configures the snapshot-backed tier
type WarmConfig struct {
	Path    string
	MaxSize int
	Policy  policy.EvictionPolicy
	Codec   codec.Codec
	Logger  *zap.Logger
}

// WarmCache keeps its index in memory and persists the whole index as a
// snapshot file on every mutation. Values of loaded entries point into a
// read-only memory mapping of the current snapshot.
//
// Lock order: mu before trackMu.
type WarmCache struct {
	mu      sync.RWMutex
	path    string
	maxSize int
	codec   codec.Codec
	logger  *zap.Logger
	now     func() time.Time

	index   map[string]*warmEntry
	mapping []byte
	dirty   bool
	closed  bool

	// Reads touch the tracker under mu.RLock, so it needs its own lock.
	trackMu sync.Mutex
	tracker policy.Tracker

	hits, misses, decodeErrors atomic.Uint64

	sets, deletes, clears, evictions, expirations uint64
	syncs, syncErrors                             uint64
	lastSync                                      time.Time
}

type warmEntry struct {
	data      []byte
	expiresAt int64
}

// NewWarmCache opens the tier, loading an existing snapshot at config.Path.
// A missing or empty snapshot starts the tier empty. A corrupt snapshot is
// moved aside to <path>.corrupt and the tier starts empty.
func NewWarmCache(config WarmConfig) (*WarmCache, error) {
	if config.MaxSize <= 0 {
		return nil, errors.NewError(errors.ErrCodeCapacityInvalid, "max size must be greater than 0").
			WithComponent("warm").WithDetail("max_size", config.MaxSize)
	}
	if config.Path == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "snapshot path is required").
			WithComponent("warm")
	}
	if config.Policy == "" {
		config.Policy = policy.FIFO
	}
	tracker, err := policy.New(config.Policy)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "unknown eviction policy", err).
			WithComponent("warm")
	}
	if config.Codec == nil {
		config.Codec = codec.Default
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0750); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOCreate, "failed to create snapshot directory", err).
			WithComponent("warm")
	}

	c := &WarmCache{
		path:    config.Path,
		maxSize: config.MaxSize,
		codec:   config.Codec,
		logger:  config.Logger,
		now:     time.Now,
		index:   make(map[string]*warmEntry),
		tracker: tracker,
	}

	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *WarmCache) load() error {
	data, err := mmapFile(c.path)
	if os.IsNotExist(err) {
		c.logger.Debug("no snapshot found, starting empty", zap.String("path", c.path))
		return nil
	}
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOMmap, "failed to map snapshot", err).
			WithComponent("warm").WithOperation("load")
	}
	if data == nil {
		return nil
	}

	entries, err := decodeSnapshot(data)
	if err != nil {
		_ = munmap(data)
		corrupt := c.path + ".corrupt"
		c.logger.Warn("snapshot is corrupt, starting empty",
			zap.String("path", c.path),
			zap.String("moved_to", corrupt),
			zap.Error(err))
		if rerr := os.Rename(c.path, corrupt); rerr != nil {
			c.logger.Warn("failed to move corrupt snapshot aside", zap.Error(rerr))
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, e := range entries {
		if _, expired := types.Remaining(now, e.expiresAt); expired {
			c.dirty = true
			continue
		}
		if _, exists := c.index[e.key]; !exists && len(c.index) >= c.maxSize {
			c.evictLocked()
			c.dirty = true
		}
		c.index[e.key] = &warmEntry{data: e.value, expiresAt: e.expiresAt}
		c.tracker.Add(e.key)
	}
	c.mapping = data

	c.logger.Info("snapshot loaded",
		zap.String("path", c.path),
		zap.Int("entries", len(c.index)),
		zap.Int("bytes", len(data)))

	if c.dirty {
		if err := c.syncLocked(); err != nil {
			c.logger.Warn("failed to rewrite snapshot after load", zap.Error(err))
		}
	}
	return nil
}

func (c *WarmCache) Name() string { return "warm" }

func (c *WarmCache) Get(key string) (types.Value, bool) {
	v, _, ok := c.GetWithTTL(key)
	return v, ok
}

// GetWithTTL returns the decoded value for key and its remaining lifetime.
func (c *WarmCache) GetWithTTL(key string) (types.Value, time.Duration, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.index[key]
	if !ok || c.closed {
		c.mu.RUnlock()
		c.misses.Add(1)
		return nil, 0, false
	}
	left, expired := types.Remaining(now, e.expiresAt)
	if expired {
		c.mu.RUnlock()
		c.expire(key, e)
		c.misses.Add(1)
		return nil, 0, false
	}
	// Copy out while the mapping is pinned by the read lock.
	data := make([]byte, len(e.data))
	copy(data, e.data)
	c.trackMu.Lock()
	c.tracker.Touch(key)
	c.trackMu.Unlock()
	c.mu.RUnlock()

	v, err := c.codec.Unmarshal(data)
	if err != nil {
		c.decodeErrors.Add(1)
		c.misses.Add(1)
		c.logger.Debug("failed to decode value", zap.String("key", key), zap.Error(err))
		return nil, 0, false
	}
	c.hits.Add(1)
	return v, left, true
}

// expire drops key if it still maps to e.
func (c *WarmCache) expire(key string, e *warmEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.index[key] == e {
		c.removeLocked(key)
		c.expirations++
		c.dirty = true
	}
}

// Set stores value and rewrites the snapshot. On a snapshot failure the
// in-memory index keeps the write and the error is returned.
func (c *WarmCache) Set(key string, value types.Value, ttl time.Duration) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return err
	}
	entry := &warmEntry{data: data, expiresAt: types.Deadline(c.now(), ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return stoppedError("warm", "set")
	}
	if _, exists := c.index[key]; !exists && len(c.index) >= c.maxSize {
		c.evictLocked()
	}
	c.index[key] = entry
	c.trackMu.Lock()
	c.tracker.Add(key)
	c.trackMu.Unlock()
	c.sets++
	c.dirty = true

	return c.syncLocked()
}

func (c *WarmCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return stoppedError("warm", "delete")
	}
	c.deletes++
	if _, ok := c.index[key]; !ok {
		return nil
	}
	c.removeLocked(key)
	c.dirty = true
	return c.syncLocked()
}

func (c *WarmCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return stoppedError("warm", "clear")
	}
	c.clears++
	c.index = make(map[string]*warmEntry)
	c.trackMu.Lock()
	c.tracker.Reset()
	c.trackMu.Unlock()
	c.dirty = true
	return c.syncLocked()
}

// Sync writes the snapshot if the index changed since the last successful write.
func (c *WarmCache) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return stoppedError("warm", "sync")
	}
	if !c.dirty {
		return nil
	}
	return c.syncLocked()
}

// syncLocked serializes the index in eviction order, replaces the snapshot
// file, maps the new file and re-points every entry into it before the old
// mapping is released. Must be called with mu held for writing.
func (c *WarmCache) syncLocked() error {
	now := c.now()

	c.trackMu.Lock()
	order := c.tracker.Order()
	c.trackMu.Unlock()

	entries := make([]snapshotEntry, 0, len(c.index))
	for _, key := range order {
		e, ok := c.index[key]
		if !ok {
			continue
		}
		if _, expired := types.Remaining(now, e.expiresAt); expired {
			c.removeLocked(key)
			c.expirations++
			continue
		}
		entries = append(entries, snapshotEntry{key: key, expiresAt: e.expiresAt, value: e.data})
	}
	if len(entries) != len(c.index) {
		c.syncErrors++
		return errors.NewError(errors.ErrCodeIndexInconsistent, "eviction tracker and index disagree").
			WithComponent("warm").WithOperation("sync").
			WithDetail("index", len(c.index)).WithDetail("tracked", len(entries))
	}

	if _, err := writeFileAtomic(c.path, &snapshotWriter{entries: entries}); err != nil {
		c.syncErrors++
		c.dirty = true
		return errors.Wrap(errors.ErrCodeIOWrite, "failed to write snapshot", err).
			WithComponent("warm").WithOperation("sync")
	}
	c.dirty = false
	c.syncs++
	c.lastSync = now

	mapping, err := mmapFile(c.path)
	if err != nil {
		c.syncErrors++
		return errors.Wrap(errors.ErrCodeIOMmap, "failed to map snapshot", err).
			WithComponent("warm").WithOperation("sync")
	}
	mapped, err := decodeSnapshot(mapping)
	if err != nil {
		_ = munmap(mapping)
		c.syncErrors++
		return errors.Wrap(errors.ErrCodeSnapshotCorrupt, "written snapshot does not decode", err).
			WithComponent("warm").WithOperation("sync")
	}
	for _, m := range mapped {
		if e, ok := c.index[m.key]; ok {
			e.data = m.value
		}
	}

	old := c.mapping
	c.mapping = mapping
	if err := munmap(old); err != nil {
		c.logger.Warn("failed to unmap previous snapshot", zap.Error(err))
	}
	return nil
}

// evictLocked removes the tracker's victim. Must be called with mu held.
func (c *WarmCache) evictLocked() {
	c.trackMu.Lock()
	victim, ok := c.tracker.Victim()
	c.trackMu.Unlock()
	if !ok {
		return
	}
	c.removeLocked(victim)
	c.evictions++
}

func (c *WarmCache) removeLocked(key string) {
	delete(c.index, key)
	c.trackMu.Lock()
	c.tracker.Remove(key)
	c.trackMu.Unlock()
}

// PurgeExpired drops expired entries from the index. The snapshot catches up
// on the next sync.
func (c *WarmCache) PurgeExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	purged := 0
	for key, e := range c.index {
		if _, expired := types.Remaining(now, e.expiresAt); expired {
			c.removeLocked(key)
			c.expirations++
			purged++
		}
	}
	if purged > 0 {
		c.dirty = true
	}
	return purged
}

// WarmRecord is a decoded entry returned by Recent.
type WarmRecord struct {
	Key   string
	Value types.Value
	TTL   time.Duration
}

// Recent returns up to limit live entries, most favored by the eviction
// policy first, without touching hit statistics or access order.
func (c *WarmCache) Recent(limit int) []WarmRecord {
	now := c.now()

	type raw struct {
		key       string
		data      []byte
		expiresAt int64
	}

	c.mu.RLock()
	c.trackMu.Lock()
	order := c.tracker.Order()
	c.trackMu.Unlock()

	picked := make([]raw, 0, min(limit, len(order)))
	for i := len(order) - 1; i >= 0 && len(picked) < limit; i-- {
		e, ok := c.index[order[i]]
		if !ok {
			continue
		}
		if _, expired := types.Remaining(now, e.expiresAt); expired {
			continue
		}
		data := make([]byte, len(e.data))
		copy(data, e.data)
		picked = append(picked, raw{key: order[i], data: data, expiresAt: e.expiresAt})
	}
	c.mu.RUnlock()

	out := make([]WarmRecord, 0, len(picked))
	for _, r := range picked {
		v, err := c.codec.Unmarshal(r.data)
		if err != nil {
			continue
		}
		ttl, _ := types.Remaining(now, r.expiresAt)
		out = append(out, WarmRecord{Key: r.key, Value: v, TTL: ttl})
	}
	return out
}

func (c *WarmCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

func (c *WarmCache) MaxSize() int { return c.maxSize }

// Path returns the snapshot file path.
func (c *WarmCache) Path() string { return c.path }

func (c *WarmCache) Stats() types.TierStats {
	c.mu.RLock()
	st := types.TierStats{
		Name:        c.Name(),
		Sets:        c.sets,
		Deletes:     c.deletes,
		Clears:      c.clears,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Syncs:       c.syncs,
		SyncErrors:  c.syncErrors,
		LastSync:    c.lastSync,
		Entries:     len(c.index),
		MaxEntries:  c.maxSize,
		Bytes:       int64(len(c.mapping)),
	}
	c.mu.RUnlock()

	st.Hits = c.hits.Load()
	st.Misses = c.misses.Load()
	st.Errors = c.decodeErrors.Load()
	st.Finalize()
	return st
}

// Close flushes pending changes and releases the mapping.
func (c *WarmCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	var err error
	if c.dirty {
		err = c.syncLocked()
	}
	c.closed = true
	c.index = make(map[string]*warmEntry)
	c.trackMu.Lock()
	c.tracker.Reset()
	c.trackMu.Unlock()
	if uerr := munmap(c.mapping); uerr != nil && err == nil {
		err = errors.Wrap(errors.ErrCodeIOMmap, "failed to unmap snapshot", uerr).WithComponent("warm")
	}
	c.mapping = nil
	return err
}
