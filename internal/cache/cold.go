package cache

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/codec"
	"github.com/tiercache/tiercache/internal/policy"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
	"github.com/tiercache/tiercache/pkg/utils"
)

const (
	coldEntrySuffix = ".entry"
	coldTempSuffix  = ".tmp"

	// Sanitized keys longer than this are cut and suffixed with the key's
	// xxhash so "<name>.entry.tmp" stays under NAME_MAX.
	coldMaxNameLen = 200
)

// ColdConfig configures the file-per-key tier
type ColdConfig struct {
	Dir         string
	MaxSize     int
	Policy      policy.EvictionPolicy
	Compression bool
	Codec       codec.Codec
	Logger      *zap.Logger
}

// ColdCache persists each entry as its own file named after the sanitized
// key. Sanitizing is lossy ("a:b" and "a/b" share a file name); a write whose
// file name is owned by a different live key fails with KEY_COLLISION.
//
// Mutations hold mu while touching the file system so the index and the
// directory agree after every operation. Reads load the file without the lock.
type ColdCache struct {
	mu       sync.RWMutex
	dir      string
	maxSize  int
	compress bool
	codec    codec.Codec
	logger   *zap.Logger
	now      func() time.Time

	index  map[string]*coldItem // key -> item
	owners map[string]string    // file name -> key
	bytes  int64
	closed bool

	trackMu sync.Mutex
	tracker policy.Tracker

	hits, misses, readErrors atomic.Uint64

	sets, deletes, clears, evictions, expirations, compactions uint64
}

type coldItem struct {
	name      string
	size      int64
	storedAt  time.Time
	expiresAt int64
}

// NewColdCache opens the tier and rebuilds its index from the directory.
func NewColdCache(config ColdConfig) (*ColdCache, error) {
	if config.MaxSize <= 0 {
		return nil, errors.NewError(errors.ErrCodeCapacityInvalid, "max size must be greater than 0").
			WithComponent("cold").WithDetail("max_size", config.MaxSize)
	}
	if config.Dir == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cache directory is required").
			WithComponent("cold")
	}
	if config.Policy == "" {
		config.Policy = policy.FIFO
	}
	tracker, err := policy.New(config.Policy)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "unknown eviction policy", err).
			WithComponent("cold")
	}
	if config.Codec == nil {
		config.Codec = codec.Default
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	if err := os.MkdirAll(config.Dir, 0750); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOCreate, "failed to create cache directory", err).
			WithComponent("cold")
	}

	c := &ColdCache{
		dir:      filepath.Clean(config.Dir),
		maxSize:  config.MaxSize,
		compress: config.Compression,
		codec:    config.Codec,
		logger:   config.Logger,
		now:      time.Now,
		index:    make(map[string]*coldItem),
		owners:   make(map[string]string),
		tracker:  tracker,
	}

	if err := c.scan(); err != nil {
		return nil, err
	}
	return c, nil
}

// scan rebuilds the index from entry files, oldest first. Temporary files,
// undecodable files, expired entries and files whose name does not match
// their key are removed.
func (c *ColdCache) scan() error {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIORead, "failed to read cache directory", err).
			WithComponent("cold").WithOperation("scan")
	}

	type found struct {
		key  string
		item *coldItem
	}
	var live []found
	now := c.now()
	removed := 0

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if utils.ValidatePathWithinBase(c.dir, name) != nil {
			continue
		}
		path := filepath.Join(c.dir, name)

		if strings.HasSuffix(name, coldTempSuffix) {
			_ = os.Remove(path)
			removed++
			continue
		}
		if !strings.HasSuffix(name, coldEntrySuffix) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn("unreadable cache file", zap.String("file", name), zap.Error(err))
			continue
		}
		rec, err := codec.DecodeRecord(data)
		if err != nil || entryName(rec.Key) != name || rec.Expired(now) {
			_ = os.Remove(path)
			removed++
			continue
		}
		live = append(live, found{
			key: rec.Key,
			item: &coldItem{
				name:      name,
				size:      int64(len(data)),
				storedAt:  rec.StoredAt,
				expiresAt: rec.ExpiresAt,
			},
		})
	}

	sort.Slice(live, func(i, j int) bool { return live[i].item.storedAt.Before(live[j].item.storedAt) })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range live {
		if len(c.index) >= c.maxSize {
			if err := c.evictLocked(); err != nil {
				return err
			}
		}
		c.addLocked(f.key, f.item)
	}

	c.logger.Info("cache directory scanned",
		zap.String("dir", c.dir),
		zap.Int("entries", len(c.index)),
		zap.Int("removed", removed))
	return nil
}

func entryName(key string) string {
	name := utils.SanitizeKey(key)
	if len(name) > coldMaxNameLen {
		sum := strconv.FormatUint(xxhash.Sum64String(key), 16)
		name = name[:coldMaxNameLen-len(sum)-1] + "_" + sum
	}
	return name + coldEntrySuffix
}

func (c *ColdCache) Name() string { return "cold" }

func (c *ColdCache) Get(key string) (types.Value, bool) {
	v, _, ok := c.GetWithTTL(key)
	return v, ok
}

// GetWithTTL reads the entry file for key. Missing, unreadable, corrupt or
// expired files are misses and their index entries are dropped.
func (c *ColdCache) GetWithTTL(key string) (types.Value, time.Duration, bool) {
	now := c.now()

	c.mu.RLock()
	item, ok := c.index[key]
	closed := c.closed
	c.mu.RUnlock()
	if !ok || closed {
		c.misses.Add(1)
		return nil, 0, false
	}

	if _, expired := types.Remaining(now, item.expiresAt); expired {
		c.dropIfSame(key, item, true, true)
		c.misses.Add(1)
		return nil, 0, false
	}

	data, err := os.ReadFile(filepath.Join(c.dir, item.name))
	if err != nil {
		if !os.IsNotExist(err) {
			c.readErrors.Add(1)
			c.logger.Debug("failed to read cache file", zap.String("key", key), zap.Error(err))
		}
		c.dropIfSame(key, item, !os.IsNotExist(err), false)
		c.misses.Add(1)
		return nil, 0, false
	}

	rec, err := codec.DecodeRecord(data)
	if err != nil || rec.Key != key {
		c.readErrors.Add(1)
		c.logger.Debug("discarding corrupt cache file", zap.String("key", key), zap.Error(err))
		c.dropIfSame(key, item, true, false)
		c.misses.Add(1)
		return nil, 0, false
	}
	left, expired := types.Remaining(now, rec.ExpiresAt)
	if expired {
		c.dropIfSame(key, item, true, true)
		c.misses.Add(1)
		return nil, 0, false
	}

	v, err := c.codec.Unmarshal(rec.Value)
	if err != nil {
		c.readErrors.Add(1)
		c.dropIfSame(key, item, true, false)
		c.misses.Add(1)
		return nil, 0, false
	}

	c.trackMu.Lock()
	c.tracker.Touch(key)
	c.trackMu.Unlock()
	c.hits.Add(1)
	return v, left, true
}

// dropIfSame removes key from the index if it still refers to item, and
// optionally deletes its file.
func (c *ColdCache) dropIfSame(key string, item *coldItem, removeFile, expired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.index[key] != item {
		return
	}
	if removeFile {
		if err := os.Remove(filepath.Join(c.dir, item.name)); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove cache file", zap.String("key", key), zap.Error(err))
			return
		}
	}
	c.forgetLocked(key, item)
	if expired {
		c.expirations++
	}
}

// Set writes the entry file for key. When the index is full the victim's file
// is removed before the new file is written.
func (c *ColdCache) Set(key string, value types.Value, ttl time.Duration) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return err
	}
	now := c.now()
	blob, err := codec.EncodeRecord(codec.NewRecord(key, data, now, types.Deadline(now, ttl)), c.compress)
	if err != nil {
		return err
	}
	name := entryName(key)
	path, err := utils.SecureJoin(c.dir, name)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOCreate, "invalid entry path", err).
			WithComponent("cold").WithOperation("set").WithKey(key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return stoppedError("cold", "set")
	}
	if owner, ok := c.owners[name]; ok && owner != key {
		return errors.NewError(errors.ErrCodeKeyCollision, "file name is owned by another key").
			WithComponent("cold").WithOperation("set").WithKey(key).
			WithDetail("file", name).WithDetail("owner", owner)
	}

	old, exists := c.index[key]
	if !exists && len(c.index) >= c.maxSize {
		if err := c.evictLocked(); err != nil {
			return err
		}
	}

	size, err := writeFileAtomic(path, bytesWriterTo(blob))
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOWrite, "failed to write entry", err).
			WithComponent("cold").WithOperation("set").WithKey(key)
	}

	if exists {
		c.bytes -= old.size
	}
	c.addLocked(key, &coldItem{name: name, size: size, storedAt: now, expiresAt: types.Deadline(now, ttl)})
	c.sets++
	return nil
}

func (c *ColdCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return stoppedError("cold", "delete")
	}
	c.deletes++
	if _, ok := c.index[key]; !ok {
		return nil
	}
	if err := c.removeLocked(key); err != nil {
		return errors.Wrap(errors.ErrCodeIORemove, "failed to remove entry", err).
			WithComponent("cold").WithOperation("delete").WithKey(key)
	}
	return nil
}

// Clear removes every indexed entry file. Entries whose file cannot be
// removed stay indexed and the first error is returned.
func (c *ColdCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return stoppedError("cold", "clear")
	}
	c.clears++

	var firstErr error
	for key := range c.index {
		if err := c.removeLocked(key); err != nil && firstErr == nil {
			firstErr = errors.Wrap(errors.ErrCodeIORemove, "failed to remove entry", err).
				WithComponent("cold").WithOperation("clear").WithKey(key)
		}
	}
	return firstErr
}

// Compact drops expired entries, removes files the index does not own and
// forgets index entries whose file disappeared. It is never required for
// correctness.
func (c *ColdCache) Compact() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return stoppedError("cold", "compact")
	}

	now := c.now()
	for key, item := range c.index {
		if _, expired := types.Remaining(now, item.expiresAt); expired {
			if err := c.removeLocked(key); err == nil {
				c.expirations++
			}
			continue
		}
		if _, err := os.Stat(filepath.Join(c.dir, item.name)); os.IsNotExist(err) {
			c.forgetLocked(key, item)
		}
	}

	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIORead, "failed to read cache directory", err).
			WithComponent("cold").WithOperation("compact")
	}
	orphans := 0
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !(strings.HasSuffix(name, coldEntrySuffix) || strings.HasSuffix(name, coldTempSuffix)) {
			continue
		}
		if _, owned := c.owners[name]; owned {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err == nil {
			orphans++
		}
	}

	c.compactions++
	c.logger.Debug("compaction finished",
		zap.Int("entries", len(c.index)),
		zap.Int("orphans_removed", orphans))
	return nil
}

// PurgeExpired removes entries whose deadline passed.
func (c *ColdCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	purged := 0
	for key, item := range c.index {
		if _, expired := types.Remaining(now, item.expiresAt); !expired {
			continue
		}
		if err := c.removeLocked(key); err == nil {
			c.expirations++
			purged++
		}
	}
	return purged
}

// evictLocked removes the tracker's victim and its file.
func (c *ColdCache) evictLocked() error {
	c.trackMu.Lock()
	victim, ok := c.tracker.Victim()
	c.trackMu.Unlock()
	if !ok {
		return errors.NewError(errors.ErrCodeIndexInconsistent, "index is full but nothing is tracked").
			WithComponent("cold").WithOperation("evict")
	}
	if err := c.removeLocked(victim); err != nil {
		return errors.Wrap(errors.ErrCodeIORemove, "failed to evict entry", err).
			WithComponent("cold").WithOperation("evict").WithKey(victim)
	}
	c.evictions++
	return nil
}

// removeLocked deletes key's file and index entry. The index is left alone
// when the file cannot be removed.
func (c *ColdCache) removeLocked(key string) error {
	item, ok := c.index[key]
	if !ok {
		return nil
	}
	if err := os.Remove(filepath.Join(c.dir, item.name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	c.forgetLocked(key, item)
	return nil
}

func (c *ColdCache) addLocked(key string, item *coldItem) {
	c.index[key] = item
	c.owners[item.name] = key
	c.bytes += item.size
	c.trackMu.Lock()
	c.tracker.Add(key)
	c.trackMu.Unlock()
}

func (c *ColdCache) forgetLocked(key string, item *coldItem) {
	delete(c.index, key)
	delete(c.owners, item.name)
	c.bytes -= item.size
	c.trackMu.Lock()
	c.tracker.Remove(key)
	c.trackMu.Unlock()
}

func (c *ColdCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

func (c *ColdCache) MaxSize() int { return c.maxSize }

// Dir returns the cache directory.
func (c *ColdCache) Dir() string { return c.dir }

func (c *ColdCache) Stats() types.TierStats {
	c.mu.RLock()
	st := types.TierStats{
		Name:        c.Name(),
		Sets:        c.sets,
		Deletes:     c.deletes,
		Clears:      c.clears,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Compactions: c.compactions,
		Entries:     len(c.index),
		MaxEntries:  c.maxSize,
		Bytes:       c.bytes,
	}
	c.mu.RUnlock()

	st.Hits = c.hits.Load()
	st.Misses = c.misses.Load()
	st.Errors = c.readErrors.Load()
	st.Finalize()
	return st
}

// Close stops the tier. Entry files stay on disk for the next start.
func (c *ColdCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
