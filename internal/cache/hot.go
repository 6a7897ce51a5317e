package cache

import (
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tiercache/tiercache/internal/policy"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

const maxHotShards = 256

// HotConfig configures the in-memory tier
type HotConfig struct {
	MaxSize int
	Policy  policy.EvictionPolicy
	Shards  int // 0 = derive from GOMAXPROCS
}

// HotCache is the in-process tier. Keys are spread over independently locked
// shards; each shard enforces its share of MaxSize with its own policy tracker.
// It never touches disk.
type HotCache struct {
	shards  []*hotShard
	maxSize int
	closed  atomic.Bool
	clears  atomic.Uint64
	now     func() time.Time
}

type hotShard struct {
	mu       sync.Mutex
	items    map[string]hotEntry
	tracker  policy.Tracker
	capacity int

	hits, misses, sets, deletes, evictions, expirations uint64
}

type hotEntry struct {
	value     types.Value
	expiresAt int64
}

// NewHotCache creates the in-memory tier
func NewHotCache(config HotConfig) (*HotCache, error) {
	if config.MaxSize <= 0 {
		return nil, errors.NewError(errors.ErrCodeCapacityInvalid, "max size must be greater than 0").
			WithComponent("hot").WithDetail("max_size", config.MaxSize)
	}
	if config.Policy == "" {
		config.Policy = policy.LRU
	}
	if !config.Policy.Valid() {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unknown eviction policy").
			WithComponent("hot").WithDetail("policy", string(config.Policy))
	}

	n := hotShardCount(config.Shards, config.MaxSize)
	c := &HotCache{
		shards:  make([]*hotShard, n),
		maxSize: config.MaxSize,
		now:     time.Now,
	}

	// Per-shard capacities sum to MaxSize so the global bound holds.
	base, extra := config.MaxSize/n, config.MaxSize%n
	for i := range c.shards {
		capacity := base
		if i < extra {
			capacity++
		}
		c.shards[i] = &hotShard{
			items:    make(map[string]hotEntry),
			tracker:  policy.MustNew(config.Policy),
			capacity: capacity,
		}
	}
	return c, nil
}

// hotShardCount picks nextPow2(2*GOMAXPROCS) clamped to 256 unless requested,
// and never more shards than entries.
func hotShardCount(requested, maxSize int) int {
	n := requested
	if n <= 0 {
		p := runtime.GOMAXPROCS(0) * 2
		n = 1 << bits.Len(uint(p-1))
		if n > maxHotShards {
			n = maxHotShards
		}
	}
	if n > maxSize {
		n = maxSize
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (c *HotCache) shard(key string) *hotShard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

func (c *HotCache) Name() string { return "hot" }

// Get returns the value for key. Expired entries are removed and reported as a miss.
func (c *HotCache) Get(key string) (types.Value, bool) {
	v, _, ok := c.GetWithTTL(key)
	return v, ok
}

// GetWithTTL returns the value for key and its remaining lifetime.
func (c *HotCache) GetWithTTL(key string) (types.Value, time.Duration, bool) {
	s := c.shard(key)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		s.misses++
		return nil, 0, false
	}
	left, expired := types.Remaining(now, e.expiresAt)
	if expired {
		s.remove(key)
		s.expirations++
		s.misses++
		return nil, 0, false
	}
	s.tracker.Touch(key)
	s.hits++
	return e.value, left, true
}

// Set stores value under key, evicting the shard's victim first when full.
func (c *HotCache) Set(key string, value types.Value, ttl time.Duration) error {
	if c.closed.Load() {
		return stoppedError("hot", "set")
	}
	s := c.shard(key)
	entry := hotEntry{value: value, expiresAt: types.Deadline(c.now(), ttl)}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[key]; !exists && len(s.items) >= s.capacity {
		if victim, ok := s.tracker.Victim(); ok {
			s.remove(victim)
			s.evictions++
		}
	}
	s.items[key] = entry
	s.tracker.Add(key)
	s.sets++
	return nil
}

func (c *HotCache) Delete(key string) error {
	if c.closed.Load() {
		return stoppedError("hot", "delete")
	}
	s := c.shard(key)
	s.mu.Lock()
	s.remove(key)
	s.deletes++
	s.mu.Unlock()
	return nil
}

func (c *HotCache) Clear() error {
	if c.closed.Load() {
		return stoppedError("hot", "clear")
	}
	c.reset()
	c.clears.Add(1)
	return nil
}

func (c *HotCache) reset() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]hotEntry)
		s.tracker.Reset()
		s.mu.Unlock()
	}
}

// PurgeExpired removes every expired entry and returns how many were dropped.
func (c *HotCache) PurgeExpired() int {
	now := c.now()
	purged := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.items {
			if _, expired := types.Remaining(now, e.expiresAt); expired {
				s.remove(key)
				s.expirations++
				purged++
			}
		}
		s.mu.Unlock()
	}
	return purged
}

func (c *HotCache) Size() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

func (c *HotCache) MaxSize() int { return c.maxSize }

// ShardCount returns the number of shards.
func (c *HotCache) ShardCount() int { return len(c.shards) }

func (c *HotCache) Stats() types.TierStats {
	st := types.TierStats{Name: c.Name(), MaxEntries: c.maxSize, Clears: c.clears.Load()}
	for _, s := range c.shards {
		s.mu.Lock()
		st.Hits += s.hits
		st.Misses += s.misses
		st.Sets += s.sets
		st.Deletes += s.deletes
		st.Evictions += s.evictions
		st.Expirations += s.expirations
		st.Entries += len(s.items)
		s.mu.Unlock()
	}
	st.Finalize()
	return st
}

// Close drops all entries; later writes fail with COMPONENT_STOPPED.
func (c *HotCache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.reset()
	return nil
}

// remove must be called with s.mu held.
func (s *hotShard) remove(key string) {
	if _, ok := s.items[key]; !ok {
		return
	}
	delete(s.items, key)
	s.tracker.Remove(key)
}

func stoppedError(component, op string) error {
	return errors.NewError(errors.ErrCodeComponentStopped, "cache is closed").
		WithComponent(component).WithOperation(op)
}
