package cache

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tiercache/tiercache/internal/config"
	"github.com/tiercache/tiercache/internal/policy"
	redistier "github.com/tiercache/tiercache/internal/storage/redis"
	s3tier "github.com/tiercache/tiercache/internal/storage/s3"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/health"
	"github.com/tiercache/tiercache/pkg/retry"
	"github.com/tiercache/tiercache/pkg/types"
)

// Level names, fastest first.
var levelNames = [...]string{"L1", "L2", "L3"}

// MultiLayerCache composes the hot, warm and cold tiers. Reads go L1, L2, L3
// and promote hits into every faster tier; writes, deletes and clears fan out
// to all tiers. Failures below L1 are logged and counted, never returned.
type MultiLayerCache struct {
	config config.MultiLayerConfig
	logger *zap.Logger

	hot   *HotCache
	warm  *WarmCache
	cold  types.Tier
	tiers []types.Tier

	stats     *statsAggregator
	health    *health.Tracker
	flight    singleflight.Group
	scheduler *syncScheduler

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// deepResult is what a coalesced L2/L3 lookup yields.
type deepResult struct {
	value types.Value
	level int
	found bool
}

// New builds the cache described by cfg. ctx bounds remote tier setup and
// the initial warm-up; it is not retained.
func New(ctx context.Context, cfg *config.MultiLayerConfig, opts ...Option) (*MultiLayerCache, error) {
	if cfg == nil {
		d := config.DefaultMultiLayerConfig()
		cfg = &d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &MultiLayerCache{
		config: *cfg,
		logger: o.logger.Named("cache"),
		stats:  newStatsAggregator(),
		health: health.NewTracker(health.DefaultConfig()),
	}
	for _, level := range levelNames[1:] {
		c.health.RegisterComponent(level)
	}
	c.health.OnStateChange(func(level string, from, to health.HealthState, err error) {
		c.logger.Warn("tier health changed",
			zap.String("level", level),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Error(err))
	})

	hot, err := NewHotCache(HotConfig{
		MaxSize: cfg.L1MaxSize,
		Policy:  policy.EvictionPolicy(cfg.L1EvictionPolicy),
		Shards:  cfg.L1Shards,
	})
	if err != nil {
		return nil, err
	}

	warm, err := NewWarmCache(WarmConfig{
		Path:    cfg.L2CachePath,
		MaxSize: cfg.L2MaxSize,
		Policy:  policy.EvictionPolicy(cfg.L2EvictionPolicy),
		Codec:   o.codec,
		Logger:  o.logger.Named("warm"),
	})
	if err != nil {
		return nil, err
	}

	cold := o.coldTier
	if cold == nil {
		cold, err = newColdTier(ctx, cfg, o)
		if err != nil {
			_ = warm.Close()
			return nil, err
		}
	}

	c.hot, c.warm, c.cold = hot, warm, cold
	c.tiers = []types.Tier{hot, warm, cold}

	if cfg.EnablePreloading {
		c.warmUp(ctx)
	}

	if err := c.startScheduler(); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.logger.Info("cache initialized",
		zap.Int("l1_max_size", cfg.L1MaxSize),
		zap.Int("l1_shards", hot.ShardCount()),
		zap.Int("l2_max_size", cfg.L2MaxSize),
		zap.Int("l2_entries", warm.Size()),
		zap.String("l3_backend", cold.Name()),
		zap.Int("l3_max_size", cold.MaxSize()),
		zap.Int("l3_entries", cold.Size()))
	return c, nil
}

func newColdTier(ctx context.Context, cfg *config.MultiLayerConfig, o options) (types.Tier, error) {
	var retryCfg *retry.Config
	if cfg.L3RetryAttempts > 1 {
		rc := retry.DefaultConfig()
		rc.MaxAttempts = cfg.L3RetryAttempts
		retryCfg = &rc
	}

	switch cfg.L3Backend {
	case config.BackendS3:
		return s3tier.New(ctx, s3tier.Config{
			Bucket:          cfg.L3S3.Bucket,
			Region:          cfg.L3S3.Region,
			Prefix:          cfg.L3S3.Prefix,
			Endpoint:        cfg.L3S3.Endpoint,
			AccessKeyID:     cfg.L3S3.AccessKeyID,
			SecretAccessKey: cfg.L3S3.SecretAccessKey,
			UsePathStyle:    cfg.L3S3.UsePathStyle,
			RequestTimeout:  cfg.L3S3.RequestTimeout,
			MaxSize:         cfg.L3MaxSize,
			Policy:          policy.EvictionPolicy(cfg.L3EvictionPolicy),
			Compression:     cfg.L3Compression,
			Codec:           o.codec,
			Logger:          o.logger.Named("s3"),
			Retry:           retryCfg,
		})
	case config.BackendRedis:
		return redistier.New(ctx, redistier.Config{
			Addr:           cfg.L3Redis.Addr,
			Password:       cfg.L3Redis.Password,
			DB:             cfg.L3Redis.DB,
			Prefix:         cfg.L3Redis.Prefix,
			PoolSize:       cfg.L3Redis.PoolSize,
			DialTimeout:    cfg.L3Redis.DialTimeout,
			RequestTimeout: cfg.L3Redis.RequestTimeout,
			MaxSize:        cfg.L3MaxSize,
			Policy:         policy.EvictionPolicy(cfg.L3EvictionPolicy),
			Codec:          o.codec,
			Logger:         o.logger.Named("redis"),
			Retry:          retryCfg,
		})
	default:
		return NewColdCache(ColdConfig{
			Dir:         cfg.L3CacheDir,
			MaxSize:     cfg.L3MaxSize,
			Policy:      policy.EvictionPolicy(cfg.L3EvictionPolicy),
			Compression: cfg.L3Compression,
			Codec:       o.codec,
			Logger:      o.logger.Named("cold"),
		})
	}
}

func (c *MultiLayerCache) startScheduler() error {
	periodic := c.config.EnablePreloading && c.config.SyncInterval > 0
	compaction := c.config.L3CompactionSchedule != ""
	if !periodic && !compaction {
		return nil
	}

	interval := time.Duration(0)
	if periodic {
		interval = c.config.SyncInterval
	}
	s := newSyncScheduler(interval, c.tick, c.logger.Named("scheduler"))
	if compaction {
		err := s.scheduleCompaction(c.config.L3CompactionSchedule, func() {
			if err := c.Compact(); err != nil {
				c.logger.Warn("scheduled compaction failed", zap.Error(err))
			}
		})
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid l3_compaction_schedule", err).
				WithComponent("scheduler").WithDetail("schedule", c.config.L3CompactionSchedule)
		}
	}
	s.start()
	c.scheduler = s
	return nil
}

// tick purges expired entries and flushes the warm tier.
func (c *MultiLayerCache) tick() {
	if purged := c.PurgeExpired(); purged > 0 {
		c.logger.Debug("expired entries purged", zap.Int("count", purged))
	}
	if err := c.Sync(); err != nil {
		c.logger.Warn("background sync failed", zap.Error(err))
	}
}

// Get returns the value for key from the fastest tier holding it.
func (c *MultiLayerCache) Get(key string) (types.Value, bool) {
	if c.closed.Load() {
		c.stats.recordMiss()
		return nil, false
	}

	if v, ok := c.hot.Get(key); ok {
		c.stats.recordHit(0)
		return v, true
	}

	res, _, _ := c.flight.Do(key, func() (interface{}, error) {
		return c.lookupDeep(key), nil
	})
	r := res.(deepResult)
	if !r.found {
		c.stats.recordMiss()
		return nil, false
	}
	c.stats.recordHit(r.level)
	return r.value, true
}

// lookupDeep searches L2 then L3 and promotes a hit into every faster tier,
// deepest first, carrying the entry's remaining TTL.
func (c *MultiLayerCache) lookupDeep(key string) deepResult {
	for level := 1; level < len(c.tiers); level++ {
		v, ttl, ok := getWithTTL(c.tiers[level], key)
		if !ok {
			continue
		}
		for up := level - 1; up >= 0; up-- {
			c.promote(up, key, v, ttl)
		}
		return deepResult{value: v, level: level, found: true}
	}
	return deepResult{}
}

func getWithTTL(t types.Tier, key string) (types.Value, time.Duration, bool) {
	if tg, ok := t.(types.TTLGetter); ok {
		return tg.GetWithTTL(key)
	}
	v, ok := t.Get(key)
	return v, 0, ok
}

func (c *MultiLayerCache) promote(level int, key string, v types.Value, ttl time.Duration) {
	err := c.tiers[level].Set(key, v, ttl)
	c.stats.recordPromotion(err == nil)
	if err != nil {
		c.logger.Debug("promotion failed",
			zap.String("level", levelNames[level]),
			zap.String("key", key),
			zap.Error(err))
	}
}

// Set writes key to every tier. A zero ttl uses the configured default_ttl,
// so with a default configured, pass types.NoExpiry (any negative ttl) for
// an entry that never expires. Only a closed cache returns an error.
func (c *MultiLayerCache) Set(key string, value types.Value, ttl time.Duration) error {
	if c.closed.Load() {
		return stoppedError("cache", "set")
	}
	switch {
	case ttl == 0:
		ttl = c.config.DefaultTTL
	case ttl < 0:
		ttl = 0
	}

	if err := c.hot.Set(key, value, ttl); err != nil {
		return err
	}
	for level := 1; level < len(c.tiers); level++ {
		c.fanOut(level, "set", key, c.tiers[level].Set(key, value, ttl))
	}
	c.flight.Forget(key)
	c.stats.recordSet()
	return nil
}

// Delete removes key from every tier.
func (c *MultiLayerCache) Delete(key string) error {
	if c.closed.Load() {
		return stoppedError("cache", "delete")
	}

	if err := c.hot.Delete(key); err != nil {
		return err
	}
	for level := 1; level < len(c.tiers); level++ {
		c.fanOut(level, "delete", key, c.tiers[level].Delete(key))
	}
	c.flight.Forget(key)
	c.stats.recordDelete()
	return nil
}

// Clear empties every tier. Clearing an empty cache is a no-op.
func (c *MultiLayerCache) Clear() error {
	if c.closed.Load() {
		return stoppedError("cache", "clear")
	}

	if err := c.hot.Clear(); err != nil {
		return err
	}
	for level := 1; level < len(c.tiers); level++ {
		c.fanOut(level, "clear", "", c.tiers[level].Clear())
	}
	c.stats.recordClear()
	return nil
}

// fanOut records the outcome of a write applied to a tier below L1.
func (c *MultiLayerCache) fanOut(level int, op, key string, err error) {
	if err == nil {
		c.health.RecordSuccess(levelNames[level])
		return
	}
	c.health.RecordError(levelNames[level], err)
	c.stats.recordWriteFailure(levelNames[level])
	c.logger.Warn("tier write failed",
		zap.String("level", levelNames[level]),
		zap.String("tier", c.tiers[level].Name()),
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
}

// Stats returns the aggregate counters and a snapshot of every tier.
func (c *MultiLayerCache) Stats() types.AggregateStats {
	st := c.stats.snapshot()
	st.Tiers = make([]types.TierStats, 0, len(c.tiers))
	for i, t := range c.tiers {
		ts := t.Stats()
		ts.Level = levelNames[i]
		ts.Finalize()
		st.Tiers = append(st.Tiers, ts)
	}
	return st
}

// Health reports the health of the tiers below L1, derived from the outcome
// of writes and syncs.
func (c *MultiLayerCache) Health() *health.Tracker { return c.health }

// Tier returns the tier with the given level ("L1".."L3") or name.
func (c *MultiLayerCache) Tier(name string) (types.Tier, bool) {
	for i, t := range c.tiers {
		if levelNames[i] == name || t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Sync flushes the warm tier snapshot now. It is counted like a scheduler tick.
func (c *MultiLayerCache) Sync() error {
	if c.closed.Load() {
		return stoppedError("cache", "sync")
	}
	err := c.warm.Sync()
	c.stats.recordSync(time.Now(), err)
	if err != nil {
		c.health.RecordError(levelNames[1], err)
	} else {
		c.health.RecordSuccess(levelNames[1])
	}
	return err
}

// Compact runs compaction on every tier that supports it.
func (c *MultiLayerCache) Compact() error {
	if c.closed.Load() {
		return stoppedError("cache", "compact")
	}
	var err error
	for _, t := range c.tiers {
		if cp, ok := t.(types.Compactor); ok {
			err = multierr.Append(err, cp.Compact())
		}
	}
	return err
}

// PurgeExpired actively removes expired entries from every tier that
// supports it and returns the total removed.
func (c *MultiLayerCache) PurgeExpired() int {
	total := 0
	for _, t := range c.tiers {
		if ex, ok := t.(types.Expirer); ok {
			total += ex.PurgeExpired()
		}
	}
	return total
}

// Preload reads keys through the normal read path with preload_workers
// concurrent readers, promoting whatever the deeper tiers hold. It returns
// the number of keys found.
func (c *MultiLayerCache) Preload(ctx context.Context, keys []string) (int, error) {
	var found atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.PreloadWorkers)
	for _, key := range keys {
		if gctx.Err() != nil {
			break
		}
		key := key // per-iteration copy; go directive predates Go 1.22 loopvar semantics
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, ok := c.Get(key); ok {
				found.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	n := int(found.Load())
	c.stats.recordPreloaded(n)
	return n, err
}

// warmUp copies the warm tier's most favored entries into the hot tier.
func (c *MultiLayerCache) warmUp(ctx context.Context) {
	records := c.warm.Recent(c.config.L1MaxSize)
	if len(records) == 0 {
		return
	}

	// Inserted one by one, least favored first, so the hot tier's policy
	// order matches the warm tier's.
	loaded := 0
	for i := len(records) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			c.logger.Debug("warm-up interrupted", zap.Error(err))
			break
		}
		r := records[i]
		if err := c.hot.Set(r.Key, r.Value, r.TTL); err == nil {
			loaded++
		}
	}

	c.stats.recordPreloaded(loaded)
	c.logger.Info("hot tier warmed from snapshot", zap.Int("entries", loaded))
}

// Close stops the scheduler and closes every tier, deepest first. The warm
// tier flushes pending changes on close.
func (c *MultiLayerCache) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.scheduler != nil {
			c.scheduler.stop()
		}
		var err error
		for i := len(c.tiers) - 1; i >= 0; i-- {
			if cl, ok := c.tiers[i].(io.Closer); ok {
				err = multierr.Append(err, cl.Close())
			}
		}
		c.closeErr = err
		c.logger.Info("cache closed")
	})
	return c.closeErr
}
