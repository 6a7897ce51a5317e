/*
Package cache implements the three-tier key/value cache.

# Cache Architecture

Reads walk the tiers fastest first and promote hits upwards. Writes, deletes
and clears fan out to every tier:

	┌─────────────────────────────────────────────┐
	│            MultiLayerCache                  │  ← This Package
	│   stats aggregator • health • scheduler     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│  L1  HotCache                               │
	│   • sharded in-memory map                   │
	│   • per-shard LRU/LFU/FIFO/Random tracker   │
	│   • never touches disk                      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│  L2  WarmCache                              │
	│   • in-memory index over an mmap'd snapshot │
	│   • snapshot rewritten whole, atomically    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│  L3  ColdCache, or the s3/redis tiers       │
	│   • one record per key                      │
	│   • optional gzip compression               │
	└─────────────────────────────────────────────┘

# Failure Semantics

Only the hot tier can fail a write. Failures in L2 or L3 are logged, counted
in AggregateStats.WriteFailures and fed to the health tracker; the call still
succeeds. Reads never return errors: an unreadable entry at any tier is a
miss and the lookup moves on.

# Expiry

Every entry carries an optional deadline. Expired entries are dropped lazily
when read and actively by PurgeExpired, which the background tick runs
before each snapshot sync.

# Usage

	cfg := config.DefaultMultiLayerConfig()
	cfg.L2CachePath = "/var/lib/tiercache/l2.snapshot"
	cfg.L3CacheDir = "/var/lib/tiercache/l3"

	c, err := cache.New(ctx, &cfg, cache.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	_ = c.Set("u:1", map[string]any{"name": "a"}, time.Hour)
	v, ok := c.Get("u:1")

# Background Work

When enable_preloading is set the hot tier is warmed from the snapshot at
start, and every sync_interval the scheduler purges expired entries and
flushes the warm tier. l3_compaction_schedule adds a cron-driven Compact
of the cold tier.
*/
package cache
