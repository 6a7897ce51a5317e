package types

import (
	"time"
)

// Value is a cached value: an arbitrary tree of maps, lists and scalars.
// Tiers that persist values serialize them through a codec; the in-memory
// tier stores them by reference, so callers must treat values as read-only.
type Value = any

// Tier defines the capability contract every cache layer implements.
// The orchestrator only talks to layers through this interface.
type Tier interface {
	// Name returns a short identifier such as "hot" or "s3".
	Name() string
	Get(key string) (Value, bool)
	// Set stores value under key. A ttl of zero or less means no expiry.
	Set(key string, value Value, ttl time.Duration) error
	Delete(key string) error
	Clear() error
	Size() int
	MaxSize() int
	Stats() TierStats
}

// TTLGetter is implemented by tiers that can report the remaining lifetime
// of an entry alongside its value. A zero ttl means the entry does not expire.
type TTLGetter interface {
	GetWithTTL(key string) (Value, time.Duration, bool)
}

// Syncer is implemented by tiers that persist a snapshot of their state.
type Syncer interface {
	Sync() error
}

// Compactor is implemented by tiers that can reclaim space out of band.
// Compaction is never required for correctness.
type Compactor interface {
	Compact() error
}

// Expirer is implemented by tiers that can actively drop expired entries.
// PurgeExpired returns the number of entries removed.
type Expirer interface {
	PurgeExpired() int
}
