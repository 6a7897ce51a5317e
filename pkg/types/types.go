package types

import (
	"time"
)

// TierStats represents per-tier cache statistics.
// All tiers report the same shape; counters a tier does not track stay zero.
type TierStats struct {
	Name        string    `json:"name"`
	Level       string    `json:"level,omitempty"`
	Hits        uint64    `json:"hits"`
	Misses      uint64    `json:"misses"`
	Sets        uint64    `json:"sets"`
	Deletes     uint64    `json:"deletes"`
	Clears      uint64    `json:"clears"`
	Evictions   uint64    `json:"evictions"`
	Expirations uint64    `json:"expirations"`
	Syncs       uint64    `json:"syncs,omitempty"`
	SyncErrors  uint64    `json:"sync_errors,omitempty"`
	LastSync    time.Time `json:"last_sync,omitempty"`
	Compactions uint64    `json:"compactions,omitempty"`
	Errors      uint64    `json:"errors"`
	Entries     int       `json:"entries"`
	MaxEntries  int       `json:"max_entries"`
	Bytes       int64     `json:"bytes"`
	HitRate     float64   `json:"hit_rate"`
	Utilization float64   `json:"utilization"`
}

// Finalize fills the derived fields from the raw counters.
func (s *TierStats) Finalize() {
	s.HitRate = Ratio(s.Hits, s.Hits+s.Misses)
	if s.MaxEntries > 0 {
		s.Utilization = float64(s.Entries) / float64(s.MaxEntries)
	}
}

// AggregateStats represents the cross-tier roll-up kept by the orchestrator.
// Hits+Misses == Gets and Hits == L1Hits+L2Hits+L3Hits hold for every snapshot.
type AggregateStats struct {
	Gets              uint64            `json:"gets"`
	Hits              uint64            `json:"hits"`
	Misses            uint64            `json:"misses"`
	L1Hits            uint64            `json:"l1_hits"`
	L2Hits            uint64            `json:"l2_hits"`
	L3Hits            uint64            `json:"l3_hits"`
	Sets              uint64            `json:"sets"`
	Deletes           uint64            `json:"deletes"`
	Clears            uint64            `json:"clears"`
	Promotions        uint64            `json:"promotions"`
	PromotionFailures uint64            `json:"promotion_failures"`
	Preloaded         uint64            `json:"preloaded"`
	WriteFailures     map[string]uint64 `json:"write_failures"`
	Syncs             uint64            `json:"syncs"`
	SyncFailures      uint64            `json:"sync_failures"`
	LastSync          time.Time         `json:"last_sync,omitempty"`
	LastSyncError     string            `json:"last_sync_error,omitempty"`
	HitRate           float64           `json:"hit_rate"`
	Tiers             []TierStats       `json:"tiers"`
}

// Ratio returns part/total, or 0 when total is 0.
func Ratio(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// NoExpiry asks MultiLayerCache.Set for an entry that never expires, even
// when a default ttl is configured. Tiers treat it like a zero ttl.
const NoExpiry time.Duration = -1

// Deadline converts a relative ttl into an absolute UnixNano deadline.
// A non-positive ttl returns 0 (no expiration).
func Deadline(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

// Remaining returns the time left before deadline and whether it already passed.
// A zero deadline never expires and reports a zero remaining duration.
func Remaining(now time.Time, deadline int64) (time.Duration, bool) {
	if deadline == 0 {
		return 0, false
	}
	left := time.Duration(deadline - now.UnixNano())
	if left <= 0 {
		return 0, true
	}
	return left, false
}
