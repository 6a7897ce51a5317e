package cache

import (
	"sync"
	"time"

	"github.com/tiercache/tiercache/pkg/types"
)

// statsAggregator holds the orchestrator-level counters. Every event is
// recorded in one critical section and snapshots copy under the same lock,
// so Hits+Misses == Gets and Hits == L1+L2+L3 hold for every snapshot.
type statsAggregator struct {
	mu sync.Mutex

	hits   [3]uint64
	misses uint64

	sets, deletes, clears uint64

	promotions, promotionFailures uint64
	preloaded                     uint64
	writeFailures                 map[string]uint64

	syncs, syncFailures uint64
	lastSync            time.Time
	lastSyncError       string
}

func newStatsAggregator() *statsAggregator {
	return &statsAggregator{writeFailures: make(map[string]uint64)}
}

// recordHit counts a hit at level (0 = L1).
func (s *statsAggregator) recordHit(level int) {
	s.mu.Lock()
	s.hits[level]++
	s.mu.Unlock()
}

func (s *statsAggregator) recordMiss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

func (s *statsAggregator) recordSet() {
	s.mu.Lock()
	s.sets++
	s.mu.Unlock()
}

func (s *statsAggregator) recordDelete() {
	s.mu.Lock()
	s.deletes++
	s.mu.Unlock()
}

func (s *statsAggregator) recordClear() {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
}

func (s *statsAggregator) recordPromotion(ok bool) {
	s.mu.Lock()
	if ok {
		s.promotions++
	} else {
		s.promotionFailures++
	}
	s.mu.Unlock()
}

func (s *statsAggregator) recordPreloaded(n int) {
	s.mu.Lock()
	s.preloaded += uint64(n)
	s.mu.Unlock()
}

func (s *statsAggregator) recordWriteFailure(level string) {
	s.mu.Lock()
	s.writeFailures[level]++
	s.mu.Unlock()
}

// recordSync counts a sync attempt. Failures keep the previous lastSync.
func (s *statsAggregator) recordSync(at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncs++
	if err != nil {
		s.syncFailures++
		s.lastSyncError = err.Error()
		return
	}
	s.lastSync = at
	s.lastSyncError = ""
}

func (s *statsAggregator) snapshot() types.AggregateStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := types.AggregateStats{
		L1Hits:            s.hits[0],
		L2Hits:            s.hits[1],
		L3Hits:            s.hits[2],
		Misses:            s.misses,
		Sets:              s.sets,
		Deletes:           s.deletes,
		Clears:            s.clears,
		Promotions:        s.promotions,
		PromotionFailures: s.promotionFailures,
		Preloaded:         s.preloaded,
		WriteFailures:     make(map[string]uint64, len(s.writeFailures)),
		Syncs:             s.syncs,
		SyncFailures:      s.syncFailures,
		LastSync:          s.lastSync,
		LastSyncError:     s.lastSyncError,
	}
	for level, n := range s.writeFailures {
		st.WriteFailures[level] = n
	}
	st.Hits = st.L1Hits + st.L2Hits + st.L3Hits
	st.Gets = st.Hits + st.Misses
	st.HitRate = types.Ratio(st.Hits, st.Gets)
	return st
}
