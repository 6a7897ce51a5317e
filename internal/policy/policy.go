// Package policy implements the eviction policies shared by every cache tier.
//
// A Tracker records key admission and access and nominates a victim when its
// owner is full. Trackers hold only keys; the owning tier keeps the values.
// Trackers are not safe for concurrent use: all calls happen under the owner's lock.
package policy

import (
	"fmt"
	"strings"
)

// EvictionPolicy names an eviction strategy.
type EvictionPolicy string

const (
	LRU    EvictionPolicy = "lru"
	LFU    EvictionPolicy = "lfu"
	FIFO   EvictionPolicy = "fifo"
	Random EvictionPolicy = "random"
)

// Policies lists every supported policy.
var Policies = []EvictionPolicy{LRU, LFU, FIFO, Random}

// Tracker is a per-tier (or per-shard) eviction policy instance.
type Tracker interface {
	// Add records admission of key. Adding a tracked key counts as an access.
	Add(key string)
	// Touch records a read of key. Unknown keys are ignored.
	Touch(key string)
	// Remove forgets key. Unknown keys are ignored.
	Remove(key string)
	// Victim returns the key that should be evicted next without removing it.
	Victim() (string, bool)
	// Len returns the number of tracked keys.
	Len() int
	// Reset forgets every key.
	Reset()
	// Order returns all tracked keys, next victim first.
	Order() []string
}

// Parse converts a configuration string into an EvictionPolicy.
func Parse(s string) (EvictionPolicy, error) {
	p := EvictionPolicy(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown eviction policy %q", s)
	}
	return p, nil
}

// Valid reports whether p is a supported policy.
func (p EvictionPolicy) Valid() bool {
	switch p {
	case LRU, LFU, FIFO, Random:
		return true
	}
	return false
}

func (p EvictionPolicy) String() string { return string(p) }

// New returns an empty tracker for p.
func New(p EvictionPolicy) (Tracker, error) {
	switch p {
	case LRU:
		return newLRU(), nil
	case LFU:
		return newLFU(), nil
	case FIFO:
		return newFIFO(), nil
	case Random:
		return newRandom(), nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", string(p))
	}
}

// MustNew is like New but panics on an unknown policy.
func MustNew(p EvictionPolicy) Tracker {
	t, err := New(p)
	if err != nil {
		panic(err)
	}
	return t
}
