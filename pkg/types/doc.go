/*
Package types provides the core interfaces and data structures shared by every
tiercache component.

The Tier interface is the capability contract of a single cache layer:

	Get(key) (Value, bool)
	Set(key, value, ttl) error
	Delete(key) error
	Clear() error
	Size() int
	MaxSize() int
	Stats() TierStats

Optional capabilities are expressed as small interfaces (TTLGetter, Syncer,
Compactor, Expirer) that the orchestrator discovers with type assertions, so a
remote store can replace the on-disk tier without touching the orchestrator.

TierStats and AggregateStats are plain value types; callers always receive
copies.
*/
package types
