package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRatio(t *testing.T) {
	assert.Equal(t, 0.0, Ratio(0, 0))
	assert.Equal(t, 0.5, Ratio(1, 2))
	assert.Equal(t, 1.0, Ratio(3, 3))
}

func TestTierStats_Finalize(t *testing.T) {
	s := TierStats{Hits: 3, Misses: 1, Entries: 5, MaxEntries: 10}
	s.Finalize()

	assert.Equal(t, 0.75, s.HitRate)
	assert.Equal(t, 0.5, s.Utilization)

	empty := TierStats{}
	empty.Finalize()
	assert.Zero(t, empty.HitRate)
	assert.Zero(t, empty.Utilization)
}

func TestDeadlineAndRemaining(t *testing.T) {
	now := time.Unix(1000, 0)

	assert.Zero(t, Deadline(now, 0))
	assert.Zero(t, Deadline(now, -time.Second))

	d := Deadline(now, 5*time.Second)
	left, expired := Remaining(now, d)
	assert.False(t, expired)
	assert.Equal(t, 5*time.Second, left)

	left, expired = Remaining(now.Add(6*time.Second), d)
	assert.True(t, expired)
	assert.Zero(t, left)

	left, expired = Remaining(now, 0)
	assert.False(t, expired)
	assert.Zero(t, left)
}
