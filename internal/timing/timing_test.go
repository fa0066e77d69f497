package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC)
	d := FromTime(now)
	back := d.Time()
	require.True(t, back.Before(now.Add(time.Second)))
	assert.Equal(t, now.Truncate(24*time.Hour), back)
}

func TestWindowInWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	w := DefaultWindow()

	fresh := FromTime(now.Add(-time.Hour))
	assert.True(t, w.InWindow(fresh, now))

	stale := FromTime(now.Add(-30 * 24 * time.Hour))
	assert.False(t, w.InWindow(stale, now))

	epochZero := EpochDays(0)
	assert.False(t, w.InWindow(epochZero, now))

	future := FromTime(now.Add(2 * 24 * time.Hour))
	assert.False(t, w.InWindow(future, now))
}
