package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRelative(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	got, err := ResolveRelative("10m", base)
	require.NoError(t, err)
	assert.Equal(t, base.Add(10*time.Minute), got)

	got, err = ResolveRelative("2h", base)
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Hour), got)

	got, err = ResolveRelative("1d", base)
	require.NoError(t, err)
	assert.Equal(t, base.AddDate(0, 0, 1), got)
}

func TestResolveRelativeRejectsUnknownUnit(t *testing.T) {
	_, err := ResolveRelative("5x", time.Now())
	assert.Error(t, err)
}

func TestResolveNextDayAtRollsOverWhenPast(t *testing.T) {
	base := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	got, err := ResolveNextDayAt("09:00", base, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC), got)
}

func TestResolveNextDayAtSameDayWhenFuture(t *testing.T) {
	base := time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)
	got, err := ResolveNextDayAt("09:00", base, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), got)
}

func TestResolveOffsetDays(t *testing.T) {
	base := time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)
	got, err := ResolveOffsetDays("+3d 14:30", base, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 4, 14, 30, 0, 0, time.UTC), got)
}

func TestResolveOffsetDaysRejectsMalformed(t *testing.T) {
	_, err := ResolveOffsetDays("3d 14:30", time.Now(), time.UTC)
	assert.Error(t, err)
	_, err = ResolveOffsetDays("+3d", time.Now(), time.UTC)
	assert.Error(t, err)
}
