package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ivyrail/conductor/internal/model"
)

func TestFindStepLocatesByOrdinal(t *testing.T) {
	steps := []model.RecoveryStep{{Ordinal: 0}, {Ordinal: 1}, {Ordinal: 2}}
	s, ok := findStep(steps, 1)
	assert.True(t, ok)
	assert.Equal(t, 1, s.Ordinal)

	_, ok = findStep(steps, 9)
	assert.False(t, ok)
}

func TestNextStepDelayRelative(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := nextStepDelay(now, "UTC", model.RecoveryStep{Kind: model.ScheduleRelative, RelativeAmount: 2, RelativeUnit: "h"})
	assert.Equal(t, 2*time.Hour, d)

	d = nextStepDelay(now, "UTC", model.RecoveryStep{Kind: model.ScheduleRelative, RelativeAmount: 90, RelativeUnit: "m"})
	assert.Equal(t, 90*time.Minute, d)
}

func TestNextStepDelayNextDayAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)
	d := nextStepDelay(now, "UTC", model.RecoveryStep{Kind: model.ScheduleNextDayAt, ClockHour: 9, ClockMinute: 0})
	// next day 09:00 is 13h away from 20:00 the day before.
	assert.Equal(t, 13*time.Hour, d)
}

func TestNextStepDelayNextDayAtStillTodayWhenClockIsFuture(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	d := nextStepDelay(now, "UTC", model.RecoveryStep{Kind: model.ScheduleNextDayAt, ClockHour: 9, ClockMinute: 0})
	// 09:00 hasn't happened yet today, so the step fires later today, not tomorrow.
	assert.Equal(t, time.Hour, d)
}

func TestNextStepDelayOffsetDays(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	d := nextStepDelay(now, "UTC", model.RecoveryStep{Kind: model.ScheduleOffsetDays, OffsetDays: 3, ClockHour: 9, ClockMinute: 30})
	target := time.Date(2026, 1, 4, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, target.Sub(now), d)
}

func TestNextStepDelayFallsBackToUTCOnBadTimezone(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := nextStepDelay(now, "not-a-real-timezone", model.RecoveryStep{Kind: model.ScheduleRelative, RelativeAmount: 1, RelativeUnit: "h"})
	assert.Equal(t, time.Hour, d)
}

func TestRecoveryStepContainerIDPacksBotAndOrdinal(t *testing.T) {
	assert.Equal(t, int64(5003), model.RecoveryStepContainerID(5, 3))
}
