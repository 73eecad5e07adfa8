// Package scheduler resolves the schedule expressions recovery steps
// and upsells use, drives the inactivity watchdog, and runs a periodic
// sweep that expires stale PIX charges.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ResolveRelative parses a relative offset ("10m", "2h", "1d") and
// returns the wall-clock time it resolves to from base.
func ResolveRelative(expr string, base time.Time) (time.Time, error) {
	if len(expr) < 2 {
		return time.Time{}, fmt.Errorf("invalid relative schedule %q", expr)
	}
	unit := expr[len(expr)-1]
	amountStr := expr[:len(expr)-1]
	amount, err := strconv.Atoi(amountStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid relative schedule %q: %w", expr, err)
	}
	switch unit {
	case 'm':
		return base.Add(time.Duration(amount) * time.Minute), nil
	case 'h':
		return base.Add(time.Duration(amount) * time.Hour), nil
	case 'd':
		return base.AddDate(0, 0, amount), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule unit %q in %q", string(unit), expr)
	}
}

// ResolveNextDayAt parses "HH:MM" and returns the next occurrence of
// that clock time strictly after base, in loc.
func ResolveNextDayAt(expr string, base time.Time, loc *time.Location) (time.Time, error) {
	hour, minute, err := parseClock(expr)
	if err != nil {
		return time.Time{}, err
	}
	local := base.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}

// ResolveOffsetDays parses "+Nd HH:MM" and returns base shifted N days
// then snapped to HH:MM in loc.
func ResolveOffsetDays(expr string, base time.Time, loc *time.Location) (time.Time, error) {
	parts := strings.Fields(expr)
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "+") || !strings.HasSuffix(parts[0], "d") {
		return time.Time{}, fmt.Errorf("invalid offset-days schedule %q", expr)
	}
	days, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(parts[0], "+"), "d"))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid offset-days amount in %q: %w", expr, err)
	}
	hour, minute, err := parseClock(parts[1])
	if err != nil {
		return time.Time{}, err
	}
	local := base.In(loc).AddDate(0, 0, days)
	return time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc), nil
}

func parseClock(expr string) (hour, minute int, err error) {
	parts := strings.SplitN(expr, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q", expr)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", expr)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", expr)
	}
	return hour, minute, nil
}
