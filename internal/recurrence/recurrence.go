// Package recurrence computes the next occurrence of a repeating schedule.
//
// The calculator is pure arithmetic on the previous occurrence: it never looks
// at the current time, so occurrences missed while the process was down are
// not "caught up" here. Callers detect past results and fast-forward.
package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the repeat cadence of a scheduled job.
type Kind string

const (
	Once    Kind = "once"
	Daily   Kind = "daily"
	Weekly  Kind = "weekly"
	Monthly Kind = "monthly"
)

// ParseKind normalizes and validates a recurrence string.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case Once:
		return Once, nil
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	case Monthly:
		return Monthly, nil
	default:
		return "", fmt.Errorf("unknown recurrence %q", s)
	}
}

func (k Kind) String() string { return string(k) }

// Repeats reports whether the kind re-arms after firing.
func (k Kind) Repeats() bool { return k != Once && k != "" }

// Next returns the occurrence following t for the given kind.
//
// Daily and weekly advance by calendar days (1 and 7), keeping the wall-clock
// hour/minute stable. Monthly advances to the same day-of-month in the next
// month; when that day does not exist (e.g. the 31st in April) the day walks
// backward until the date is valid, so "last valid day <= original day" wins.
// December rolls over into January of the next year.
//
// For Once the input is returned unchanged; a one-shot job has no next
// occurrence and callers must not re-arm it.
func Next(t time.Time, k Kind) time.Time {
	switch k {
	case Daily:
		return t.AddDate(0, 0, 1)
	case Weekly:
		return t.AddDate(0, 0, 7)
	case Monthly:
		return nextMonth(t)
	default:
		return t
	}
}

func nextMonth(t time.Time) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	month++
	if month > time.December {
		month = time.January
		year++
	}

	// time.Date normalizes invalid dates (Feb 31 -> Mar 2/3), so walk the day
	// down until construction round-trips without normalization.
	for d := day; d >= 1; d-- {
		next := time.Date(year, month, d, hour, min, sec, t.Nanosecond(), t.Location())
		if next.Month() == month && next.Day() == d {
			return next
		}
	}
	// Unreachable: day 1 always exists.
	return time.Date(year, month, 1, hour, min, sec, t.Nanosecond(), t.Location())
}
