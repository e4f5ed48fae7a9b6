// Package timespec parses the --since/--until flags used by inbox and
// history queries.
package timespec

import (
	"fmt"
	"time"
)

// Parse turns a time specification into an absolute time. Accepted forms:
//   - a Go duration ("90s", "1h30m"), meaning that long before now
//   - an RFC3339 timestamp ("2026-03-01T09:00:00Z")
//   - a calendar date ("2026-03-01"), meaning midnight UTC
func Parse(spec string, now time.Time) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, spec); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative duration: %s", spec)
		}
		return now.Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use a duration like '1h30m', a date like '2026-03-01', or RFC3339)", spec)
}

// Range is a half-open time window. A zero bound is unbounded.
type Range struct {
	Since time.Time
	Until time.Time
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && !t.Before(r.Until) {
		return false
	}
	return true
}

// IsZero reports whether neither bound is set.
func (r Range) IsZero() bool {
	return r.Since.IsZero() && r.Until.IsZero()
}

// ParseRange parses the --since and --until flag values. Empty values leave
// that bound open. since must be before until when both are given.
func ParseRange(since, until string, now time.Time) (Range, error) {
	var r Range
	var err error

	if since != "" {
		if r.Since, err = Parse(since, now); err != nil {
			return Range{}, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if r.Until, err = Parse(until, now); err != nil {
			return Range{}, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if !r.Since.IsZero() && !r.Until.IsZero() && !r.Since.Before(r.Until) {
		return Range{}, fmt.Errorf("--since must be before --until")
	}
	return r, nil
}
