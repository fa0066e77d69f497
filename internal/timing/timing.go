// Package timing provides the epoch-day clock used by the packet header
// timestamp field and the replay/staleness window arithmetic built on it.
package timing

import "time"

// EpochDays is the number of days since the Unix epoch, as stored
// little-endian in the inner header timestamp field.
type EpochDays uint16

const day = 24 * time.Hour

// Now returns the current epoch-day count.
func Now() EpochDays {
	return FromTime(time.Now().UTC())
}

// FromTime converts a wall-clock time to its epoch-day count.
func FromTime(t time.Time) EpochDays {
	return EpochDays(t.UTC().Unix() / int64(day/time.Second))
}

// Time converts an epoch-day count back to a wall-clock time at midnight UTC.
func (d EpochDays) Time() time.Time {
	return time.Unix(int64(d)*int64(day/time.Second), 0).UTC()
}

// Window describes the acceptable age range for a packet timestamp.
//
// A timestamp older than MaxAge or more than SkewTolerance in the future is
// rejected as stale.
type Window struct {
	MaxAge        time.Duration
	SkewTolerance time.Duration
}

// DefaultWindow rejects packets older than 14 days and allows up to one
// day of forward clock skew.
func DefaultWindow() Window {
	return Window{MaxAge: 14 * 24 * time.Hour, SkewTolerance: 24 * time.Hour}
}

// InWindow reports whether ts, interpreted relative to now, falls inside w.
func (w Window) InWindow(ts EpochDays, now time.Time) bool {
	t := ts.Time()
	oldest := now.Add(-w.MaxAge)
	newest := now.Add(w.SkewTolerance)
	return !t.Before(oldest) && !t.After(newest)
}
