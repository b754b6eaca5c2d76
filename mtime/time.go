// Package mtime implements the NTP-style timetag used on every bus and
// data message: a 64-bit (sec, frac) pair plus the sentinel meaning "stamp
// at send time".
package mtime

import "time"

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// Tag is a 64-bit NTP timetag: whole seconds since the NTP epoch plus a
// fractional-second field expressed in units of 1/2^32 seconds.
type Tag struct {
	Sec  uint32
	Frac uint32
}

// Now is the sentinel meaning "stamp this message at send time". It is the
// zero value so a zero-valued Tag reads naturally as "unset, resolve now".
var Now = Tag{}

// IsNow reports whether t is the NOW sentinel.
func (t Tag) IsNow() bool {
	return t == Now
}

// FromTime converts a wall-clock time to an NTP tag.
func FromTime(t time.Time) Tag {
	u := t.UTC()
	sec := uint32(u.Unix() + ntpEpochOffset)
	frac := uint32((uint64(u.Nanosecond()) << 32) / 1e9)
	return Tag{Sec: sec, Frac: frac}
}

// Time converts an NTP tag back to a wall-clock time.
func (t Tag) Time() time.Time {
	secs := int64(t.Sec) - ntpEpochOffset
	nsec := (uint64(t.Frac) * 1e9) >> 32
	return time.Unix(secs, int64(nsec)).UTC()
}

// Double returns the tag as a double-precision number of seconds since the
// NTP epoch, the representation used when a timetag must be compared or
// scaled as a scalar (e.g. period/jitter estimation).
func (t Tag) Double() float64 {
	return float64(t.Sec) + float64(t.Frac)/4294967296.0
}

// FromDouble is the inverse of Double.
func FromDouble(d float64) Tag {
	sec := uint32(d)
	frac := uint32((d - float64(sec)) * 4294967296.0)
	return Tag{Sec: sec, Frac: frac}
}

// Sub returns t-u expressed in seconds as a double, positive if t is later.
func (t Tag) Sub(u Tag) float64 {
	return t.Double() - u.Double()
}

// Resolve returns t if it isn't the NOW sentinel, else FromTime(now).
func (t Tag) Resolve(now time.Time) Tag {
	if t.IsNow() {
		return FromTime(now)
	}
	return t
}

// Before reports whether t chronologically precedes u.
func (t Tag) Before(u Tag) bool {
	if t.Sec != u.Sec {
		return t.Sec < u.Sec
	}
	return t.Frac < u.Frac
}

// After reports whether t chronologically follows u.
func (t Tag) After(u Tag) bool {
	return u.Before(t)
}
