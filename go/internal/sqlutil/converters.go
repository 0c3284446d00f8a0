package sqlutil

import "time"

// Helper functions for storing timestamps as INTEGER nanosecond columns

// ToUnixNano converts t to nanoseconds since the epoch. The zero time maps to 0.
func ToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// FromUnixNano converts a nanosecond column back to a UTC time. 0 maps to the zero time.
func FromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
