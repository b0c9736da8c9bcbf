package database

import "time"

// Timestamps are stored as BIGINT milliseconds since the Unix epoch so both
// drivers compare and order them the same way.

// Millis converts t to stored form.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// NullMillis converts an optional time to a nullable argument.
func NullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// FromMillis converts a stored timestamp back into UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FromNullMillis converts a nullable stored timestamp.
func FromNullMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := FromMillis(*ms)
	return &t
}
