package etl

import "time"

// appleEpoch is the zero point of chat.db timestamps (Core Data epoch).
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// toNanos normalizes a raw chat.db timestamp to nanoseconds since the
// Apple epoch. Different macOS versions stored the date column in
// seconds, milliseconds, microseconds or nanoseconds; the magnitude
// tells them apart.
func toNanos(raw int64) int64 {
	switch {
	case raw > 1e16: // already ns
		return raw
	case raw > 1e13: // µs
		return raw * 1_000
	case raw > 1e10: // ms
		return raw * 1_000_000
	default: // s
		return raw * 1_000_000_000
	}
}

// appleTime converts a raw chat.db timestamp to wall-clock time.
func appleTime(raw int64) time.Time {
	if raw == 0 {
		return time.Time{}
	}
	return appleEpoch.Add(time.Duration(toNanos(raw)))
}
