package timex

import "time"

// NowNs returns Unix nanoseconds as int64.
func NowNs() int64 { return time.Now().UnixNano() }

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// Ms converts a millisecond config value to a duration. Zero yields def.
func Ms(ms uint32, def time.Duration) time.Duration {
	if ms == 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// StopTimer stops t and drains its channel if it already fired, so a later
// Reset starts clean.
func StopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
