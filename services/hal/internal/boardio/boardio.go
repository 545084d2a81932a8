// Package boardio holds the HAL's policy for transient I/O board
// communication failures.
package boardio

import (
	"vmxhal-go/drivers/vmx"

	"github.com/edaniels/golog"
)

// DefaultAttempts is how many times a write is tried before a persistent
// comm error is given up on.
const DefaultAttempts = 3

// VerifiedRead filters the result of a register read. On success last is
// updated. A comm error yields the last good value and no error; any other
// error yields the last good value and the error.
func VerifiedRead[T any](v T, err error, last *T) (T, error) {
	if err == nil {
		*last = v
		return v, nil
	}
	if vmx.IsCommError(err) {
		return *last, nil
	}
	return *last, err
}

// RetryWrite runs fn up to attempts times while it fails with a comm error.
// landed reports whether fn succeeded. A comm error that survives every
// attempt is logged and swallowed: landed is false and err is nil. Any other
// error is returned at once.
func RetryWrite(attempts int, log golog.Logger, fn func() error) (landed bool, err error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return true, nil
		}
		if !vmx.IsCommError(err) {
			return false, err
		}
	}
	if log != nil {
		log.Warnw("[boardio] write dropped after comm errors", "attempts", attempts, "error", err)
	}
	return false, nil
}
