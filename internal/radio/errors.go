package radio

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors classifying link failures. The connection manager keys
// its retry behavior off this taxonomy: retryable conditions feed the
// retry state machine, unavailability is fatal at the process level.
var (
	// ErrRetryable marks transient link failures: a connect attempt that
	// timed out, a dropped link, a write against a link that just went
	// away. The device may come back into range at any time.
	ErrRetryable = errors.New("transient link failure")

	// ErrUnavailable marks the adapter itself as absent or powered off.
	// No per-device retry can recover from this.
	ErrUnavailable = errors.New("radio unavailable")
)

// Retryable wraps err as a transient link failure.
func Retryable(err error) error {
	return fmt.Errorf("%w: %v", ErrRetryable, err)
}

// IsRetryable reports whether err is a transient link failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// IsUnavailable reports whether err means the adapter is absent or off.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// NormalizeError maps known go-ble error strings to the sentinel
// taxonomy. It keeps classification stable even if the upstream library
// changes messages slightly. Returns wrapped errors to preserve context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable(err)
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "no such device"),
		containsIgnoreCase(msg, "can't init hci"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case containsIgnoreCase(msg, "disconnected"),
		containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "connection timed out"),
		containsIgnoreCase(msg, "connection canceled"):
		return Retryable(err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
