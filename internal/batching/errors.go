package batching

import "errors"

var (
	// ErrLockHeld means another worker is consuming the conversation.
	ErrLockHeld = errors.New("batching: conversation locked by another worker")

	// ErrNotArmed means no deadline exists for the conversation, typically
	// because another worker already drained it.
	ErrNotArmed = errors.New("batching: no deadline armed")

	// ErrNotDue means the deadline exists but has not elapsed yet.
	ErrNotDue = errors.New("batching: deadline not yet elapsed")

	// ErrInvalidKey is returned for malformed conversation keys.
	ErrInvalidKey = errors.New("batching: invalid conversation key")

	// ErrMalformedMessage is returned when a queued entry cannot be decoded.
	ErrMalformedMessage = errors.New("batching: malformed message")
)

// IsContention reports whether err is an expected concurrency outcome of
// ConsumeBatch rather than a failure. Callers should skip such conversations
// without side effects.
func IsContention(err error) bool {
	return errors.Is(err, ErrLockHeld) || errors.Is(err, ErrNotArmed) || errors.Is(err, ErrNotDue)
}
