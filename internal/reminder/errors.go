package reminder

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across the engine. Components wrap these with
// context via fmt.Errorf("...: %w", ...) and callers branch with errors.Is.
var (
	// ErrValidation rejects bad input (empty payload, past instant).
	// Nothing is persisted when it is returned.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound: no reminder with that id.
	ErrNotFound = errors.New("reminder not found")

	// ErrInvalidState: operation attempted on a terminal reminder.
	ErrInvalidState = errors.New("reminder is not pending")

	// ErrInvalidTimezone: unknown IANA zone name.
	ErrInvalidTimezone = errors.New("invalid timezone")

	// ErrInvalidLocalTime: the local wall-clock time does not exist in
	// the zone (DST spring-forward gap).
	ErrInvalidLocalTime = errors.New("local time does not exist in zone")

	// ErrTransport: delivery failed after bounded retries. The reminder
	// stays Pending so a later recovery pass can retry it.
	ErrTransport = errors.New("transport delivery failed")

	// ErrStore: the durability layer failed; fatal to the operation in
	// progress, surfaced to the caller.
	ErrStore = errors.New("store failure")
)

func wrapValidation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
