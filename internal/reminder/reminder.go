// Package reminder holds the reminder entity and its state machine.
package reminder

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a reminder.
//
// Pending is the only non-terminal state. Completed, Cancelled and
// MissedNotified are terminal: no mutation other than delete is allowed
// once a reminder leaves Pending.
type Status string

const (
	StatusPending        Status = "pending"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusMissedNotified Status = "missed_notified"
)

// ParseStatus maps a stored status string back to a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.TrimSpace(s)) {
	case StatusPending:
		return StatusPending, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusCancelled:
		return StatusCancelled, true
	case StatusMissedNotified:
		return StatusMissedNotified, true
	}
	return "", false
}

func (s Status) Terminal() bool { return s != StatusPending }

// CanTransition reports whether the transition s -> to is legal.
// Transitions are monotonic: only Pending can move, and only to a
// terminal state.
func (s Status) CanTransition(to Status) bool {
	if s != StatusPending {
		return false
	}
	switch to {
	case StatusCompleted, StatusCancelled, StatusMissedNotified:
		return true
	}
	return false
}

// PayloadKind discriminates the payload union.
type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadVoice PayloadKind = "voice"
)

// Payload is a tagged union: exactly one of Text / VoiceRef is set,
// selected by Kind. Setting one variant clears the other.
type Payload struct {
	Kind     PayloadKind
	Text     string
	VoiceRef string
}

func TextPayload(text string) Payload {
	return Payload{Kind: PayloadText, Text: text}
}

func VoicePayload(ref string) Payload {
	return Payload{Kind: PayloadVoice, VoiceRef: ref}
}

// Validate enforces the type-exclusive payload invariant.
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadText:
		if strings.TrimSpace(p.Text) == "" {
			return wrapValidation("payload text is empty")
		}
		if p.VoiceRef != "" {
			return wrapValidation("text payload carries a voice reference")
		}
	case PayloadVoice:
		if strings.TrimSpace(p.VoiceRef) == "" {
			return wrapValidation("payload voice reference is empty")
		}
		if p.Text != "" {
			return wrapValidation("voice payload carries text")
		}
	default:
		return wrapValidation("unknown payload kind")
	}
	return nil
}

// Reminder is the central entity. ID, OwnerID and OwnerTimezone are
// immutable after creation; FireAtUTC changes only through an explicit
// time edit while Pending.
type Reminder struct {
	ID        int64
	OwnerID   int64
	FireAtUTC time.Time
	Payload   Payload
	Status    Status
	// OwnerTimezone is the IANA zone captured at creation, used for
	// redisplay only. FireAtUTC is never re-derived from it.
	OwnerTimezone string
	CreatedAt     time.Time
}
