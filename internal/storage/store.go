package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, cgo-free)
//
// The reminder engine requires durable storage, so there is no "none".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CreateParams carries the fields assigned by the caller at creation.
// ID, Status and CreatedAt are assigned by the store.
type CreateParams struct {
	OwnerID       int64
	FireAtUTC     time.Time
	Payload       reminder.Payload
	OwnerTimezone string
}

// Store is the persistence API used by the engine, scheduler sweep and
// recovery coordinator. All mutations are atomic per reminder row.
type Store interface {
	// Create validates the payload and that FireAtUTC is in the future,
	// then persists a Pending reminder. On validation failure nothing is
	// persisted and reminder.ErrValidation is returned.
	Create(ctx context.Context, p CreateParams) (reminder.Reminder, error)

	// Get returns reminder.ErrNotFound for unknown ids.
	Get(ctx context.Context, id int64) (reminder.Reminder, error)

	// ListPending returns pending reminders ordered by FireAtUTC ascending,
	// optionally filtered by owner.
	ListPending(ctx context.Context, ownerID *int64) ([]reminder.Reminder, error)

	// UpdatePayload replaces the payload of a Pending reminder. The payload
	// union stays type-exclusive. Fails with reminder.ErrInvalidState on a
	// terminal reminder.
	UpdatePayload(ctx context.Context, id int64, p reminder.Payload) error

	// UpdateFireAt moves a Pending reminder to a new future instant.
	UpdateFireAt(ctx context.Context, id int64, at time.Time) error

	// UpdateStatus applies a transition from the reminder state machine.
	// Illegal transitions fail with reminder.ErrInvalidState and mutate
	// nothing.
	UpdateStatus(ctx context.Context, id int64, to reminder.Status) error

	// Delete removes the row. Unknown ids fail with reminder.ErrNotFound.
	Delete(ctx context.Context, id int64) error

	// PruneTerminal deletes terminal reminders that fired before cutoff.
	PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
