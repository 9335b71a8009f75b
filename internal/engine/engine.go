// Package engine is the reminder lifecycle controller: it validates and
// persists reminders, keeps the store and the timer registry consistent,
// and settles fires through the dispatcher.
package engine

import (
	"context"
	"fmt"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/dispatch"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Engine owns the store, scheduler and dispatcher references. It is
// constructed once at process start and passed to the transport-layer
// handlers; there are no package-level singletons.
type Engine struct {
	store storage.Store
	sched *scheduler.Service
	disp  *dispatch.Dispatcher
	bus   eventbus.Bus
	log   logx.Logger
}

func New(store storage.Store, sched *scheduler.Service, disp *dispatch.Dispatcher, bus eventbus.Bus, log logx.Logger) *Engine {
	return &Engine{store: store, sched: sched, disp: disp, bus: bus, log: log}
}

// Fire is the scheduler's FireFunc. It receives only the reminder id; the
// dispatcher looks the row up fresh from the store, so a payload edited
// after arming is delivered in its latest form.
func (e *Engine) Fire(ctx context.Context, id int64, missed bool) {
	// Deliver logs its own outcome; errors here mean the row stayed
	// pending and a later sweep or recovery pass retries it.
	_ = e.disp.Deliver(ctx, id, missed)
}

// CreateRequest is a completed input tuple from the conversational flow.
type CreateRequest struct {
	OwnerID int64
	// LocalDateTime is the user's wall-clock input, "YYYY-MM-DD HH:MM".
	LocalDateTime string
	// Timezone is the IANA zone the wall clock is expressed in. It is
	// captured on the reminder for redisplay.
	Timezone string
	Payload  reminder.Payload
}

// Create converts the local instant to UTC, persists a pending reminder
// and arms its timer. Persist-then-arm: a store failure leaves no timer
// behind, and an unarmed persisted row is re-armed by the next sweep.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (reminder.Reminder, error) {
	wall, err := clock.ParseWall(req.LocalDateTime)
	if err != nil {
		return reminder.Reminder{}, err
	}
	fireAt, err := clock.ToUTC(wall, req.Timezone)
	if err != nil {
		return reminder.Reminder{}, err
	}

	r, err := e.store.Create(ctx, storage.CreateParams{
		OwnerID:       req.OwnerID,
		FireAtUTC:     fireAt,
		Payload:       req.Payload,
		OwnerTimezone: req.Timezone,
	})
	if err != nil {
		return reminder.Reminder{}, err
	}

	e.sched.Arm(r.ID, r.FireAtUTC)
	e.publish(eventbus.TypeReminderCreated, r)
	e.log.Info("reminder created",
		logx.Int64("id", r.ID), logx.Int64("owner", r.OwnerID),
		logx.Time("fire_at", r.FireAtUTC), logx.String("kind", string(r.Payload.Kind)))
	return r, nil
}

func (e *Engine) Get(ctx context.Context, id int64) (reminder.Reminder, error) {
	return e.store.Get(ctx, id)
}

// List returns the owner's pending reminders, soonest first.
func (e *Engine) List(ctx context.Context, ownerID int64) ([]reminder.Reminder, error) {
	return e.store.ListPending(ctx, &ownerID)
}

// EditPayload replaces the payload of a pending reminder. The timer is
// untouched: the fire path reloads the row, so no re-arm is needed when
// only the payload changes.
func (e *Engine) EditPayload(ctx context.Context, id, ownerID int64, p reminder.Payload) error {
	if _, err := e.owned(ctx, id, ownerID); err != nil {
		return err
	}
	if err := e.store.UpdatePayload(ctx, id, p); err != nil {
		return err
	}
	if r, err := e.store.Get(ctx, id); err == nil {
		e.publish(eventbus.TypeReminderEdited, r)
	}
	return nil
}

// EditTime moves a pending reminder to a new local instant, interpreted in
// the reminder's captured timezone. Disarm old, persist, arm new: if the
// persist fails the old timer is restored, so the reminder never ends up
// half-moved.
func (e *Engine) EditTime(ctx context.Context, id, ownerID int64, localDateTime string) error {
	r, err := e.owned(ctx, id, ownerID)
	if err != nil {
		return err
	}
	wall, err := clock.ParseWall(localDateTime)
	if err != nil {
		return err
	}
	fireAt, err := clock.ToUTC(wall, r.OwnerTimezone)
	if err != nil {
		return err
	}

	wasArmed := e.sched.Disarm(id)
	if err := e.store.UpdateFireAt(ctx, id, fireAt); err != nil {
		if wasArmed {
			e.sched.Arm(id, r.FireAtUTC)
		}
		return err
	}
	e.sched.Arm(id, fireAt)

	if updated, err := e.store.Get(ctx, id); err == nil {
		e.publish(eventbus.TypeReminderEdited, updated)
	}
	e.log.Info("reminder rescheduled",
		logx.Int64("id", id), logx.Time("fire_at", fireAt))
	return nil
}

// Cancel disarms and removes a pending reminder. Disarm-before-delete:
// once the disarm wins the claim, no delivery attempt can follow. Losing
// the claim to an in-flight fire is not an error; the delete still
// removes the row.
func (e *Engine) Cancel(ctx context.Context, id, ownerID int64) error {
	r, err := e.owned(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if r.Status != reminder.StatusPending {
		return fmt.Errorf("%w: id %d is %s", reminder.ErrInvalidState, id, r.Status)
	}

	e.sched.Disarm(id)
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.publish(eventbus.TypeReminderCancelled, r)
	e.log.Info("reminder cancelled", logx.Int64("id", id), logx.Int64("owner", ownerID))
	return nil
}

// Complete settles a pending reminder early, without a delivery.
func (e *Engine) Complete(ctx context.Context, id, ownerID int64) error {
	if _, err := e.owned(ctx, id, ownerID); err != nil {
		return err
	}
	e.sched.Disarm(id)
	return e.store.UpdateStatus(ctx, id, reminder.StatusCompleted)
}

// owned fetches the reminder and hides rows belonging to other owners
// behind ErrNotFound.
func (e *Engine) owned(ctx context.Context, id, ownerID int64) (reminder.Reminder, error) {
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if r.OwnerID != ownerID {
		return reminder.Reminder{}, fmt.Errorf("%w: id %d", reminder.ErrNotFound, id)
	}
	return r, nil
}

func (e *Engine) publish(evType string, r reminder.Reminder) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: evType, Data: eventbus.ReminderEvent{
		ReminderID: r.ID,
		OwnerID:    r.OwnerID,
		FireAtUTC:  r.FireAtUTC,
	}})
}

// LocalFireAt renders a reminder's instant in its captured zone for
// confirmations and listings.
func LocalFireAt(r reminder.Reminder) string {
	local, err := clock.ToLocal(r.FireAtUTC, r.OwnerTimezone)
	if err != nil {
		return r.FireAtUTC.Format(time.RFC3339)
	}
	return local.Format(clock.WallLayout) + " " + r.OwnerTimezone
}
