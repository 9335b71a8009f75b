// Package recovery reconciles the store with the scheduler on startup.
//
// The timer registry is lost on every process exit; the store is the
// source of truth. A startup pass re-arms all still-pending reminders and
// routes the ones whose instant passed while the process was down:
// within the grace window they fire immediately as normal deliveries,
// beyond it they go out on the missed path and end MissedNotified.
package recovery

import (
	"context"
	"time"

	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type Coordinator struct {
	store storage.Store
	sched *scheduler.Service
	log   logx.Logger

	// now is swappable in tests.
	now func() time.Time
}

func New(store storage.Store, sched *scheduler.Service, log logx.Logger) *Coordinator {
	return &Coordinator{store: store, sched: sched, log: log, now: time.Now}
}

// Run arms every pending reminder. The scheduler's misfire policy does the
// three-way split (future / past-within-grace / past-beyond-grace), and
// the dispatcher's in-flight claim plus the pending-state transition make
// repeated runs safe: a second pass over the same store state cannot
// double-deliver, and a failed missed-notification leaves the row pending
// for the next pass.
func (c *Coordinator) Run(ctx context.Context) error {
	pending, err := c.store.ListPending(ctx, nil)
	if err != nil {
		return err
	}

	grace := c.sched.GraceWindow()
	now := c.now()

	var future, late, missed int
	for _, r := range pending {
		switch overdue := now.Sub(r.FireAtUTC); {
		case overdue <= 0:
			future++
		case overdue <= grace:
			late++
		default:
			missed++
		}
		c.sched.Arm(r.ID, r.FireAtUTC)
	}

	c.log.Info("recovery pass complete",
		logx.Int("pending", len(pending)),
		logx.Int("future", future),
		logx.Int("late_within_grace", late),
		logx.Int("missed", missed),
		logx.Duration("grace_window", grace))
	return nil
}
