// Package dispatch delivers due reminders over the transport and settles
// their final status. Delivery failures never mark a reminder delivered:
// after bounded retries the row stays pending so a later recovery pass
// retries it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RetryJitter spreads retry delays, 0.2 = ±20%.
	RetryJitter float64
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender transport.Sender
	store  storage.Store
	bus    eventbus.Bus
	log    logx.Logger

	// inflight claims one delivery per reminder id at a time, so a fire
	// enqueued twice (overlapping recovery passes, sweep races) cannot
	// double-send before the status transition lands.
	imu      sync.Mutex
	inflight map[int64]struct{}
}

func New(cfg Config, sender transport.Sender, store storage.Store, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	d := &Dispatcher{sender: sender, store: store, bus: bus, log: log, inflight: map[int64]struct{}{}}
	d.Apply(cfg)
	return d
}

func (d *Dispatcher) begin(id int64) bool {
	d.imu.Lock()
	defer d.imu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) end(id int64) {
	d.imu.Lock()
	delete(d.inflight, id)
	d.imu.Unlock()
}

// Apply swaps tunables at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block hard.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

// Deliver loads the reminder fresh, sends its payload and transitions the
// status to Completed (or MissedNotified on the missed path).
//
// A reminder that is gone or already terminal is a non-error: the fire
// lost a race with cancel or an earlier delivery, and exactly one of them
// was supposed to win.
func (d *Dispatcher) Deliver(ctx context.Context, id int64, missed bool) error {
	if !d.begin(id) {
		d.log.Debug("delivery already in flight; skipping", logx.Int64("id", id))
		return nil
	}
	defer d.end(id)

	r, err := d.store.Get(ctx, id)
	if errors.Is(err, reminder.ErrNotFound) {
		d.log.Debug("fire for deleted reminder; skipping", logx.Int64("id", id))
		return nil
	}
	if err != nil {
		return err
	}
	if r.Status != reminder.StatusPending {
		d.log.Debug("fire for settled reminder; skipping",
			logx.Int64("id", id), logx.String("status", string(r.Status)))
		return nil
	}

	deliveryID := uuid.NewString()
	log := d.log.With(logx.Int64("id", r.ID), logx.String("delivery_id", deliveryID))

	attempts, err := d.send(ctx, r, missed, log)
	if err != nil {
		d.publish(eventbus.TypeDeliveryFailed, r, attempts, err)
		log.Warn("delivery failed; reminder left pending",
			logx.Int("attempts", attempts), logx.Err(err))
		return fmt.Errorf("%w: %v", reminder.ErrTransport, err)
	}

	final := reminder.StatusCompleted
	evType := eventbus.TypeReminderDelivered
	if missed {
		final = reminder.StatusMissedNotified
		evType = eventbus.TypeReminderMissed
	}
	if err := d.store.UpdateStatus(ctx, r.ID, final); err != nil {
		if errors.Is(err, reminder.ErrInvalidState) || errors.Is(err, reminder.ErrNotFound) {
			// Lost a settle race after the send; the other writer owns the row.
			log.Debug("status already settled after send", logx.Err(err))
			return nil
		}
		// The message went out but the row is still pending, so a recovery
		// pass may send it again. At-least-once is the contract; be loud.
		log.Error("sent but status update failed; duplicate possible", logx.Err(err))
		return err
	}

	d.publish(evType, r, attempts, nil)
	log.Info("reminder delivered",
		logx.Bool("missed", missed), logx.Int("attempts", attempts),
		logx.Time("fire_at", r.FireAtUTC))
	return nil
}

// send pushes the payload over the transport with bounded retry/backoff.
// It returns the attempt count alongside the final error.
func (d *Dispatcher) send(ctx context.Context, r reminder.Reminder, missed bool, log logx.Logger) (int, error) {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = lim.Wait(ctx); err != nil {
			return attempt, err
		}
		if err = d.sendOnce(ctx, r, missed); err == nil {
			return attempt, nil
		}
		if attempt >= maxAttempts {
			return attempt, err
		}

		delay := backoffDelay(cfg, attempt)
		log.Debug("delivery retry scheduled",
			logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return attempt, ctx.Err()
		case <-t.C:
		}
	}
	return maxAttempts, err
}

func (d *Dispatcher) sendOnce(ctx context.Context, r reminder.Reminder, missed bool) error {
	switch r.Payload.Kind {
	case reminder.PayloadVoice:
		if missed {
			// The voice note itself carries no lateness hint, so announce it.
			if err := d.sender.SendText(ctx, r.OwnerID, missedPrefix(r)); err != nil {
				return err
			}
		}
		return d.sender.SendVoice(ctx, r.OwnerID, r.Payload.VoiceRef)
	case reminder.PayloadText:
		text := "Reminder: " + r.Payload.Text
		if missed {
			text = missedPrefix(r) + "\n" + r.Payload.Text
		}
		return d.sender.SendText(ctx, r.OwnerID, text)
	default:
		return fmt.Errorf("unknown payload kind %q", r.Payload.Kind)
	}
}

func missedPrefix(r reminder.Reminder) string {
	return fmt.Sprintf("Missed reminder (was due %s):",
		r.FireAtUTC.Format("2006-01-02 15:04 MST"))
}

func (d *Dispatcher) publish(evType string, r reminder.Reminder, attempts int, err error) {
	if d.bus == nil {
		return
	}
	ev := eventbus.ReminderEvent{
		ReminderID: r.ID,
		OwnerID:    r.OwnerID,
		FireAtUTC:  r.FireAtUTC,
		Attempts:   attempts,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: evType, Data: ev})
}

func backoffDelay(cfg Config, retry int) time.Duration {
	// retry starts at 1 (first retry)
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// jitter [1-j, 1+j]
	if j := cfg.RetryJitter; j > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
