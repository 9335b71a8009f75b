package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/dispatch"
	"remindbot/internal/reminder"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	voice []string
}

func (f *fakeSender) SendText(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) SendVoice(_ context.Context, _ int64, ref string) error {
	f.mu.Lock()
	f.voice = append(f.voice, ref)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) textCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func (f *fakeSender) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type stack struct {
	eng    *Engine
	store  storage.Store
	sched  *scheduler.Service
	sender *fakeSender
}

func newStack(t *testing.T) *stack {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "reminders.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sender := &fakeSender{}
	disp := dispatch.New(dispatch.Config{RatePerSec: 1000, RetryBase: time.Millisecond}, sender, store, nil, logx.Nop())

	var eng *Engine
	sched := scheduler.New(scheduler.Config{GraceWindow: time.Hour}, store,
		func(ctx context.Context, id int64, missed bool) { eng.Fire(ctx, id, missed) },
		logx.Nop())
	eng = New(store, sched, disp, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		sched.Stop(context.Background())
		cancel()
	})
	return &stack{eng: eng, store: store, sched: sched, sender: sender}
}

// futureWall renders now+d in zone as a wall-clock input string.
func futureWall(t *testing.T, zone string, d time.Duration) string {
	t.Helper()
	loc, err := time.LoadLocation(zone)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", zone, err)
	}
	return time.Now().In(loc).Add(d).Format(clock.WallLayout)
}

func TestCreatePersistsAndArms(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	r, err := s.eng.Create(ctx, CreateRequest{
		OwnerID:       42,
		LocalDateTime: futureWall(t, "UTC", time.Hour),
		Timezone:      "UTC",
		Payload:       reminder.TextPayload("stand-up"),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if r.Status != reminder.StatusPending {
		t.Fatalf("Status = %s", r.Status)
	}
	if _, armed := s.sched.Armed(r.ID); !armed {
		t.Fatal("created reminder has no timer")
	}

	got, err := s.eng.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Payload.Text != "stand-up" {
		t.Fatalf("payload = %+v", got.Payload)
	}
}

func TestCreateConvertsTimezone(t *testing.T) {
	t.Parallel()
	s := newStack(t)

	wall := futureWall(t, "Europe/Moscow", 2*time.Hour)
	r, err := s.eng.Create(context.Background(), CreateRequest{
		OwnerID:       1,
		LocalDateTime: wall,
		Timezone:      "Europe/Moscow",
		Payload:       reminder.TextPayload("x"),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	loc, _ := time.LoadLocation("Europe/Moscow")
	parsed, _ := time.ParseInLocation(clock.WallLayout, wall, loc)
	if !r.FireAtUTC.Equal(parsed.UTC()) {
		t.Fatalf("FireAtUTC = %v, want %v", r.FireAtUTC, parsed.UTC())
	}
	if r.OwnerTimezone != "Europe/Moscow" {
		t.Fatalf("OwnerTimezone = %s", r.OwnerTimezone)
	}
	if !strings.Contains(LocalFireAt(r), "Europe/Moscow") {
		t.Fatalf("LocalFireAt = %q", LocalFireAt(r))
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	_, err := s.eng.Create(ctx, CreateRequest{
		OwnerID: 1, LocalDateTime: "next tuesday", Timezone: "UTC",
		Payload: reminder.TextPayload("x"),
	})
	if !errors.Is(err, reminder.ErrValidation) {
		t.Fatalf("bad datetime = %v, want ErrValidation", err)
	}

	_, err = s.eng.Create(ctx, CreateRequest{
		OwnerID: 1, LocalDateTime: futureWall(t, "UTC", time.Hour), Timezone: "Pluto/Base",
		Payload: reminder.TextPayload("x"),
	})
	if !errors.Is(err, reminder.ErrInvalidTimezone) {
		t.Fatalf("bad zone = %v, want ErrInvalidTimezone", err)
	}

	if rows, _ := s.eng.List(ctx, 1); len(rows) != 0 {
		t.Fatalf("failed creates left %d rows", len(rows))
	}
}

func TestFireDeliversAndSettles(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	// Persist directly so the instant can be sub-minute, then let the
	// armed timer drive delivery end to end.
	r, err := s.store.Create(ctx, storage.CreateParams{
		OwnerID:   7,
		FireAtUTC: time.Now().Add(60 * time.Millisecond),
		Payload:   reminder.TextPayload("take a break"),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	s.sched.Arm(r.ID, r.FireAtUTC)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && s.sender.textCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if s.sender.textCount() != 1 {
		t.Fatalf("sends = %d, want 1", s.sender.textCount())
	}
	if got := s.sender.lastText(); !strings.Contains(got, "take a break") {
		t.Fatalf("delivered text = %q", got)
	}

	got, err := s.store.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != reminder.StatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}

	// No second delivery.
	time.Sleep(150 * time.Millisecond)
	if s.sender.textCount() != 1 {
		t.Fatalf("sends = %d after settle", s.sender.textCount())
	}
}

func TestCancelRemovesAndDisarms(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	r, err := s.eng.Create(ctx, CreateRequest{
		OwnerID:       5,
		LocalDateTime: futureWall(t, "UTC", time.Hour),
		Timezone:      "UTC",
		Payload:       reminder.TextPayload("x"),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	if err := s.eng.Cancel(ctx, r.ID, 5); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if _, armed := s.sched.Armed(r.ID); armed {
		t.Fatal("cancelled reminder still armed")
	}
	if _, err := s.eng.Get(ctx, r.ID); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("Get after cancel = %v, want ErrNotFound", err)
	}
	if s.sender.textCount() != 0 {
		t.Fatalf("cancelled reminder was delivered (%d sends)", s.sender.textCount())
	}
}

func TestOwnershipHidesForeignRows(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	r, err := s.eng.Create(ctx, CreateRequest{
		OwnerID:       5,
		LocalDateTime: futureWall(t, "UTC", time.Hour),
		Timezone:      "UTC",
		Payload:       reminder.TextPayload("x"),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	if err := s.eng.Cancel(ctx, r.ID, 6); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("foreign Cancel = %v, want ErrNotFound", err)
	}
	if err := s.eng.EditPayload(ctx, r.ID, 6, reminder.TextPayload("y")); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("foreign EditPayload = %v, want ErrNotFound", err)
	}
	if err := s.eng.Complete(ctx, r.ID, 6); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("foreign Complete = %v, want ErrNotFound", err)
	}
}

func TestEditTimeMovesTimer(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	r, err := s.eng.Create(ctx, CreateRequest{
		OwnerID:       5,
		LocalDateTime: futureWall(t, "UTC", time.Hour),
		Timezone:      "UTC",
		Payload:       reminder.TextPayload("x"),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	newWall := futureWall(t, "UTC", 2*time.Hour)
	if err := s.eng.EditTime(ctx, r.ID, 5, newWall); err != nil {
		t.Fatalf("EditTime error: %v", err)
	}

	got, err := s.eng.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	wantAt, _ := time.Parse(clock.WallLayout, newWall)
	if !got.FireAtUTC.Equal(wantAt.UTC()) {
		t.Fatalf("FireAtUTC = %v, want %v", got.FireAtUTC, wantAt.UTC())
	}
	if at, armed := s.sched.Armed(r.ID); !armed || !at.Equal(got.FireAtUTC) {
		t.Fatalf("Armed = %v, %v; want timer at new instant", at, armed)
	}
}

func TestEditAfterSettleFails(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	r, err := s.eng.Create(ctx, CreateRequest{
		OwnerID:       5,
		LocalDateTime: futureWall(t, "UTC", time.Hour),
		Timezone:      "UTC",
		Payload:       reminder.TextPayload("x"),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := s.eng.Complete(ctx, r.ID, 5); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if _, armed := s.sched.Armed(r.ID); armed {
		t.Fatal("completed reminder still armed")
	}

	if err := s.eng.EditPayload(ctx, r.ID, 5, reminder.TextPayload("y")); !errors.Is(err, reminder.ErrInvalidState) {
		t.Fatalf("EditPayload = %v, want ErrInvalidState", err)
	}
	if err := s.eng.EditTime(ctx, r.ID, 5, futureWall(t, "UTC", 3*time.Hour)); !errors.Is(err, reminder.ErrInvalidState) {
		t.Fatalf("EditTime = %v, want ErrInvalidState", err)
	}
	if err := s.eng.Cancel(ctx, r.ID, 5); !errors.Is(err, reminder.ErrInvalidState) {
		t.Fatalf("Cancel = %v, want ErrInvalidState", err)
	}
}

func TestListOrdersByFireTime(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	later, err := s.eng.Create(ctx, CreateRequest{
		OwnerID: 9, LocalDateTime: futureWall(t, "UTC", 3*time.Hour), Timezone: "UTC",
		Payload: reminder.TextPayload("later"),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	sooner, err := s.eng.Create(ctx, CreateRequest{
		OwnerID: 9, LocalDateTime: futureWall(t, "UTC", time.Hour), Timezone: "UTC",
		Payload: reminder.TextPayload("sooner"),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	rows, err := s.eng.List(ctx, 9)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != sooner.ID || rows[1].ID != later.ID {
		t.Fatalf("unexpected order: %+v", rows)
	}
}
