package flow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/dispatch"
	"remindbot/internal/engine"
	"remindbot/internal/reminder"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSender) SendText(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) SendVoice(context.Context, int64, string) error { return nil }

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type harness struct {
	router *Router
	eng    *engine.Engine
	sender *fakeSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "reminders.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sender := &fakeSender{}
	disp := dispatch.New(dispatch.Config{RatePerSec: 1000}, sender, store, nil, logx.Nop())

	var eng *engine.Engine
	sched := scheduler.New(scheduler.Config{GraceWindow: time.Hour}, store,
		func(ctx context.Context, id int64, missed bool) { eng.Fire(ctx, id, missed) },
		logx.Nop())
	eng = engine.New(store, sched, disp, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		sched.Stop(context.Background())
		cancel()
	})

	router := New(Config{DefaultTimezone: "UTC"}, eng, sender, logx.Nop())
	return &harness{router: router, eng: eng, sender: sender}
}

func (h *harness) send(chatID int64, text string) {
	h.router.handle(context.Background(), &transport.Message{ChatID: chatID, FromID: chatID, Text: text})
}

func (h *harness) sendVoice(chatID int64, ref string) {
	h.router.handle(context.Background(), &transport.Message{ChatID: chatID, FromID: chatID, VoiceRef: ref})
}

func futureWall(d time.Duration) string {
	return time.Now().UTC().Add(d).Format(clock.WallLayout)
}

func TestHelp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send(1, "/help")
	if got := h.sender.last(); !strings.Contains(got, "/remind") {
		t.Fatalf("help reply = %q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send(1, "/frobnicate")
	if got := h.sender.last(); !strings.Contains(got, "Unknown command") {
		t.Fatalf("reply = %q", got)
	}
}

func TestRemindOneLine(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(1, "/remind "+futureWall(time.Hour)+" buy milk")
	if got := h.sender.last(); !strings.Contains(got, "Reminder #") {
		t.Fatalf("reply = %q", got)
	}

	rows, err := h.eng.List(context.Background(), 1)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(rows) != 1 || rows[0].Payload.Text != "buy milk" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestRemindOneLineBadFormat(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(1, "/remind tomorrow")
	if got := h.sender.last(); !strings.Contains(got, "Wrong format") {
		t.Fatalf("reply = %q", got)
	}
	h.send(1, "/remind "+futureWall(time.Hour))
	if got := h.sender.last(); !strings.Contains(got, "Wrong format") {
		t.Fatalf("missing text reply = %q", got)
	}
}

func TestRemindStepByStep(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	wall := strings.SplitN(futureWall(time.Hour), " ", 2)

	h.send(2, "/remind")
	if got := h.sender.last(); !strings.Contains(got, "What date") {
		t.Fatalf("reply = %q", got)
	}
	h.send(2, "not a date")
	if got := h.sender.last(); !strings.Contains(got, "YYYY-MM-DD") {
		t.Fatalf("reply = %q", got)
	}
	h.send(2, wall[0])
	if got := h.sender.last(); !strings.Contains(got, "What time") {
		t.Fatalf("reply = %q", got)
	}
	h.send(2, "99:99")
	if got := h.sender.last(); !strings.Contains(got, "HH:MM") {
		t.Fatalf("reply = %q", got)
	}
	h.send(2, wall[1])
	if got := h.sender.last(); !strings.Contains(got, "remind you about") {
		t.Fatalf("reply = %q", got)
	}
	h.send(2, "dentist appointment")
	if got := h.sender.last(); !strings.Contains(got, "Reminder #") {
		t.Fatalf("reply = %q", got)
	}

	rows, err := h.eng.List(context.Background(), 2)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(rows) != 1 || rows[0].Payload.Text != "dentist appointment" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestRemindVoice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(3, "/remind_voice "+futureWall(time.Hour))
	if got := h.sender.last(); !strings.Contains(got, "voice note") {
		t.Fatalf("reply = %q", got)
	}
	// A text message is not a voice note; the session stays open.
	h.send(3, "this is not a voice note")
	if got := h.sender.last(); !strings.Contains(got, "voice note") {
		t.Fatalf("reply = %q", got)
	}
	h.sendVoice(3, "file-123")
	if got := h.sender.last(); !strings.Contains(got, "Reminder #") {
		t.Fatalf("reply = %q", got)
	}

	rows, err := h.eng.List(context.Background(), 3)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(rows) != 1 || rows[0].Payload.Kind != reminder.PayloadVoice || rows[0].Payload.VoiceRef != "file-123" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestCommandAbortsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(4, "/remind")
	h.send(4, "/list")
	// The date that would have advanced the aborted session is now plain
	// chatter and must be ignored.
	before := len(h.sender.texts)
	h.send(4, "2030-01-01")
	if len(h.sender.texts) != before {
		t.Fatalf("chatter outside a session produced a reply: %q", h.sender.last())
	}
}

func TestListAndCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.send(5, "/list")
	if got := h.sender.last(); !strings.Contains(got, "No pending reminders") {
		t.Fatalf("reply = %q", got)
	}

	h.send(5, "/remind "+futureWall(time.Hour)+" water plants")
	rows, err := h.eng.List(ctx, 5)
	if err != nil || len(rows) != 1 {
		t.Fatalf("List = %+v, %v", rows, err)
	}
	id := rows[0].ID

	h.send(5, "/list")
	if got := h.sender.last(); !strings.Contains(got, "water plants") {
		t.Fatalf("list reply = %q", got)
	}

	h.send(5, "/cancel abc")
	if got := h.sender.last(); !strings.Contains(got, "/cancel <id>") {
		t.Fatalf("usage reply = %q", got)
	}
	h.send(5, fmt.Sprintf("/cancel %d", id))
	if got := h.sender.last(); !strings.Contains(got, "cancelled") {
		t.Fatalf("cancel reply = %q", got)
	}
	h.send(5, fmt.Sprintf("/cancel %d", id))
	if got := h.sender.last(); !strings.Contains(got, "No reminder") {
		t.Fatalf("second cancel reply = %q", got)
	}
}

func TestDoneCommand(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.send(6, "/remind "+futureWall(time.Hour)+" pay rent")
	rows, err := h.eng.List(ctx, 6)
	if err != nil || len(rows) != 1 {
		t.Fatalf("List = %+v, %v", rows, err)
	}

	h.send(6, fmt.Sprintf("/done %d", rows[0].ID))
	if got := h.sender.last(); !strings.Contains(got, "marked done") {
		t.Fatalf("reply = %q", got)
	}
	got, err := h.eng.Get(ctx, rows[0].ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != reminder.StatusCompleted {
		t.Fatalf("Status = %s", got.Status)
	}
}

func TestTimezoneCommand(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.send(7, "/tz")
	if got := h.sender.last(); !strings.Contains(got, "UTC") {
		t.Fatalf("default tz reply = %q", got)
	}
	h.send(7, "/tz Atlantis/Lost")
	if got := h.sender.last(); !strings.Contains(got, "Unknown timezone") {
		t.Fatalf("reply = %q", got)
	}
	h.send(7, "/tz Europe/Moscow")
	if got := h.sender.last(); !strings.Contains(got, "Europe/Moscow") {
		t.Fatalf("reply = %q", got)
	}

	// New reminders are interpreted in the chosen zone.
	loc, _ := time.LoadLocation("Europe/Moscow")
	wall := time.Now().In(loc).Add(time.Hour).Format(clock.WallLayout)
	h.send(7, "/remind "+wall+" call home")
	rows, err := h.eng.List(context.Background(), 7)
	if err != nil || len(rows) != 1 {
		t.Fatalf("List = %+v, %v", rows, err)
	}
	if rows[0].OwnerTimezone != "Europe/Moscow" {
		t.Fatalf("OwnerTimezone = %s", rows[0].OwnerTimezone)
	}
}

func TestSessionExpires(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.router.sessions.now = func() time.Time { return time.Now() }

	h.send(8, "/remind")
	// Age the session past its TTL.
	h.router.sessions.now = func() time.Time { return time.Now().Add(time.Hour) }

	before := len(h.sender.texts)
	h.send(8, "2030-01-01")
	if len(h.sender.texts) != before {
		t.Fatalf("expired session still advanced: %q", h.sender.last())
	}
}
