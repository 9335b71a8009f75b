// Package flow is the conversational front door: it parses commands and
// multi-step input into completed reminder requests for the engine. It
// owns no reminder state beyond the per-chat collect session.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/engine"
	"remindbot/internal/reminder"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Config struct {
	// DefaultTimezone is assumed for chats that never ran /tz.
	DefaultTimezone string
	SessionTTL      time.Duration
}

type Router struct {
	eng    *engine.Engine
	sender transport.Sender
	log    logx.Logger

	sessions *sessionStore

	// zmu guards per-chat timezone overrides set via /tz.
	zmu       sync.Mutex
	zones     map[int64]string
	defaultTZ string
}

func New(cfg Config, eng *engine.Engine, sender transport.Sender, log logx.Logger) *Router {
	tz := strings.TrimSpace(cfg.DefaultTimezone)
	if tz == "" {
		tz = "UTC"
	}
	return &Router{
		eng:       eng,
		sender:    sender,
		log:       log,
		sessions:  newSessionStore(cfg.SessionTTL),
		zones:     map[int64]string{},
		defaultTZ: tz,
	}
}

// Run consumes transport updates until ctx is cancelled.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if up.Message == nil {
				continue
			}
			r.handle(ctx, up.Message)
		}
	}
}

func (r *Router) handle(ctx context.Context, m *transport.Message) {
	text := strings.TrimSpace(m.Text)

	if strings.HasPrefix(text, "/") {
		r.handleCommand(ctx, m, text)
		return
	}

	// Non-command input only matters inside a collect session.
	sess, ok := r.sessions.get(m.ChatID)
	if !ok {
		return
	}
	r.advance(ctx, m, sess)
}

func (r *Router) handleCommand(ctx context.Context, m *transport.Message, text string) {
	cmd, args, _ := strings.Cut(text, " ")
	args = strings.TrimSpace(args)
	// Any command aborts an in-progress collect session.
	r.sessions.clear(m.ChatID)

	switch strings.ToLower(cmd) {
	case "/start", "/help":
		r.reply(ctx, m.ChatID, helpText)
	case "/remind":
		r.cmdRemind(ctx, m, args, reminder.PayloadText)
	case "/remind_voice":
		r.cmdRemind(ctx, m, args, reminder.PayloadVoice)
	case "/list":
		r.cmdList(ctx, m.ChatID)
	case "/cancel":
		r.cmdCancel(ctx, m.ChatID, args)
	case "/done":
		r.cmdDone(ctx, m.ChatID, args)
	case "/tz":
		r.cmdTimezone(ctx, m.ChatID, args)
	default:
		r.reply(ctx, m.ChatID, "Unknown command. Try /help.")
	}
}

const helpText = `I can deliver reminders at a time you choose.

/remind YYYY-MM-DD HH:MM text — schedule a text reminder
/remind — schedule step by step
/remind_voice YYYY-MM-DD HH:MM — schedule a voice reminder (send the voice note next)
/list — your pending reminders
/cancel <id> — cancel a pending reminder
/done <id> — mark a reminder done early
/tz <zone> — set your timezone (IANA name, e.g. Europe/Moscow)`

// cmdRemind handles both the one-line form ("/remind 2025-02-06 14:00 call
// mom") and the bare form that starts a step-by-step collect session.
func (r *Router) cmdRemind(ctx context.Context, m *transport.Message, args string, kind reminder.PayloadKind) {
	if args == "" {
		r.sessions.put(m.ChatID, &session{step: stepAwaitDate, kind: kind})
		r.reply(ctx, m.ChatID, "What date? (YYYY-MM-DD)")
		return
	}

	parts := strings.SplitN(args, " ", 3)
	if len(parts) < 2 {
		r.reply(ctx, m.ChatID, "Wrong format. Use: /remind YYYY-MM-DD HH:MM reminder text.")
		return
	}
	date, hhmm := parts[0], parts[1]

	if kind == reminder.PayloadVoice {
		sess := &session{step: stepAwaitVoice, kind: kind, date: date, time: hhmm}
		r.sessions.put(m.ChatID, sess)
		r.reply(ctx, m.ChatID, "Now send the voice note to schedule.")
		return
	}

	if len(parts) < 3 || strings.TrimSpace(parts[2]) == "" {
		r.reply(ctx, m.ChatID, "Wrong format. Use: /remind YYYY-MM-DD HH:MM reminder text.")
		return
	}
	r.create(ctx, m.ChatID, date, hhmm, reminder.TextPayload(strings.TrimSpace(parts[2])))
}

// advance moves a collect session one step with the incoming message.
func (r *Router) advance(ctx context.Context, m *transport.Message, sess *session) {
	text := strings.TrimSpace(m.Text)

	switch sess.step {
	case stepAwaitDate:
		if _, err := time.Parse("2006-01-02", text); err != nil {
			r.reply(ctx, m.ChatID, "That doesn't look like a date. Use YYYY-MM-DD.")
			return
		}
		sess.date = text
		sess.step = stepAwaitTime
		r.sessions.put(m.ChatID, sess)
		r.reply(ctx, m.ChatID, "What time? (HH:MM)")

	case stepAwaitTime:
		if _, err := time.Parse("15:04", text); err != nil {
			r.reply(ctx, m.ChatID, "That doesn't look like a time. Use HH:MM (24h).")
			return
		}
		sess.time = text
		if sess.kind == reminder.PayloadVoice {
			sess.step = stepAwaitVoice
			r.sessions.put(m.ChatID, sess)
			r.reply(ctx, m.ChatID, "Now send the voice note to schedule.")
			return
		}
		sess.step = stepAwaitText
		r.sessions.put(m.ChatID, sess)
		r.reply(ctx, m.ChatID, "What should I remind you about?")

	case stepAwaitText:
		if text == "" {
			r.reply(ctx, m.ChatID, "Reminder text can't be empty.")
			return
		}
		r.sessions.clear(m.ChatID)
		r.create(ctx, m.ChatID, sess.date, sess.time, reminder.TextPayload(text))

	case stepAwaitVoice:
		if m.VoiceRef == "" {
			r.reply(ctx, m.ChatID, "I need a voice note for this reminder.")
			return
		}
		r.sessions.clear(m.ChatID)
		r.create(ctx, m.ChatID, sess.date, sess.time, reminder.VoicePayload(m.VoiceRef))
	}
}

func (r *Router) create(ctx context.Context, chatID int64, date, hhmm string, payload reminder.Payload) {
	req := engine.CreateRequest{
		OwnerID:       chatID,
		LocalDateTime: date + " " + hhmm,
		Timezone:      r.timezone(chatID),
		Payload:       payload,
	}
	created, err := r.eng.Create(ctx, req)
	if err != nil {
		r.reply(ctx, chatID, createErrorText(err))
		return
	}
	r.reply(ctx, chatID, fmt.Sprintf("Reminder #%d set for %s.", created.ID, engine.LocalFireAt(created)))
}

func createErrorText(err error) string {
	switch {
	case errors.Is(err, reminder.ErrInvalidTimezone):
		return "Your timezone is not set correctly. Use /tz <zone> (e.g. /tz Europe/Moscow)."
	case errors.Is(err, reminder.ErrInvalidLocalTime):
		return "That local time doesn't exist (daylight saving jump). Pick another time."
	case errors.Is(err, reminder.ErrValidation):
		return "Can't schedule that: " + trimErr(err)
	default:
		return "Something went wrong, the reminder was not saved."
	}
}

func (r *Router) cmdList(ctx context.Context, chatID int64) {
	items, err := r.eng.List(ctx, chatID)
	if err != nil {
		r.reply(ctx, chatID, "Couldn't load your reminders.")
		return
	}
	if len(items) == 0 {
		r.reply(ctx, chatID, "No pending reminders.")
		return
	}
	var b strings.Builder
	b.WriteString("Pending reminders:\n")
	for _, it := range items {
		label := it.Payload.Text
		if it.Payload.Kind == reminder.PayloadVoice {
			label = "(voice note)"
		}
		fmt.Fprintf(&b, "#%d — %s — %s\n", it.ID, engine.LocalFireAt(it), label)
	}
	r.reply(ctx, chatID, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdCancel(ctx context.Context, chatID int64, args string) {
	id, ok := parseID(args)
	if !ok {
		r.reply(ctx, chatID, "Use: /cancel <id> (see /list for ids).")
		return
	}
	switch err := r.eng.Cancel(ctx, id, chatID); {
	case err == nil:
		r.reply(ctx, chatID, fmt.Sprintf("Reminder #%d cancelled.", id))
	case errors.Is(err, reminder.ErrNotFound):
		r.reply(ctx, chatID, fmt.Sprintf("No reminder #%d.", id))
	case errors.Is(err, reminder.ErrInvalidState):
		r.reply(ctx, chatID, fmt.Sprintf("Reminder #%d has already been handled.", id))
	default:
		r.reply(ctx, chatID, "Couldn't cancel that reminder.")
	}
}

func (r *Router) cmdDone(ctx context.Context, chatID int64, args string) {
	id, ok := parseID(args)
	if !ok {
		r.reply(ctx, chatID, "Use: /done <id> (see /list for ids).")
		return
	}
	switch err := r.eng.Complete(ctx, id, chatID); {
	case err == nil:
		r.reply(ctx, chatID, fmt.Sprintf("Reminder #%d marked done.", id))
	case errors.Is(err, reminder.ErrNotFound):
		r.reply(ctx, chatID, fmt.Sprintf("No reminder #%d.", id))
	case errors.Is(err, reminder.ErrInvalidState):
		r.reply(ctx, chatID, fmt.Sprintf("Reminder #%d has already been handled.", id))
	default:
		r.reply(ctx, chatID, "Couldn't update that reminder.")
	}
}

func (r *Router) cmdTimezone(ctx context.Context, chatID int64, args string) {
	zone := strings.TrimSpace(args)
	if zone == "" {
		r.reply(ctx, chatID, fmt.Sprintf("Your timezone is %s. Change it with /tz <zone>.", r.timezone(chatID)))
		return
	}
	if _, err := clock.ToLocal(time.Now(), zone); err != nil {
		r.reply(ctx, chatID, fmt.Sprintf("Unknown timezone %q. Use an IANA name like Europe/Moscow.", zone))
		return
	}
	r.zmu.Lock()
	r.zones[chatID] = zone
	r.zmu.Unlock()
	r.reply(ctx, chatID, fmt.Sprintf("Timezone set to %s.", zone))
}

func (r *Router) timezone(chatID int64) string {
	r.zmu.Lock()
	defer r.zmu.Unlock()
	if z, ok := r.zones[chatID]; ok {
		return z
	}
	return r.defaultTZ
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	if err := r.sender.SendText(ctx, chatID, text); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// trimErr strips the sentinel prefix so user-facing text doesn't leak
// internal wording.
func trimErr(err error) string {
	msg := err.Error()
	if _, rest, ok := strings.Cut(msg, ": "); ok && rest != "" {
		return rest
	}
	return msg
}
