package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// now is swappable in tests for deterministic past/future validation.
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, p CreateParams) (reminder.Reminder, error) {
	if err := p.Payload.Validate(); err != nil {
		return reminder.Reminder{}, err
	}
	now := s.now()
	if !p.FireAtUTC.After(now) {
		return reminder.Reminder{}, fmt.Errorf("%w: fire time %s is not in the future",
			reminder.ErrValidation, p.FireAtUTC.UTC().Format(time.RFC3339))
	}
	tz := strings.TrimSpace(p.OwnerTimezone)
	if tz == "" {
		tz = "UTC"
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(owner_id, fire_at_utc, payload_kind, payload_text, payload_voice_ref, status, owner_tz, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		p.OwnerID, encodeTime(p.FireAtUTC), string(p.Payload.Kind),
		nullStr(p.Payload.Text), nullStr(p.Payload.VoiceRef),
		string(reminder.StatusPending), tz, encodeTime(now),
	)
	if err != nil {
		return reminder.Reminder{}, storeErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return reminder.Reminder{}, storeErr(err)
	}
	return reminder.Reminder{
		ID:            id,
		OwnerID:       p.OwnerID,
		FireAtUTC:     p.FireAtUTC.UTC().Truncate(0),
		Payload:       p.Payload,
		Status:        reminder.StatusPending,
		OwnerTimezone: tz,
		CreatedAt:     now.UTC(),
	}, nil
}

const selectCols = `id, owner_id, fire_at_utc, payload_kind, payload_text, payload_voice_ref, status, owner_tz, created_at`

func (s *sqliteStore) Get(ctx context.Context, id int64) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, fmt.Errorf("%w: id %d", reminder.ErrNotFound, id)
	}
	if err != nil {
		return reminder.Reminder{}, storeErr(err)
	}
	return r, nil
}

func (s *sqliteStore) ListPending(ctx context.Context, ownerID *int64) ([]reminder.Reminder, error) {
	q := `SELECT ` + selectCols + ` FROM reminders WHERE status = ? `
	args := []any{string(reminder.StatusPending)}
	if ownerID != nil {
		q += `AND owner_id = ? `
		args = append(args, *ownerID)
	}
	q += `ORDER BY fire_at_utc ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

func (s *sqliteStore) UpdatePayload(ctx context.Context, id int64, p reminder.Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET payload_kind=?, payload_text=?, payload_voice_ref=?
		 WHERE id = ? AND status = ?`,
		string(p.Kind), nullStr(p.Text), nullStr(p.VoiceRef),
		id, string(reminder.StatusPending),
	)
	if err != nil {
		return storeErr(err)
	}
	return s.requirePendingHit(ctx, res, id)
}

func (s *sqliteStore) UpdateFireAt(ctx context.Context, id int64, at time.Time) error {
	if !at.After(s.now()) {
		return fmt.Errorf("%w: fire time %s is not in the future",
			reminder.ErrValidation, at.UTC().Format(time.RFC3339))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET fire_at_utc=? WHERE id = ? AND status = ?`,
		encodeTime(at), id, string(reminder.StatusPending),
	)
	if err != nil {
		return storeErr(err)
	}
	return s.requirePendingHit(ctx, res, id)
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id int64, to reminder.Status) error {
	if !reminder.StatusPending.CanTransition(to) {
		return fmt.Errorf("%w: illegal transition to %q", reminder.ErrInvalidState, to)
	}
	// The status guard in the WHERE clause makes the transition atomic:
	// concurrent updaters race on the row and exactly one wins.
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status=? WHERE id = ? AND status = ?`,
		string(to), id, string(reminder.StatusPending),
	)
	if err != nil {
		return storeErr(err)
	}
	return s.requirePendingHit(ctx, res, id)
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", reminder.ErrNotFound, id)
	}
	return nil
}

func (s *sqliteStore) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE status != ? AND fire_at_utc < ?`,
		string(reminder.StatusPending), encodeTime(cutoff),
	)
	if err != nil {
		return 0, storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(err)
	}
	if n > 0 {
		s.log.Debug("pruned terminal reminders", logx.Int64("count", n))
	}
	return n, nil
}

// requirePendingHit distinguishes "row is terminal" from "row is gone"
// after a pending-guarded UPDATE touched zero rows.
func (s *sqliteStore) requirePendingHit(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM reminders WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: id %d", reminder.ErrNotFound, id)
	}
	if err != nil {
		return storeErr(err)
	}
	return fmt.Errorf("%w: id %d is %s", reminder.ErrInvalidState, id, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (reminder.Reminder, error) {
	var (
		r        reminder.Reminder
		fireAt   string
		created  string
		kind     string
		status   string
		text     sql.NullString
		voiceRef sql.NullString
	)
	err := row.Scan(&r.ID, &r.OwnerID, &fireAt, &kind, &text, &voiceRef, &status, &r.OwnerTimezone, &created)
	if err != nil {
		return reminder.Reminder{}, err
	}

	r.FireAtUTC, err = decodeTime(fireAt)
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("bad fire_at_utc for id %d: %w", r.ID, err)
	}
	r.CreatedAt, err = decodeTime(created)
	if err != nil {
		return reminder.Reminder{}, fmt.Errorf("bad created_at for id %d: %w", r.ID, err)
	}

	st, ok := reminder.ParseStatus(status)
	if !ok {
		return reminder.Reminder{}, fmt.Errorf("unknown status %q for id %d", status, r.ID)
	}
	r.Status = st

	r.Payload = reminder.Payload{
		Kind:     reminder.PayloadKind(kind),
		Text:     text.String,
		VoiceRef: voiceRef.String,
	}
	return r, nil
}

// timeLayout is fixed-width RFC3339 UTC so lexical ordering in SQL matches
// chronological ordering (RFC3339Nano trims trailing zeros and does not).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", reminder.ErrStore, err)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
