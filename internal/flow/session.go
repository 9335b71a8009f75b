package flow

import (
	"sync"
	"time"

	"remindbot/internal/reminder"
)

// step is the conversational position of one chat. It is UI-flow state
// only, keyed by owner id and held in memory; it is never conflated with
// the persisted reminder status.
type step int

const (
	stepAwaitDate step = iota + 1
	stepAwaitTime
	stepAwaitText
	stepAwaitVoice
)

type session struct {
	step step
	kind reminder.PayloadKind

	date string // "YYYY-MM-DD" once collected
	time string // "HH:MM" once collected

	updatedAt time.Time
}

// sessionStore tracks in-progress collect flows per chat, expiring
// abandoned ones after a TTL.
type sessionStore struct {
	mu   sync.Mutex
	m    map[int64]*session
	ttl  time.Duration
	now  func() time.Time
}

func newSessionStore(ttl time.Duration) *sessionStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &sessionStore{m: map[int64]*session{}, ttl: ttl, now: time.Now}
}

func (s *sessionStore) get(owner int64) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[owner]
	if !ok {
		return nil, false
	}
	if s.now().Sub(sess.updatedAt) > s.ttl {
		delete(s.m, owner)
		return nil, false
	}
	return sess, true
}

func (s *sessionStore) put(owner int64, sess *session) {
	sess.updatedAt = s.now()
	s.mu.Lock()
	s.m[owner] = sess
	s.mu.Unlock()
}

func (s *sessionStore) clear(owner int64) {
	s.mu.Lock()
	delete(s.m, owner)
	s.mu.Unlock()
}
