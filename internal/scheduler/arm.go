package scheduler

import (
	"time"

	logx "remindbot/pkg/logx"
)

// Arm registers (or replaces) the one-shot timer for a reminder id.
//
// Re-arming stops the previous timer and bumps the id's version so a stale
// callback from the replaced timer is ignored. An instant already in the
// past is not rejected: within the grace window it is enqueued to fire
// immediately (on the worker pool, never inline); beyond the window it is
// enqueued on the missed path.
func (s *Service) Arm(id int64, fireAtUTC time.Time) {
	s.mu.Lock()
	grace := s.cfg.GraceWindow
	s.mu.Unlock()

	now := s.now()
	delay := fireAtUTC.Sub(now)

	if delay <= 0 {
		// Past due: the event is handed straight to the queue, so there is
		// no timer to cancel and the fire has already won any disarm race.
		s.dropTimer(id)
		s.enqueue(job{id: id, missed: delay < -grace, enqueuedAt: now})
		return
	}

	s.tmu.Lock()
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	ver := s.ver[id] + 1
	s.ver[id] = ver
	s.armAt[id] = fireAtUTC

	localID := id
	localVer := ver
	timer := time.AfterFunc(delay, func() {
		if !s.claim(localID, localVer) {
			return
		}
		s.enqueue(job{id: localID, enqueuedAt: s.now()})
	})
	s.timers[id] = timer
	s.tmu.Unlock()

	s.log.Debug("timer armed", logx.Int64("id", id),
		logx.Time("fire_at", fireAtUTC), logx.Duration("delay", delay))
}

// Disarm cancels the pending timer for id. It returns false when there is
// nothing to cancel — unknown id or a fire that already claimed the event.
// Callers treat "already fired" as a non-error outcome.
func (s *Service) Disarm(id int64) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	// Removing the registry entry under tmu is the claim; the timer's
	// callback will find it gone (version mismatch) and do nothing.
	_ = t.Stop()
	delete(s.timers, id)
	delete(s.armAt, id)
	s.ver[id]++
	s.log.Debug("timer disarmed", logx.Int64("id", id))
	return true
}

// Armed reports whether id currently has a timer, and at what instant.
func (s *Service) Armed(id int64) (time.Time, bool) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	at, ok := s.armAt[id]
	return at, ok
}

// claim resolves the fire-vs-cancel race: it succeeds only if the timer
// entry is still registered under the expected version. Exactly one of
// {claim, Disarm} wins for a given armed timer.
func (s *Service) claim(id int64, ver uint64) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.ver[id] != ver {
		return false
	}
	if _, ok := s.timers[id]; !ok {
		return false
	}
	delete(s.timers, id)
	delete(s.armAt, id)
	return true
}

func (s *Service) dropTimer(id int64) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
		delete(s.armAt, id)
		s.ver[id]++
	}
}

func (s *Service) enqueue(j job) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		// Not running: the row stays pending and the next recovery pass or
		// sweep picks it up.
		s.log.Debug("scheduler not running; dropping fire", logx.Int64("id", j.id))
		return
	}
	select {
	case q <- j:
	default:
		s.log.Warn("scheduler queue full; dropping fire",
			logx.Int64("id", j.id), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
	}
}
