package scheduler

import (
	"context"

	logx "remindbot/pkg/logx"
)

// sweep re-scans the store for pending reminders with no armed timer and
// arms them. The timer registry is a rebuildable cache, never the source
// of truth, so a lost timer (queue overflow, process hiccup) only delays a
// reminder until the next sweep. The same pass prunes old terminal rows.
func (s *Service) sweep(ctx context.Context) {
	pending, err := s.store.ListPending(ctx, nil)
	if err != nil {
		s.log.Warn("sweep list failed", logx.Err(err))
		return
	}

	rearmed := 0
	for _, r := range pending {
		if at, ok := s.Armed(r.ID); ok && at.Equal(r.FireAtUTC) {
			continue
		}
		s.Arm(r.ID, r.FireAtUTC)
		rearmed++
	}
	if rearmed > 0 {
		s.log.Info("sweep re-armed reminders", logx.Int("count", rearmed))
	}

	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()
	if retention > 0 {
		cutoff := s.now().Add(-retention)
		if _, err := s.store.PruneTerminal(ctx, cutoff); err != nil {
			s.log.Warn("retention prune failed", logx.Err(err))
		}
	}
}
