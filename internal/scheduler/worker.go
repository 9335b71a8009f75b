package scheduler

import (
	"context"
	"time"

	logx "remindbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.handle(ctx, j)
		}
	}
}

func (s *Service) handle(ctx context.Context, j job) {
	start := s.now()
	if wait := start.Sub(j.enqueuedAt); wait > 30*time.Second {
		s.log.Warn("fire delayed in queue", logx.Int64("id", j.id), logx.Duration("wait", wait))
	}

	fire := s.fire
	if fire == nil {
		return
	}
	fire(ctx, j.id, j.missed)

	s.log.Debug("fire handled", logx.Int64("id", j.id),
		logx.Bool("missed", j.missed), logx.Duration("took", time.Since(start)))
}
