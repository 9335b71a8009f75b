package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

func New(cfg Config, store storage.Store, fire FireFunc, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		store:  store,
		fire:   fire,
		timers: map[int64]*time.Timer{},
		armAt:  map[int64]time.Time{},
		ver:    map[int64]uint64{},
		now:    time.Now,
	}
}

// Apply updates tunables at runtime. The grace window takes effect on the
// next Arm(); a sweep period change takes effect after restart of the
// cron loop on next Start().
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// GraceWindow returns the current misfire tolerance.
func (s *Service) GraceWindow() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.GraceWindow
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double
	// worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop and try again
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	// Fresh queue per run so a stop/start toggle never executes stale jobs.
	s.queue = make(chan job, s.cfg.QueueSize)

	// Local captures prevent races if fields are swapped/nilled during Stop().
	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue
	workers := s.cfg.Workers

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in scheduler worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.Stack(string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}

	s.c = cron.New()
	sweepSpec := fmt.Sprintf("@every %s", s.cfg.SweepEvery)
	if _, err := s.c.AddFunc(sweepSpec, func() { s.sweep(runCtx) }); err != nil {
		s.log.Error("sweep schedule register failed", logx.String("spec", sweepSpec), logx.Err(err))
	}
	s.c.Start()

	s.log.Info("scheduler started",
		logx.Int("workers", workers),
		logx.Duration("grace_window", s.cfg.GraceWindow),
		logx.Duration("sweep_every", s.cfg.SweepEvery))
}

// Stop halts timer firing and drains the workers. Jobs already handed to
// a worker complete; queued-but-unstarted jobs are dropped here and picked
// up again by the next startup recovery pass (the rows stay pending).
func (s *Service) Stop(ctx context.Context) {
	start := s.now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	// Stop all runtime timers. The rows stay pending in the store, so the
	// next recovery pass re-arms them.
	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[int64]*time.Timer{}
	s.armAt = map[int64]time.Time{}
	s.tmu.Unlock()

	// finalize cleanup in background so Stop() can return on timeout safely.
	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Stats reports a diagnostics snapshot.
func (s *Service) Stats() Stats {
	s.tmu.Lock()
	armed := len(s.timers)
	s.tmu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Armed: armed, Running: s.stopCh != nil}
	if s.queue != nil {
		st.QueueLen = len(s.queue)
	}
	return st
}
