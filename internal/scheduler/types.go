package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	// GraceWindow is the misfire tolerance: an Arm() whose instant is
	// already past by at most this much still fires normally (immediately).
	// Past-due beyond the window routes to the missed path instead.
	GraceWindow time.Duration
	// SweepEvery is the period of the safety-net store re-scan.
	SweepEvery time.Duration
	// Retention bounds how long terminal reminders are kept before the
	// sweep prunes them. 0 disables pruning.
	Retention time.Duration
	Workers   int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.GraceWindow <= 0 {
		c.GraceWindow = time.Hour
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// FireFunc handles a due reminder. The handler receives only the id and
// looks the row up fresh from the store; missed reports that the instant
// was past the grace window when handled.
type FireFunc func(ctx context.Context, id int64, missed bool)

type job struct {
	id         int64
	missed     bool
	enqueuedAt time.Time
}

// Service is the one-shot timer registry plus its firing worker pool.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	store storage.Store

	fire FireFunc

	c *cron.Cron // sweep + retention prune

	queue  chan job
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; closed when the
	// workers fully exit.
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// Timer registry. timers/armAt are the runtime state; ver bumps on
	// every (re-)arm so stale AfterFunc callbacks are ignored. An entry's
	// removal under tmu is the claim: whoever deletes it owns the event.
	tmu    sync.Mutex
	timers map[int64]*time.Timer
	armAt  map[int64]time.Time
	ver    map[int64]uint64

	// now is swappable in tests.
	now func() time.Time
}

// Stats is a point-in-time snapshot for diagnostics.
type Stats struct {
	Armed    int
	QueueLen int
	Running  bool
}
