// Package autorelease pays freelancers whose clients stay silent: submitted
// milestones and delivered escrows are released once their review window
// has passed.
package autorelease

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/gigledger/internal/escrow"
	"github.com/mbd888/gigledger/internal/milestone"
)

// DefaultInterval is how often the timer looks for due releases.
const DefaultInterval = 30 * time.Second

const batchSize = 100

// Milestones is the part of the milestone service the timer drives.
type Milestones interface {
	ListDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*milestone.Milestone, error)
	AutoApprove(ctx context.Context, id string) (*milestone.Approval, error)
}

// Escrows is the part of the escrow service the timer drives.
type Escrows interface {
	ListDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*escrow.Escrow, error)
	AutoRelease(ctx context.Context, id string) (*escrow.Payout, error)
}

// Result counts what one tick did.
type Result struct {
	MilestonesApproved int
	EscrowsReleased    int
	Failed             int
}

// Timer periodically auto-approves milestones and auto-releases escrows.
type Timer struct {
	milestones Milestones
	escrows    Escrows
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a new auto-release timer. A non-positive interval uses
// DefaultInterval.
func NewTimer(milestones Milestones, escrows Escrows, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		milestones: milestones,
		escrows:    escrows,
		interval:   interval,
		logger:     logger,
		now:        time.Now,
		stop:       make(chan struct{}, 1),
	}
}

// WithClock overrides the time source.
func (t *Timer) WithClock(now func() time.Time) *Timer {
	t.now = now
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the auto-release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeTick(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-release timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Tick(ctx, t.now())
}

// Tick releases everything due at now. Milestones go first so a job's
// escrow is never released around its milestones.
func (t *Timer) Tick(ctx context.Context, now time.Time) Result {
	var res Result

	due, err := t.milestones.ListDueForAutoRelease(ctx, now, batchSize)
	if err != nil {
		t.logger.Warn("failed to list due milestones", "error", err)
	}
	for _, m := range due {
		a, err := t.milestones.AutoApprove(ctx, m.ID)
		if err != nil {
			res.Failed++
			t.logger.Warn("failed to auto-approve milestone", "milestone_id", m.ID, "job_id", m.JobID, "error", err)
			continue
		}
		if a == nil {
			continue
		}
		res.MilestonesApproved++
		t.logger.Info("auto-approved milestone",
			"milestone_id", m.ID,
			"job_id", m.JobID,
			"gross", a.Payout.Gross,
			"fee", a.Payout.Fee,
		)
	}

	expired, err := t.escrows.ListDueForAutoRelease(ctx, now, batchSize)
	if err != nil {
		t.logger.Warn("failed to list due escrows", "error", err)
		return res
	}
	for _, e := range expired {
		p, err := t.escrows.AutoRelease(ctx, e.ID)
		if err != nil {
			res.Failed++
			t.logger.Warn("failed to auto-release escrow", "escrow_id", e.ID, "error", err)
			continue
		}
		if p == nil {
			continue
		}
		res.EscrowsReleased++
		t.logger.Info("auto-released escrow",
			"escrow_id", e.ID,
			"freelancer_id", e.FreelancerID,
			"gross", p.Gross,
			"fee", p.Fee,
		)
	}
	return res
}
