// Package reconciliation looks for money the auto-release timer should
// already have moved: submitted milestones and delivered escrows whose
// review window closed well before now.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/gigledger/internal/escrow"
	"github.com/mbd888/gigledger/internal/milestone"
)

// DefaultGrace is how far past its deadline a release may lag before it
// counts as stuck.
const DefaultGrace = 10 * time.Minute

const scanLimit = 500

// MilestoneLister lists submitted milestones due for auto-approval.
type MilestoneLister interface {
	ListDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*milestone.Milestone, error)
}

// EscrowLister lists delivered escrows due for auto-release.
type EscrowLister interface {
	ListDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*escrow.Escrow, error)
}

// Stuck is one release that is overdue.
type Stuck struct {
	ID            string    `json:"id"`
	JobID         string    `json:"jobId"`
	AutoReleaseAt time.Time `json:"autoReleaseAt"`
	OverdueBy     string    `json:"overdueBy"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Healthy         bool      `json:"healthy"`
	StuckMilestones []Stuck   `json:"stuckMilestones"`
	StuckEscrows    []Stuck   `json:"stuckEscrows"`
	CheckedAt       time.Time `json:"checkedAt"`
	DurationMs      int64     `json:"durationMs"`
}

// Service runs reconciliation checks.
type Service struct {
	milestones MilestoneLister
	escrows    EscrowLister
	grace      time.Duration
	logger     *slog.Logger
	now        func() time.Time
	last       atomic.Pointer[Report]
}

// NewService creates a reconciliation service. A non-positive grace uses
// DefaultGrace.
func NewService(milestones MilestoneLister, escrows EscrowLister, grace time.Duration, logger *slog.Logger) *Service {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		milestones: milestones,
		escrows:    escrows,
		grace:      grace,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	return s.last.Load()
}

// Run scans for stuck releases. A partial report is returned alongside the
// error when one of the scans fails.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := s.now()
	cutoff := start.Add(-s.grace)
	report := &Report{
		StuckMilestones: []Stuck{},
		StuckEscrows:    []Stuck{},
		CheckedAt:       start,
	}

	var errs []error
	ms, err := s.milestones.ListDueForAutoRelease(ctx, cutoff, scanLimit)
	if err != nil {
		errs = append(errs, fmt.Errorf("scan milestones: %w", err))
	}
	for _, m := range ms {
		if m.AutoReleaseAt != nil {
			report.StuckMilestones = append(report.StuckMilestones, stuck(m.ID, m.JobID, *m.AutoReleaseAt, start))
		}
	}

	es, err := s.escrows.ListDueForAutoRelease(ctx, cutoff, scanLimit)
	if err != nil {
		errs = append(errs, fmt.Errorf("scan escrows: %w", err))
	}
	for _, e := range es {
		if e.AutoReleaseAt != nil {
			report.StuckEscrows = append(report.StuckEscrows, stuck(e.ID, e.JobID, *e.AutoReleaseAt, start))
		}
	}

	report.Healthy = len(errs) == 0 && len(report.StuckMilestones) == 0 && len(report.StuckEscrows) == 0
	elapsed := s.now().Sub(start)
	report.DurationMs = elapsed.Milliseconds()

	stuckMilestones.Set(float64(len(report.StuckMilestones)))
	stuckEscrows.Set(float64(len(report.StuckEscrows)))
	runDuration.Observe(elapsed.Seconds())
	if len(errs) > 0 {
		runErrors.Add(float64(len(errs)))
	}
	s.last.Store(report)

	if !report.Healthy {
		s.logger.Warn("reconciliation found stuck releases",
			"milestones", len(report.StuckMilestones),
			"escrows", len(report.StuckEscrows),
			"errors", len(errs))
	}
	return report, errors.Join(errs...)
}

func stuck(id, jobID string, at, now time.Time) Stuck {
	return Stuck{
		ID:            id,
		JobID:         jobID,
		AutoReleaseAt: at,
		OverdueBy:     now.Sub(at).Truncate(time.Second).String(),
	}
}
