package milestone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/mbd888/gigledger/internal/escrow"
	"github.com/mbd888/gigledger/internal/events"
	"github.com/mbd888/gigledger/internal/fees"
	"github.com/mbd888/gigledger/internal/idgen"
	"github.com/mbd888/gigledger/internal/logging"
	"github.com/mbd888/gigledger/internal/marketplace"
	"github.com/mbd888/gigledger/internal/metrics"
	"github.com/mbd888/gigledger/internal/money"
	"github.com/mbd888/gigledger/internal/retry"
	"github.com/mbd888/gigledger/internal/traces"
	"github.com/shopspring/decimal"
)

var (
	hundred      = decimal.NewFromInt(100)
	minSplitPct  = decimal.NewFromInt(99)
	maxSplitPct  = decimal.NewFromInt(101)
	maxMilestone = 50
)

// Escrows is the part of the escrow engine milestones pay through.
type Escrows interface {
	GetByJob(ctx context.Context, jobID string) (*escrow.Escrow, error)
	EnableMilestones(ctx context.Context, id string) error
	ReleaseAmount(ctx context.Context, id string, gross int64, meta escrow.ReleaseMeta) (*escrow.Payout, error)
}

// Input describes one milestone of a new split.
type Input struct {
	Title            string
	Description      string
	Amount           int64
	Percentage       decimal.Decimal
	DueDate          *time.Time
	AutoReleaseHours int
}

// Changes are the editable fields of a milestone. Nil leaves a field as is.
type Changes struct {
	Title       *string
	Description *string
	DueDate     *time.Time
}

// Approval is the outcome of approving a milestone.
type Approval struct {
	Milestone *Milestone     `json:"milestone"`
	Payout    *escrow.Payout `json:"payout"`
	Payment   *Payment       `json:"payment"`
}

// Overview is everything the escrow-split screen shows.
type Overview struct {
	Job        *marketplace.Job `json:"job"`
	Escrow     *escrow.Escrow   `json:"escrow,omitempty"`
	Milestones []*Milestone     `json:"milestones"`
	Payments   []*Payment       `json:"payments"`
	Summary    Summary          `json:"summary"`
}

// Service implements the milestone splitter.
type Service struct {
	store       Store
	escrows     Escrows
	jobs        marketplace.JobService
	orgs        marketplace.OrgService
	events      events.Publisher
	logger      *slog.Logger
	autoRelease int
	now         func() time.Time
}

// NewService creates a new milestone service.
func NewService(store Store, escrows Escrows, jobs marketplace.JobService, orgs marketplace.OrgService) *Service {
	return &Service{
		store:       store,
		escrows:     escrows,
		jobs:        jobs,
		orgs:        orgs,
		events:      events.Discard,
		logger:      slog.Default(),
		autoRelease: DefaultAutoReleaseHours,
		now:         time.Now,
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithEvents sets the publisher for milestone notices.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithAutoReleaseHours sets the default review window for new milestones.
func (s *Service) WithAutoReleaseHours(hours int) *Service {
	s.autoRelease = hours
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns a milestone by ID.
func (s *Service) Get(ctx context.Context, id string) (*Milestone, error) {
	return s.store.Get(ctx, id)
}

// ListDueForAutoRelease returns milestones the timer should approve.
func (s *Service) ListDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Milestone, error) {
	return s.store.ListDueForAutoRelease(ctx, now, limit)
}

// Create splits a job into milestones. Percentages must sum to 100 within
// one point and each amount must be within one point of its percentage of
// the budget. When the job is already funded the amounts must add up to the
// escrow, which from then on pays out only through milestones.
func (s *Service) Create(ctx context.Context, jobID, callerID string, inputs []Input) ([]*Milestone, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.requireClient(ctx, job, callerID); err != nil {
		return nil, err
	}
	total, err := validateSplit(inputs)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: list milestones: %v", apperr.ErrDependencyFailure, err)
	}
	if len(existing) > 0 {
		return nil, ErrAlreadySplit
	}

	esc, err := s.escrows.GetByJob(ctx, jobID)
	budget := job.Budget
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		esc = nil
	case err != nil:
		return nil, err
	case esc.Status != escrow.StatusHeld:
		return nil, fmt.Errorf("%w: escrow is %s", apperr.ErrInvalidState, esc.Status)
	case total != esc.Amount:
		return nil, fmt.Errorf("%w: milestones total %s but the escrow holds %s",
			ErrInvalidSplit, money.KES(total), money.KES(esc.Amount))
	default:
		budget = esc.Amount
	}
	if err := checkAmounts(inputs, budget); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ms := make([]*Milestone, len(inputs))
	for i, in := range inputs {
		hours := in.AutoReleaseHours
		if hours <= 0 {
			hours = s.autoRelease
		}
		ms[i] = &Milestone{
			ID:               idgen.WithPrefix("ms_"),
			JobID:            jobID,
			Title:            strings.TrimSpace(in.Title),
			Description:      strings.TrimSpace(in.Description),
			Amount:           in.Amount,
			Percentage:       in.Percentage,
			OrderIndex:       i,
			Status:           StatusPending,
			AutoReleaseHours: hours,
			DueDate:          in.DueDate,
			SubmissionFiles:  []string{},
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}
	if err := s.store.CreateAll(ctx, ms); err != nil {
		if errors.Is(err, ErrAlreadySplit) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: store milestones: %v", apperr.ErrDependencyFailure, err)
	}

	// The escrow is flagged only once its milestones exist.
	if esc != nil {
		err := retry.Do(ctx, retry.Compensation, func() error {
			err := s.escrows.EnableMilestones(ctx, esc.ID)
			if errors.Is(err, apperr.ErrInvalidState) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			logging.L(ctx).Error("milestones stored but escrow not flagged",
				"job_id", jobID, "escrow_id", esc.ID, "error", err)
			return nil, err
		}
	}

	if err := s.jobs.EnableMilestones(ctx, jobID); err != nil {
		logging.L(ctx).Warn("failed to flag job milestones", "job_id", jobID, "error", err)
	}
	metrics.MilestoneTransitionsTotal.WithLabelValues(string(StatusPending)).Add(float64(len(ms)))
	logging.L(ctx).Info("milestones created", "job_id", jobID, "count", len(ms), "total", total)
	if esc != nil {
		s.events.Publish(ctx, events.Event{
			Type:        events.MilestonesCreated,
			RecipientID: esc.FreelancerID,
			Data:        map[string]any{"jobId": jobID, "count": len(ms), "total": total},
		})
	}
	return ms, nil
}

func validateSplit(inputs []Input) (int64, error) {
	if len(inputs) == 0 {
		return 0, fmt.Errorf("%w: at least one milestone is required", ErrInvalidSplit)
	}
	if len(inputs) > maxMilestone {
		return 0, fmt.Errorf("%w: at most %d milestones", ErrInvalidSplit, maxMilestone)
	}
	var total int64
	sum := decimal.Zero
	for i, in := range inputs {
		if strings.TrimSpace(in.Title) == "" {
			return 0, fmt.Errorf("%w: milestone %d needs a title", apperr.ErrInvalidInput, i+1)
		}
		if in.Amount <= 0 {
			return 0, fmt.Errorf("%w: milestone %d needs a positive amount", apperr.ErrInvalidInput, i+1)
		}
		if !in.Percentage.IsPositive() {
			return 0, fmt.Errorf("%w: milestone %d needs a positive percentage", apperr.ErrInvalidInput, i+1)
		}
		total += in.Amount
		sum = sum.Add(in.Percentage)
	}
	if sum.LessThan(minSplitPct) || sum.GreaterThan(maxSplitPct) {
		return 0, fmt.Errorf("%w: percentages sum to %s%%, must be 100%% (±1)", ErrInvalidSplit, sum.String())
	}
	return total, nil
}

// checkAmounts rejects an amount more than one percentage point of budget
// away from its own percentage. A zero budget skips the check.
func checkAmounts(inputs []Input, budget int64) error {
	if budget <= 0 {
		return nil
	}
	b := decimal.NewFromInt(budget)
	slack := b.Div(hundred)
	for i, in := range inputs {
		want := b.Mul(in.Percentage).Div(hundred)
		if decimal.NewFromInt(in.Amount).Sub(want).Abs().GreaterThan(slack) {
			return fmt.Errorf("%w: milestone %d is %s but %s%% of %s is %s", ErrInvalidSplit, i+1,
				money.KES(in.Amount), in.Percentage.String(), money.KES(budget), money.KES(want.Round(0).IntPart()))
		}
	}
	return nil
}

// Submit hands a milestone to the client for review and starts its
// auto-release countdown.
func (s *Service) Submit(ctx context.Context, id, callerID, note string, files []string) (*Milestone, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case StatusPending, StatusRevisionRequested, StatusPartiallyApproved:
	default:
		return nil, fmt.Errorf("%w: milestone is %s", ErrInvalidStatus, m.Status)
	}
	esc, err := s.fundedEscrow(ctx, m.JobID)
	if err != nil {
		return nil, err
	}
	if callerID != esc.FreelancerID {
		return nil, fmt.Errorf("%w: only the hired freelancer can submit work", ErrUnauthorized)
	}

	now := s.now().UTC()
	at := now.Add(time.Duration(m.AutoReleaseHours) * time.Hour)
	next := m.clone()
	next.Status = StatusSubmitted
	next.SubmissionNote = strings.TrimSpace(note)
	next.SubmissionFiles = append([]string{}, files...)
	next.SubmittedAt = &now
	next.AutoReleaseAt = &at
	next.RevisionRequested = false
	next.UpdatedAt = now
	if err := s.update(ctx, next, m.State(), "submit"); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("milestone submitted", "milestone_id", id, "job_id", m.JobID, "auto_release_at", at)
	s.events.Publish(ctx, events.Event{
		Type:        events.MilestoneSubmitted,
		RecipientID: esc.ClientID,
		Data:        map[string]any{"jobId": m.JobID, "milestoneId": id, "title": m.Title, "autoReleaseAt": at},
	})
	return next, nil
}

// Approve pays pct of the milestone amount (capped at what is still
// unpaid) through the escrow. Exactly one of two concurrent approvals
// wins; the other gets ErrConflict.
func (s *Service) Approve(ctx context.Context, id, callerID string, pct decimal.Decimal, note string) (*Approval, error) {
	if !pct.IsPositive() || pct.GreaterThan(hundred) {
		return nil, fmt.Errorf("%w: percent must be greater than 0 and at most 100", apperr.ErrInvalidInput)
	}
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.GetJob(ctx, m.JobID)
	if err != nil {
		return nil, err
	}
	if err := s.requireClient(ctx, job, callerID); err != nil {
		return nil, err
	}
	return s.approve(ctx, m, pct, strings.TrimSpace(note), false)
}

// AutoApprove approves a submitted milestone in full once its review
// window has passed. Ineligible or already-handled milestones return
// (nil, nil).
func (s *Service) AutoApprove(ctx context.Context, id string) (*Approval, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusSubmitted || m.AutoReleaseAt == nil || s.now().Before(*m.AutoReleaseAt) {
		return nil, nil
	}

	note := fmt.Sprintf("Approved automatically after %d hours without review", m.AutoReleaseHours)
	a, err := s.approve(ctx, m, hundred, note, true)
	if errors.Is(err, apperr.ErrConcurrencyConflict) || errors.Is(err, ErrInvalidStatus) {
		logging.L(ctx).Debug("milestone auto-approve skipped", "milestone_id", id, "reason", err)
		return nil, nil
	}
	return a, err
}

func (s *Service) approve(ctx context.Context, m *Milestone, pct decimal.Decimal, note string, auto bool) (a *Approval, err error) {
	ctx, span := traces.StartSpan(ctx, "milestone.Approve", traces.MilestoneID(m.ID), traces.JobID(m.JobID))
	defer func() { traces.End(span, err) }()

	switch m.Status {
	case StatusSubmitted:
	case StatusApproved:
		// another approval holds the claim
		return nil, ErrConflict
	default:
		return nil, fmt.Errorf("%w: milestone is %s", ErrInvalidStatus, m.Status)
	}
	esc, err := s.fundedEscrow(ctx, m.JobID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	claimed := m.clone()
	claimed.Status = StatusApproved
	claimed.ApprovedAt = &now
	claimed.AutoReleaseAt = nil
	claimed.ReviewNote = note
	claimed.PartialApprovalPct = pct
	claimed.UpdatedAt = now
	if err := s.update(ctx, claimed, m.State(), "approve"); err != nil {
		return nil, err
	}

	// The claim matched m's paid amount, so m is the stored state.
	gross := fees.PercentOf(m.Amount, pct)
	if unpaid := m.Unpaid(); gross > unpaid {
		gross = unpaid
	}
	if gross <= 0 {
		s.revertClaim(ctx, m, claimed)
		return nil, fmt.Errorf("%w: %s%% of %s rounds to nothing", apperr.ErrInvalidInput, pct, money.KES(m.Amount))
	}
	leftover, err := s.leftover(ctx, m, esc, gross)
	if err != nil {
		s.revertClaim(ctx, m, claimed)
		return nil, err
	}

	payout, err := s.escrows.ReleaseAmount(ctx, esc.ID, gross+leftover, escrow.ReleaseMeta{
		MilestoneID: m.ID,
		Description: fmt.Sprintf("Milestone %d: %s", m.OrderIndex+1, m.Title),
		Auto:        auto,
	})
	if err != nil {
		s.revertClaim(ctx, m, claimed)
		return nil, err
	}

	done := claimed.clone()
	done.PaidAmount += gross
	done.Status = StatusPartiallyApproved
	if done.PaidAmount >= done.Amount {
		done.Status = StatusPaid
		done.PaidAt = &now
	}
	err = retry.Do(ctx, retry.Compensation, func() error {
		return s.store.Update(ctx, done, claimed.State())
	})
	if err != nil {
		// The escrow paid; only the milestone record is behind.
		metrics.LedgerAnomaliesTotal.WithLabelValues("milestone_approve").Inc()
		logging.Anomaly(ctx, s.logger, "milestone paid but its status was not recorded",
			"milestone_id", m.ID, "escrow_id", esc.ID, "payment_id", payout.PaymentID, "gross", gross, "error", err)
		return nil, escrow.ErrLedgerAnomaly
	}
	if leftover > 0 {
		logging.L(ctx).Info("final milestone settled the escrow remainder",
			"milestone_id", m.ID, "escrow_id", esc.ID, "leftover", leftover)
	}
	metrics.MilestoneTransitionsTotal.WithLabelValues(string(done.Status)).Inc()

	payment := &Payment{
		ID:          payout.PaymentID,
		MilestoneID: m.ID,
		JobID:       m.JobID,
		EscrowID:    esc.ID,
		Gross:       payout.Gross,
		Fee:         payout.Fee,
		Net:         payout.Net,
		Percent:     pct,
		Auto:        auto,
		CreatedAt:   now,
	}
	if err := s.store.AddPayment(ctx, payment); err != nil {
		logging.L(ctx).Warn("failed to record milestone payment", "milestone_id", m.ID, "payment_id", payment.ID, "error", err)
	}

	logging.L(ctx).Info("milestone approved", "milestone_id", m.ID, "job_id", m.JobID,
		"percent", pct.String(), "gross", payout.Gross, "fee", payout.Fee, "status", done.Status, "auto", auto)
	s.events.Publish(ctx, events.Event{
		Type:        events.MilestoneApproved,
		RecipientID: esc.FreelancerID,
		Data: map[string]any{
			"jobId": m.JobID, "milestoneId": m.ID, "gross": payout.Gross, "fee": payout.Fee,
			"net": payout.Net, "status": done.Status, "auto": auto,
		},
	})
	return &Approval{Milestone: done, Payout: payout, Payment: payment}, nil
}

// leftover is what the escrow still holds beyond the split once this payout
// finishes the job's last unpaid milestone. It goes out with that payout so
// a fully paid split never leaves money stuck in a milestone-only escrow.
func (s *Service) leftover(ctx context.Context, m *Milestone, esc *escrow.Escrow, gross int64) (int64, error) {
	if gross < m.Unpaid() {
		return 0, nil
	}
	ms, err := s.store.ListByJob(ctx, m.JobID)
	if err != nil {
		return 0, fmt.Errorf("%w: list milestones: %v", apperr.ErrDependencyFailure, err)
	}
	for _, other := range ms {
		if other.ID != m.ID && other.Status != StatusPaid {
			return 0, nil
		}
	}
	if extra := esc.Remaining() - gross; extra > 0 {
		return extra, nil
	}
	return 0, nil
}

// revertClaim puts a claimed milestone back to submitted after the payout
// did not happen. No money moved, so a failure here is only logged.
func (s *Service) revertClaim(ctx context.Context, original, claimed *Milestone) {
	if err := s.store.Update(ctx, original, claimed.State()); err != nil {
		logging.L(ctx).Error("failed to revert milestone approval claim", "milestone_id", original.ID, "error", err)
	}
}

// RequestRevision sends a submitted milestone back to the freelancer and
// stops its countdown.
func (s *Service) RequestRevision(ctx context.Context, id, callerID, note string) (*Milestone, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, fmt.Errorf("%w: a revision note is required", apperr.ErrInvalidInput)
	}
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.GetJob(ctx, m.JobID)
	if err != nil {
		return nil, err
	}
	if err := s.requireClient(ctx, job, callerID); err != nil {
		return nil, err
	}
	if m.Status != StatusSubmitted {
		return nil, fmt.Errorf("%w: milestone is %s", ErrInvalidStatus, m.Status)
	}

	next := m.clone()
	next.Status = StatusRevisionRequested
	next.RevisionRequested = true
	next.RevisionCount++
	next.ReviewNote = note
	next.AutoReleaseAt = nil
	next.UpdatedAt = s.now().UTC()
	if err := s.update(ctx, next, m.State(), "request_revision"); err != nil {
		return nil, err
	}

	if esc, err := s.escrows.GetByJob(ctx, m.JobID); err == nil {
		s.events.Publish(ctx, events.Event{
			Type:        events.MilestoneRevisionRequested,
			RecipientID: esc.FreelancerID,
			Data:        map[string]any{"jobId": m.JobID, "milestoneId": id, "note": note},
		})
	}
	return next, nil
}

// Update edits a milestone that has not been submitted yet. Amount and
// percentage are fixed at creation.
func (s *Service) Update(ctx context.Context, id, callerID string, ch Changes) (*Milestone, error) {
	if ch.Title == nil && ch.Description == nil && ch.DueDate == nil {
		return nil, fmt.Errorf("%w: nothing to update", apperr.ErrInvalidInput)
	}
	if ch.Title != nil && strings.TrimSpace(*ch.Title) == "" {
		return nil, fmt.Errorf("%w: title cannot be empty", apperr.ErrInvalidInput)
	}
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.GetJob(ctx, m.JobID)
	if err != nil {
		return nil, err
	}
	if err := s.requireClient(ctx, job, callerID); err != nil {
		return nil, err
	}
	if m.Status != StatusPending && m.Status != StatusRevisionRequested {
		return nil, fmt.Errorf("%w: milestone is %s; work has been submitted", ErrInvalidStatus, m.Status)
	}

	next := m.clone()
	if ch.Title != nil {
		next.Title = strings.TrimSpace(*ch.Title)
	}
	if ch.Description != nil {
		next.Description = strings.TrimSpace(*ch.Description)
	}
	if ch.DueDate != nil {
		due := ch.DueDate.UTC()
		next.DueDate = &due
	}
	next.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, next, m.State()); err != nil {
		return nil, err
	}
	return next, nil
}

// Overview returns a job's milestones, payments and progress. Only the
// client side and the hired freelancer may see it.
func (s *Service) Overview(ctx context.Context, jobID, callerID string) (*Overview, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	esc, err := s.escrows.GetByJob(ctx, jobID)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		esc, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	if esc == nil || callerID != esc.FreelancerID {
		if err := s.requireClient(ctx, job, callerID); err != nil {
			return nil, err
		}
	}

	ms, err := s.store.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	payments, err := s.store.ListPayments(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if ms == nil {
		ms = []*Milestone{}
	}
	if payments == nil {
		payments = []*Payment{}
	}
	return &Overview{Job: job, Escrow: esc, Milestones: ms, Payments: payments, Summary: Summarize(ms)}, nil
}

func (s *Service) requireClient(ctx context.Context, job *marketplace.Job, callerID string) error {
	ok, err := marketplace.CanManageJob(ctx, s.orgs, job, callerID)
	if err != nil {
		return fmt.Errorf("%w: org membership: %v", apperr.ErrDependencyFailure, err)
	}
	if !ok {
		return fmt.Errorf("%w: only the job's client can do this", ErrUnauthorized)
	}
	return nil
}

func (s *Service) fundedEscrow(ctx context.Context, jobID string) (*escrow.Escrow, error) {
	esc, err := s.escrows.GetByJob(ctx, jobID)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		return nil, ErrNoEscrow
	}
	if err != nil {
		return nil, err
	}
	if esc.Status != escrow.StatusHeld {
		return nil, fmt.Errorf("%w: escrow is %s", ErrNoEscrow, esc.Status)
	}
	return esc, nil
}

func (s *Service) update(ctx context.Context, m *Milestone, expect State, op string) error {
	err := s.store.Update(ctx, m, expect)
	if errors.Is(err, ErrConflict) {
		metrics.ConcurrencyConflictsTotal.WithLabelValues("milestone_" + op).Inc()
		return err
	}
	if err != nil {
		return err
	}
	metrics.MilestoneTransitionsTotal.WithLabelValues(string(m.Status)).Inc()
	return nil
}
