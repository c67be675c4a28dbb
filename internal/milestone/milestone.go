// Package milestone splits a job's escrow into ordered milestones, each with
// its own submit/approve/revise lifecycle. Milestones never touch wallets:
// every payout goes through the escrow release primitive.
//
// State machine:
//
//	pending ─submit─▶ submitted ─approve─▶ approved ─payout─▶ paid
//	                      │                    └─partial payout─▶ partially_approved ─resubmit─▶ submitted
//	                      └─request revision─▶ revision_requested ─resubmit─▶ submitted
//
// "approved" is a transient claim held while the escrow pays out.
package milestone

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a milestone.
type Status string

const (
	StatusPending           Status = "pending"
	StatusSubmitted         Status = "submitted"
	StatusApproved          Status = "approved"
	StatusPartiallyApproved Status = "partially_approved"
	StatusRevisionRequested Status = "revision_requested"
	StatusPaid              Status = "paid"
)

// DefaultAutoReleaseHours is the review window after a submission.
const DefaultAutoReleaseHours = 72

var (
	ErrMilestoneNotFound = fmt.Errorf("%w: milestone not found", apperr.ErrNotFound)
	ErrInvalidSplit      = fmt.Errorf("%w: invalid milestone split", apperr.ErrInvalidInput)
	ErrAlreadySplit      = fmt.Errorf("%w: job already has milestones", apperr.ErrInvalidState)
	ErrInvalidStatus     = fmt.Errorf("%w: invalid milestone status for this operation", apperr.ErrInvalidState)
	ErrNoEscrow          = fmt.Errorf("%w: job has no funded escrow", apperr.ErrInvalidState)
	ErrUnauthorized      = fmt.Errorf("%w: not authorized for this milestone", apperr.ErrForbidden)
	ErrConflict          = fmt.Errorf("%w: milestone changed concurrently", apperr.ErrConcurrencyConflict)
)

// Milestone is one slice of a job's budget.
type Milestone struct {
	ID                 string          `json:"id"`
	JobID              string          `json:"jobId"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Amount             int64           `json:"amount"`
	Percentage         decimal.Decimal `json:"percentage"`
	OrderIndex         int             `json:"orderIndex"`
	Status             Status          `json:"status"`
	AutoReleaseHours   int             `json:"autoReleaseHours"`
	AutoReleaseAt      *time.Time      `json:"autoReleaseAt,omitempty"`
	DueDate            *time.Time      `json:"dueDate,omitempty"`
	SubmissionNote     string          `json:"submissionNote"`
	SubmissionFiles    []string        `json:"submissionFiles"`
	ReviewNote         string          `json:"reviewNote"`
	PartialApprovalPct decimal.Decimal `json:"partialApprovalPct"`
	PaidAmount         int64           `json:"paidAmount"`
	RevisionRequested  bool            `json:"revisionRequested"`
	RevisionCount      int             `json:"revisionCount"`
	SubmittedAt        *time.Time      `json:"submittedAt,omitempty"`
	ApprovedAt         *time.Time      `json:"approvedAt,omitempty"`
	PaidAt             *time.Time      `json:"paidAt,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Unpaid is what the escrow still owes on this milestone.
func (m *Milestone) Unpaid() int64 {
	return m.Amount - m.PaidAmount
}

// State is what an update is conditioned on. A milestone can return to the
// same status after a partial payout, so the paid amount is part of it.
type State struct {
	Status     Status
	PaidAmount int64
}

// State returns the milestone's current State.
func (m *Milestone) State() State {
	return State{Status: m.Status, PaidAmount: m.PaidAmount}
}

func (m *Milestone) clone() *Milestone {
	cp := *m
	cp.SubmissionFiles = append([]string{}, m.SubmissionFiles...)
	return &cp
}

// Payment is one payout against a milestone.
type Payment struct {
	ID          string          `json:"id"`
	MilestoneID string          `json:"milestoneId"`
	JobID       string          `json:"jobId"`
	EscrowID    string          `json:"escrowId"`
	Gross       int64           `json:"gross"`
	Fee         int64           `json:"fee"`
	Net         int64           `json:"net"`
	Percent     decimal.Decimal `json:"percent"`
	Auto        bool            `json:"auto"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Summary is the progress of a job's milestones.
type Summary struct {
	TotalBudget         int64 `json:"totalBudget"`
	TotalPaid           int64 `json:"totalPaid"`
	Remaining           int64 `json:"remaining"`
	CompletedMilestones int   `json:"completedMilestones"`
	ProgressPercent     int   `json:"progressPercent"`
}

// Summarize totals milestones; payments are counted through PaidAmount.
func Summarize(ms []*Milestone) Summary {
	var s Summary
	for _, m := range ms {
		s.TotalBudget += m.Amount
		s.TotalPaid += m.PaidAmount
		if m.Status == StatusPaid {
			s.CompletedMilestones++
		}
	}
	s.Remaining = s.TotalBudget - s.TotalPaid
	if s.TotalBudget > 0 {
		s.ProgressPercent = int(s.TotalPaid * 100 / s.TotalBudget)
	}
	return s
}

// Store persists milestones and their payments.
type Store interface {
	// CreateAll inserts a job's milestones together; ErrAlreadySplit if the
	// job already has any.
	CreateAll(ctx context.Context, ms []*Milestone) error
	Get(ctx context.Context, id string) (*Milestone, error)
	// ListByJob returns milestones ordered by OrderIndex.
	ListByJob(ctx context.Context, jobID string) ([]*Milestone, error)
	// Update writes m if the stored status and paid amount still equal
	// expect; ErrConflict otherwise.
	Update(ctx context.Context, m *Milestone, expect State) error
	AddPayment(ctx context.Context, p *Payment) error
	ListPayments(ctx context.Context, jobID string) ([]*Payment, error)
	// ListDueForAutoRelease returns submitted milestones whose deadline is at
	// or before now.
	ListDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Milestone, error)
}
