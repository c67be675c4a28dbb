// Package escrow holds a client's payment for a hired job and pays it out to
// the freelancer (less the platform fee) or back to the payer.
//
// Flow:
//  1. Client accepts a proposal → payer wallet debited, escrow Held
//  2. Freelancer delivers (or milestones are approved one by one)
//  3. Client releases → freelancer credited net, platform credited fee
//  4. Silence past the auto-release deadline → released by the timer
//  5. Dispute → an admin splits the remaining amount or refunds it
//
// Only this package moves escrowed money. Every state change is a
// compare-and-set on (status, released, feeCollected, refunded), and the
// claim is written before any wallet is credited.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/mbd888/gigledger/internal/events"
	"github.com/mbd888/gigledger/internal/ledger"
	"github.com/mbd888/gigledger/internal/marketplace"
	"github.com/mbd888/gigledger/internal/subscription"
	"github.com/shopspring/decimal"
)

var (
	ErrEscrowNotFound   = fmt.Errorf("%w: escrow not found", apperr.ErrNotFound)
	ErrEscrowExists     = fmt.Errorf("%w: job already has a live escrow", apperr.ErrInvalidState)
	ErrInvalidStatus    = fmt.Errorf("%w: invalid escrow status for this operation", apperr.ErrInvalidState)
	ErrExceedsRemaining = fmt.Errorf("%w: amount exceeds what remains in escrow", apperr.ErrInvalidInput)
	ErrInvalidAmount    = fmt.Errorf("%w: invalid amount", apperr.ErrInvalidInput)
	ErrInvalidPercent   = fmt.Errorf("%w: percent must be greater than 0 and at most 100", apperr.ErrInvalidInput)
	ErrUnauthorized     = fmt.Errorf("%w: not authorized for this escrow", apperr.ErrForbidden)
	ErrConflict         = fmt.Errorf("%w: escrow changed concurrently", apperr.ErrConcurrencyConflict)

	// ErrLedgerAnomaly means money moved and could not be moved back. The
	// details are in the logs; the caller only learns to contact support.
	ErrLedgerAnomaly = fmt.Errorf("%w: ledger anomaly", apperr.ErrDependencyFailure)
)

// DefaultMinAmount is the smallest escrow accepted, in KES.
const DefaultMinAmount = 100

// DefaultAutoReleaseHours is how long a client has to react to a delivery.
const DefaultAutoReleaseHours = 72

// Status represents the state of an escrow.
type Status string

const (
	StatusHeld     Status = "held"     // Funds debited from the payer
	StatusReleased Status = "released" // Fully disbursed to the freelancer (and platform)
	StatusRefunded Status = "refunded" // Remaining amount returned to the payer
	StatusDisputed Status = "disputed" // Frozen until an admin resolves it
)

// Escrow is the holding record for one hired job.
type Escrow struct {
	ID                string          `json:"id"`
	JobID             string          `json:"jobId"`
	ProposalID        string          `json:"proposalId"`
	ClientID          string          `json:"clientId"`
	FreelancerID      string          `json:"freelancerId"`
	PayerWalletID     string          `json:"payerWalletId"`
	Amount            int64           `json:"amount"`
	ServiceFee        int64           `json:"serviceFee"`
	TaxAmount         int64           `json:"taxAmount"`
	FeePercent        decimal.Decimal `json:"feePercent"`
	Released          int64           `json:"released"`
	FeeCollected      int64           `json:"feeCollected"`
	Refunded          int64           `json:"refunded"`
	Status            Status          `json:"status"`
	Resolution        string          `json:"resolution,omitempty"`
	MilestonesEnabled bool            `json:"milestonesEnabled"`
	AutoReleaseHours  int             `json:"autoReleaseHours"`
	AutoReleaseAt     *time.Time      `json:"autoReleaseAt,omitempty"`
	DeliveredAt       *time.Time      `json:"deliveredAt,omitempty"`
	DisputeReason     string          `json:"disputeReason,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	ResolvedAt        *time.Time      `json:"resolvedAt,omitempty"`
}

// TotalFee is the platform's full cut: service fee plus tax.
func (e *Escrow) TotalFee() int64 {
	return e.ServiceFee + e.TaxAmount
}

// Remaining is the amount not yet released or refunded.
func (e *Escrow) Remaining() int64 {
	return e.Amount - e.Released - e.Refunded
}

// IsLive reports whether the escrow still holds money.
func (e *Escrow) IsLive() bool {
	return e.Status == StatusHeld || e.Status == StatusDisputed
}

// Balance returns the compare-and-set part of the escrow.
func (e *Escrow) Balance() Balance {
	return Balance{Status: e.Status, Released: e.Released, FeeCollected: e.FeeCollected, Refunded: e.Refunded}
}

// Balance is the money-tracking state every settlement compares and swaps.
type Balance struct {
	Status       Status
	Released     int64
	FeeCollected int64
	Refunded     int64
}

// Transition moves an escrow from one Balance to another. Resolution and
// ResolvedAt are written as given.
type Transition struct {
	From       Balance
	To         Balance
	Resolution string
	ResolvedAt *time.Time
}

// Store persists escrows.
type Store interface {
	// Create inserts a Held escrow; ErrEscrowExists if the job already has a
	// held or disputed one.
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// GetByJob returns the job's most recent escrow.
	GetByJob(ctx context.Context, jobID string) (*Escrow, error)
	// Settle applies t if the stored balance still equals t.From;
	// ErrConflict otherwise.
	Settle(ctx context.Context, id string, t Transition) error
	// MarkDelivered stamps delivery on a held escrow.
	MarkDelivered(ctx context.Context, id string, deliveredAt, autoReleaseAt time.Time) error
	// MarkDisputed moves a held escrow to disputed.
	MarkDisputed(ctx context.Context, id, reason string, at time.Time) error
	// EnableMilestones flags a held escrow and clears its auto-release deadline.
	EnableMilestones(ctx context.Context, id string) error
	// ListDueForAutoRelease returns held, milestone-less escrows whose
	// deadline is at or before now.
	ListDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
}

// WalletLedger is the privileged view of the ledger. Only this package
// holds one.
type WalletLedger interface {
	EnsureWallet(ctx context.Context, ownerType ledger.OwnerType, ownerID string) (*ledger.Wallet, error)
	GetBalance(ctx context.Context, walletID string) (int64, error)
	Debit(ctx context.Context, walletID string, amount int64, meta ledger.Meta) (*ledger.Transaction, error)
	Credit(ctx context.Context, walletID string, amount int64, meta ledger.Meta) (*ledger.Transaction, error)
}

// PlanResolver returns the fee rate in force for a user.
type PlanResolver interface {
	Resolve(ctx context.Context, userID string) (*subscription.Resolution, error)
}

// Service implements escrow business logic.
type Service struct {
	store         Store
	ledger        WalletLedger
	plans         PlanResolver
	proposals     marketplace.ProposalService
	jobs          marketplace.JobService
	orgs          marketplace.OrgService
	events        events.Publisher
	logger        *slog.Logger
	platformOwner string
	minAmount     int64
	autoRelease   int
	now           func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, wallets WalletLedger, plans PlanResolver, market marketplace.Store) *Service {
	return &Service{
		store:         store,
		ledger:        wallets,
		plans:         plans,
		proposals:     market,
		jobs:          market,
		orgs:          market,
		events:        events.Discard,
		logger:        slog.Default(),
		platformOwner: "platform",
		minAmount:     DefaultMinAmount,
		autoRelease:   DefaultAutoReleaseHours,
		now:           time.Now,
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithEvents sets the publisher for hire and payout notices.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithPlatformOwner sets the owner ID of the platform fee wallet.
func (s *Service) WithPlatformOwner(owner string) *Service {
	s.platformOwner = owner
	return s
}

// WithMinAmount sets the smallest escrow accepted.
func (s *Service) WithMinAmount(min int64) *Service {
	s.minAmount = min
	return s
}

// WithAutoReleaseHours sets the delivery review window.
func (s *Service) WithAutoReleaseHours(hours int) *Service {
	s.autoRelease = hours
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByJob returns the job's most recent escrow.
func (s *Service) GetByJob(ctx context.Context, jobID string) (*Escrow, error) {
	return s.store.GetByJob(ctx, jobID)
}

// EnableMilestones hands payout control to the milestone splitter. Held
// escrows only; any delivery countdown is cancelled.
func (s *Service) EnableMilestones(ctx context.Context, id string) error {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.MilestonesEnabled {
		return nil
	}
	if e.Status != StatusHeld {
		return fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
	}
	return s.store.EnableMilestones(ctx, id)
}

// ListDueForAutoRelease returns escrows the timer should release.
func (s *Service) ListDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	return s.store.ListDueForAutoRelease(ctx, now, limit)
}

// CanView reports whether userID is a party to the escrow: the freelancer,
// the client, or a manager of the job's organization.
func (s *Service) CanView(ctx context.Context, e *Escrow, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if userID == e.FreelancerID {
		return true, nil
	}
	return s.CanManage(ctx, e, userID)
}

// CanManage reports whether userID may spend the escrow: the client or a
// manager of the job's organization.
func (s *Service) CanManage(ctx context.Context, e *Escrow, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if userID == e.ClientID {
		return true, nil
	}
	job, err := s.jobs.GetJob(ctx, e.JobID)
	if errors.Is(err, marketplace.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: load job: %v", apperr.ErrDependencyFailure, err)
	}
	return marketplace.CanManageJob(ctx, s.orgs, job, userID)
}
