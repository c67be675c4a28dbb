package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/mbd888/gigledger/internal/events"
	"github.com/mbd888/gigledger/internal/fees"
	"github.com/mbd888/gigledger/internal/idgen"
	"github.com/mbd888/gigledger/internal/ledger"
	"github.com/mbd888/gigledger/internal/logging"
	"github.com/mbd888/gigledger/internal/marketplace"
	"github.com/mbd888/gigledger/internal/metrics"
	"github.com/mbd888/gigledger/internal/money"
	"github.com/mbd888/gigledger/internal/retry"
	"github.com/mbd888/gigledger/internal/traces"
)

// CreateRequest accepts a proposal and funds its escrow.
type CreateRequest struct {
	JobID      string `json:"jobId" binding:"required"`
	ProposalID string `json:"-"`
	Amount     int64  `json:"amount" binding:"required,gt=0"`
	CallerID   string `json:"-"`
}

// Hire is the outcome of accepting a proposal.
type Hire struct {
	Escrow   *Escrow               `json:"escrow"`
	Proposal *marketplace.Proposal `json:"proposal"`
	Rejected int                   `json:"rejectedProposals"`
}

func newEscrowID() string { return idgen.WithPrefix("esc_") }

func holdReference(escrowID string) string { return "escrow:" + escrowID + ":hold" }

// Create accepts a proposal: it debits the payer, records a Held escrow with
// the fee frozen at the freelancer's current plan rate, then marks the hire
// on the job (best-effort).
func (s *Service) Create(ctx context.Context, req CreateRequest) (hire *Hire, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.JobID(req.JobID), traces.Amount(req.Amount), traces.UserID(req.CallerID))
	defer func() { traces.End(span, err) }()

	if req.JobID == "" || req.ProposalID == "" {
		return nil, fmt.Errorf("%w: jobId and proposalId are required", apperr.ErrInvalidInput)
	}
	if req.Amount < s.minAmount {
		return nil, fmt.Errorf("%w: minimum escrow is %s", ErrInvalidAmount, money.KES(s.minAmount))
	}

	proposal, err := s.proposals.GetProposal(ctx, req.ProposalID)
	if err != nil {
		return nil, err
	}
	if proposal.JobID != req.JobID {
		return nil, fmt.Errorf("%w: proposal does not belong to job %s", apperr.ErrInvalidInput, req.JobID)
	}
	if proposal.Status != marketplace.ProposalPending {
		return nil, fmt.Errorf("%w (status %s)", marketplace.ErrProposalNotOpen, proposal.Status)
	}
	if req.Amount != proposal.BidAmount {
		return nil, fmt.Errorf("%w: amount %s must equal the bid of %s",
			ErrInvalidAmount, money.KES(req.Amount), money.KES(proposal.BidAmount))
	}

	job, err := s.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	payer, err := s.payerWallet(ctx, job, req.CallerID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.store.GetByJob(ctx, job.ID); err == nil && existing.IsLive() {
		return nil, ErrEscrowExists
	} else if err != nil && !errors.Is(err, ErrEscrowNotFound) {
		return nil, fmt.Errorf("%w: load escrow: %v", apperr.ErrDependencyFailure, err)
	}

	balance, err := s.ledger.GetBalance(ctx, payer.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: read balance: %v", apperr.ErrDependencyFailure, err)
	}
	if balance < req.Amount {
		return nil, &ledger.InsufficientFundsError{WalletID: payer.ID, Balance: balance, Requested: req.Amount}
	}

	plan, err := s.plans.Resolve(ctx, proposal.FreelancerID)
	if err != nil {
		return nil, err
	}
	breakdown := fees.Calculate(req.Amount, plan.FeePercent)

	now := s.now().UTC()
	e := &Escrow{
		ID:                newEscrowID(),
		JobID:             job.ID,
		ProposalID:        proposal.ID,
		ClientID:          job.ClientID,
		FreelancerID:      proposal.FreelancerID,
		PayerWalletID:     payer.ID,
		Amount:            req.Amount,
		ServiceFee:        breakdown.ServiceFee,
		TaxAmount:         breakdown.TaxAmount,
		FeePercent:        plan.FeePercent,
		Status:            StatusHeld,
		AutoReleaseHours:  s.autoRelease,
		MilestonesEnabled: job.MilestonesEnabled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	span.SetAttributes(traces.EscrowID(e.ID))

	if _, err := s.ledger.Debit(ctx, payer.ID, e.Amount, ledger.Meta{
		Type:        ledger.TxEscrowHold,
		EscrowID:    e.ID,
		Reference:   holdReference(e.ID),
		Description: money.Sprintf("Escrow for job %s", job.Title),
	}); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, s.compensateHold(ctx, e, err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusHeld)).Inc()
	logging.L(ctx).Info("escrow created", "escrow_id", e.ID, "job_id", e.JobID,
		"amount", e.Amount, "service_fee", e.ServiceFee, "tax", e.TaxAmount, "plan", plan.Plan)

	return s.finishHire(ctx, e, proposal), nil
}

// payerWallet picks the organization wallet when the job belongs to an
// organization the caller manages, else the caller's own wallet if they are
// the client.
func (s *Service) payerWallet(ctx context.Context, job *marketplace.Job, callerID string) (*ledger.Wallet, error) {
	if callerID == "" {
		return nil, ErrUnauthorized
	}
	if job.OrganizationID != "" {
		ok, err := s.orgs.IsManager(ctx, job.OrganizationID, callerID)
		if err != nil {
			return nil, fmt.Errorf("%w: org membership: %v", apperr.ErrDependencyFailure, err)
		}
		if ok {
			return s.ensureWallet(ctx, ledger.OwnerOrganization, job.OrganizationID)
		}
	}
	if job.ClientID != callerID {
		return nil, fmt.Errorf("%w: only the job's client can hire", apperr.ErrForbidden)
	}
	return s.ensureWallet(ctx, ledger.OwnerUser, callerID)
}

func (s *Service) ensureWallet(ctx context.Context, ownerType ledger.OwnerType, ownerID string) (*ledger.Wallet, error) {
	w, err := s.ledger.EnsureWallet(ctx, ownerType, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s wallet: %v", apperr.ErrDependencyFailure, ownerType, err)
	}
	return w, nil
}

// compensateHold returns the debited amount after the escrow row could not
// be written. If that fails too, the money is stranded and needs a human.
func (s *Service) compensateHold(ctx context.Context, e *Escrow, cause error) error {
	err := retry.Do(ctx, retry.Compensation, func() error {
		_, err := s.ledger.Credit(ctx, e.PayerWalletID, e.Amount, ledger.Meta{
			Type:        ledger.TxReversal,
			EscrowID:    e.ID,
			Reference:   holdReference(e.ID) + ":reversal",
			Description: "Escrow could not be created; funds returned",
		})
		if errors.Is(err, ledger.ErrDuplicateReference) {
			return nil
		}
		return err
	})
	if err != nil {
		metrics.LedgerAnomaliesTotal.WithLabelValues("escrow_create").Inc()
		logging.Anomaly(ctx, s.logger, "escrow hold debited but neither stored nor reversed",
			"escrow_id", e.ID, "wallet_id", e.PayerWalletID, "amount", e.Amount,
			"insert_error", cause, "reversal_error", err)
		return ErrLedgerAnomaly
	}

	if errors.Is(cause, ErrEscrowExists) {
		return ErrEscrowExists
	}
	return fmt.Errorf("%w: store escrow: %v", apperr.ErrDependencyFailure, cause)
}

// finishHire records the hire on the job. Failures are logged, not rolled
// back: they do not affect any balance.
func (s *Service) finishHire(ctx context.Context, e *Escrow, proposal *marketplace.Proposal) *Hire {
	log := logging.L(ctx).With("escrow_id", e.ID, "job_id", e.JobID)

	if err := s.proposals.MarkAccepted(ctx, proposal.ID); err != nil {
		log.Warn("failed to mark proposal accepted", "proposal_id", proposal.ID, "error", err)
	} else {
		proposal.Status = marketplace.ProposalAccepted
		proposal.UpdatedAt = time.Now().UTC()
	}
	if err := s.jobs.SetStatus(ctx, e.JobID, marketplace.JobInProgress); err != nil {
		log.Warn("failed to move job to in_progress", "error", err)
	}
	rejected, err := s.proposals.RejectOthers(ctx, e.JobID, proposal.ID)
	if err != nil {
		log.Warn("failed to reject other proposals", "error", err)
	}

	s.events.Publish(ctx, events.Event{
		Type:        events.ProposalHired,
		RecipientID: e.FreelancerID,
		Data: map[string]any{
			"jobId": e.JobID, "proposalId": proposal.ID, "escrowId": e.ID, "amount": e.Amount,
		},
	})
	s.events.Publish(ctx, events.Event{
		Type:        events.EscrowCreated,
		RecipientID: e.ClientID,
		Data:        map[string]any{"jobId": e.JobID, "escrowId": e.ID, "amount": e.Amount},
	})
	for _, p := range rejected {
		s.events.Publish(ctx, events.Event{
			Type:        events.ProposalRejected,
			RecipientID: p.FreelancerID,
			Data:        map[string]any{"jobId": e.JobID, "proposalId": p.ID},
		})
	}

	return &Hire{Escrow: e, Proposal: proposal, Rejected: len(rejected)}
}
