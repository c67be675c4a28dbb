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
	"github.com/mbd888/gigledger/internal/metrics"
	"github.com/mbd888/gigledger/internal/money"
	"github.com/mbd888/gigledger/internal/retry"
	"github.com/mbd888/gigledger/internal/traces"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Resolutions recorded on terminal escrows.
const (
	ResolutionReleased     = "released"
	ResolutionAutoReleased = "auto_released"
	ResolutionRefunded     = "refunded"
	ResolutionSplit        = "split"
)

// Payout is one disbursement out of an escrow.
type Payout struct {
	EscrowID  string `json:"escrowId"`
	PaymentID string `json:"paymentId"`
	Gross     int64  `json:"gross"`
	Fee       int64  `json:"fee"`
	Net       int64  `json:"net"`
	Refunded  int64  `json:"refunded,omitempty"`
	Remaining int64  `json:"remaining"`
	Status    Status `json:"status"`
	Auto      bool   `json:"auto,omitempty"`
}

// ReleaseMeta tags an amount release with where it came from.
type ReleaseMeta struct {
	MilestoneID string
	Description string
	Auto        bool
}

// settlement is the money one call moves out of an escrow.
type settlement struct {
	gross       int64 // toward the freelancer, fee included
	fee         int64
	refund      int64 // back to the payer
	resolution  string
	milestoneID string
	description string
	auto        bool
}

// conflictRetry re-reads and recomputes after losing a compare-and-set.
var conflictRetry = retry.Policy{
	Attempts:  3,
	BaseDelay: 20 * time.Millisecond,
	Retryable: func(err error) bool { return errors.Is(err, ErrConflict) },
}

// feeOwed is the fee for a disbursement of gross. The disbursement that
// empties the escrow takes whatever fee is still uncollected, so the
// floors of earlier partial releases never lose the platform a shilling.
func feeOwed(e *Escrow, gross, prorated int64) int64 {
	left := e.TotalFee() - e.FeeCollected
	fee := prorated
	if gross == e.Remaining() {
		fee = left
	}
	if fee > left {
		fee = left
	}
	if fee > gross {
		fee = gross
	}
	if fee < 0 {
		fee = 0
	}
	return fee
}

func validPercent(pct decimal.Decimal, allowZero bool) bool {
	if pct.GreaterThan(hundred) || pct.IsNegative() {
		return false
	}
	return allowZero || pct.IsPositive()
}

// Release pays out pct of the escrow amount (100 pays everything that
// remains). The fee portion is floor(totalFee × pct / 100).
func (s *Service) Release(ctx context.Context, id string, pct decimal.Decimal) (*Payout, error) {
	if !validPercent(pct, false) {
		return nil, ErrInvalidPercent
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.releasePercent(ctx, e, pct, false)
}

func (s *Service) releasePercent(ctx context.Context, e *Escrow, pct decimal.Decimal, auto bool) (*Payout, error) {
	if e.Status != StatusHeld {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
	}
	if e.MilestonesEnabled {
		return nil, fmt.Errorf("%w: this escrow is paid out through milestones", ErrInvalidStatus)
	}

	remaining := e.Remaining()
	gross := remaining
	if !pct.Equal(hundred) {
		gross = fees.PercentOf(e.Amount, pct)
		if gross <= 0 {
			return nil, fmt.Errorf("%w: %s%% of %s rounds to nothing", ErrInvalidAmount, pct, money.KES(e.Amount))
		}
		if gross > remaining {
			return nil, fmt.Errorf("%w: %s requested, %s remaining", ErrExceedsRemaining, money.KES(gross), money.KES(remaining))
		}
	}

	resolution := ResolutionReleased
	if auto {
		resolution = ResolutionAutoReleased
	}
	return s.settle(ctx, e, settlement{
		gross:       gross,
		fee:         feeOwed(e, gross, fees.PercentOf(e.TotalFee(), pct)),
		resolution:  resolution,
		auto:        auto,
		description: "Escrow release",
	})
}

// ReleaseAmount pays out an absolute gross amount, the primitive behind
// milestone approvals. The fee is prorated from the fee frozen at creation:
// floor(totalFee × gross / amount). Lost races are retried against the
// fresh escrow.
func (s *Service) ReleaseAmount(ctx context.Context, id string, gross int64, meta ReleaseMeta) (*Payout, error) {
	if gross <= 0 {
		return nil, ErrInvalidAmount
	}

	var payout *Payout
	err := retry.Do(ctx, conflictRetry, func() error {
		e, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != StatusHeld {
			return fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
		}
		if remaining := e.Remaining(); gross > remaining {
			return fmt.Errorf("%w: %s requested, %s remaining", ErrExceedsRemaining, money.KES(gross), money.KES(remaining))
		}
		payout, err = s.settle(ctx, e, settlement{
			gross:       gross,
			fee:         feeOwed(e, gross, fees.ProratedFee(e.TotalFee(), gross, e.Amount)),
			resolution:  ResolutionReleased,
			milestoneID: meta.MilestoneID,
			description: meta.Description,
			auto:        meta.Auto,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return payout, nil
}

// Refund returns everything not yet released to the payer wallet.
func (s *Service) Refund(ctx context.Context, id string) (*Payout, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusHeld {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
	}
	return s.settle(ctx, e, settlement{
		refund:      e.Remaining(),
		resolution:  ResolutionRefunded,
		description: "Escrow refund",
	})
}

// ResolveDispute splits what remains of a disputed escrow: releasePct goes
// to the freelancer (less the prorated fee), the rest back to the payer.
func (s *Service) ResolveDispute(ctx context.Context, id string, releasePct decimal.Decimal) (*Payout, error) {
	if !validPercent(releasePct, true) {
		return nil, fmt.Errorf("%w: release percent must be between 0 and 100", apperr.ErrInvalidInput)
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
	}

	remaining := e.Remaining()
	gross := fees.PercentOf(remaining, releasePct)
	resolution := ResolutionSplit
	switch {
	case gross == remaining:
		resolution = ResolutionReleased
	case gross == 0:
		resolution = ResolutionRefunded
	}
	return s.settle(ctx, e, settlement{
		gross:       gross,
		fee:         feeOwed(e, gross, fees.ProratedFee(e.TotalFee(), gross, e.Amount)),
		refund:      remaining - gross,
		resolution:  resolution,
		description: "Dispute resolution",
	})
}

// AutoRelease releases a delivered escrow whose review window has passed.
// Anything that makes it ineligible, including a concurrent release, makes
// it a no-op returning (nil, nil).
func (s *Service) AutoRelease(ctx context.Context, id string) (*Payout, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if e.Status != StatusHeld || e.MilestonesEnabled || e.AutoReleaseAt == nil || now.Before(*e.AutoReleaseAt) {
		return nil, nil
	}

	payout, err := s.releasePercent(ctx, e, hundred, true)
	if errors.Is(err, apperr.ErrConcurrencyConflict) || errors.Is(err, apperr.ErrInvalidState) {
		logging.L(ctx).Debug("auto-release skipped", "escrow_id", id, "reason", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.EscrowAutoReleasedTotal.Inc()
	return payout, nil
}

type credit struct {
	walletID string
	amount   int64
	meta     ledger.Meta
}

// settle claims the settlement on the escrow row, then credits the wallets.
// If a credit keeps failing, the earlier credits are reversed and the claim
// reverted, so no escrow is ever marked paid without the matching credits.
func (s *Service) settle(ctx context.Context, e *Escrow, st settlement) (payout *Payout, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle",
		traces.EscrowID(e.ID), traces.Amount(st.gross+st.refund), traces.MilestoneID(st.milestoneID))
	defer func() { traces.End(span, err) }()

	if st.gross+st.refund <= 0 {
		return nil, ErrInvalidAmount
	}

	paymentID := idgen.WithPrefix("pay_")
	credits, err := s.plannedCredits(ctx, e, st, paymentID)
	if err != nil {
		return nil, err
	}

	from := e.Balance()
	to := from
	to.Released += st.gross
	to.FeeCollected += st.fee
	to.Refunded += st.refund
	if to.Released+to.Refunded > e.Amount {
		return nil, ErrExceedsRemaining
	}

	t := Transition{From: from, To: to, Resolution: e.Resolution, ResolvedAt: e.ResolvedAt}
	if to.Released+to.Refunded == e.Amount {
		now := s.now().UTC()
		t.ResolvedAt = &now
		t.Resolution = st.resolution
		t.To.Status = StatusReleased
		if st.gross == 0 {
			t.To.Status = StatusRefunded
		}
	}

	if err := s.store.Settle(ctx, e.ID, t); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.ConcurrencyConflictsTotal.WithLabelValues("escrow_settle").Inc()
		}
		return nil, err
	}

	if err := s.applyCredits(ctx, e, credits); err != nil {
		return nil, s.unwind(ctx, e, t, credits, err)
	}

	e.Status = t.To.Status
	e.Released = t.To.Released
	e.FeeCollected = t.To.FeeCollected
	e.Refunded = t.To.Refunded
	e.Resolution = t.Resolution
	e.ResolvedAt = t.ResolvedAt
	e.UpdatedAt = s.now().UTC()

	payout = &Payout{
		EscrowID:  e.ID,
		PaymentID: paymentID,
		Gross:     st.gross,
		Fee:       st.fee,
		Net:       st.gross - st.fee,
		Refunded:  st.refund,
		Remaining: e.Remaining(),
		Status:    e.Status,
		Auto:      st.auto,
	}
	s.recordSettlement(ctx, e, st, payout)
	return payout, nil
}

func (s *Service) plannedCredits(ctx context.Context, e *Escrow, st settlement, paymentID string) ([]credit, error) {
	base := "escrow:" + e.ID + ":"
	var credits []credit

	if net := st.gross - st.fee; net > 0 {
		w, err := s.ensureWallet(ctx, ledger.OwnerUser, e.FreelancerID)
		if err != nil {
			return nil, err
		}
		credits = append(credits, credit{w.ID, net, ledger.Meta{
			Type: ledger.TxEscrowRelease, EscrowID: e.ID, MilestoneID: st.milestoneID,
			Reference:   base + "release:" + paymentID,
			Description: st.description,
		}})
	}
	if st.fee > 0 {
		w, err := s.ensureWallet(ctx, ledger.OwnerPlatform, s.platformOwner)
		if err != nil {
			return nil, err
		}
		credits = append(credits, credit{w.ID, st.fee, ledger.Meta{
			Type: ledger.TxPlatformFee, EscrowID: e.ID, MilestoneID: st.milestoneID,
			Reference:   base + "fee:" + paymentID,
			Description: "Platform fee and tax",
		}})
	}
	if st.refund > 0 {
		credits = append(credits, credit{e.PayerWalletID, st.refund, ledger.Meta{
			Type: ledger.TxEscrowRefund, EscrowID: e.ID,
			Reference:   base + "refund:" + paymentID,
			Description: st.description,
		}})
	}
	return credits, nil
}

// applyCredits stops at the first credit that fails twice and returns a
// *creditError naming it.
func (s *Service) applyCredits(ctx context.Context, e *Escrow, credits []credit) error {
	for i := range credits {
		c := &credits[i]
		err := retry.Do(ctx, retry.Compensation, func() error {
			_, err := s.ledger.Credit(ctx, c.walletID, c.amount, c.meta)
			if errors.Is(err, ledger.ErrDuplicateReference) {
				return nil
			}
			return err
		})
		if err != nil {
			return &creditError{index: i, err: err}
		}
	}
	return nil
}

type creditError struct {
	index int
	err   error
}

func (e *creditError) Error() string { return e.err.Error() }
func (e *creditError) Unwrap() error { return e.err }

// unwind reverses the credits that landed before the failing one, then
// reverts the claim. Anything that cannot be undone is a ledger anomaly.
func (s *Service) unwind(ctx context.Context, e *Escrow, t Transition, credits []credit, cause error) error {
	applied := 0
	var ce *creditError
	if errors.As(cause, &ce) {
		applied = ce.index
	}

	var stranded []string
	for _, c := range credits[:applied] {
		err := retry.Do(ctx, retry.Compensation, func() error {
			_, err := s.ledger.Debit(ctx, c.walletID, c.amount, ledger.Meta{
				Type:        ledger.TxReversal,
				EscrowID:    e.ID,
				MilestoneID: c.meta.MilestoneID,
				Reference:   c.meta.Reference + ":reversal",
				Description: "Reversal of failed escrow payout",
			})
			if errors.Is(err, ledger.ErrDuplicateReference) {
				return nil
			}
			return err
		})
		if err != nil {
			stranded = append(stranded, c.meta.Reference)
		}
	}

	revertErr := s.store.Settle(ctx, e.ID, Transition{
		From:       t.To,
		To:         t.From,
		Resolution: e.Resolution,
		ResolvedAt: e.ResolvedAt,
	})

	if len(stranded) > 0 || revertErr != nil {
		metrics.LedgerAnomaliesTotal.WithLabelValues("escrow_settle").Inc()
		logging.Anomaly(ctx, s.logger, "escrow payout failed and could not be fully undone",
			"escrow_id", e.ID, "credit_error", cause, "unreversed_credits", stranded,
			"claim_revert_error", revertErr, "released", t.To.Released, "refunded", t.To.Refunded)
		return ErrLedgerAnomaly
	}

	logging.L(ctx).Warn("escrow payout rolled back", "escrow_id", e.ID, "error", cause)
	return fmt.Errorf("%w: wallet credit failed: %v", apperr.ErrDependencyFailure, cause)
}

func (s *Service) recordSettlement(ctx context.Context, e *Escrow, st settlement, p *Payout) {
	if p.Gross > 0 {
		metrics.EscrowReleasedKES.Add(float64(p.Gross))
	}
	if p.Fee > 0 {
		metrics.PlatformFeesKES.Add(float64(p.Fee))
	}
	if p.Remaining == 0 {
		metrics.EscrowsTotal.WithLabelValues(string(e.Status)).Inc()
	}

	logging.L(ctx).Info("escrow settled", "escrow_id", e.ID, "payment_id", p.PaymentID,
		"gross", p.Gross, "fee", p.Fee, "refunded", p.Refunded, "remaining", p.Remaining,
		"status", e.Status, "milestone_id", st.milestoneID, "auto", st.auto)

	data := map[string]any{
		"escrowId": e.ID, "jobId": e.JobID, "paymentId": p.PaymentID,
		"gross": p.Gross, "fee": p.Fee, "net": p.Net, "remaining": p.Remaining, "auto": p.Auto,
	}
	if st.milestoneID != "" {
		data["milestoneId"] = st.milestoneID
	}
	if p.Gross > 0 {
		s.events.Publish(ctx, events.Event{Type: events.EscrowReleased, RecipientID: e.FreelancerID, Data: data})
	}
	if p.Refunded > 0 {
		s.events.Publish(ctx, events.Event{
			Type:        events.EscrowRefunded,
			RecipientID: e.ClientID,
			Data:        map[string]any{"escrowId": e.ID, "jobId": e.JobID, "amount": p.Refunded},
		})
	}
}
