package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/mbd888/gigledger/internal/events"
	"github.com/mbd888/gigledger/internal/idgen"
	"github.com/mbd888/gigledger/internal/ledger"
	"github.com/mbd888/gigledger/internal/logging"
	"github.com/mbd888/gigledger/internal/metrics"
	"github.com/mbd888/gigledger/internal/traces"
	"golang.org/x/sync/singleflight"
)

// Wallets is the slice of the ledger subscriptions pay through.
type Wallets interface {
	EnsureWallet(ctx context.Context, ownerType ledger.OwnerType, ownerID string) (*ledger.Wallet, error)
	Debit(ctx context.Context, walletID string, amount int64, meta ledger.Meta) (*ledger.Transaction, error)
}

// Resolver answers "which fee rate applies to this user now", renewing
// lapsed auto-renew subscriptions on the way.
type Resolver struct {
	store   Store
	wallets Wallets
	events  events.Publisher
	logger  *slog.Logger
	grace   time.Duration
	now     func() time.Time
	flight  singleflight.Group
}

// NewResolver creates a resolver with the default grace period.
func NewResolver(store Store, wallets Wallets, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:   store,
		wallets: wallets,
		events:  events.Discard,
		logger:  logger,
		grace:   DefaultGracePeriodDays * 24 * time.Hour,
		now:     time.Now,
	}
}

// WithGracePeriodDays overrides the grace period.
func (r *Resolver) WithGracePeriodDays(days int) *Resolver {
	r.grace = time.Duration(days) * 24 * time.Hour
	return r
}

// WithEvents sets the publisher for renewal and expiry notices.
func (r *Resolver) WithEvents(p events.Publisher) *Resolver {
	r.events = p
	return r
}

// WithClock overrides the time source.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

func free() *Resolution {
	return &Resolution{Plan: PlanFree, FeePercent: Catalog[PlanFree].FeePercent}
}

// Resolve returns the plan in force for userID. Concurrent calls for the
// same user in this process share one resolution; the ledger reference
// keeps renewal single-charge across processes. The shared work outlives
// any one caller's cancellation.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*Resolution, error) {
	ch := r.flight.DoChan(userID, func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx), userID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		res := *out.Val.(*Resolution)
		return &res, nil
	}
}

func (r *Resolver) resolve(ctx context.Context, userID string) (*Resolution, error) {
	ctx, span := traces.StartSpan(ctx, "subscription.Resolve", traces.UserID(userID))
	var err error
	defer func() { traces.End(span, err) }()

	sub, err := r.store.Latest(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		err = nil
		return free(), nil
	}
	if err != nil {
		err = fmt.Errorf("%w: load subscription: %v", apperr.ErrDependencyFailure, err)
		return nil, err
	}
	if sub.Plan == PlanFree {
		return free(), nil
	}
	info, err := Lookup(sub.Plan)
	if err != nil {
		return nil, err
	}

	now := r.now()
	if now.Before(sub.ExpiresAt) {
		return &Resolution{Plan: sub.Plan, FeePercent: info.FeePercent, Subscription: sub}, nil
	}

	if sub.Status == StatusActive && sub.AutoRenew {
		var renewed *Subscription
		renewed, err = r.renew(ctx, sub, info)
		if err == nil {
			return &Resolution{Plan: sub.Plan, FeePercent: info.FeePercent, AutoRenewed: true, Subscription: renewed}, nil
		}
		if !errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, err
		}
		r.logger.Info("subscription renewal declined", "subscription_id", sub.ID, "user_id", userID, "error", err)
		err = nil
	}

	if sub.Status == StatusActive && now.Before(sub.ExpiresAt.Add(r.grace)) {
		return &Resolution{Plan: sub.Plan, FeePercent: info.FeePercent, InGracePeriod: true, Subscription: sub}, nil
	}

	r.expire(ctx, sub)
	return free(), nil
}

// renew charges one month and extends the expiry from the later of the old
// expiry and now, so a long lapse is never billed for the missed months.
// The reference is keyed on the old expiry, which makes a second charge for
// the same renewal impossible even when two processes race.
func (r *Resolver) renew(ctx context.Context, sub *Subscription, info PlanInfo) (*Subscription, error) {
	wallet, err := r.wallets.EnsureWallet(ctx, ledger.OwnerUser, sub.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet: %v", apperr.ErrDependencyFailure, err)
	}

	from := sub.ExpiresAt
	if now := r.now(); now.After(from) {
		from = now
	}
	_, err = r.wallets.Debit(ctx, wallet.ID, info.MonthlyPrice, ledger.Meta{
		Type:        ledger.TxSubscription,
		Reference:   renewalReference(sub.ID, sub.ExpiresAt),
		Description: fmt.Sprintf("%s plan renewal for %s", sub.Plan, billingPeriod(from)),
	})
	charged := err == nil
	switch {
	case charged:
	case errors.Is(err, ledger.ErrDuplicateReference):
		// Already paid for this period by a concurrent renewal.
	case errors.Is(err, ledger.ErrInsufficientFunds):
		metrics.SubscriptionRenewalsTotal.WithLabelValues("insufficient_funds").Inc()
		return nil, err
	default:
		metrics.SubscriptionRenewalsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: renewal debit: %v", apperr.ErrDependencyFailure, err)
	}

	next := addMonth(from.UTC())
	if err := r.store.ExtendExpiry(ctx, sub.ID, sub.ExpiresAt, next); err != nil && !errors.Is(err, ErrExpiryChanged) {
		metrics.SubscriptionRenewalsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: extend subscription: %v", apperr.ErrDependencyFailure, err)
	}

	fresh, err := r.store.Latest(ctx, sub.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: reload subscription: %v", apperr.ErrDependencyFailure, err)
	}
	if charged {
		metrics.SubscriptionRenewalsTotal.WithLabelValues("renewed").Inc()
		r.logger.Info("subscription renewed", "subscription_id", sub.ID, "user_id", sub.UserID,
			"plan", sub.Plan, "amount", info.MonthlyPrice, "expires_at", fresh.ExpiresAt)
		r.events.Publish(ctx, events.Event{
			Type:        events.SubscriptionRenewed,
			RecipientID: sub.UserID,
			Data:        map[string]any{"subscriptionId": sub.ID, "plan": sub.Plan, "amount": info.MonthlyPrice, "expiresAt": fresh.ExpiresAt},
		})
	}
	return fresh, nil
}

func (r *Resolver) expire(ctx context.Context, sub *Subscription) {
	if sub.Status != StatusActive && sub.Status != StatusCancelled {
		return
	}
	changed, err := r.store.Expire(ctx, sub.ID, sub.ExpiresAt)
	if err != nil {
		r.logger.Warn("failed to mark subscription expired", "subscription_id", sub.ID, "error", err)
		return
	}
	if changed {
		metrics.SubscriptionRenewalsTotal.WithLabelValues("expired").Inc()
		r.events.Publish(ctx, events.Event{
			Type:        events.SubscriptionExpired,
			RecipientID: sub.UserID,
			Data:        map[string]any{"subscriptionId": sub.ID, "plan": sub.Plan},
		})
	}
}

// Current returns the user's latest subscription, or nil when on the free plan.
func (r *Resolver) Current(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := r.store.Latest(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	return sub, err
}

// Subscribe starts a paid plan, charging the first month from the user's
// wallet. An active subscription to another plan is cancelled; its benefits
// last until it expires, after which the new one (expiring later) wins.
func (r *Resolver) Subscribe(ctx context.Context, userID string, plan Plan) (*Subscription, error) {
	info, err := Lookup(plan)
	if err != nil {
		return nil, err
	}
	if plan == PlanFree {
		return nil, fmt.Errorf("%w: the free plan needs no subscription", apperr.ErrInvalidInput)
	}

	now := r.now().UTC()
	current, err := r.store.Latest(ctx, userID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("%w: load subscription: %v", apperr.ErrDependencyFailure, err)
	}
	if current != nil && current.Plan == plan && current.Status == StatusActive && now.Before(current.ExpiresAt) {
		return nil, ErrAlreadySubscribed
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    userID,
		Plan:      plan,
		Status:    StatusActive,
		ExpiresAt: addMonth(now),
		AutoRenew: true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	wallet, err := r.wallets.EnsureWallet(ctx, ledger.OwnerUser, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet: %v", apperr.ErrDependencyFailure, err)
	}
	if _, err := r.wallets.Debit(ctx, wallet.ID, info.MonthlyPrice, ledger.Meta{
		Type:        ledger.TxSubscription,
		Reference:   renewalReference(sub.ID, now),
		Description: fmt.Sprintf("%s plan for %s", plan, billingPeriod(now)),
	}); err != nil {
		return nil, err
	}

	if err := r.store.Create(ctx, sub); err != nil {
		// The charge went through; record it loudly rather than refund from here.
		logging.Anomaly(ctx, r.logger, "subscription charged but not stored", "subscription_id", sub.ID,
			"user_id", userID, "amount", info.MonthlyPrice, "error", err)
		metrics.LedgerAnomaliesTotal.WithLabelValues("subscription_create").Inc()
		return nil, fmt.Errorf("%w: store subscription: %v", apperr.ErrDependencyFailure, err)
	}
	if current != nil && current.Status == StatusActive {
		if err := r.store.Cancel(ctx, current.ID); err != nil {
			r.logger.Warn("failed to cancel superseded subscription", "subscription_id", current.ID, "error", err)
		}
	}

	r.logger.Info("subscription started", "subscription_id", sub.ID, "user_id", userID, "plan", plan)
	return sub, nil
}

// Cancel stops renewal of the user's subscription. Benefits last until it expires.
func (r *Resolver) Cancel(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := r.store.Latest(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusActive {
		return nil, fmt.Errorf("%w: subscription is %s", apperr.ErrInvalidState, sub.Status)
	}
	if err := r.store.Cancel(ctx, sub.ID); err != nil {
		return nil, err
	}
	sub.Status = StatusCancelled
	sub.AutoRenew = false
	return sub, nil
}
