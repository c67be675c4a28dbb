// Package subscription resolves which plan, and therefore which platform fee
// rate, applies to a user right now. Resolution is never cached: it may renew
// a lapsed subscription from the user's wallet as a side effect.
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/shopspring/decimal"
)

// Plan is a subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled" // benefits last until ExpiresAt, no renewal
	StatusExpired   Status = "expired"
)

// DefaultGracePeriodDays is how long plan benefits survive a failed renewal.
const DefaultGracePeriodDays = 7

var (
	ErrSubscriptionNotFound = fmt.Errorf("%w: no subscription", apperr.ErrNotFound)
	ErrUnknownPlan          = fmt.Errorf("%w: unknown plan", apperr.ErrInvalidInput)
	ErrAlreadySubscribed    = fmt.Errorf("%w: already subscribed to this plan", apperr.ErrInvalidState)
	ErrExpiryChanged        = fmt.Errorf("%w: subscription expiry changed concurrently", apperr.ErrConcurrencyConflict)
)

// PlanInfo is a catalog entry.
type PlanInfo struct {
	Plan         Plan            `json:"plan"`
	FeePercent   decimal.Decimal `json:"feePercent"`
	MonthlyPrice int64           `json:"monthlyPrice"` // KES
}

// Catalog lists every plan. Fee percent applies to escrow amounts.
var Catalog = map[Plan]PlanInfo{
	PlanFree:       {Plan: PlanFree, FeePercent: decimal.NewFromInt(6), MonthlyPrice: 0},
	PlanPro:        {Plan: PlanPro, FeePercent: decimal.NewFromInt(4), MonthlyPrice: 1500},
	PlanEnterprise: {Plan: PlanEnterprise, FeePercent: decimal.NewFromInt(2), MonthlyPrice: 5000},
}

// Lookup returns the catalog entry for plan.
func Lookup(plan Plan) (PlanInfo, error) {
	info, ok := Catalog[plan]
	if !ok {
		return PlanInfo{}, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	return info, nil
}

// Subscription is a user's paid plan.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Plan      Plan      `json:"plan"`
	Status    Status    `json:"status"`
	ExpiresAt time.Time `json:"expiresAt"`
	AutoRenew bool      `json:"autoRenew"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Resolution is the plan in force for one request.
type Resolution struct {
	Plan          Plan            `json:"plan"`
	FeePercent    decimal.Decimal `json:"feePercent"`
	InGracePeriod bool            `json:"inGracePeriod"`
	AutoRenewed   bool            `json:"autoRenewed"`
	Subscription  *Subscription   `json:"subscription,omitempty"`
}

// Store persists subscriptions.
type Store interface {
	// Latest returns the user's active or cancelled subscription with the
	// latest expiry, or ErrSubscriptionNotFound.
	Latest(ctx context.Context, userID string) (*Subscription, error)
	Create(ctx context.Context, sub *Subscription) error
	// ExtendExpiry moves ExpiresAt from `from` to `to`; ErrExpiryChanged if
	// the stored value is no longer `from`.
	ExtendExpiry(ctx context.Context, id string, from, to time.Time) error
	// Expire marks an active or cancelled subscription expired if ExpiresAt
	// still equals `at`. Returns false when another caller changed it first.
	Expire(ctx context.Context, id string, at time.Time) (bool, error)
	// Cancel moves an active subscription to cancelled and stops renewal.
	Cancel(ctx context.Context, id string) error
}

// billingPeriod names the month a renewal pays for, e.g. "2026-10".
// addMonth moves t one calendar month ahead, clamped to the last day of
// that month: Jan 31 becomes Feb 28, not Mar 3.
func addMonth(t time.Time) time.Time {
	y, m, d := t.Date()
	if last := time.Date(y, m+2, 0, 0, 0, 0, 0, t.Location()).Day(); d > last {
		d = last
	}
	hh, mm, ss := t.Clock()
	return time.Date(y, m+1, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func billingPeriod(start time.Time) string {
	return start.UTC().Format("2006-01")
}

func renewalReference(subID string, periodStart time.Time) string {
	return "subscription:" + subID + ":" + billingPeriod(periodStart)
}
