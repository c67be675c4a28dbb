// Package ledger owns wallet balances and the immutable transaction log.
//
// Every balance change is a single write that appends one Transaction:
//   - Credit adds to a wallet unconditionally
//   - Debit subtracts only if the balance covers the amount
//   - a (wallet, reference) pair is recorded at most once
//
// No other package mutates balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/mbd888/gigledger/internal/pagination"
	"github.com/mbd888/gigledger/internal/traces"
)

// OwnerType identifies who a wallet belongs to.
type OwnerType string

const (
	OwnerUser         OwnerType = "user"
	OwnerOrganization OwnerType = "organization"
	OwnerPlatform     OwnerType = "platform"
)

// TxType classifies a transaction.
type TxType string

const (
	TxDeposit       TxType = "deposit"
	TxEscrowHold    TxType = "escrow_hold"
	TxEscrowRelease TxType = "escrow_release"
	TxPlatformFee   TxType = "platform_fee"
	TxEscrowRefund  TxType = "escrow_refund"
	TxSubscription  TxType = "subscription"
	TxReversal      TxType = "reversal"
)

var (
	ErrWalletNotFound     = fmt.Errorf("%w: wallet not found", apperr.ErrNotFound)
	ErrInvalidAmount      = fmt.Errorf("%w: amount must be a positive number of KES", apperr.ErrInvalidInput)
	ErrInvalidOwner       = fmt.Errorf("%w: wallet owner is required", apperr.ErrInvalidInput)
	ErrDuplicateReference = fmt.Errorf("%w: reference already recorded for this wallet", apperr.ErrConcurrencyConflict)

	// ErrInsufficientFunds matches any *InsufficientFundsError.
	ErrInsufficientFunds = apperr.ErrInsufficientFunds
)

// InsufficientFundsError reports a debit larger than the wallet balance.
type InsufficientFundsError struct {
	WalletID  string
	Balance   int64
	Requested int64
}

// Shortfall is how much more the wallet needs.
func (e *InsufficientFundsError) Shortfall() int64 {
	return e.Requested - e.Balance
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance KES %d, need KES %d (short by KES %d)",
		e.Balance, e.Requested, e.Shortfall())
}

// Is makes errors.Is(err, apperr.ErrInsufficientFunds) true.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == apperr.ErrInsufficientFunds
}

// Wallet holds a balance in whole KES.
type Wallet struct {
	ID        string    `json:"id"`
	OwnerType OwnerType `json:"ownerType"`
	OwnerID   string    `json:"ownerId"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transaction is one immutable balance change. Amount is signed: debits are
// negative. BalanceAfter is the wallet balance once it was applied.
type Transaction struct {
	ID           string    `json:"id"`
	WalletID     string    `json:"walletId"`
	Type         TxType    `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balanceAfter"`
	EscrowID     string    `json:"escrowId,omitempty"`
	MilestoneID  string    `json:"milestoneId,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Meta describes why money moved.
type Meta struct {
	Type        TxType
	EscrowID    string
	MilestoneID string
	Reference   string // idempotency key, unique per wallet when set
	Description string
}

// Store persists wallets and transactions.
type Store interface {
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	FindWallet(ctx context.Context, ownerType OwnerType, ownerID string) (*Wallet, error)
	// CreateWallet inserts w, or returns the existing wallet for the same owner.
	CreateWallet(ctx context.Context, w *Wallet) (*Wallet, error)
	// Apply adds amount (negative for debits) to the wallet and appends the
	// transaction atomically. A negative amount is applied only if the
	// balance stays non-negative.
	Apply(ctx context.Context, walletID string, amount int64, meta Meta) (*Transaction, error)
	// History returns up to limit transactions newest first, starting after
	// before when it is set.
	History(ctx context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Transaction, error)
}

// Ledger is the only component allowed to change balances.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a new ledger.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// GetWallet returns a wallet by ID.
func (l *Ledger) GetWallet(ctx context.Context, walletID string) (*Wallet, error) {
	return l.store.GetWallet(ctx, walletID)
}

// GetBalance returns a wallet's current balance.
func (l *Ledger) GetBalance(ctx context.Context, walletID string) (int64, error) {
	w, err := l.store.GetWallet(ctx, walletID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// FindWallet returns the wallet for an owner without creating it.
func (l *Ledger) FindWallet(ctx context.Context, ownerType OwnerType, ownerID string) (*Wallet, error) {
	return l.store.FindWallet(ctx, ownerType, ownerID)
}

// EnsureWallet returns the owner's wallet, creating an empty one on first use.
func (l *Ledger) EnsureWallet(ctx context.Context, ownerType OwnerType, ownerID string) (*Wallet, error) {
	if ownerID == "" {
		return nil, ErrInvalidOwner
	}
	w, err := l.store.FindWallet(ctx, ownerType, ownerID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	w, err = l.store.CreateWallet(ctx, &Wallet{
		ID:        newWalletID(),
		OwnerType: ownerType,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s wallet for %s: %w", ownerType, ownerID, err)
	}
	l.logger.Info("wallet created", "wallet_id", w.ID, "owner_type", ownerType, "owner_id", ownerID)
	return w, nil
}

// Debit removes amount from the wallet if the balance covers it.
func (l *Ledger) Debit(ctx context.Context, walletID string, amount int64, meta Meta) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "ledger.Debit",
		traces.WalletID(walletID), traces.Amount(amount), traces.Reference(meta.Reference))
	done := track("debit")

	tx, err := l.store.Apply(ctx, walletID, -amount, meta)
	done(tx, err)
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("wallet debited", "wallet_id", walletID, "amount", amount, "type", meta.Type, "balance_after", tx.BalanceAfter)
	return tx, nil
}

// Credit adds amount to the wallet.
func (l *Ledger) Credit(ctx context.Context, walletID string, amount int64, meta Meta) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "ledger.Credit",
		traces.WalletID(walletID), traces.Amount(amount), traces.Reference(meta.Reference))
	done := track("credit")

	tx, err := l.store.Apply(ctx, walletID, amount, meta)
	done(tx, err)
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("wallet credited", "wallet_id", walletID, "amount", amount, "type", meta.Type, "balance_after", tx.BalanceAfter)
	return tx, nil
}

// Deposit tops up a wallet from outside the platform (M-Pesa, card).
func (l *Ledger) Deposit(ctx context.Context, walletID string, amount int64, reference string) (*Transaction, error) {
	return l.Credit(ctx, walletID, amount, Meta{
		Type:        TxDeposit,
		Reference:   reference,
		Description: "Wallet top-up",
	})
}

// History returns the newest transactions for a wallet first.
func (l *Ledger) History(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.History(ctx, walletID, nil, limit)
}

// HistoryPage returns one page of a wallet's transactions, newest first.
// cursor is the NextCursor of the previous page, or empty for the first.
func (l *Ledger) HistoryPage(ctx context.Context, walletID, cursor string, limit int) (pagination.Page[*Transaction], error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before, err := pagination.Parse(cursor)
	if err != nil {
		return pagination.Page[*Transaction]{}, err
	}
	txs, err := l.store.History(ctx, walletID, before, limit+1)
	if err != nil {
		return pagination.Page[*Transaction]{}, err
	}
	return pagination.Trim(txs, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	}), nil
}
