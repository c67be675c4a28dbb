package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mbd888/gigledger/internal/pagination"
)

const uniqueViolation = "23505"

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, owner_type, owner_id, balance, created_at, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (*Wallet, error) {
	w := &Wallet{}
	var ownerType string
	if err := row.Scan(&w.ID, &ownerType, &w.OwnerID, &w.Balance, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	w.OwnerType = OwnerType(ownerType)
	return w, nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return scanWallet(p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
}

func (p *PostgresStore) FindWallet(ctx context.Context, ownerType OwnerType, ownerID string) (*Wallet, error) {
	return scanWallet(p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_type = $1 AND owner_id = $2`,
		string(ownerType), ownerID))
}

// CreateWallet inserts the wallet; a concurrent insert for the same owner
// wins and its row is returned instead.
func (p *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) (*Wallet, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_type, owner_id, balance, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5)
		ON CONFLICT (owner_type, owner_id) DO NOTHING
	`, w.ID, string(w.OwnerType), w.OwnerID, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert wallet: %w", err)
	}
	return p.FindWallet(ctx, w.OwnerType, w.OwnerID)
}

// Apply changes the balance and records the transaction in one database
// transaction. Debits use a conditional UPDATE so two concurrent debits can
// never both pass the balance check; CHECK (balance >= 0) backs it up.
func (p *PostgresStore) Apply(ctx context.Context, walletID string, amount int64, meta Meta) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var balanceAfter int64
	err = tx.QueryRowContext(ctx, `
		UPDATE wallets SET
			balance    = balance + $2,
			updated_at = NOW()
		WHERE id = $1 AND balance + $2 >= 0
		RETURNING balance
	`, walletID, amount).Scan(&balanceAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.explainRefusal(ctx, tx, walletID, amount)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	t := &Transaction{
		ID:           newTransactionID(),
		WalletID:     walletID,
		Type:         meta.Type,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		EscrowID:     meta.EscrowID,
		MilestoneID:  meta.MilestoneID,
		Reference:    meta.Reference,
		Description:  meta.Description,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wallet_transactions
			(id, wallet_id, type, amount, balance_after, escrow_id, milestone_id, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, NOW())
		RETURNING created_at
	`, t.ID, walletID, string(t.Type), t.Amount, t.BalanceAfter,
		t.EscrowID, t.MilestoneID, t.Reference, t.Description).Scan(&t.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// explainRefusal tells a missing wallet apart from a short balance after the
// conditional UPDATE matched nothing.
func (p *PostgresStore) explainRefusal(ctx context.Context, tx *sql.Tx, walletID string, amount int64) error {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE id = $1`, walletID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrWalletNotFound
	}
	if err != nil {
		return err
	}
	return &InsufficientFundsError{WalletID: walletID, Balance: balance, Requested: -amount}
}

func (p *PostgresStore) History(ctx context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	if _, err := p.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, wallet_id, type, amount, balance_after,
		       COALESCE(escrow_id, ''), COALESCE(milestone_id, ''), COALESCE(reference, ''),
		       description, created_at
		FROM wallet_transactions
		WHERE wallet_id = $1`
	args := []any{walletID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var txType string
		if err := rows.Scan(&t.ID, &t.WalletID, &txType, &t.Amount, &t.BalanceAfter,
			&t.EscrowID, &t.MilestoneID, &t.Reference, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = TxType(txType)
		out = append(out, t)
	}
	return out, rows.Err()
}
