package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, job_id, proposal_id, client_id, freelancer_id, payer_wallet_id,
			amount, service_fee, tax_amount, fee_percent,
			released, fee_collected, refunded, status, resolution,
			milestones_enabled, auto_release_hours, auto_release_at, delivered_at,
			dispute_reason, created_at, updated_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22, $23
		)`,
		e.ID, e.JobID, e.ProposalID, e.ClientID, e.FreelancerID, e.PayerWalletID,
		e.Amount, e.ServiceFee, e.TaxAmount, e.FeePercent.String(),
		e.Released, e.FeeCollected, e.Refunded, string(e.Status), e.Resolution,
		e.MilestonesEnabled, e.AutoReleaseHours, nullTime(e.AutoReleaseAt), nullTime(e.DeliveredAt),
		e.DisputeReason, e.CreatedAt, e.UpdatedAt, nullTime(e.ResolvedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrEscrowExists
	}
	return err
}

const escrowColumns = `id, job_id, proposal_id, client_id, freelancer_id, payer_wallet_id,
		       amount, service_fee, tax_amount, fee_percent,
		       released, fee_collected, refunded, status, resolution,
		       milestones_enabled, auto_release_hours, auto_release_at, delivered_at,
		       dispute_reason, created_at, updated_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	return scanEscrow(p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

func (p *PostgresStore) GetByJob(ctx context.Context, jobID string) (*Escrow, error) {
	return scanEscrow(p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, jobID))
}

func (p *PostgresStore) Settle(ctx context.Context, id string, t Transition) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $6, released = $7, fee_collected = $8, refunded = $9,
			resolution = $10, resolved_at = $11, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND released = $3 AND fee_collected = $4 AND refunded = $5`,
		id, string(t.From.Status), t.From.Released, t.From.FeeCollected, t.From.Refunded,
		string(t.To.Status), t.To.Released, t.To.FeeCollected, t.To.Refunded,
		t.Resolution, nullTime(t.ResolvedAt),
	)
	if err != nil {
		return err
	}
	return p.expectOneRow(ctx, result, id)
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, id string, deliveredAt, autoReleaseAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET delivered_at = $2, auto_release_at = $3, updated_at = $2
		WHERE id = $1 AND status = 'held' AND milestones_enabled = FALSE`,
		id, deliveredAt, autoReleaseAt)
	if err != nil {
		return err
	}
	return p.expectOneRow(ctx, result, id)
}

func (p *PostgresStore) MarkDisputed(ctx context.Context, id, reason string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = 'disputed', dispute_reason = $2, updated_at = $3
		WHERE id = $1 AND status = 'held'`,
		id, reason, at)
	if err != nil {
		return err
	}
	return p.expectOneRow(ctx, result, id)
}

func (p *PostgresStore) EnableMilestones(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET milestones_enabled = TRUE, auto_release_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'held'`, id)
	if err != nil {
		return err
	}
	return p.expectOneRow(ctx, result, id)
}

func (p *PostgresStore) ListDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'held' AND milestones_enabled = FALSE
		  AND auto_release_at IS NOT NULL AND auto_release_at <= $1
		ORDER BY auto_release_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// expectOneRow turns "no row matched the guard" into ErrConflict, or
// ErrEscrowNotFound when the escrow does not exist at all.
func (p *PostgresStore) expectOneRow(ctx context.Context, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrEscrowNotFound
	}
	return ErrConflict
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(sc scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status, feePercent                     string
		autoReleaseAt, deliveredAt, resolvedAt sql.NullTime
	)
	err := sc.Scan(
		&e.ID, &e.JobID, &e.ProposalID, &e.ClientID, &e.FreelancerID, &e.PayerWalletID,
		&e.Amount, &e.ServiceFee, &e.TaxAmount, &feePercent,
		&e.Released, &e.FeeCollected, &e.Refunded, &status, &e.Resolution,
		&e.MilestonesEnabled, &e.AutoReleaseHours, &autoReleaseAt, &deliveredAt,
		&e.DisputeReason, &e.CreatedAt, &e.UpdatedAt, &resolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	if e.FeePercent, err = decimal.NewFromString(feePercent); err != nil {
		return nil, err
	}
	if autoReleaseAt.Valid {
		e.AutoReleaseAt = &autoReleaseAt.Time
	}
	if deliveredAt.Valid {
		e.DeliveredAt = &deliveredAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
