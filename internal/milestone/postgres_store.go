package milestone

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists milestones in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed milestone store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateAll(ctx context.Context, ms []*Milestone) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range ms {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO milestones (
				id, job_id, title, description, amount, percentage, order_index, status,
				auto_release_hours, due_date, submission_files, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			m.ID, m.JobID, m.Title, m.Description, m.Amount, m.Percentage.String(), m.OrderIndex, string(m.Status),
			m.AutoReleaseHours, nullTime(m.DueDate), pq.Array(m.SubmissionFiles), m.CreatedAt, m.UpdatedAt,
		)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadySplit
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

const milestoneColumns = `id, job_id, title, description, amount, percentage, order_index, status,
		       auto_release_hours, auto_release_at, due_date, submission_note, submission_files,
		       review_note, partial_approval_pct, paid_amount, revision_requested, revision_count,
		       submitted_at, approved_at, paid_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Milestone, error) {
	return scanMilestone(p.db.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
}

func (p *PostgresStore) ListByJob(ctx context.Context, jobID string) ([]*Milestone, error) {
	return p.query(ctx, `
		SELECT `+milestoneColumns+` FROM milestones
		WHERE job_id = $1
		ORDER BY order_index ASC`, jobID)
}

func (p *PostgresStore) Update(ctx context.Context, m *Milestone, expect State) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE milestones SET
			title = $3, description = $4, status = $5, auto_release_at = $6, due_date = $7,
			submission_note = $8, submission_files = $9, review_note = $10,
			partial_approval_pct = $11, paid_amount = $12, revision_requested = $13,
			revision_count = $14, submitted_at = $15, approved_at = $16, paid_at = $17,
			updated_at = $18
		WHERE id = $1 AND status = $2 AND paid_amount = $19`,
		m.ID, string(expect.Status),
		m.Title, m.Description, string(m.Status), nullTime(m.AutoReleaseAt), nullTime(m.DueDate),
		m.SubmissionNote, pq.Array(m.SubmissionFiles), m.ReviewNote,
		m.PartialApprovalPct.String(), m.PaidAmount, m.RevisionRequested,
		m.RevisionCount, nullTime(m.SubmittedAt), nullTime(m.ApprovedAt), nullTime(m.PaidAt),
		m.UpdatedAt, expect.PaidAmount,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM milestones WHERE id = $1)`, m.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrMilestoneNotFound
	}
	return ErrConflict
}

func (p *PostgresStore) AddPayment(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO milestone_payments (id, milestone_id, job_id, escrow_id, gross, fee, net, percent, auto, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		pay.ID, pay.MilestoneID, pay.JobID, pay.EscrowID, pay.Gross, pay.Fee, pay.Net,
		pay.Percent.String(), pay.Auto, pay.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListPayments(ctx context.Context, jobID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, milestone_id, job_id, escrow_id, gross, fee, net, percent, auto, created_at
		FROM milestone_payments
		WHERE job_id = $1
		ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pay := &Payment{}
		var percent string
		if err := rows.Scan(&pay.ID, &pay.MilestoneID, &pay.JobID, &pay.EscrowID,
			&pay.Gross, &pay.Fee, &pay.Net, &percent, &pay.Auto, &pay.CreatedAt); err != nil {
			return nil, err
		}
		if pay.Percent, err = decimal.NewFromString(percent); err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]*Milestone, error) {
	return p.query(ctx, `
		SELECT `+milestoneColumns+` FROM milestones
		WHERE status = 'submitted' AND auto_release_at IS NOT NULL AND auto_release_at <= $1
		ORDER BY auto_release_at ASC
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMilestone(sc scanner) (*Milestone, error) {
	m := &Milestone{}
	var (
		status, percentage, partialPct  string
		autoReleaseAt, dueDate          sql.NullTime
		submittedAt, approvedAt, paidAt sql.NullTime
		files                           pq.StringArray
	)
	err := sc.Scan(
		&m.ID, &m.JobID, &m.Title, &m.Description, &m.Amount, &percentage, &m.OrderIndex, &status,
		&m.AutoReleaseHours, &autoReleaseAt, &dueDate, &m.SubmissionNote, &files,
		&m.ReviewNote, &partialPct, &m.PaidAmount, &m.RevisionRequested, &m.RevisionCount,
		&submittedAt, &approvedAt, &paidAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMilestoneNotFound
	}
	if err != nil {
		return nil, err
	}

	m.Status = Status(status)
	m.SubmissionFiles = []string(files)
	if m.Percentage, err = decimal.NewFromString(percentage); err != nil {
		return nil, err
	}
	if m.PartialApprovalPct, err = decimal.NewFromString(partialPct); err != nil {
		return nil, err
	}
	m.AutoReleaseAt = timePtr(autoReleaseAt)
	m.DueDate = timePtr(dueDate)
	m.SubmittedAt = timePtr(submittedAt)
	m.ApprovedAt = timePtr(approvedAt)
	m.PaidAt = timePtr(paidAt)
	return m, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
