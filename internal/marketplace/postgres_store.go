package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed marketplace store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	status := job.Status
	if status == "" {
		status = JobOpen
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, client_id, organization_id, title, budget, status, milestones_enabled, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NOW(), NOW())
	`, job.ID, job.ClientID, job.OrganizationID, job.Title, job.Budget, string(status), job.MilestonesEnabled)
	return err
}

func (p *PostgresStore) CreateProposal(ctx context.Context, pr *Proposal) error {
	status := pr.Status
	if status == "" {
		status = ProposalPending
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO proposals (id, job_id, freelancer_id, bid_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, pr.ID, pr.JobID, pr.FreelancerID, pr.BidAmount, string(status))
	return err
}

func (p *PostgresStore) AddMember(ctx context.Context, orgID, userID string, role Role) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO organization_members (organization_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, orgID, userID, string(role))
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job := &Job{}
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, client_id, COALESCE(organization_id, ''), title, budget, status,
		       milestones_enabled, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id).Scan(&job.ID, &job.ClientID, &job.OrganizationID, &job.Title, &job.Budget, &status,
		&job.MilestonesEnabled, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	return job, nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status JobStatus) error {
	return p.updateJob(ctx, `UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
}

func (p *PostgresStore) EnableMilestones(ctx context.Context, id string) error {
	return p.updateJob(ctx, `UPDATE jobs SET milestones_enabled = TRUE, updated_at = NOW() WHERE id = $1`, id)
}

func (p *PostgresStore) updateJob(ctx context.Context, query, id string, args ...any) error {
	result, err := p.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (p *PostgresStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	pr := &Proposal{}
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, job_id, freelancer_id, bid_amount, status, created_at, updated_at
		FROM proposals WHERE id = $1
	`, id).Scan(&pr.ID, &pr.JobID, &pr.FreelancerID, &pr.BidAmount, &status, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Status = ProposalStatus(status)
	return pr, nil
}

func (p *PostgresStore) MarkAccepted(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE proposals SET status = 'accepted', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, err := p.GetProposal(ctx, id); err != nil {
			return err
		}
		return ErrProposalNotOpen
	}
	return nil
}

func (p *PostgresStore) RejectOthers(ctx context.Context, jobID, acceptedID string) ([]*Proposal, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE proposals SET status = 'rejected', updated_at = NOW()
		WHERE job_id = $1 AND id <> $2 AND status = 'pending'
		RETURNING id, job_id, freelancer_id, bid_amount, status, created_at, updated_at
	`, jobID, acceptedID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Proposal
	for rows.Next() {
		pr := &Proposal{}
		var status string
		if err := rows.Scan(&pr.ID, &pr.JobID, &pr.FreelancerID, &pr.BidAmount, &status, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
			return nil, err
		}
		pr.Status = ProposalStatus(status)
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) IsManager(ctx context.Context, orgID, userID string) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM organization_members
			WHERE organization_id = $1 AND user_id = $2 AND role IN ('owner', 'admin')
		)
	`, orgID, userID).Scan(&ok)
	return ok, err
}
