package subscription

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Latest(ctx context.Context, userID string) (*Subscription, error) {
	s := &Subscription{}
	var plan, status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, plan, status, expires_at, auto_renew, created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1 AND status IN ('active', 'cancelled')
		ORDER BY expires_at DESC
		LIMIT 1
	`, userID).Scan(&s.ID, &s.UserID, &plan, &status, &s.ExpiresAt, &s.AutoRenew, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Plan = Plan(plan)
	s.Status = Status(status)
	return s, nil
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, plan, status, expires_at, auto_renew, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sub.ID, sub.UserID, string(sub.Plan), string(sub.Status), sub.ExpiresAt, sub.AutoRenew, sub.CreatedAt, sub.UpdatedAt)
	return err
}

func (p *PostgresStore) ExtendExpiry(ctx context.Context, id string, from, to time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND expires_at = $2 AND status = 'active'
	`, id, from, to)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExpiryChanged
	}
	return nil
}

func (p *PostgresStore) Expire(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = 'expired', updated_at = NOW()
		WHERE id = $1 AND expires_at = $2 AND status IN ('active', 'cancelled')
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) Cancel(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = 'cancelled', auto_renew = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM subscriptions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrSubscriptionNotFound
		}
	}
	return nil
}
