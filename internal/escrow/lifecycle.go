package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/mbd888/gigledger/internal/events"
	"github.com/mbd888/gigledger/internal/logging"
)

// MarkDelivered is the freelancer saying the work is done. For escrows
// without milestones it starts the auto-release countdown. Marking twice
// keeps the first deadline.
func (s *Service) MarkDelivered(ctx context.Context, id, callerID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != e.FreelancerID {
		return nil, fmt.Errorf("%w: only the hired freelancer can mark delivery", ErrUnauthorized)
	}
	if e.Status != StatusHeld {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
	}
	if e.MilestonesEnabled {
		return nil, fmt.Errorf("%w: submit milestones instead", ErrInvalidStatus)
	}
	if e.DeliveredAt != nil {
		return e, nil
	}

	now := s.now().UTC()
	at := now.Add(time.Duration(e.AutoReleaseHours) * time.Hour)
	if err := s.store.MarkDelivered(ctx, id, now, at); err != nil {
		return nil, err
	}
	e.DeliveredAt = &now
	e.AutoReleaseAt = &at
	e.UpdatedAt = now

	logging.L(ctx).Info("escrow delivered", "escrow_id", id, "auto_release_at", at)
	s.events.Publish(ctx, events.Event{
		Type:        events.EscrowDelivered,
		RecipientID: e.ClientID,
		Data:        map[string]any{"escrowId": id, "jobId": e.JobID, "autoReleaseAt": at},
	})
	return e, nil
}

// MarkDisputed freezes a held escrow until ResolveDispute splits it.
func (s *Service) MarkDisputed(ctx context.Context, id, reason string) (*Escrow, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a dispute reason is required", apperr.ErrInvalidInput)
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusHeld {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
	}

	now := s.now().UTC()
	if err := s.store.MarkDisputed(ctx, id, reason, now); err != nil {
		return nil, err
	}
	e.Status = StatusDisputed
	e.DisputeReason = reason
	e.UpdatedAt = now

	logging.L(ctx).Info("escrow disputed", "escrow_id", id, "reason", reason)
	for _, party := range []string{e.ClientID, e.FreelancerID} {
		s.events.Publish(ctx, events.Event{
			Type:        events.EscrowDisputed,
			RecipientID: party,
			Data:        map[string]any{"escrowId": id, "jobId": e.JobID, "reason": reason},
		})
	}
	return e, nil
}
