// Package events carries notifications out of the payment flows. Services
// publish after their ledger work has committed; a background queue hands the
// events to sinks (structured log, Kafka) so a slow or failing sink never
// blocks or rolls back a money movement.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/gigledger/internal/idgen"
)

// Type names an event.
type Type string

const (
	ProposalHired              Type = "proposal.hired"
	ProposalRejected           Type = "proposal.rejected"
	EscrowCreated              Type = "escrow.created"
	EscrowDelivered            Type = "escrow.delivered"
	EscrowReleased             Type = "escrow.released"
	EscrowRefunded             Type = "escrow.refunded"
	EscrowDisputed             Type = "escrow.disputed"
	MilestonesCreated          Type = "milestone.created"
	MilestoneSubmitted         Type = "milestone.submitted"
	MilestoneApproved          Type = "milestone.approved"
	MilestoneRevisionRequested Type = "milestone.revision_requested"
	SubscriptionRenewed        Type = "subscription.renewed"
	SubscriptionExpired        Type = "subscription.expired"
)

// Event is one notification for one recipient.
type Event struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	RecipientID string         `json:"recipientId"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// Publisher accepts events without blocking. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

func stamp(e Event) Event {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evt_")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, stamp(e))
	r.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the published event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
