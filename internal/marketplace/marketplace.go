// Package marketplace is the narrow view of jobs, proposals and organization
// membership that the payment components need. Job and proposal CRUD live
// elsewhere; this package only reads them and flips the few flags payment
// flows own.
package marketplace

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/gigledger/internal/apperr"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobOpen       JobStatus = "open"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
)

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalWithdrawn ProposalStatus = "withdrawn"
)

// Role is an organization member's role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

var (
	ErrJobNotFound      = fmt.Errorf("%w: job not found", apperr.ErrNotFound)
	ErrProposalNotFound = fmt.Errorf("%w: proposal not found", apperr.ErrNotFound)
	ErrProposalNotOpen  = fmt.Errorf("%w: proposal is no longer pending", apperr.ErrInvalidState)
)

// Job is a posted piece of work.
type Job struct {
	ID                string    `json:"id"`
	ClientID          string    `json:"clientId"`
	OrganizationID    string    `json:"organizationId,omitempty"`
	Title             string    `json:"title"`
	Budget            int64     `json:"budget"`
	Status            JobStatus `json:"status"`
	MilestonesEnabled bool      `json:"milestonesEnabled"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Proposal is a freelancer's bid on a job.
type Proposal struct {
	ID           string         `json:"id"`
	JobID        string         `json:"jobId"`
	FreelancerID string         `json:"freelancerId"`
	BidAmount    int64          `json:"bidAmount"`
	Status       ProposalStatus `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// ProposalService reads proposals and records hiring outcomes.
type ProposalService interface {
	GetProposal(ctx context.Context, id string) (*Proposal, error)
	// MarkAccepted moves a pending proposal to accepted.
	MarkAccepted(ctx context.Context, id string) error
	// RejectOthers rejects every other pending proposal on the job and
	// returns the ones it changed.
	RejectOthers(ctx context.Context, jobID, acceptedID string) ([]*Proposal, error)
}

// JobService reads jobs and flips the payment-owned flags.
type JobService interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	SetStatus(ctx context.Context, id string, status JobStatus) error
	EnableMilestones(ctx context.Context, id string) error
}

// OrgService answers membership questions.
type OrgService interface {
	// IsManager reports whether userID is an owner or admin of orgID.
	IsManager(ctx context.Context, orgID, userID string) (bool, error)
}

// Store is everything the payment flows read or write, plus the seeding
// operations tests and the demo mode use.
type Store interface {
	ProposalService
	JobService
	OrgService

	CreateJob(ctx context.Context, job *Job) error
	CreateProposal(ctx context.Context, p *Proposal) error
	AddMember(ctx context.Context, orgID, userID string, role Role) error
}

// CanManageJob reports whether userID may spend money on job: the job's
// client, or an owner/admin of the job's organization.
func CanManageJob(ctx context.Context, orgs OrgService, job *Job, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if job.ClientID == userID {
		return true, nil
	}
	if job.OrganizationID == "" || orgs == nil {
		return false, nil
	}
	return orgs.IsManager(ctx, job.OrganizationID, userID)
}
