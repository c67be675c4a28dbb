package marketplace

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/mbd888/gigledger/internal/idgen"
)

// Handler exposes admin-only seeding endpoints. Jobs and proposals are
// normally owned by the marketplace service; these let operators and the
// demo mode stage a hire without it.
type Handler struct {
	store Store
}

// NewHandler creates a new marketplace seeding handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterInternalRoutes sets up admin-only seeding routes.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/jobs", h.CreateJob)
	r.POST("/jobs/:id/proposals", h.CreateProposal)
	r.POST("/organizations/:id/members", h.AddMember)
}

// CreateJobRequest seeds a job.
type CreateJobRequest struct {
	ID             string `json:"id"`
	ClientID       string `json:"clientId" binding:"required"`
	OrganizationID string `json:"organizationId"`
	Title          string `json:"title" binding:"required"`
	Budget         int64  `json:"budget" binding:"required,gt=0"`
}

// CreateJob handles POST /v1/internal/jobs
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "clientId, title and a positive budget are required"})
		return
	}
	if req.ID == "" {
		req.ID = idgen.WithPrefix("job_")
	}
	now := time.Now().UTC()
	job := &Job{
		ID:             req.ID,
		ClientID:       req.ClientID,
		OrganizationID: req.OrganizationID,
		Title:          req.Title,
		Budget:         req.Budget,
		Status:         JobOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.CreateJob(c.Request.Context(), job); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": job})
}

// CreateProposalRequest seeds a freelancer's bid.
type CreateProposalRequest struct {
	ID           string `json:"id"`
	FreelancerID string `json:"freelancerId" binding:"required"`
	BidAmount    int64  `json:"bidAmount" binding:"required,gt=0"`
}

// CreateProposal handles POST /v1/internal/jobs/:id/proposals
func (h *Handler) CreateProposal(c *gin.Context) {
	var req CreateProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "freelancerId and a positive bidAmount are required"})
		return
	}
	ctx := c.Request.Context()
	job, err := h.store.GetJob(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if req.ID == "" {
		req.ID = idgen.WithPrefix("prop_")
	}
	now := time.Now().UTC()
	p := &Proposal{
		ID:           req.ID,
		JobID:        job.ID,
		FreelancerID: req.FreelancerID,
		BidAmount:    req.BidAmount,
		Status:       ProposalPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.CreateProposal(ctx, p); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": p})
}

// AddMemberRequest grants a user a role in an organization.
type AddMemberRequest struct {
	UserID string `json:"userId" binding:"required"`
	Role   Role   `json:"role" binding:"required,oneof=owner admin member"`
}

// AddMember handles POST /v1/internal/organizations/:id/members
func (h *Handler) AddMember(c *gin.Context) {
	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "userId and a role of owner, admin or member are required"})
		return
	}
	if err := h.store.AddMember(c.Request.Context(), c.Param("id"), req.UserID, req.Role); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organizationId": c.Param("id"), "userId": req.UserID, "role": req.Role})
}
