package milestone

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/mbd888/gigledger/internal/auth"
	"github.com/mbd888/gigledger/internal/escrow"
	"github.com/mbd888/gigledger/internal/money"
)

// Handler provides HTTP endpoints for milestone splits.
type Handler struct {
	service *Service
}

// NewHandler creates a new milestone handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up protected (auth-required) milestone routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/jobs/:id/escrow-split", h.GetSplit)
	r.POST("/jobs/:id/escrow-split", h.PostSplit)
}

// GetSplit handles GET /v1/jobs/:id/escrow-split
func (h *Handler) GetSplit(c *gin.Context) {
	ov, err := h.service.Overview(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job":        ov.Job,
		"escrow":     ov.Escrow,
		"milestones": ov.Milestones,
		"payments":   ov.Payments,
		"summary":    ov.Summary,
	})
}

// PostSplit handles POST /v1/jobs/:id/escrow-split
func (h *Handler) PostSplit(c *gin.Context) {
	req, err := bindAction(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	jobID := c.Param("id")
	callerID := auth.UserID(c)

	var (
		status = http.StatusOK
		body   gin.H
	)
	switch r := req.(type) {
	case *CreateAction:
		body, err = h.create(ctx, jobID, callerID, r)
		status = http.StatusCreated
	case *SubmitAction:
		body, err = h.submit(ctx, jobID, callerID, r)
	case *ApproveAction:
		body, err = h.approve(ctx, jobID, callerID, r)
	case *RevisionAction:
		body, err = h.requestRevision(ctx, jobID, callerID, r)
	case *UpdateAction:
		body, err = h.update(ctx, jobID, callerID, r)
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if esc, err := h.service.escrows.GetByJob(ctx, jobID); err == nil {
		body["escrow"] = esc
	}
	c.JSON(status, body)
}

func (h *Handler) create(ctx context.Context, jobID, callerID string, r *CreateAction) (gin.H, error) {
	ms, err := h.service.Create(ctx, jobID, callerID, r.inputs())
	if err != nil {
		return nil, err
	}
	total := Summarize(ms).TotalBudget
	return gin.H{
		"milestones": ms,
		"message":    money.Sprintf("Split into %d milestones totalling %s", len(ms), money.KES(total)),
	}, nil
}

func (h *Handler) submit(ctx context.Context, jobID, callerID string, r *SubmitAction) (gin.H, error) {
	if err := h.belongsToJob(ctx, r.MilestoneID, jobID); err != nil {
		return nil, err
	}
	m, err := h.service.Submit(ctx, r.MilestoneID, callerID, r.Note, r.Files)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"milestone": m,
		"message": fmt.Sprintf("Submitted for review. %s releases automatically at %s unless the client responds.",
			money.KES(m.Unpaid()), m.AutoReleaseAt.Format("2006-01-02 15:04 MST")),
	}, nil
}

func (h *Handler) approve(ctx context.Context, jobID, callerID string, r *ApproveAction) (gin.H, error) {
	if err := h.belongsToJob(ctx, r.MilestoneID, jobID); err != nil {
		return nil, err
	}
	pct := hundred
	if r.Percent != nil {
		pct = *r.Percent
	}
	a, err := h.service.Approve(ctx, r.MilestoneID, callerID, pct, r.Note)
	if errors.Is(err, ErrConflict) {
		m, getErr := h.service.Get(ctx, r.MilestoneID)
		if getErr != nil {
			return nil, getErr
		}
		return gin.H{"milestone": m, "noop": true, "message": "This milestone was already approved"}, nil
	}
	if err != nil {
		return nil, err
	}
	return gin.H{
		"milestone": a.Milestone,
		"payout":    a.Payout,
		"payment":   a.Payment,
		"message":   money.Sprintf("Released %s (fee %s deducted)", money.KES(a.Payout.Gross), money.KES(a.Payout.Fee)),
	}, nil
}

func (h *Handler) requestRevision(ctx context.Context, jobID, callerID string, r *RevisionAction) (gin.H, error) {
	if err := h.belongsToJob(ctx, r.MilestoneID, jobID); err != nil {
		return nil, err
	}
	m, err := h.service.RequestRevision(ctx, r.MilestoneID, callerID, r.Note)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"milestone": m,
		"message":   fmt.Sprintf("Revision requested on %q. No funds were released.", m.Title),
	}, nil
}

func (h *Handler) update(ctx context.Context, jobID, callerID string, r *UpdateAction) (gin.H, error) {
	if err := h.belongsToJob(ctx, r.MilestoneID, jobID); err != nil {
		return nil, err
	}
	m, err := h.service.Update(ctx, r.MilestoneID, callerID, Changes{
		Title:       r.Title,
		Description: r.Description,
		DueDate:     r.DueDate,
	})
	if err != nil {
		return nil, err
	}
	return gin.H{"milestone": m, "message": "Milestone updated"}, nil
}

// belongsToJob hides milestones of other jobs behind a not-found.
func (h *Handler) belongsToJob(ctx context.Context, milestoneID, jobID string) error {
	m, err := h.service.Get(ctx, milestoneID)
	if err != nil {
		return err
	}
	if m.JobID != jobID {
		return ErrMilestoneNotFound
	}
	return nil
}

var _ Escrows = (*escrow.Service)(nil)
