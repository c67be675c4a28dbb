package escrow

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/mbd888/gigledger/internal/auth"
	"github.com/mbd888/gigledger/internal/money"
	"github.com/shopspring/decimal"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/proposals/:id/accept", h.AcceptProposal)
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/jobs/:id/escrow", h.GetJobEscrow)
	r.POST("/escrow/:id/deliver", h.MarkDelivered)
	r.POST("/escrow/:id/release", h.Release)
}

// RegisterInternalRoutes sets up admin-only dispute and refund routes.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/:id/dispute", h.Dispute)
	r.POST("/escrow/:id/resolve", h.ResolveDispute)
	r.POST("/escrow/:id/refund", h.Refund)
}

// AcceptProposal handles POST /v1/proposals/:id/accept
func (h *Handler) AcceptProposal(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "jobId and a positive amount are required",
		})
		return
	}
	req.ProposalID = c.Param("id")
	req.CallerID = auth.UserID(c)

	hire, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	e := hire.Escrow
	c.JSON(http.StatusCreated, gin.H{
		"escrow":   e,
		"proposal": hire.Proposal,
		"message": money.Sprintf("Hired! %s is held in escrow. The freelancer receives %s on release after the %s service fee and %s tax.",
			money.KES(e.Amount), money.KES(e.Amount-e.TotalFee()), money.KES(e.ServiceFee), money.KES(e.TaxAmount)),
	})
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, ok := h.loadVisible(c, func(ctx context.Context) (*Escrow, error) {
		return h.service.Get(ctx, c.Param("id"))
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetJobEscrow handles GET /v1/jobs/:id/escrow
func (h *Handler) GetJobEscrow(c *gin.Context) {
	e, ok := h.loadVisible(c, func(ctx context.Context) (*Escrow, error) {
		return h.service.GetByJob(ctx, c.Param("id"))
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// loadVisible loads an escrow and hides it from anyone who is not a party.
func (h *Handler) loadVisible(c *gin.Context, load func(context.Context) (*Escrow, error)) (*Escrow, bool) {
	ctx := c.Request.Context()
	e, err := load(ctx)
	if err != nil {
		apperr.Respond(c, err)
		return nil, false
	}
	ok, err := h.service.CanView(ctx, e, auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return nil, false
	}
	if !ok {
		apperr.Respond(c, ErrEscrowNotFound)
		return nil, false
	}
	return e, true
}

// MarkDelivered handles POST /v1/escrow/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	e, err := h.service.MarkDelivered(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":  e,
		"message": fmt.Sprintf("Delivery recorded. Funds release automatically at %s unless the client responds.", e.AutoReleaseAt.Format("2006-01-02 15:04 MST")),
	})
}

// ReleaseRequest releases part or all of an escrow. Percent defaults to 100.
type ReleaseRequest struct {
	Percent *decimal.Decimal `json:"percent"`
}

// Release handles POST /v1/escrow/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_input",
				"message": "percent must be a number between 0 and 100",
			})
			return
		}
	}
	pct := hundred
	if req.Percent != nil {
		pct = *req.Percent
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	e, err := h.service.Get(ctx, id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	ok, err := h.service.CanManage(ctx, e, auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !ok {
		apperr.Respond(c, fmt.Errorf("%w: only the client can release funds", ErrUnauthorized))
		return
	}

	payout, err := h.service.Release(ctx, id, pct)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	e, err = h.service.Get(ctx, id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":  e,
		"payout":  payout,
		"message": money.Sprintf("Released %s (fee %s deducted)", money.KES(payout.Gross), money.KES(payout.Fee)),
	})
}

// DisputeRequest freezes an escrow pending resolution.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required,max=2000"`
}

// Dispute handles POST /v1/internal/escrow/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "reason is required"})
		return
	}
	e, err := h.service.MarkDisputed(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ResolveRequest splits a disputed escrow.
type ResolveRequest struct {
	ReleasePercent decimal.Decimal `json:"releasePercent"`
}

// ResolveDispute handles POST /v1/internal/escrow/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "releasePercent is required"})
		return
	}
	ctx := c.Request.Context()
	payout, err := h.service.ResolveDispute(ctx, c.Param("id"), req.ReleasePercent)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	e, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow": e,
		"payout": payout,
		"message": money.Sprintf("Released %s to the freelancer (fee %s) and refunded %s to the client",
			money.KES(payout.Gross), money.KES(payout.Fee), money.KES(payout.Refunded)),
	})
}

// Refund handles POST /v1/internal/escrow/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	ctx := c.Request.Context()
	payout, err := h.service.Refund(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	e, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":  e,
		"payout":  payout,
		"message": money.Sprintf("Refunded %s to the payer", money.KES(payout.Refunded)),
	})
}
