package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/mbd888/gigledger/internal/auth"
)

// OrgAccess decides who may see an organization's wallet.
type OrgAccess interface {
	IsManager(ctx context.Context, orgID, userID string) (bool, error)
}

// Handler provides HTTP endpoints for wallets
type Handler struct {
	ledger *Ledger
	orgs   OrgAccess
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, orgs OrgAccess) *Handler {
	return &Handler{ledger: ledger, orgs: orgs}
}

// RegisterProtectedRoutes sets up routes for authenticated users.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetMyWallet)
	r.GET("/wallet/transactions", h.GetMyTransactions)
	r.GET("/organizations/:id/wallet", h.GetOrgWallet)
}

// RegisterInternalRoutes sets up admin-only routes.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:id/deposit", h.Deposit)
}

// GetMyWallet handles GET /wallet
func (h *Handler) GetMyWallet(c *gin.Context) {
	w, err := h.ledger.EnsureWallet(c.Request.Context(), OwnerUser, auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetMyTransactions handles GET /wallet/transactions?limit=N&cursor=C
func (h *Handler) GetMyTransactions(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	w, err := h.ledger.EnsureWallet(ctx, OwnerUser, auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	page, err := h.ledger.HistoryPage(ctx, w.ID, c.Query("cursor"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet":       w,
		"transactions": page.Items,
		"nextCursor":   page.NextCursor,
		"hasMore":      page.HasMore,
	})
}

// GetOrgWallet handles GET /organizations/:id/wallet
func (h *Handler) GetOrgWallet(c *gin.Context) {
	ctx := c.Request.Context()
	orgID := c.Param("id")

	ok, err := h.orgs.IsManager(ctx, orgID, auth.UserID(c))
	if err != nil {
		apperr.Respond(c, fmt.Errorf("%w: %v", apperr.ErrDependencyFailure, err))
		return
	}
	if !ok {
		apperr.Respond(c, fmt.Errorf("%w: only organization owners and admins can view the wallet", apperr.ErrForbidden))
		return
	}

	w, err := h.ledger.EnsureWallet(ctx, OwnerOrganization, orgID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// DepositRequest records money arriving from outside the platform.
type DepositRequest struct {
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Reference string `json:"reference" binding:"required,max=255"`
}

// Deposit handles POST /internal/wallets/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "amount (positive KES) and reference are required",
		})
		return
	}

	ctx := c.Request.Context()
	tx, err := h.ledger.Deposit(ctx, c.Param("id"), req.Amount, req.Reference)
	if errors.Is(err, ErrDuplicateReference) {
		c.JSON(http.StatusOK, gin.H{"duplicate": true, "message": "deposit already recorded"})
		return
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}
