package subscription

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigledger/internal/apperr"
	"github.com/mbd888/gigledger/internal/auth"
)

// Handler provides HTTP endpoints for plans and subscriptions
type Handler struct {
	resolver *Resolver
}

// NewHandler creates a new subscription handler
func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// RegisterRoutes sets up public routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.ListPlans)
}

// RegisterProtectedRoutes sets up routes for authenticated users.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/subscription", h.GetSubscription)
	r.POST("/subscription", h.Subscribe)
	r.POST("/subscription/cancel", h.Cancel)
}

// ListPlans handles GET /plans
func (h *Handler) ListPlans(c *gin.Context) {
	plans := []PlanInfo{Catalog[PlanFree], Catalog[PlanPro], Catalog[PlanEnterprise]}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// GetSubscription handles GET /subscription. It reports the plan in force,
// which may renew a lapsed subscription.
func (h *Handler) GetSubscription(c *gin.Context) {
	res, err := h.resolver.Resolve(c.Request.Context(), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolution": res})
}

// SubscribeRequest picks a paid plan.
type SubscribeRequest struct {
	Plan Plan `json:"plan" binding:"required,oneof=pro enterprise"`
}

// Subscribe handles POST /subscription
func (h *Handler) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_input",
			"message": "plan must be one of: pro, enterprise",
		})
		return
	}

	sub, err := h.resolver.Subscribe(c.Request.Context(), auth.UserID(c), req.Plan)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// Cancel handles POST /subscription/cancel
func (h *Handler) Cancel(c *gin.Context) {
	sub, err := h.resolver.Cancel(c.Request.Context(), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub, "message": "auto-renew stopped; plan benefits last until expiry"})
}
