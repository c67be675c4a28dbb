package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/gigledger/internal/apperr"
)

// Handler provides operator endpoints for reconciliation.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterInternalRoutes sets up admin-only routes.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.GetReport)
	r.POST("/reconciliation/run", h.RunNow)
}

// GetReport handles GET /internal/reconciliation. It runs a check when none
// has completed yet.
func (h *Handler) GetReport(c *gin.Context) {
	if report := h.service.Last(); report != nil {
		c.JSON(http.StatusOK, gin.H{"report": report})
		return
	}
	h.RunNow(c)
}

// RunNow handles POST /internal/reconciliation/run
func (h *Handler) RunNow(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
