package reconciliation

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/validation"
)

// Handler exposes reconciliation to admins.
type Handler struct {
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewHandler creates a new reconciliation handler.
func NewHandler(r *Reconciler, logger *slog.Logger) *Handler {
	return &Handler{reconciler: r, logger: logger}
}

// RegisterAdminRoutes sets up the audit endpoints.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/audit", validation.IDParamMiddleware(), h.AuditOrder)
	r.POST("/reconciliation/run", h.Run)
}

// AuditOrder handles GET /admin/orders/:id/audit
func (h *Handler) AuditOrder(c *gin.Context) {
	a, err := h.reconciler.AuditOrder(c.Request.Context(), c.Param("id"))
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Order not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("order audit failed", "orderId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_error",
			"message": "Failed to audit order",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": a})
}

// Run handles POST /admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		h.logger.Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_error",
			"message": "Reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}
