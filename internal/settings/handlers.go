package settings

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/shopspring/decimal"
)

// Handler provides admin HTTP endpoints for settings
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new settings handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterAdminRoutes sets up admin-only settings routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/commission", h.GetCommission)
	r.PUT("/commission", h.SetCommission)
}

// GetCommission handles GET /admin/commission
func (h *Handler) GetCommission(c *gin.Context) {
	rate, err := h.service.CommissionRate(c.Request.Context())
	if err != nil {
		h.logger.Error("read commission rate failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "settings_error",
			"message": "Failed to read commission rate",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"commissionRate": rate})
}

// SetCommissionRequest updates the commission percentage
type SetCommissionRequest struct {
	CommissionRate *decimal.Decimal `json:"commissionRate"`
}

// SetCommission handles PUT /admin/commission
func (h *Handler) SetCommission(c *gin.Context) {
	var req SetCommissionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CommissionRate == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.service.SetCommissionRate(c.Request.Context(), *req.CommissionRate, auth.GetUserID(c)); err != nil {
		if errors.Is(err, ErrInvalidRate) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_rate",
				"message": err.Error(),
			})
			return
		}
		h.logger.Error("store commission rate failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "settings_error",
			"message": "Failed to store commission rate",
		})
		return
	}

	h.logger.Info("commission rate changed", "rate", req.CommissionRate.String(), "by", auth.GetUserID(c))
	c.JSON(http.StatusOK, gin.H{"commissionRate": req.CommissionRate})
}
