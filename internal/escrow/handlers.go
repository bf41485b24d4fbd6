package escrow

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/catalog"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/validation"
)

// Handler provides HTTP endpoints for orders, escrows and disputes.
type Handler struct {
	service *Service
	sweeper *Sweeper
	logger  *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, sweeper *Sweeper, logger *slog.Logger) *Handler {
	return &Handler{service: service, sweeper: sweeper, logger: logger}
}

// RegisterRoutes sets up routes for authenticated users. checkout runs
// before the checkout handler (e.g. the Idempotency-Key cache).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, checkout ...gin.HandlerFunc) {
	r.POST("/orders", append(checkout, h.Checkout)...)
	r.GET("/orders", h.ListOrders)

	orders := r.Group("/orders/:id", validation.IDParamMiddleware())
	orders.GET("", h.GetOrder)
	orders.POST("/finalize", h.Finalize)
	orders.POST("/extend", h.Extend)
	orders.POST("/deliver", h.MarkDelivered)
	orders.POST("/dispute", h.OpenDispute)

	disputes := r.Group("/disputes/:id", validation.IDParamMiddleware())
	disputes.GET("", h.GetDispute)
	disputes.GET("/messages", h.ListMessages)
	disputes.POST("/messages", h.PostMessage)
	disputes.POST("/resolve", h.ResolveDispute)
	disputes.POST("/release", h.ReleaseDispute)
}

// RegisterAdminRoutes sets up the admin dispute queue and manual sweep.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListDisputes)
	r.POST("/disputes/:id/claim", validation.IDParamMiddleware(), h.ClaimDispute)
	r.POST("/sweep", h.Sweep)
}

func requester(c *gin.Context) Requester {
	return Requester{UserID: auth.GetUserID(c), Admin: auth.IsAdmin(c)}
}

func parseLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	return limit
}

// writeError maps domain errors to status codes. Anything unrecognised is
// logged and reported as a generic 500.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, code, msg := http.StatusInternalServerError, "internal_error", "Internal server error"
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrEscrowNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Order not found"
	case errors.Is(err, ErrDisputeNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Dispute not found"
	case errors.Is(err, catalog.ErrProductNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Product not found"
	case errors.Is(err, ErrNotAuthorized):
		status, code, msg = http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status, code, msg = http.StatusPaymentRequired, "insufficient_funds", "Wallet balance too low"
	case errors.Is(err, catalog.ErrOutOfStock):
		status, code, msg = http.StatusConflict, "out_of_stock", "Product out of stock"
	case errors.Is(err, ErrAlreadyFinalized):
		status, code, msg = http.StatusConflict, "already_finalized", err.Error()
	case errors.Is(err, ErrEscrowNotActive):
		status, code, msg = http.StatusConflict, "escrow_not_active", err.Error()
	case errors.Is(err, ErrMaxExtensionsReached):
		status, code, msg = http.StatusConflict, "max_extensions", err.Error()
	case errors.Is(err, ErrDisputeAlreadyResolved):
		status, code, msg = http.StatusConflict, "already_resolved", err.Error()
	case errors.Is(err, ErrAlreadyDelivered):
		status, code, msg = http.StatusConflict, "already_delivered", err.Error()
	case errors.Is(err, ErrInvalidSplit), errors.Is(err, ErrReasonRequired),
		errors.Is(err, ErrSelfPurchase), errors.Is(err, ErrEmptyMessage):
		status, code, msg = http.StatusBadRequest, "validation_failed", err.Error()
	default:
		h.logger.Error("escrow request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

// CheckoutRequest buys one unit of a product.
type CheckoutRequest struct {
	ProductID string `json:"productId" binding:"required"`
}

// Checkout handles POST /orders
func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(validation.ValidID("productId", req.ProductID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	order, escrow, err := h.service.Checkout(c.Request.Context(), auth.GetUserID(c), req.ProductID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order":  NewOrderView(order, escrow),
		"escrow": escrow,
	})
}

// ListOrders handles GET /orders?role=buyer|vendor
func (h *Handler) ListOrders(c *gin.Context) {
	role := Role(c.DefaultQuery("role", string(RoleBuyer)))
	if role != RoleBuyer && role != RoleVendor {
		badRequest(c, "role must be buyer or vendor")
		return
	}

	orders, err := h.service.ListOrders(c.Request.Context(), requester(c), role, parseLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// GetOrder handles GET /orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.GetOrder(c.Request.Context(), c.Param("id"), requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// Finalize handles POST /orders/:id/finalize
func (h *Handler) Finalize(c *gin.Context) {
	escrow, err := h.service.Finalize(c.Request.Context(), c.Param("id"), requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Extend handles POST /orders/:id/extend
func (h *Handler) Extend(c *gin.Context) {
	escrow, err := h.service.Extend(c.Request.Context(), c.Param("id"), requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":         escrow,
		"autoFinalizeAt": escrow.AutoFinalizeAt,
		"extensionsLeft": MaxExtensions - escrow.ExtendedCount,
	})
}

// MarkDelivered handles POST /orders/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	order, err := h.service.MarkDelivered(c.Request.Context(), c.Param("id"), requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// DisputeRequest opens a dispute.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// OpenDispute handles POST /orders/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	dispute, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), requester(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// GetDispute handles GET /disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	dispute, err := h.service.GetDispute(c.Request.Context(), c.Param("id"), requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ResolveRequest splits a disputed escrow.
type ResolveRequest struct {
	BuyerPercentage  *int   `json:"buyerPercentage"`
	VendorPercentage *int   `json:"vendorPercentage"`
	Notes            string `json:"notes"`
}

// ResolveDispute handles POST /disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if req.BuyerPercentage == nil || req.VendorPercentage == nil {
		badRequest(c, "buyerPercentage and vendorPercentage are required")
		return
	}
	if errs := validation.Validate(
		validation.Percentage("buyerPercentage", *req.BuyerPercentage),
		validation.Percentage("vendorPercentage", *req.VendorPercentage),
		validation.MaxLength("notes", req.Notes, validation.MaxMessageLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	dispute, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), requester(c),
		*req.BuyerPercentage, *req.VendorPercentage, req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ReleaseDispute handles POST /disputes/:id/release
func (h *Handler) ReleaseDispute(c *gin.Context) {
	dispute, err := h.service.ReleaseDispute(c.Request.Context(), c.Param("id"), requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// MessageRequest posts to a dispute thread.
type MessageRequest struct {
	Body string `json:"body"`
}

// PostMessage handles POST /disputes/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if len(req.Body) > validation.MaxMessageLength {
		badRequest(c, "Message too long")
		return
	}

	msg, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), requester(c), req.Body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListMessages handles GET /disputes/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.service.Messages(c.Request.Context(), c.Param("id"), requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// ListDisputes handles GET /admin/disputes?status=
func (h *Handler) ListDisputes(c *gin.Context) {
	var status DisputeStatus
	if s := c.Query("status"); s != "" {
		st, err := ParseDisputeStatus(s)
		if err != nil {
			badRequest(c, "Unknown dispute status")
			return
		}
		status = st
	}

	disputes, err := h.service.ListDisputes(c.Request.Context(), requester(c), status, parseLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ClaimDispute handles POST /admin/disputes/:id/claim
func (h *Handler) ClaimDispute(c *gin.Context) {
	dispute, err := h.service.ClaimDispute(c.Request.Context(), c.Param("id"), requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// Sweep handles POST /admin/sweep
func (h *Handler) Sweep(c *gin.Context) {
	n, err := h.sweeper.Sweep(c.Request.Context(), time.Now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"finalized": n})
}
