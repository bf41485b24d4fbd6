package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/mbd888/bazaar/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up wallet routes for the authenticated user
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.GetHistory)
	r.POST("/wallet/withdrawals", h.RequestWithdrawal)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/deposits", h.RecordDeposit)
	r.GET("/wallets/:userId/reconcile", h.Reconcile)
}

// GetWallet handles GET /wallet
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.ledger.Wallet(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		h.logger.Error("get wallet failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet": w,
	})
}

// GetHistory handles GET /wallet/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	txs, err := h.ledger.History(c.Request.Context(), auth.GetUserID(c), limit)
	if err != nil {
		h.logger.Error("wallet history failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve wallet history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// DepositRequest records a confirmed external payment (admin use)
type DepositRequest struct {
	UserID     string `json:"userId" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	ExternalID string `json:"externalId" binding:"required"`
}

// RecordDeposit handles POST /admin/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("userId", req.UserID),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("externalId", req.ExternalID, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount, _ := money.Parse(req.Amount)
	tx, err := h.ledger.Deposit(c.Request.Context(), req.UserID, amount, req.ExternalID)
	if err != nil {
		if errors.Is(err, ErrDuplicateDeposit) {
			metrics.DepositsTotal.WithLabelValues("admin", "duplicate").Inc()
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_deposit",
				"message": "Deposit already processed",
			})
			return
		}
		h.logger.Error("record deposit failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_error",
			"message": "Failed to record deposit",
		})
		return
	}

	metrics.DepositsTotal.WithLabelValues("admin", "credited").Inc()
	c.JSON(http.StatusCreated, gin.H{
		"transaction": tx,
	})
}

// WithdrawRequest for withdrawal
type WithdrawRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// RequestWithdrawal handles POST /wallet/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(validation.ValidAmount("amount", req.Amount)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive number with at most two decimals",
		})
		return
	}

	amount, _ := money.Parse(req.Amount)
	userID := auth.GetUserID(c)
	tx, err := h.ledger.Withdraw(c.Request.Context(), userID, amount)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "insufficient_funds",
				"message": "Wallet balance is too low for this withdrawal",
			})
			return
		}
		h.logger.Error("withdrawal failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "withdrawal_error",
			"message": "Failed to process withdrawal",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transaction": tx,
		"status":      "pending_payout",
	})
}

// Reconcile handles GET /admin/wallets/:userId/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	userID := c.Param("userId")
	if !validation.IsValidID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "userId is malformed",
		})
		return
	}

	res, err := h.ledger.Reconcile(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("reconcile failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_error",
			"message": "Failed to reconcile wallet",
		})
		return
	}
	if !res.Match {
		h.logger.Warn("wallet reconciliation mismatch",
			"user", userID,
			"balance", res.Balance.String(),
			"replay", res.ReplayBalance.String(),
			"first_mismatch", res.FirstMismatch)
	}

	c.JSON(http.StatusOK, gin.H{
		"reconciliation": res,
	})
}
