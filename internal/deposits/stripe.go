// Package deposits credits wallets from confirmed card payments.
//
// Stripe calls POST /webhooks/stripe when a PaymentIntent succeeds. The
// PaymentIntent carries the buyer's user id in its metadata; the
// PaymentIntent id becomes the deposit reference, so redelivered events
// credit the wallet once.
package deposits

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/validation"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// MaxPayloadSize bounds a webhook body. Stripe events are far smaller.
const MaxPayloadSize = 64 * 1024

// MetadataUserID is the PaymentIntent metadata key naming the wallet owner.
const MetadataUserID = "user_id"

// SourceStripe labels deposit metrics from this feed.
const SourceStripe = "stripe"

var (
	ErrMissingUser       = errors.New("payment intent has no user")
	ErrCurrencyMismatch  = errors.New("payment intent currency not accepted")
	ErrNonPositiveAmount = errors.New("payment intent amount must be positive")
)

// Depositor credits confirmed external payments.
type Depositor interface {
	Deposit(ctx context.Context, userID string, amount decimal.Decimal, externalID string) (*ledger.Transaction, error)
}

// Handler verifies and applies Stripe webhook events.
type Handler struct {
	depositor Depositor
	secret    string
	currency  string
	logger    *slog.Logger
}

// NewHandler creates a webhook handler. secret is the endpoint's signing
// secret (whsec_...).
func NewHandler(depositor Depositor, secret string, logger *slog.Logger) *Handler {
	return &Handler{
		depositor: depositor,
		secret:    secret,
		currency:  "usd",
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook. It must not sit behind bearer auth;
// the signature is the authentication.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhooks/stripe", h.HandleStripe)
}

// HandleStripe handles POST /webhooks/stripe
func (h *Handler) HandleStripe(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxPayloadSize+1))
	if err != nil || len(payload) > MaxPayloadSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read payload",
		})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.DepositsTotal.WithLabelValues(SourceStripe, "invalid_signature").Inc()
		h.logger.Warn("stripe webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	if event.Type != stripe.EventTypePaymentIntentSucceeded {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		metrics.DepositsTotal.WithLabelValues(SourceStripe, "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed payment intent",
		})
		return
	}

	userID, amount, err := h.depositFor(&pi)
	if err != nil {
		metrics.DepositsTotal.WithLabelValues(SourceStripe, "rejected").Inc()
		h.logger.Warn("stripe deposit rejected", "paymentIntent", pi.ID, "event", event.ID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": err.Error(),
		})
		return
	}

	tx, err := h.depositor.Deposit(c.Request.Context(), userID, amount, pi.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateDeposit) {
			metrics.DepositsTotal.WithLabelValues(SourceStripe, "duplicate").Inc()
			c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
			return
		}
		metrics.DepositsTotal.WithLabelValues(SourceStripe, "error").Inc()
		h.logger.Error("stripe deposit failed", "paymentIntent", pi.ID, "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_error",
			"message": "Failed to record deposit",
		})
		return
	}

	metrics.DepositsTotal.WithLabelValues(SourceStripe, "credited").Inc()
	h.logger.Info("stripe deposit credited",
		"paymentIntent", pi.ID,
		"user", userID,
		"amount", amount.StringFixed(2),
	)
	c.JSON(http.StatusOK, gin.H{"received": true, "transaction": tx})
}

// depositFor extracts the wallet owner and the amount received, in dollars.
func (h *Handler) depositFor(pi *stripe.PaymentIntent) (string, decimal.Decimal, error) {
	userID := pi.Metadata[MetadataUserID]
	if !validation.IsValidID(userID) {
		return "", decimal.Zero, ErrMissingUser
	}
	if !strings.EqualFold(string(pi.Currency), h.currency) {
		return "", decimal.Zero, ErrCurrencyMismatch
	}
	amount := decimal.New(pi.AmountReceived, -2)
	if !amount.IsPositive() {
		return "", decimal.Zero, ErrNonPositiveAmount
	}
	return userID, amount, nil
}
