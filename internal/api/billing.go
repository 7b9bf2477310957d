package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"wingman/internal/billing"
)

const (
	signatureHeader     = "Stripe-Signature"
	maxWebhookBodyBytes = 1 << 20
)

func (h *Handler) billingEnabled(c *gin.Context) bool {
	if h.billing == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "billing is not configured"})
		return false
	}
	return true
}

func (h *Handler) getSubscription(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok || !h.billingEnabled(c) {
		return
	}
	sub, err := h.billing.GetSubscription(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) createCheckout(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok || !h.billingEnabled(c) {
		return
	}
	var req struct {
		Plan string `json:"plan"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	user, err := h.assistant.GetUser(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	url, err := h.billing.CreateCheckout(ctx, user, req.Plan)
	if err != nil {
		h.billingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *Handler) cancelSubscription(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok || !h.billingEnabled(c) {
		return
	}
	if err := h.billing.CancelSubscription(c.Request.Context(), userID); err != nil {
		h.billingError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) billingWebhook(c *gin.Context) {
	if !h.billingEnabled(c) {
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	ev, err := h.billing.HandleWebhook(c.Request.Context(), payload, c.GetHeader(signatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidSignature):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		case errors.Is(err, billing.ErrMalformedEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			// a 5xx makes the provider retry delivery
			h.logger.ErrorContext(c.Request.Context(), "apply billing event failed", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "apply event failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "type": ev.EventType()})
}

func (h *Handler) billingError(c *gin.Context, err error) {
	var perr *billing.ProviderError
	switch {
	case errors.Is(err, billing.ErrUnknownPlan):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, billing.ErrNoSubscription):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, billing.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &perr):
		h.logger.ErrorContext(c.Request.Context(), "payment provider error", "status", perr.StatusCode, "err", perr.Message)
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment provider error"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
