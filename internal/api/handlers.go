package api

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"wingman/internal/auth"
	"wingman/internal/billing"
	"wingman/internal/events"
	"wingman/internal/objectstore"
	"wingman/internal/service/assistant"
	"wingman/internal/worker"
)

type WorkerManager interface {
	Send(worker.SendRequest) (*worker.SendResult, error)
	ResetUser(userID int64)
	Purge(userID int64, conversationID string)
}

// Handler wires HTTP routes to the assistant, billing and worker services.
type Handler struct {
	assistant *assistant.Service
	auth      *auth.Service
	billing   *billing.Service
	uploader  objectstore.Uploader
	workers   WorkerManager
	emitter   *events.Emitter
	logger    *slog.Logger
}

// Deps collects the services a Handler needs. Billing, Uploader and Emitter may be nil.
type Deps struct {
	Assistant *assistant.Service
	Auth      *auth.Service
	Billing   *billing.Service
	Uploader  objectstore.Uploader
	Workers   WorkerManager
	Emitter   *events.Emitter
	Logger    *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	uploader := d.Uploader
	if uploader == nil {
		uploader = objectstore.NoopUploader{}
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		assistant: d.Assistant,
		auth:      d.Auth,
		billing:   d.Billing,
		uploader:  uploader,
		workers:   d.Workers,
		emitter:   d.Emitter,
		logger:    logger,
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/auth/register", h.registerUser)
	api.POST("/auth/confirm", h.confirmEmail)
	api.GET("/auth/confirm", h.confirmEmail)
	api.POST("/auth/resend", h.resendConfirmation)
	api.POST("/auth/login", h.loginUser)
	api.POST("/billing/webhook", h.billingWebhook)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.POST("/auth/logout", h.logoutUser)
	authed.GET("/me", h.getMe)
	authed.DELETE("/me", h.deleteUser)
	authed.GET("/conversations", h.listConversations)
	authed.PATCH("/conversations/:id", h.renameConversation)
	authed.DELETE("/conversations/:id", h.deleteConversation)
	authed.GET("/conversations/:id/messages", h.getConversationMessages)
	authed.POST("/conversations/:id/messages", h.sendMessage)
	authed.GET("/billing/subscription", h.getSubscription)
	authed.POST("/billing/checkout", h.createCheckout)
	authed.POST("/billing/cancel", h.cancelSubscription)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, assistant.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"confirmed":  user.Confirmed(),
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) confirmEmail(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		var req struct {
			Token string `json:"token"`
		}
		_ = c.ShouldBindJSON(&req)
		token = strings.TrimSpace(req.Token)
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	user, err := h.assistant.ConfirmEmail(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, assistant.ErrInvalidConfirmation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "confirm email failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           user.ID,
		"email":        user.Email,
		"confirmed_at": user.ConfirmedAt,
	})
}

func (h *Handler) resendConfirmation(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.assistant.ResendConfirmation(c.Request.Context(), req.Email); err != nil {
		h.logger.WarnContext(c.Request.Context(), "resend confirmation failed", "err", err)
	}
	// same answer whether or not the address exists
	c.Status(http.StatusAccepted)
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, assistant.ErrEmailNotConfirmed) {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) getMe(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.assistant.GetUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{
		"id":           user.ID,
		"email":        user.Email,
		"confirmed_at": user.ConfirmedAt,
		"created_at":   user.CreatedAt,
	}
	if h.billing != nil {
		sub, err := h.billing.GetSubscription(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["subscription"] = sub
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.auth.RevokeUserTokens(ctx, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.ResetUser(id)
	if h.billing != nil {
		if err := h.billing.CancelSubscription(ctx, id); err != nil &&
			!errors.Is(err, billing.ErrNoSubscription) && !errors.Is(err, billing.ErrNotConfigured) {
			h.logger.WarnContext(ctx, "cancel subscription on account deletion failed", "user_id", id, "err", err)
		}
	}
	if err := h.assistant.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
