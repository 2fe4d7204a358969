// Package api exposes account registration, login, provider connects and
// account management over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"identity-hub/backend/internal/identity"
	"identity-hub/backend/internal/reconcile"
	apperrors "identity-hub/backend/pkg/errors"
	"identity-hub/backend/pkg/logger"
	"go.uber.org/zap"
)

// LocalAuth registers and authenticates email/password accounts
type LocalAuth interface {
	Register(ctx context.Context, email, password string, currentUser *identity.UserRecord) (*identity.UserRecord, error)
	Login(ctx context.Context, email, password string) (*identity.UserRecord, error)
}

// Reconciler links verified provider profiles to accounts
type Reconciler interface {
	Reconcile(ctx context.Context, provider identity.Provider, profile reconcile.Profile, clientTicket *identity.UserRecord) (reconcile.Outcome, error)
}

// ContextResolver turns an API key into the caller's identity
type ContextResolver interface {
	Resolve(ctx context.Context, apiKey, requiredRole string) (identity.Context, error)
}

// Usernames reads and changes display names
type Usernames interface {
	Username(ctx context.Context, userID string) (string, bool, error)
	ChangeUsername(ctx context.Context, newName string, caller identity.Context) (*identity.UserRecord, error)
}

// Users is the store surface used by account and admin routes
type Users interface {
	GetByID(ctx context.Context, id string) (*identity.UserRecord, error)
	GetAllUsers(ctx context.Context) ([]*identity.UserRecord, error)
	DeleteUser(ctx context.Context, id string) error
}

// Options configures request handling
type Options struct {
	APIKeyHeader string
	APIKeyQuery  string
	AdminRole    string
}

// Handler serves the HTTP API
type Handler struct {
	local     LocalAuth
	engine    Reconciler
	resolver  ContextResolver
	usernames Usernames
	users     Users
	opts      Options
	logger    *zap.Logger
}

// NewHandler creates the API handler
func NewHandler(local LocalAuth, engine Reconciler, resolver ContextResolver, usernames Usernames, users Users, opts Options, log *zap.Logger) *Handler {
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}
	if opts.APIKeyQuery == "" {
		opts.APIKeyQuery = "apikey"
	}
	if opts.AdminRole == "" {
		opts.AdminRole = "admin"
	}
	return &Handler{
		local:     local,
		engine:    engine,
		resolver:  resolver,
		usernames: usernames,
		users:     users,
		opts:      opts,
		logger:    logger.OrNamed(log, "api"),
	}
}

// Router builds the gin engine with middleware and all routes
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(h.logger))
	router.Use(gin.Recovery())
	router.Use(cors())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		auth := api.Group("/auth")
		auth.POST("/local/register", h.register)
		auth.POST("/local/login", h.login)
		auth.POST("/:provider/connect", h.connect)

		user := api.Group("/user", h.requireCaller(""))
		user.GET("/me", h.me)
		user.PUT("/username", h.changeUsername)

		admin := api.Group("/admin", h.requireCaller(h.opts.AdminRole))
		admin.GET("/users", h.listUsers)
		admin.DELETE("/users/:id", h.deleteUser)
	}

	return router
}

type credentialsRequest struct {
	Email    string               `json:"email" binding:"required"`
	Password string               `json:"password" binding:"required"`
	User     *identity.UserRecord `json:"user"`
}

func (h *Handler) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abortWithError(c, bindError(err, "request body"))
		return
	}

	rec, err := h.local.Register(c.Request.Context(), req.Email, req.Password, req.User)
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, rec)
}

// loginResponse keeps the shape existing clients read: apiKey and error are
// always present, one of them null
type loginResponse struct {
	APIKey   *string                    `json:"apiKey"`
	ID       string                     `json:"id,omitempty"`
	Local    *identity.LocalCredentials `json:"local,omitempty"`
	Facebook *identity.ProviderLink     `json:"facebook,omitempty"`
	Google   *identity.ProviderLink     `json:"google,omitempty"`
	Twitter  *identity.ProviderLink     `json:"twitter,omitempty"`
	Discord  *identity.ProviderLink     `json:"discord,omitempty"`
	Error    *string                    `json:"error"`
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		msg := apperrors.MessageOf(bindError(err, "request body"))
		c.JSON(http.StatusBadRequest, loginResponse{Error: &msg})
		return
	}

	rec, err := h.local.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Login failed", zap.Error(err))
		}
		msg := apperrors.MessageOf(err)
		c.JSON(status, loginResponse{Error: &msg})
		return
	}

	c.JSON(http.StatusOK, loginResponse{
		APIKey:   &rec.APIKey,
		ID:       rec.ID,
		Local:    rec.Local,
		Facebook: rec.Facebook,
		Google:   rec.Google,
		Twitter:  rec.Twitter,
		Discord:  rec.Discord,
	})
}

type connectRequest struct {
	Profile json.RawMessage      `json:"profile" binding:"required"`
	User    *identity.UserRecord `json:"user"`
}

func (h *Handler) connect(c *gin.Context) {
	provider, err := identity.ParseProvider(c.Param("provider"))
	if err != nil {
		h.abortWithError(c, apperrors.NewNotFound("provider", c.Param("provider")))
		return
	}

	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abortWithError(c, bindError(err, "profile"))
		return
	}

	profile, err := reconcile.DecodeProfile(provider, req.Profile)
	if err != nil {
		h.logger.Debug("Rejected provider profile", zap.String("provider", string(provider)), zap.Error(err))
		h.abortWithError(c, apperrors.NewValidation(string(provider)+" profile id"))
		return
	}

	out, err := h.engine.Reconcile(c.Request.Context(), provider, profile, req.User)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	if !out.OK() {
		h.abortWithError(c, out.Err())
		return
	}

	status := http.StatusOK
	if out.Kind == reconcile.Created {
		status = http.StatusCreated
	}
	c.JSON(status, out.Record)
}

type meResponse struct {
	*identity.UserRecord
	Username string `json:"username,omitempty"`
}

func (h *Handler) me(c *gin.Context) {
	caller := callerOf(c)
	ctx := c.Request.Context()

	rec, err := h.users.GetByID(ctx, caller.UserID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	name, _, err := h.usernames.Username(ctx, caller.UserID)
	if err != nil {
		h.logger.Warn("Username lookup failed", zap.String("user_id", caller.UserID), zap.Error(err))
	}

	c.JSON(http.StatusOK, meResponse{UserRecord: rec.Sanitize(), Username: name})
}

func (h *Handler) changeUsername(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abortWithError(c, bindError(err, "username"))
		return
	}

	rec, err := h.usernames.ChangeUsername(c.Request.Context(), req.Username, callerOf(c))
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, meResponse{UserRecord: rec, Username: strings.TrimSpace(req.Username)})
}

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.users.GetAllUsers(c.Request.Context())
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	out := make([]*identity.UserRecord, 0, len(users))
	for _, u := range users {
		out = append(out, u.Sanitize())
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id := c.Param("id")
	if err := h.users.DeleteUser(c.Request.Context(), id); err != nil {
		if identity.IsNotFound(err) {
			err = apperrors.NewNotFound("account", id)
		}
		h.abortWithError(c, err)
		return
	}

	h.logger.Info("User deleted",
		zap.String("user_id", id),
		zap.String("by", callerOf(c).UserID))
	c.Status(http.StatusNoContent)
}
