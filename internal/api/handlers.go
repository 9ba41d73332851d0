package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"agentchat/internal/auth"
	"agentchat/internal/config"
	"agentchat/internal/models"
	"agentchat/internal/service/chat"
	"agentchat/internal/service/history"
	"agentchat/internal/worker"
)

// ChatManager runs chat operations for the HTTP layer.
type ChatManager interface {
	Start(ctx context.Context, userID int64, profile string) (*models.Session, error)
	Send(ctx context.Context, userID, sessionID int64, content string, onChunk func(string) error) (chat.Outcome, error)
	Session(ctx context.Context, userID, sessionID int64) (*models.Session, error)
	Resume(ctx context.Context, userID, sessionID int64) (*models.Session, []*models.Message, error)
	List(ctx context.Context, userID int64) ([]models.Session, error)
	Delete(ctx context.Context, userID, sessionID int64) error
	ResetUser(userID int64)
}

// Catalog lists what a user can chat with.
type Catalog interface {
	Profiles() []chat.Profile
	Starters() []chat.Starter
	CheckConnection(ctx context.Context) error
}

// UserStore holds accounts and per-user provider keys.
type UserStore interface {
	RegisterUser(ctx context.Context, username, password string) (*models.User, error)
	Login(ctx context.Context, username, password string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	DeleteUser(ctx context.Context, id int64) error
	SetProviderKey(ctx context.Context, userID int64, provider, key string) error
	ListProviderKeys(ctx context.Context, userID int64) ([]models.ProviderKey, error)
	DeleteProviderKey(ctx context.Context, userID int64, provider string) error
}

// Pinger is a dependency probed by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function, such as (*sql.DB).PingContext, to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler wires HTTP routes to the chat manager and the account store.
type Handler struct {
	users   UserStore
	chats   ChatManager
	catalog Catalog
	auth    *auth.Service
	ui      config.UIConfig
	checks  map[string]Pinger
	logger  zerolog.Logger
}

type Options struct {
	Users   UserStore
	Chats   ChatManager
	Catalog Catalog
	Auth    *auth.Service
	UI      config.UIConfig
	// Checks are probed by GET /api/health, keyed by name.
	Checks map[string]Pinger
	Logger zerolog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(opts Options) *Handler {
	return &Handler{
		users:   opts.Users,
		chats:   opts.Chats,
		catalog: opts.Catalog,
		auth:    opts.Auth,
		ui:      opts.UI,
		checks:  opts.Checks,
		logger:  opts.Logger.With().Str("component", "api").Logger(),
	}
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
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
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	api.GET("/chat/profiles", h.listProfiles)
	api.GET("/chat/starters", h.listStarters)
	api.GET("/ui/config", h.uiConfig)
	api.GET("/health", h.health)

	authMW := h.auth.Middleware()
	api.GET("/users/me", authMW, h.currentUser)

	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)
	userRoutes.POST("/keys", h.setKey)
	userRoutes.GET("/keys", h.listKeys)
	userRoutes.DELETE("/keys", h.deleteKey)
	userRoutes.POST("/chat/start", h.startChat)
	userRoutes.GET("/chat/sessions", h.listSessions)
	userRoutes.GET("/chat/sessions/:session_id", h.resumeSession)
	userRoutes.DELETE("/chat/sessions/:session_id", h.deleteSession)
	userRoutes.POST("/chat/message", h.sendMessage)
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.users.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, userPayload(user))
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.users.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", user.ID).Msg("issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	payload := userPayload(user)
	payload["auth_token"] = authToken
	c.JSON(http.StatusOK, payload)
}

// currentUser lets the UI find its user id, which header-authenticated clients never
// learn from a login response. It also hands out the CSRF cookie they lack.
func (h *Handler) currentUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.users.GetUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, history.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if token, err := c.Cookie(h.auth.CSRFCookieName()); err != nil || token == "" {
		if csrfToken, err := h.auth.NewCSRFToken(); err == nil {
			h.setCSRFCookie(c, csrfToken)
		}
	}
	c.JSON(http.StatusOK, userPayload(user))
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.chats.ResetUser(userID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.chats.ResetUser(id)
	if err := h.users.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, history.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func userPayload(user *models.User) gin.H {
	return gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	}
}

// provider keys for completion profiles
func (h *Handler) setKey(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Provider string `json:"provider"`
		Key      string `json:"key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.users.SetProviderKey(c.Request.Context(), userID, req.Provider, req.Key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listKeys(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	keys, err := h.users.ListProviderKeys(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if keys == nil {
		keys = []models.ProviderKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *Handler) deleteKey(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Provider string `json:"provider"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.users.DeleteProviderKey(c.Request.Context(), userID, req.Provider); err != nil {
		if errors.Is(err, history.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// public catalog
func (h *Handler) listProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"profiles": h.catalog.Profiles()})
}

func (h *Handler) listStarters(c *gin.Context) {
	starters := h.catalog.Starters()
	if starters == nil {
		starters = []chat.Starter{}
	}
	c.JSON(http.StatusOK, gin.H{"starters": starters})
}

func (h *Handler) uiConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"app_name":     h.ui.AppName,
		"feedback_url": h.ui.FeedbackURL,
		"header_auth":  h.auth.HeaderAuthEnabled(),
	})
}

// health probes the configured dependencies; ?deep=1 also lists agents remotely.
func (h *Handler) health(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK
	results := gin.H{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	if c.Query("deep") == "1" {
		if err := h.catalog.CheckConnection(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results["agents"] = err.Error()
		} else {
			results["agents"] = "ok"
		}
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   h.cookieTTL(),
		Path:     "/",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	h.setCSRFCookie(c, csrfToken)
}

func (h *Handler) setCSRFCookie(c *gin.Context, csrfToken string) {
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   h.cookieTTL(),
		Path:     "/",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) cookieTTL() int {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	return ttl
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

// statusFor maps service errors outside a chat turn to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, worker.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, chat.ErrUnknownProfile), errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	if errors.Is(err, worker.ErrDispatcherBusy) {
		return "server is busy, please retry"
	}
	return err.Error()
}
