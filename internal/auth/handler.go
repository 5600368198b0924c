package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"roster-service/common/httputil"
	"roster-service/internal/metrics"
	"roster-service/internal/validate"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	service       *Service
	middleware    *Middleware
	logger        *slog.Logger
	metrics       *metrics.Metrics
	secureCookies bool
}

func NewHandler(service *Service, mw *Middleware, logger *slog.Logger, m *metrics.Metrics, secureCookies bool) *Handler {
	return &Handler{
		service:       service,
		middleware:    mw,
		logger:        logger,
		metrics:       m,
		secureCookies: secureCookies,
	}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Post("/auth/register", h.Register)
	router.Post("/auth/login", h.Login)
	router.Post("/auth/refresh", h.Refresh)
	router.Post("/auth/logout", h.Logout)

	router.Group(func(r chi.Router) {
		r.Use(h.middleware.Authenticate)
		r.Get("/auth/me", h.Me)
		r.Post("/auth/logout-all", h.LogoutAll)
		r.With(RequireRole(RoleAdmin)).Post("/auth/users", h.CreateUser)
	})
}

// Register creates a user account
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "user registered", "user_id", resp.User.ID, "role", resp.User.Role)

	SetAuthCookie(w, resp.AccessToken, h.service.tokens.TTL(), h.secureCookies)
	httputil.RespondWithJSON(w, http.StatusCreated, resp)
}

// CreateUser lets an admin create teacher and admin accounts
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.service.CreateUser(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	identity, _ := IdentityFrom(r.Context())
	h.logger.InfoContext(r.Context(), "user created", "user_id", user.ID, "role", user.Role, "created_by", identity.UserID)

	httputil.RespondWithJSON(w, http.StatusCreated, user)
}

// Login authenticates a user
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.Login(r.Context(), req)
	h.metrics.RecordLogin(r.Context(), err == nil)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "user logged in", "user_id", resp.User.ID)

	SetAuthCookie(w, resp.AccessToken, h.service.tokens.TTL(), h.secureCookies)
	httputil.RespondWithJSON(w, http.StatusOK, resp)
}

// Refresh rotates the refresh token and issues a new access token
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.RefreshAccessToken(r.Context(), req.RefreshToken)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	SetAuthCookie(w, resp.AccessToken, h.service.tokens.TTL(), h.secureCookies)
	httputil.RespondWithJSON(w, http.StatusOK, resp)
}

// Logout invalidates the refresh token, if one is sent, and clears the cookie
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.service.Logout(r.Context(), req.RefreshToken); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	ClearAuthCookie(w, h.secureCookies)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	if err := h.service.LogoutAll(r.Context(), identity.UserID); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "user signed out everywhere", "user_id", identity.UserID)

	ClearAuthCookie(w, h.secureCookies)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())

	user, err := h.service.Me(r.Context(), identity.UserID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, user)
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, ErrInvalidInput):
		httputil.RespondWithErrorDetails(w, http.StatusBadRequest, "validation failed", validate.Fields(err))
	case errors.Is(err, ErrRoleNotAllowed):
		httputil.RespondWithError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrUserExists):
		httputil.RespondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidRefreshToken):
		h.logger.WarnContext(ctx, "authentication failed", "error", err)
		httputil.RespondWithError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrUserNotFound):
		httputil.RespondWithError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.ErrorContext(ctx, "auth request failed", "error", err)
		httputil.RespondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}
