package audit

import (
	"log/slog"
	"net/http"

	"roster-service/common/httputil"
	"roster-service/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const historyLimit = 200

type Handler struct {
	repo   Repository
	auth   *auth.Middleware
	logger *slog.Logger
}

func NewHandler(repo Repository, mw *auth.Middleware, logger *slog.Logger) *Handler {
	return &Handler{repo: repo, auth: mw, logger: logger}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Group(func(r chi.Router) {
		r.Use(h.auth.Authenticate)
		r.With(auth.RequireRole(auth.RoleAdmin)).Get("/api/students/{id}/history", h.History)
	})
}

// History lists the lifecycle events of one student, newest first. Purged
// records keep their trail.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid student id")
		return
	}

	list, err := h.repo.ListByStudent(r.Context(), id, historyLimit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load student history", "student_id", id, "error", err)
		httputil.RespondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if list == nil {
		list = []Event{}
	}

	httputil.RespondWithJSON(w, http.StatusOK, list)
}
