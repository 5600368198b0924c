package attendance

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"roster-service/common/httputil"
	"roster-service/internal/auth"
	"roster-service/internal/metrics"
	"roster-service/internal/student"
	"roster-service/internal/validate"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	service Service
	auth    *auth.Middleware
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewHandler(service Service, mw *auth.Middleware, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{service: service, auth: mw, logger: logger, metrics: m}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	staff := auth.RequireRole(auth.RoleAdmin, auth.RoleTeacher)

	router.Group(func(r chi.Router) {
		r.Use(h.auth.Authenticate)

		r.With(staff).Post("/api/attendance", h.Mark)
		r.Get("/api/attendance", h.List)
		r.Get("/api/attendance/stats", h.Statistics)
		r.With(staff).Put("/api/attendance/{id}", h.Update)
	})
}

func (h *Handler) Mark(w http.ResponseWriter, r *http.Request) {
	var req MarkRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	identity, _ := auth.IdentityFrom(r.Context())
	rec, err := h.service.Mark(r.Context(), identity.UserID, req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.metrics.RecordAttendanceMarked(r.Context(), string(rec.Status))
	h.logger.InfoContext(r.Context(), "attendance marked", "student_id", rec.StudentID, "subject", rec.Subject, "status", rec.Status)

	httputil.RespondWithJSON(w, http.StatusCreated, rec)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid attendance id")
		return
	}

	var req UpdateRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.service.Update(r.Context(), id, req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "attendance updated", "attendance_id", id)
	httputil.RespondWithJSON(w, http.StatusOK, rec)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q, ok := h.query(w, r)
	if !ok {
		return
	}

	records, err := h.service.List(r.Context(), q)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, records)
}

func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	q, ok := h.query(w, r)
	if !ok {
		return
	}

	stats, err := h.service.Statistics(r.Context(), q)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, stats)
}

// query parses the filters. Students only ever see their own marks.
func (h *Handler) query(w http.ResponseWriter, r *http.Request) (Query, bool) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		h.handleServiceError(w, r, err)
		return q, false
	}

	identity, _ := auth.IdentityFrom(r.Context())
	if identity.Role == auth.RoleStudent {
		if identity.StudentID == nil {
			httputil.RespondWithError(w, http.StatusForbidden, "no student record linked to this account")
			return q, false
		}
		if q.StudentID != nil && *q.StudentID != *identity.StudentID {
			httputil.RespondWithError(w, http.StatusForbidden, "forbidden")
			return q, false
		}
		q.StudentID = identity.StudentID
	}
	return q, true
}

func parseQuery(values url.Values) (Query, error) {
	var (
		q      Query
		fields validate.Errors
	)

	if raw := values.Get("studentId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			fields = append(fields, validate.FieldError{Field: "studentId", Message: "studentId must be a valid id"})
		} else {
			q.StudentID = &id
		}
	}
	q.Subject = strings.TrimSpace(values.Get("subject"))

	parseDate := func(name string) *time.Time {
		raw := values.Get(name)
		if raw == "" {
			return nil
		}
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			fields = append(fields, validate.FieldError{Field: name, Message: name + " must be a date in YYYY-MM-DD format"})
			return nil
		}
		return &d
	}
	q.From = parseDate("startDate")
	q.To = parseDate("endDate")

	if len(fields) > 0 {
		return q, fields
	}
	return q, nil
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, ErrInvalidInput):
		h.logger.InfoContext(ctx, "invalid input", "error", err)
		if fields := validate.Fields(err); fields != nil {
			httputil.RespondWithErrorDetails(w, http.StatusBadRequest, "validation failed", fields)
			return
		}
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, new(validate.Errors)):
		httputil.RespondWithErrorDetails(w, http.StatusBadRequest, "validation failed", validate.Fields(err))
	case errors.Is(err, student.ErrStudentNotFound):
		httputil.RespondWithError(w, http.StatusNotFound, "student not found")
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrNoRecords):
		httputil.RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyMarked):
		httputil.RespondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, student.ErrStorageUnavailable):
		h.logger.ErrorContext(ctx, "storage unavailable", "error", err)
		httputil.RespondWithError(w, http.StatusServiceUnavailable, "storage temporarily unavailable, try again")
	default:
		h.logger.ErrorContext(ctx, "attendance request failed", "error", err)
		httputil.RespondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}
