package fee

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
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
	admin := auth.RequireRole(auth.RoleAdmin)

	router.Group(func(r chi.Router) {
		r.Use(h.auth.Authenticate)

		r.With(admin).Post("/api/fees", h.Create)
		r.Get("/api/fees", h.List)
		r.With(admin).Get("/api/fees/stats", h.Statistics)
		r.With(admin).Put("/api/fees/{id}", h.UpdateStatus)
	})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	f, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.metrics.RecordFeeRecorded(r.Context(), string(f.Status))
	h.logger.InfoContext(r.Context(), "fee recorded", "fee_id", f.ID, "student_id", f.StudentID, "status", f.Status)

	httputil.RespondWithJSON(w, http.StatusCreated, f)
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid fee id")
		return
	}

	var req UpdateStatusRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	f, err := h.service.UpdateStatus(r.Context(), id, req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "fee status updated", "fee_id", id, "status", f.Status)
	httputil.RespondWithJSON(w, http.StatusOK, f)
}

// List returns fees filtered by studentId, semester and status. Students
// only see their own.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

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
	if raw := values.Get("semester"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			fields = append(fields, validate.FieldError{Field: "semester", Message: "semester must be a positive integer"})
		}
		q.Semester = n
	}
	if raw := values.Get("status"); raw != "" {
		q.Status = Status(raw)
		if q.Status != StatusPaid && q.Status != StatusPending && q.Status != StatusOverdue {
			fields = append(fields, validate.FieldError{Field: "status", Message: "status must be one of paid, pending, overdue"})
		}
	}
	if len(fields) > 0 {
		httputil.RespondWithErrorDetails(w, http.StatusBadRequest, "validation failed", fields)
		return
	}

	identity, _ := auth.IdentityFrom(r.Context())
	if identity.Role == auth.RoleStudent {
		if identity.StudentID == nil || (q.StudentID != nil && *q.StudentID != *identity.StudentID) {
			httputil.RespondWithError(w, http.StatusForbidden, "forbidden")
			return
		}
		q.StudentID = identity.StudentID
	}

	fees, err := h.service.List(r.Context(), q)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, fees)
}

// Statistics accepts an inclusive startDate/endDate range.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

	var (
		from, to *time.Time
		fields   validate.Errors
	)
	if raw := values.Get("startDate"); raw != "" {
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			fields = append(fields, validate.FieldError{Field: "startDate", Message: "startDate must be a date in YYYY-MM-DD format"})
		}
		from = &d
	}
	if raw := values.Get("endDate"); raw != "" {
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			fields = append(fields, validate.FieldError{Field: "endDate", Message: "endDate must be a date in YYYY-MM-DD format"})
		}
		next := d.AddDate(0, 0, 1)
		to = &next
	}
	if len(fields) > 0 {
		httputil.RespondWithErrorDetails(w, http.StatusBadRequest, "validation failed", fields)
		return
	}

	stats, err := h.service.Statistics(r.Context(), from, to)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, stats)
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
	case errors.Is(err, student.ErrStudentNotFound):
		httputil.RespondWithError(w, http.StatusNotFound, "student not found")
	case errors.Is(err, ErrFeeNotFound):
		httputil.RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, student.ErrStorageUnavailable):
		h.logger.ErrorContext(ctx, "storage unavailable", "error", err)
		httputil.RespondWithError(w, http.StatusServiceUnavailable, "storage temporarily unavailable, try again")
	default:
		h.logger.ErrorContext(ctx, "fee request failed", "error", err)
		httputil.RespondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}
