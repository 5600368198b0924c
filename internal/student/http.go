package student

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"roster-service/common/httputil"
	"roster-service/internal/auth"
	"roster-service/internal/events"
	"roster-service/internal/metrics"
	"roster-service/internal/validate"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	service   Service
	auth      *auth.Middleware
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewHandler(service Service, mw *auth.Middleware, publisher events.Publisher, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Handler{
		service:   service,
		auth:      mw,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
	}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	staff := auth.RequireRole(auth.RoleAdmin, auth.RoleTeacher)
	admin := auth.RequireRole(auth.RoleAdmin)

	router.Group(func(r chi.Router) {
		r.Use(h.auth.Authenticate)

		r.With(staff).Get("/api/students", h.ListStudents)
		r.With(staff).Post("/api/students", h.CreateStudent)
		r.With(staff).Get("/api/students/search", h.SearchStudents)
		r.With(admin).Get("/api/students/next-roll-number", h.NextRollNumber)
		r.With(staff).Get("/api/students/class-statistics", h.ClassStatistics)
		r.With(admin).Get("/api/students/export", h.ExportStudents)

		// Students may read and edit their own record.
		r.Get("/api/students/{id}", h.GetStudent)
		r.Put("/api/students/{id}", h.UpdateStudent)

		r.With(staff).Delete("/api/students/{id}", h.DeleteStudent)
		r.With(admin).Post("/api/students/{id}/restore", h.RestoreStudent)
	})
}

func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httputil.DecodeJSON(w, r, &in); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.service.CreateStudent(r.Context(), in)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "student created", "student_id", s.ID, "roll_no", s.RollNo, "class", s.ClassName, "section", s.Section)
	h.published(r, events.StudentCreated, s)

	httputil.RespondWithJSON(w, http.StatusCreated, s)
}

func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.studentID(w, r)
	if !ok {
		return
	}

	var fields validate.Errors
	includeDeleted := queryBool(r.URL.Query(), "includeDeleted", &fields)
	if len(fields) > 0 {
		h.handleServiceError(w, r, &ValidationError{Fields: fields})
		return
	}

	s, err := h.service.GetStudent(r.Context(), id, includeDeleted)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, s)
}

func (h *Handler) UpdateStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.studentID(w, r)
	if !ok {
		return
	}

	var patch Patch
	if err := httputil.DecodeJSON(w, r, &patch); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.service.UpdateStudent(r.Context(), id, patch)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "student updated", "student_id", s.ID)
	h.published(r, events.StudentUpdated, s)

	httputil.RespondWithJSON(w, http.StatusOK, s)
}

// DeleteStudent soft deletes by default. hardDelete=true removes the row
// and is reserved to admins.
func (h *Handler) DeleteStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.studentID(w, r)
	if !ok {
		return
	}

	var fields validate.Errors
	hard := queryBool(r.URL.Query(), "hardDelete", &fields)
	if len(fields) > 0 {
		h.handleServiceError(w, r, &ValidationError{Fields: fields})
		return
	}

	if hard {
		identity, _ := auth.IdentityFrom(r.Context())
		if !identity.HasRole(auth.RoleAdmin) {
			h.logger.WarnContext(r.Context(), "hard delete refused", "student_id", id, "user", identity.Username)
			httputil.RespondWithError(w, http.StatusForbidden, "only admins can permanently delete students")
			return
		}

		s, err := h.service.HardDeleteStudent(r.Context(), id)
		if err != nil {
			h.handleServiceError(w, r, err)
			return
		}

		h.logger.InfoContext(r.Context(), "student permanently deleted", "student_id", id, "roll_no", s.RollNo)
		h.published(r, events.StudentPurged, s)

		w.WriteHeader(http.StatusNoContent)
		return
	}

	s, changed, err := h.service.SoftDeleteStudent(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	if changed {
		h.logger.InfoContext(r.Context(), "student deleted", "student_id", id)
		h.published(r, events.StudentDeleted, s)
	}

	httputil.RespondWithJSON(w, http.StatusOK, s)
}

func (h *Handler) RestoreStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.studentID(w, r)
	if !ok {
		return
	}

	s, err := h.service.RestoreStudent(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "student restored", "student_id", id, "roll_no", s.RollNo)
	h.published(r, events.StudentRestored, s)

	httputil.RespondWithJSON(w, http.StatusOK, s)
}

func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r.URL.Query())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	page, err := h.service.ListStudents(r.Context(), q)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.metrics.RecordStudentsListViewed(r.Context())
	httputil.RespondWithJSON(w, http.StatusOK, page)
}

func (h *Handler) SearchStudents(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

	var fields validate.Errors
	limit := queryInt(values, "limit", &fields)
	if len(fields) > 0 {
		h.handleServiceError(w, r, &ValidationError{Fields: fields})
		return
	}

	found, err := h.service.SearchStudents(r.Context(), values.Get("q"), limit)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, found)
}

func (h *Handler) NextRollNumber(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

	className := strings.TrimSpace(values.Get("className"))
	section := strings.ToUpper(strings.TrimSpace(values.Get("section")))

	next, err := h.service.NextRollNumber(r.Context(), className, section)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, NextRollNumberResponse{
		RollNo:    next,
		ClassName: className,
		Section:   section,
	})
}

// NextRollNumberResponse echoes the class and section the number was computed for.
type NextRollNumberResponse struct {
	RollNo    int    `json:"rollNo"`
	ClassName string `json:"className"`
	Section   string `json:"section"`
}

func (h *Handler) ClassStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.ClassStatistics(r.Context(), r.URL.Query().Get("className"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, stats)
}

func (h *Handler) ExportStudents(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

	format, err := ParseExportFormat(values.Get("format"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	q, err := parseListQuery(values)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	rows, err := h.service.ExportStudents(r.Context(), q.Filter)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	// Render before writing headers so a failure can still become a 500.
	var buf bytes.Buffer
	if err := WriteExport(&buf, format, rows); err != nil {
		h.handleServiceError(w, r, fmt.Errorf("render export: %w", err))
		return
	}

	h.metrics.RecordStudentsExported(r.Context(), string(format), len(rows))
	h.logger.InfoContext(r.Context(), "students exported", "format", format, "rows", len(rows))

	filename := fmt.Sprintf("students-%s.%s", time.Now().UTC().Format("20060102"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// studentID parses the id path parameter and checks that the caller may
// access that record: staff may access any, students only their own.
func (h *Handler) studentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid student id")
		return uuid.Nil, false
	}

	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	if !identity.HasRole(auth.RoleAdmin, auth.RoleTeacher) && !identity.IsStudent(id) {
		h.logger.WarnContext(r.Context(), "student record access denied", "student_id", id, "user", identity.Username)
		httputil.RespondWithError(w, http.StatusForbidden, "forbidden")
		return uuid.Nil, false
	}
	return id, true
}

// published counts the transition and publishes its event. A failed publish
// is logged and never fails the request.
func (h *Handler) published(r *http.Request, eventType string, s *Student) {
	ctx := r.Context()
	event := events.StudentEvent{
		ID:         uuid.New(),
		Type:       eventType,
		StudentID:  s.ID,
		RollNo:     s.RollNo,
		ClassName:  s.ClassName,
		Section:    s.Section,
		OccurredAt: time.Now().UTC(),
	}
	if identity, ok := auth.IdentityFrom(ctx); ok {
		event.Actor = identity.Username
	}

	h.metrics.RecordStudentLifecycle(ctx, event.Action())

	// The request may be cancelled as soon as the response is written.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := h.publisher.Publish(pubCtx, event); err != nil {
		h.logger.ErrorContext(ctx, "failed to publish student event", "type", eventType, "student_id", s.ID, "error", err)
	}
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		h.logger.InfoContext(ctx, "invalid input", "error", err)
		httputil.RespondWithErrorDetails(w, http.StatusBadRequest, "validation failed", verr.Fields)
	case errors.Is(err, ErrInvalidInput):
		h.logger.InfoContext(ctx, "invalid input", "error", err)
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
	// Checked before not-found, which it wraps.
	case errors.Is(err, ErrStudentNotDeleted):
		httputil.RespondWithError(w, http.StatusBadRequest, "student is not deleted")
	case errors.Is(err, ErrStudentNotFound):
		httputil.RespondWithError(w, http.StatusNotFound, "student not found")
	case errors.Is(err, ErrRollNumberTaken):
		h.logger.InfoContext(ctx, "roll number conflict", "error", err)
		httputil.RespondWithError(w, http.StatusConflict, "roll number already assigned to an active student")
	case errors.Is(err, ErrEmailTaken):
		h.logger.InfoContext(ctx, "email conflict", "error", err)
		httputil.RespondWithError(w, http.StatusConflict, "email already used by an active student")
	case errors.Is(err, ErrConflict):
		httputil.RespondWithError(w, http.StatusConflict, "conflict")
	case errors.Is(err, ErrStorageUnavailable):
		h.logger.ErrorContext(ctx, "storage unavailable", "error", err)
		httputil.RespondWithError(w, http.StatusServiceUnavailable, "storage temporarily unavailable, try again")
	default:
		h.logger.ErrorContext(ctx, "internal error", "error", err)
		httputil.RespondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}

func parseListQuery(values url.Values) (ListQuery, error) {
	var fields validate.Errors

	q := ListQuery{
		Filter: Filter{
			Status:    Status(values.Get("status")),
			ClassName: values.Get("className"),
			Section:   values.Get("section"),
			Gender:    values.Get("gender"),
			Search:    values.Get("search"),
		},
		Page:      queryInt(values, "page", &fields),
		PageSize:  queryInt(values, "pageSize", &fields),
		SortBy:    values.Get("sortBy"),
		SortOrder: values.Get("sortOrder"),
	}
	q.IncludeDeleted = queryBool(values, "includeDeleted", &fields)

	if len(fields) > 0 {
		return q, &ValidationError{Fields: fields}
	}
	return q, nil
}

func queryInt(values url.Values, name string, fields *validate.Errors) int {
	raw := values.Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		*fields = append(*fields, validate.FieldError{Field: name, Message: name + " must be a positive integer"})
		return 0
	}
	return n
}

func queryBool(values url.Values, name string, fields *validate.Errors) bool {
	raw := values.Get(name)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*fields = append(*fields, validate.FieldError{Field: name, Message: name + " must be true or false"})
		return false
	}
	return b
}
