package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"roster-service/common/httputil"
	"roster-service/common/metrics"

	"github.com/go-chi/chi/v5"
)

const checkTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

type dependency struct {
	name  string
	check Check
}

type Handler struct {
	deps    []dependency
	metrics *metrics.HealthMetrics
	logger  *slog.Logger
}

func NewHandler(m *metrics.HealthMetrics, logger *slog.Logger) *Handler {
	return &Handler{metrics: m, logger: logger}
}

// AddCheck registers a dependency probed by the readiness endpoint.
func (h *Handler) AddCheck(name string, check Check) {
	h.deps = append(h.deps, dependency{name: name, check: check})
}

// Dependencies lists the registered dependency names.
func (h *Handler) Dependencies() []string {
	names := make([]string, len(h.deps))
	for i, d := range h.deps {
		names[i] = d.name
	}
	return names
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/health", h.Health)
	router.Get("/ready", h.Ready)
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.RespondWithJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ready, checks := h.Probe(r.Context())
	if !ready {
		httputil.RespondWithJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "not ready", Checks: checks})
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, HealthResponse{Status: "ready", Checks: checks})
}

// Probe runs every check concurrently and reports per dependency "ok" or the
// error text.
func (h *Handler) Probe(ctx context.Context) (bool, map[string]string) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		ready  = true
		checks = make(map[string]string, len(h.deps))
	)

	for _, d := range h.deps {
		wg.Add(1)
		go func(d dependency) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := d.check(checkCtx)
			h.metrics.RecordDependencyCheck(ctx, d.name, time.Since(start), err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ready = false
				checks[d.name] = err.Error()
				h.logger.WarnContext(ctx, "dependency check failed", "dependency", d.name, "error", err)
				return
			}
			checks[d.name] = "ok"
		}(d)
	}
	wg.Wait()

	return ready, checks
}
