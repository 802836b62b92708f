// Package httpapi exposes the pipeline's operator surface: liveness,
// readiness with health aggregation, Prometheus metrics, and the internal
// reschedule hook the surrounding CRUD layer calls after user mutations.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/erauner12/greetingd/internal/auth"
	"github.com/erauner12/greetingd/internal/fault"
	"github.com/erauner12/greetingd/internal/metrics"
	"github.com/erauner12/greetingd/internal/reschedule"
	"github.com/erauner12/greetingd/internal/supervisor"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Sup     *supervisor.Supervisor
	Resched *reschedule.Service
	Met     *metrics.Set
}

// rescheduleReq is the request body for the internal reschedule hook
type rescheduleReq struct {
	UserID  string             `json:"userId"`
	Changes reschedule.Changes `json:"changes"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// Routes creates the HTTP router
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Liveness (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// Readiness with health aggregation
	r.Get("/readyz", s.Readyz)

	// Metrics
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.Met.Registry, promhttp.HandlerOpts{}))

	// Internal endpoints require the shared-secret JWT
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))
		r.Post("/internal/v1/reschedule", s.Reschedule)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// Readyz reports aggregated pipeline health; 503 only when fully down
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	h := s.Sup.Health()
	code := http.StatusOK
	if h.Status == supervisor.StatusDown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

// Reschedule handles the CRUD layer's post-mutation notification
func (s *Server) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId is required"})
		return
	}

	if err := s.Resched.Reschedule(r.Context(), req.UserID, req.Changes); err != nil {
		switch fault.KindOf(err) {
		case fault.KindNotFound:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case fault.KindValidation:
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		default:
			log.Error().Err(err).Str("user_id", req.UserID).Msg("reschedule failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "rescheduled"})
}
