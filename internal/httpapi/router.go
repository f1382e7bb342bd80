package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	mw "github.com/duron-io/duron/internal/httpapi/middleware"
	"github.com/duron-io/duron/internal/httpapi/response"
)

// DefaultMaxBodyBytes caps request bodies at 1MB.
const DefaultMaxBodyBytes = 1 << 20

// RouterConfig carries the router-level knobs.
type RouterConfig struct {
	MaxBodyBytes int64
}

// NewRouter wires every httpapi route onto a chi.Mux behind a global
// middleware chain (RequestID, RealIP, Logger, Recoverer, MaxBodyBytes).
// Auth and request-schema validation layers are deliberately absent; the
// façade stays a thin pass-through to the engine.
func NewRouter(s *Server, cfg RouterConfig) *chi.Mux {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(mw.MaxBodyBytes(cfg.MaxBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]string{"status": "ok"})
	})

	r.Route("/actions", func(r chi.Router) {
		r.Get("/", s.GetActions)
		r.Get("/metadata", s.GetActionsMetadata)
		r.Post("/{name}/jobs", s.RunAction)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.GetJobs)
		r.Delete("/", s.DeleteJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetJobByID)
			r.Delete("/", s.DeleteJob)
			r.Get("/status", s.GetJobStatus)
			r.Get("/wait", s.WaitForJob)
			r.Post("/cancel", s.CancelJob)
			r.Post("/retry", s.RetryJob)
			r.Get("/steps", s.GetJobSteps)
		})
	})

	r.Route("/steps/{id}", func(r chi.Router) {
		r.Get("/", s.GetJobStepByID)
		r.Get("/status", s.GetJobStepStatus)
	})

	return r
}
