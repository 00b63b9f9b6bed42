package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes mounts the job API under /admin. A non empty token is
// required as a bearer token on every request.
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, token string) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(token))

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", handlers.handleListJobs)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", handlers.withJob(handlers.handleGetJob))
			r.Get("/progress", handlers.withJob(handlers.handleJobProgress))
			r.Post("/start", handlers.withJob(handlers.handleStartJob))
			r.Post("/stop", handlers.withJob(handlers.handleStopJob))
			r.Post("/resume", handlers.withJob(handlers.handleResumeJob))
			r.Post("/check", handlers.withJob(handlers.handleCheckJob))
			r.Delete("/", handlers.handleDropJob)
		})
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/jobs")
}

// withJob resolves the {jobID} URL parameter
func (h *AdminHandlers) withJob(fn func(http.ResponseWriter, *http.Request, Job)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobID")
		if id == "" {
			writeErrorResponse(w, http.StatusBadRequest, "job id is required")
			return
		}
		j, err := h.jobs.Job(id)
		if err != nil {
			writeErrorResponse(w, statusFor(err), err.Error())
			return
		}
		fn(w, r, j)
	}
}
