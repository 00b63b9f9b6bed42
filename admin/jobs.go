package admin

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/ferry/job"
	"github.com/rs/zerolog/log"
)

func (h *AdminHandlers) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.Jobs()
	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, summarize(j))
	}
	writeJSONResponse(w, out)
}

func (h *AdminHandlers) handleGetJob(w http.ResponseWriter, r *http.Request, j Job) {
	writeJSONResponse(w, summarize(j))
}

func (h *AdminHandlers) handleJobProgress(w http.ResponseWriter, r *http.Request, j Job) {
	shards, err := j.StoredProgress(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"job":    summarize(j),
		"shards": shardViews(shards),
	})
}

func (h *AdminHandlers) handleStartJob(w http.ResponseWriter, r *http.Request, j Job) {
	h.lifecycle(w, j, "start", j.Start(r.Context()))
}

func (h *AdminHandlers) handleStopJob(w http.ResponseWriter, r *http.Request, j Job) {
	h.lifecycle(w, j, "stop", j.Stop(r.Context()))
}

func (h *AdminHandlers) handleResumeJob(w http.ResponseWriter, r *http.Request, j Job) {
	h.lifecycle(w, j, "resume", j.Resume(r.Context()))
}

func (h *AdminHandlers) handleCheckJob(w http.ResponseWriter, r *http.Request, j Job) {
	result, err := j.Check(r.Context())
	if err != nil {
		writeErrorResponse(w, statusFor(err), err.Error())
		return
	}
	writeJSONResponse(w, checkResultView(result))
}

func (h *AdminHandlers) handleDropJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := h.jobs.Drop(r.Context(), id); err != nil {
		writeErrorResponse(w, statusFor(err), err.Error())
		return
	}
	log.Info().Str("job_id", id).Msg("Job dropped through admin API")
	writeJSONResponse(w, map[string]string{"id": id, "status": "dropped"})
}

func (h *AdminHandlers) lifecycle(w http.ResponseWriter, j Job, action string, err error) {
	if err != nil {
		writeErrorResponse(w, statusFor(err), err.Error())
		return
	}
	log.Info().Str("job_id", j.ID()).Str("action", action).Msg("Job action through admin API")
	writeJSONResponse(w, summarize(j))
}

// statusFor maps controller errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrJobRunning),
		errors.Is(err, job.ErrJobNotRunning),
		errors.Is(err, job.ErrJobFinished),
		errors.Is(err, job.ErrJobDropped),
		errors.Is(err, job.ErrShardsClaimed):
		return http.StatusConflict
	case errors.Is(err, job.ErrCheckUnsupported):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
