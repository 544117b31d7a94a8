package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/docmesh-ai/extraction-engine/internal/extraction"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
)

// JobsHandler handles job lookup and cancellation requests.
type JobsHandler struct {
	logger   *observability.Logger
	registry *registry.Registry
	service  *extraction.Service
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(logger *observability.Logger, reg *registry.Registry, service *extraction.Service) *JobsHandler {
	return &JobsHandler{
		logger:   logger,
		registry: reg,
		service:  service,
	}
}

// Get handles GET /jobs/{jobId}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.registry.GetJob(chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found", "")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Cancel handles POST /jobs/{jobId}/cancel. Cancelling an already terminal
// job is a no-op that returns the job unchanged.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	job, err := h.service.CancelJob(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found", "")
		return
	}

	h.logger.Info().
		Str("job_id", jobID).
		Str("status", string(job.Status)).
		Msg("Job cancellation requested")

	writeJSON(w, http.StatusOK, job)
}

// List handles GET /jobs?status=pending&limit=N. Only pending jobs are
// listable; completed work is queried per job or per batch.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	if status := r.URL.Query().Get("status"); status != "" && status != string(registry.JobStatusPending) {
		writeError(w, http.StatusBadRequest, "only status=pending is supported", "")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, h.registry.GetPendingJobs(limit))
}
