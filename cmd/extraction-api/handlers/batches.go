package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docmesh-ai/extraction-engine/internal/extraction"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
	"github.com/docmesh-ai/extraction-engine/internal/storage"
)

// BatchesHandler handles batch submission and lifecycle requests.
type BatchesHandler struct {
	logger       *observability.Logger
	repos        *storage.Repositories
	registry     *registry.Registry
	service      *extraction.Service
	maxBatchSize int
}

// NewBatchesHandler creates a new batches handler.
func NewBatchesHandler(logger *observability.Logger, repos *storage.Repositories, reg *registry.Registry, service *extraction.Service, maxBatchSize int) *BatchesHandler {
	return &BatchesHandler{
		logger:       logger,
		repos:        repos,
		registry:     reg,
		service:      service,
		maxBatchSize: maxBatchSize,
	}
}

// CreateBatchDTO represents the API request for submitting a batch.
type CreateBatchDTO struct {
	DocumentTypeID string   `json:"documentTypeId"`
	DocumentIDs    []string `json:"documentIds"`
	WebhookURL     string   `json:"webhookUrl,omitempty"`
	CreatedBy      string   `json:"createdBy,omitempty"`
}

// BatchSubmissionDTO represents the API response for a submitted batch.
type BatchSubmissionDTO struct {
	Batch *registry.Batch `json:"batch"`
	Jobs  []*registry.Job `json:"jobs"`
}

// CancelBatchDTO represents the API response for a batch cancellation.
type CancelBatchDTO struct {
	Batch         *registry.Batch `json:"batch"`
	CancelledJobs []*registry.Job `json:"cancelledJobs"`
}

// Create handles POST /batches.
func (h *BatchesHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqDTO CreateBatchDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	// Validate before any state is created
	typeID, err := uuid.Parse(reqDTO.DocumentTypeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid documentTypeId", err.Error())
		return
	}
	if len(reqDTO.DocumentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "documentIds must not be empty", "")
		return
	}
	if len(reqDTO.DocumentIDs) > h.maxBatchSize {
		writeError(w, http.StatusBadRequest, "too many documents in batch",
			fmt.Sprintf("limit is %d", h.maxBatchSize))
		return
	}
	if _, err := h.repos.DocumentTypes.GetByID(ctx, typeID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown documentTypeId", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load document type", err.Error())
		return
	}

	batch, jobs := h.registry.CreateBatch(registry.CreateBatchParams{
		DocumentTypeID: reqDTO.DocumentTypeID,
		DocumentIDs:    reqDTO.DocumentIDs,
		WebhookURL:     reqDTO.WebhookURL,
		CreatedBy:      reqDTO.CreatedBy,
	})

	h.logger.Info().
		Str("batch_id", batch.ID).
		Str("document_type_id", batch.DocumentTypeID).
		Int("total", batch.Total).
		Msg("Batch submitted")

	// Run detached from the request context so the batch outlives it.
	go func() {
		if err := h.service.RunBatch(context.Background(), batch.ID); err != nil {
			h.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("Batch run failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, BatchSubmissionDTO{Batch: batch, Jobs: jobs})
}

// Get handles GET /batches/{batchId}.
func (h *BatchesHandler) Get(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchId")

	batch, err := h.registry.GetBatch(batchID)
	if err != nil {
		writeError(w, http.StatusNotFound, "batch not found", "")
		return
	}

	if r.URL.Query().Get("includeJobs") == "true" {
		jobs, err := h.registry.GetBatchJobs(batchID)
		if err != nil {
			writeError(w, http.StatusNotFound, "batch not found", "")
			return
		}
		writeJSON(w, http.StatusOK, BatchSubmissionDTO{Batch: batch, Jobs: jobs})
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// Jobs handles GET /batches/{batchId}/jobs.
func (h *BatchesHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.registry.GetBatchJobs(chi.URLParam(r, "batchId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "batch not found", "")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// Cancel handles POST /batches/{batchId}/cancel. Cancelling an already
// terminal batch is a no-op that returns the batch unchanged.
func (h *BatchesHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchId")

	batch, cancelled, err := h.service.CancelBatch(batchID)
	if err != nil {
		writeError(w, http.StatusNotFound, "batch not found", "")
		return
	}

	h.logger.Info().
		Str("batch_id", batchID).
		Int("cancelled_jobs", len(cancelled)).
		Msg("Batch cancellation requested")

	if cancelled == nil {
		cancelled = []*registry.Job{}
	}
	writeJSON(w, http.StatusOK, CancelBatchDTO{Batch: batch, CancelledJobs: cancelled})
}
