package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docmesh-ai/extraction-engine/internal/extraction"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/storage"
)

// ExtractHandler streams single-document extractions over server-sent events.
type ExtractHandler struct {
	logger  *observability.Logger
	repos   *storage.Repositories
	service *extraction.Service
}

// NewExtractHandler creates a new extract handler.
func NewExtractHandler(logger *observability.Logger, repos *storage.Repositories, service *extraction.Service) *ExtractHandler {
	return &ExtractHandler{
		logger:  logger,
		repos:   repos,
		service: service,
	}
}

// ExtractRequestDTO represents the optional extract request body.
type ExtractRequestDTO struct {
	CreatedBy string `json:"createdBy,omitempty"`
}

// extractFrame is one SSE data frame. Progress frames carry the partial
// object; terminal frames carry the job ID and the outcome.
type extractFrame struct {
	Type       string         `json:"type"`
	DocumentID string         `json:"documentId"`
	JobID      string         `json:"jobId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Extract handles POST /documents/{documentId}/extract. The response is an
// SSE stream: one frame per recovered partial object, a terminal
// job:completed or job:failed frame, then [DONE].
func (h *ExtractHandler) Extract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "documentId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid documentId", err.Error())
		return
	}

	doc, err := h.repos.Documents.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load document", err.Error())
		return
	}

	// Body is optional; a bare POST starts an anonymous extraction.
	var reqDTO ExtractRequestDTO
	_ = json.NewDecoder(r.Body).Decode(&reqDTO)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	h.logger.Info().
		Str("document_id", doc.ID.String()).
		Str("document_type_id", doc.DocumentTypeID.String()).
		Msg("Extraction stream opened")

	docID := doc.ID.String()
	job, data, err := h.service.ExtractDocument(ctx, extraction.ExtractRequest{
		DocumentID:     docID,
		DocumentTypeID: doc.DocumentTypeID.String(),
		CreatedBy:      reqDTO.CreatedBy,
		OnUpdate: func(partial map[string]any) {
			writeFrame(w, flusher, extractFrame{
				Type:       "job:progress",
				DocumentID: docID,
				Data:       partial,
			})
		},
	})

	if err != nil {
		reason := job.Error
		if reason == "" {
			reason = err.Error()
		}
		writeFrame(w, flusher, extractFrame{
			Type:       "job:failed",
			DocumentID: docID,
			JobID:      job.ID,
			Error:      reason,
		})
	} else {
		writeFrame(w, flusher, extractFrame{
			Type:       "job:completed",
			DocumentID: docID,
			JobID:      job.ID,
			Data:       data,
		})
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeFrame writes one SSE frame and flushes it to the client.
func writeFrame(w http.ResponseWriter, flusher http.Flusher, frame extractFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
