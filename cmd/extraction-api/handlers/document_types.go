package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
	"github.com/docmesh-ai/extraction-engine/internal/storage"
)

// DocumentTypesHandler handles document type management requests.
type DocumentTypesHandler struct {
	logger   *observability.Logger
	repos    *storage.Repositories
	registry *registry.Registry
}

// NewDocumentTypesHandler creates a new document types handler.
func NewDocumentTypesHandler(logger *observability.Logger, repos *storage.Repositories, reg *registry.Registry) *DocumentTypesHandler {
	return &DocumentTypesHandler{
		logger:   logger,
		repos:    repos,
		registry: reg,
	}
}

// CreateDocumentTypeDTO represents the API request for creating a document type.
type CreateDocumentTypeDTO struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// DocumentTypeDTO represents a document type in API responses.
type DocumentTypeDTO struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Schema    json.RawMessage `json:"schema"`
	CreatedAt string          `json:"createdAt"`
}

// Create handles POST /document-types.
func (h *DocumentTypesHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqDTO CreateDocumentTypeDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	// Validate required fields
	if reqDTO.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", "")
		return
	}
	if len(reqDTO.Schema) == 0 {
		writeError(w, http.StatusBadRequest, "schema is required", "")
		return
	}
	var schema map[string]any
	if err := json.Unmarshal(reqDTO.Schema, &schema); err != nil || schema == nil {
		writeError(w, http.StatusBadRequest, "schema must be a JSON object", "")
		return
	}

	dt := &storage.DocumentType{
		Name:   reqDTO.Name,
		Schema: reqDTO.Schema,
	}
	if err := h.repos.DocumentTypes.Create(ctx, dt); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, http.StatusConflict, "document type name already exists", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create document type", err.Error())
		return
	}

	h.logger.Info().
		Str("document_type_id", dt.ID.String()).
		Str("name", dt.Name).
		Msg("Document type created")

	writeJSON(w, http.StatusCreated, toDocumentTypeDTO(dt))
}

// List handles GET /document-types.
func (h *DocumentTypesHandler) List(w http.ResponseWriter, r *http.Request) {
	types, err := h.repos.DocumentTypes.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list document types", err.Error())
		return
	}

	out := make([]DocumentTypeDTO, 0, len(types))
	for _, dt := range types {
		out = append(out, toDocumentTypeDTO(dt))
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /document-types/{documentTypeId}.
func (h *DocumentTypesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "documentTypeId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid documentTypeId", err.Error())
		return
	}

	dt, err := h.repos.DocumentTypes.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document type not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load document type", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toDocumentTypeDTO(dt))
}

// ActiveJobs handles GET /document-types/{documentTypeId}/jobs/active.
func (h *DocumentTypesHandler) ActiveJobs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "documentTypeId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid documentTypeId", err.Error())
		return
	}

	jobs := h.registry.GetActiveJobsForDocumentType(id.String())
	writeJSON(w, http.StatusOK, jobs)
}

func toDocumentTypeDTO(dt *storage.DocumentType) DocumentTypeDTO {
	return DocumentTypeDTO{
		ID:        dt.ID.String(),
		Name:      dt.Name,
		Schema:    dt.Schema,
		CreatedAt: dt.CreatedAt.Format(time.RFC3339),
	}
}
