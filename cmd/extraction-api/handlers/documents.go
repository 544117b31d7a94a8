package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/storage"
)

// DocumentsHandler handles document upload and lookup requests.
type DocumentsHandler struct {
	logger *observability.Logger
	repos  *storage.Repositories
}

// NewDocumentsHandler creates a new documents handler.
func NewDocumentsHandler(logger *observability.Logger, repos *storage.Repositories) *DocumentsHandler {
	return &DocumentsHandler{
		logger: logger,
		repos:  repos,
	}
}

// CreateDocumentDTO represents the API request for uploading a document.
type CreateDocumentDTO struct {
	DocumentTypeID string `json:"documentTypeId"`
	Name           string `json:"name"`
	Content        string `json:"content"`
}

// DocumentDTO represents a document in API responses. Content is only
// populated on single-document lookups.
type DocumentDTO struct {
	ID             string `json:"id"`
	DocumentTypeID string `json:"documentTypeId"`
	Name           string `json:"name"`
	Content        string `json:"content,omitempty"`
	Status         string `json:"status"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

// ExtractionResultDTO represents a stored extraction result.
type ExtractionResultDTO struct {
	ID          string          `json:"id"`
	DocumentID  string          `json:"documentId"`
	Data        json.RawMessage `json:"data"`
	ExtractedAt string          `json:"extractedAt"`
}

// Create handles POST /documents.
func (h *DocumentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqDTO CreateDocumentDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	// Validate required fields
	if reqDTO.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", "")
		return
	}
	if reqDTO.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required", "")
		return
	}
	typeID, err := uuid.Parse(reqDTO.DocumentTypeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid documentTypeId", err.Error())
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

	doc := &storage.Document{
		DocumentTypeID: typeID,
		Name:           reqDTO.Name,
		Content:        reqDTO.Content,
	}
	if err := h.repos.Documents.Create(ctx, doc); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create document", err.Error())
		return
	}

	h.logger.Info().
		Str("document_id", doc.ID.String()).
		Str("document_type_id", typeID.String()).
		Str("name", doc.Name).
		Msg("Document uploaded")

	writeJSON(w, http.StatusCreated, toDocumentDTO(doc, true))
}

// Get handles GET /documents/{documentId}.
func (h *DocumentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "documentId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid documentId", err.Error())
		return
	}

	doc, err := h.repos.Documents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load document", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc, true))
}

// List handles GET /documents?documentTypeId=...
func (h *DocumentsHandler) List(w http.ResponseWriter, r *http.Request) {
	typeParam := r.URL.Query().Get("documentTypeId")
	if typeParam == "" {
		writeError(w, http.StatusBadRequest, "documentTypeId query parameter is required", "")
		return
	}
	typeID, err := uuid.Parse(typeParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid documentTypeId", err.Error())
		return
	}

	docs, err := h.repos.Documents.ListByType(r.Context(), typeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents", err.Error())
		return
	}

	out := make([]DocumentDTO, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDocumentDTO(doc, false))
	}
	writeJSON(w, http.StatusOK, out)
}

// Results handles GET /documents/{documentId}/results.
func (h *DocumentsHandler) Results(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "documentId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid documentId", err.Error())
		return
	}

	if _, err := h.repos.Documents.GetByID(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load document", err.Error())
		return
	}

	results, err := h.repos.Results.ListByDocument(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list extraction results", err.Error())
		return
	}

	out := make([]ExtractionResultDTO, 0, len(results))
	for _, res := range results {
		out = append(out, toExtractionResultDTO(res))
	}
	writeJSON(w, http.StatusOK, out)
}

// LatestResult handles GET /documents/{documentId}/results/latest.
func (h *DocumentsHandler) LatestResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "documentId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid documentId", err.Error())
		return
	}

	if _, err := h.repos.Documents.GetByID(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load document", err.Error())
		return
	}

	res, err := h.repos.Results.GetLatestByDocument(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no extraction results for document", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load extraction result", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toExtractionResultDTO(res))
}

func toDocumentDTO(doc *storage.Document, includeContent bool) DocumentDTO {
	dto := DocumentDTO{
		ID:             doc.ID.String(),
		DocumentTypeID: doc.DocumentTypeID.String(),
		Name:           doc.Name,
		Status:         string(doc.Status),
		CreatedAt:      doc.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      doc.UpdatedAt.Format(time.RFC3339),
	}
	if includeContent {
		dto.Content = doc.Content
	}
	return dto
}

func toExtractionResultDTO(res *storage.ExtractionResult) ExtractionResultDTO {
	return ExtractionResultDTO{
		ID:          res.ID.String(),
		DocumentID:  res.DocumentID.String(),
		Data:        res.Data,
		ExtractedAt: res.ExtractedAt.Format(time.RFC3339),
	}
}
