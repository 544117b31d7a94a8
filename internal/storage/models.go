// Package storage provides database models and repositories for documents,
// document types, and extraction results. Jobs and batches are deliberately
// absent: their lifecycle is in-memory only.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DocumentStatus represents a document's extraction lifecycle.
type DocumentStatus string

const (
	DocumentStatusUploaded   DocumentStatus = "uploaded"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusProcessed  DocumentStatus = "processed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// DocumentType defines the JSON shape extractions of one document class
// must produce.
type DocumentType struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Schema    json.RawMessage `json:"schema" db:"schema"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Document is an uploaded document and its extraction status.
type Document struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	DocumentTypeID uuid.UUID      `json:"document_type_id" db:"document_type_id"`
	Name           string         `json:"name" db:"name"`
	Content        string         `json:"content" db:"content"`
	Status         DocumentStatus `json:"status" db:"status"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// ExtractionResult is the final structured object extracted from a document.
type ExtractionResult struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	DocumentID  uuid.UUID       `json:"document_id" db:"document_id"`
	Data        json.RawMessage `json:"data" db:"data"`
	ExtractedAt time.Time       `json:"extracted_at" db:"extracted_at"`
}
