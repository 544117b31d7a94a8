package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docmesh-ai/extraction-engine/internal/cache"
	"github.com/docmesh-ai/extraction-engine/internal/llm"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/storage"
)

// StorageBackend prepares model inputs from the document store and persists
// extraction outcomes back to it. Document type lookups go through the cache;
// everything else hits the repositories directly.
type StorageBackend struct {
	logger *observability.Logger
	repos  *storage.Repositories
	cache  cache.Client
	ttl    time.Duration
}

// NewStorageBackend creates the storage-backed preparer and persister. The
// cache client may be nil, in which case every lookup hits the database.
func NewStorageBackend(
	logger *observability.Logger,
	repos *storage.Repositories,
	cacheClient cache.Client,
	cacheTTL time.Duration,
) *StorageBackend {
	return &StorageBackend{
		logger: logger,
		repos:  repos,
		cache:  cacheClient,
		ttl:    cacheTTL,
	}
}

// PrepareInput loads the document and its type's schema, and flips the
// document to processing so its stored status tracks the running job.
func (b *StorageBackend) PrepareInput(ctx context.Context, documentID string) (*llm.ExtractionRequest, error) {
	id, err := uuid.Parse(documentID)
	if err != nil {
		return nil, fmt.Errorf("invalid document id %q: %w", documentID, err)
	}

	doc, err := b.repos.Documents.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	dt, err := b.documentType(ctx, doc.DocumentTypeID)
	if err != nil {
		return nil, fmt.Errorf("load document type: %w", err)
	}

	if err := b.repos.Documents.UpdateStatus(ctx, id, storage.DocumentStatusProcessing); err != nil {
		b.logger.Debug().Err(err).Str("document_id", documentID).Msg("Document status update failed")
	}

	return &llm.ExtractionRequest{
		DocumentName:    doc.Name,
		DocumentContent: doc.Content,
		SchemaJSON:      dt.Schema,
	}, nil
}

// documentType resolves a type cache-aside: serve from cache when present,
// otherwise load and backfill.
func (b *StorageBackend) documentType(ctx context.Context, id uuid.UUID) (*storage.DocumentType, error) {
	key := cache.DocumentTypeKey(id.String())
	if b.cache != nil {
		if raw, err := b.cache.Get(ctx, key); err == nil {
			var dt storage.DocumentType
			if err := json.Unmarshal(raw, &dt); err == nil {
				return &dt, nil
			}
		}
	}

	dt, err := b.repos.DocumentTypes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if b.cache != nil {
		if data, err := json.Marshal(dt); err == nil {
			if err := b.cache.Set(ctx, key, data, b.ttl); err != nil {
				b.logger.Debug().Err(err).Str("key", key).Msg("Document type cache write failed")
			}
		}
	}
	return dt, nil
}

// SaveResult appends an extraction result row and marks the document
// processed.
func (b *StorageBackend) SaveResult(ctx context.Context, documentID string, data map[string]any) error {
	id, err := uuid.Parse(documentID)
	if err != nil {
		return fmt.Errorf("invalid document id %q: %w", documentID, err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode extraction result: %w", err)
	}

	if err := b.repos.Results.Create(ctx, &storage.ExtractionResult{
		DocumentID: id,
		Data:       raw,
	}); err != nil {
		return fmt.Errorf("save extraction result: %w", err)
	}
	if err := b.repos.Documents.UpdateStatus(ctx, id, storage.DocumentStatusProcessed); err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return nil
}

// MarkFailed records the failure on the document row.
func (b *StorageBackend) MarkFailed(ctx context.Context, documentID string) error {
	id, err := uuid.Parse(documentID)
	if err != nil {
		return fmt.Errorf("invalid document id %q: %w", documentID, err)
	}
	return b.repos.Documents.UpdateStatus(ctx, id, storage.DocumentStatusFailed)
}
