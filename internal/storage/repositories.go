package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DocumentTypeRepository handles document type CRUD operations.
type DocumentTypeRepository struct {
	db DB
}

// NewDocumentTypeRepository creates a new document type repository.
func NewDocumentTypeRepository(db DB) *DocumentTypeRepository {
	return &DocumentTypeRepository{db: db}
}

// Create creates a new document type. Returns ErrConflict when the name is
// already taken.
func (r *DocumentTypeRepository) Create(ctx context.Context, dt *DocumentType) error {
	if dt.ID == uuid.Nil {
		dt.ID = uuid.New()
	}
	dt.CreatedAt = time.Now()

	if _, err := r.GetByName(ctx, dt.Name); err == nil {
		return ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	query := `
		INSERT INTO document_types (id, name, schema, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.ExecContext(ctx, query,
		dt.ID, dt.Name, string(dt.Schema), dt.CreatedAt,
	)
	return err
}

// GetByID retrieves a document type by ID.
func (r *DocumentTypeRepository) GetByID(ctx context.Context, id uuid.UUID) (*DocumentType, error) {
	query := `
		SELECT id, name, schema, created_at
		FROM document_types WHERE id = $1
	`
	dt := &DocumentType{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&dt.ID, &dt.Name, &dt.Schema, &dt.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return dt, err
}

// GetByName retrieves a document type by name.
func (r *DocumentTypeRepository) GetByName(ctx context.Context, name string) (*DocumentType, error) {
	query := `
		SELECT id, name, schema, created_at
		FROM document_types WHERE name = $1
	`
	dt := &DocumentType{}
	err := r.db.QueryRowContext(ctx, query, name).Scan(
		&dt.ID, &dt.Name, &dt.Schema, &dt.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return dt, err
}

// List lists all document types.
func (r *DocumentTypeRepository) List(ctx context.Context) ([]*DocumentType, error) {
	query := `
		SELECT id, name, schema, created_at
		FROM document_types
		ORDER BY name
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []*DocumentType
	for rows.Next() {
		dt := &DocumentType{}
		if err := rows.Scan(&dt.ID, &dt.Name, &dt.Schema, &dt.CreatedAt); err != nil {
			return nil, err
		}
		types = append(types, dt)
	}
	return types, rows.Err()
}

// DocumentRepository handles document CRUD operations.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create creates a new document.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = DocumentStatusUploaded
	}
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = time.Now()

	query := `
		INSERT INTO documents (id, document_type_id, name, content, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.DocumentTypeID, doc.Name, doc.Content,
		doc.Status, doc.CreatedAt, doc.UpdatedAt,
	)
	return err
}

// GetByID retrieves a document by ID.
func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	query := `
		SELECT id, document_type_id, name, content, status, created_at, updated_at
		FROM documents WHERE id = $1
	`
	doc := &Document{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.DocumentTypeID, &doc.Name, &doc.Content,
		&doc.Status, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// ListByType lists all documents of a document type, newest first.
func (r *DocumentRepository) ListByType(ctx context.Context, documentTypeID uuid.UUID) ([]*Document, error) {
	query := `
		SELECT id, document_type_id, name, content, status, created_at, updated_at
		FROM documents
		WHERE document_type_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, documentTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc := &Document{}
		if err := rows.Scan(
			&doc.ID, &doc.DocumentTypeID, &doc.Name, &doc.Content,
			&doc.Status, &doc.CreatedAt, &doc.UpdatedAt,
		); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateStatus updates a document's extraction status.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error {
	query := `
		UPDATE documents SET status = $1, updated_at = $2
		WHERE id = $3
	`
	result, err := r.db.ExecContext(ctx, query, status, time.Now(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ExtractionResultRepository handles extraction result CRUD operations.
type ExtractionResultRepository struct {
	db DB
}

// NewExtractionResultRepository creates a new extraction result repository.
func NewExtractionResultRepository(db DB) *ExtractionResultRepository {
	return &ExtractionResultRepository{db: db}
}

// Create creates a new extraction result.
func (r *ExtractionResultRepository) Create(ctx context.Context, res *ExtractionResult) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	res.ExtractedAt = time.Now()

	query := `
		INSERT INTO extraction_results (id, document_id, data, extracted_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.ExecContext(ctx, query,
		res.ID, res.DocumentID, string(res.Data), res.ExtractedAt,
	)
	return err
}

// GetLatestByDocument retrieves the most recent extraction result for a document.
func (r *ExtractionResultRepository) GetLatestByDocument(ctx context.Context, documentID uuid.UUID) (*ExtractionResult, error) {
	query := `
		SELECT id, document_id, data, extracted_at
		FROM extraction_results
		WHERE document_id = $1
		ORDER BY extracted_at DESC
		LIMIT 1
	`
	res := &ExtractionResult{}
	err := r.db.QueryRowContext(ctx, query, documentID).Scan(
		&res.ID, &res.DocumentID, &res.Data, &res.ExtractedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return res, err
}

// ListByDocument lists all extraction results for a document, newest first.
func (r *ExtractionResultRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*ExtractionResult, error) {
	query := `
		SELECT id, document_id, data, extracted_at
		FROM extraction_results
		WHERE document_id = $1
		ORDER BY extracted_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*ExtractionResult
	for rows.Next() {
		res := &ExtractionResult{}
		if err := rows.Scan(&res.ID, &res.DocumentID, &res.Data, &res.ExtractedAt); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// Repositories bundles all repositories for convenient injection.
type Repositories struct {
	DocumentTypes *DocumentTypeRepository
	Documents     *DocumentRepository
	Results       *ExtractionResultRepository
}

// NewRepositories creates all repositories backed by the same database.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		DocumentTypes: NewDocumentTypeRepository(db),
		Documents:     NewDocumentRepository(db),
		Results:       NewExtractionResultRepository(db),
	}
}
