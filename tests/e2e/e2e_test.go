// Package e2e provides end-to-end tests for the extraction engine.
package e2e

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/docmesh-ai/extraction-engine/internal/batch"
	"github.com/docmesh-ai/extraction-engine/internal/cache"
	"github.com/docmesh-ai/extraction-engine/internal/events"
	"github.com/docmesh-ai/extraction-engine/internal/extraction"
	"github.com/docmesh-ai/extraction-engine/internal/llm"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
	"github.com/docmesh-ai/extraction-engine/internal/storage"
)

const invoiceSchema = `{
	"type": "object",
	"properties": {
		"invoice_number": {"type": "string"},
		"vendor": {"type": "object"},
		"total": {"type": "number"},
		"currency": {"type": "string"},
		"line_items": {"type": "array"}
	}
}`

// TestEndToEndInvoiceExtraction runs the complete pipeline from document type
// registration to persisted results: streamed single-document extraction,
// batch processing through the worker pool, a parse failure, and batch
// cancellation, all against a real SQLite database.
func TestEndToEndInvoiceExtraction(t *testing.T) {
	ctx := context.Background()
	logger := observability.NewLogger(observability.LogConfig{
		Level:       "error",
		Format:      "console",
		Output:      io.Discard,
		ServiceName: "e2e-test",
	})

	// Step 1: Initialize SQLite database
	t.Log("\n=== Step 1: Setting up SQLite Database ===")
	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("extraction_engine_e2e_%d.db", time.Now().UnixNano()))
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("Failed to open SQLite: %v", err)
	}
	defer os.Remove(dbPath)
	defer db.Close()
	// SQLite serializes writers; one connection keeps the batch pool from
	// tripping over lock errors.
	db.SetMaxOpenConns(1)

	if err := storage.Migrate(ctx, db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	repos := storage.NewRepositories(db)
	t.Logf("Database initialized at: %s", dbPath)

	// Step 2: Register a document type
	t.Log("\n=== Step 2: Registering Document Type ===")
	docType := &storage.DocumentType{
		Name:   "invoice",
		Schema: json.RawMessage(invoiceSchema),
	}
	if err := repos.DocumentTypes.Create(ctx, docType); err != nil {
		t.Fatalf("Failed to create document type: %v", err)
	}
	t.Logf("Registered type %q (id=%s, 5 schema fields)", docType.Name, docType.ID)

	// Step 3: Upload documents
	t.Log("\n=== Step 3: Uploading Invoices ===")
	var docs []*storage.Document
	for i := 1; i <= 5; i++ {
		doc := &storage.Document{
			DocumentTypeID: docType.ID,
			Name:           fmt.Sprintf("invoice-%03d", i),
			Content:        fmt.Sprintf("Invoice #%03d\nAcme Corp\nTotal due: $1,250.50 USD", i),
		}
		if err := repos.Documents.Create(ctx, doc); err != nil {
			t.Fatalf("Failed to create document %d: %v", i, err)
		}
		docs = append(docs, doc)
	}
	t.Logf("Uploaded %d documents", len(docs))

	// Step 4: Wire the pipeline
	t.Log("\n=== Step 4: Wiring the Extraction Pipeline ===")
	reg := registry.NewRegistry(logger, time.Hour)
	defer reg.Close()
	broadcaster := events.NewBroadcaster(logger)
	evlog := newEventLog()
	broadcaster.RegisterClient(evlog)

	backend := extraction.NewStorageBackend(logger, repos, cache.NewMemoryClient(128), time.Minute)
	svc := extraction.NewService(
		logger, reg, broadcaster,
		batch.NewProcessor(logger, 2),
		&invoiceModel{chunkSize: 12},
		backend, backend,
		extraction.NewWebhookNotifier(logger, time.Second),
		extraction.Config{},
	)
	t.Log("Pipeline ready: registry, broadcaster, worker pool (2 workers), storage backend")

	// Step 5: Single document extraction with streaming
	t.Log("\n=== Step 5: Single Document Extraction ===")
	var partials []map[string]any
	singleStart := time.Now()
	job, data, err := svc.ExtractDocument(ctx, extraction.ExtractRequest{
		DocumentID:     docs[0].ID.String(),
		DocumentTypeID: docType.ID.String(),
		CreatedBy:      "e2e",
		OnUpdate: func(p map[string]any) {
			partials = append(partials, p)
		},
	})
	singleTime := time.Since(singleStart)
	if err != nil {
		t.Fatalf("Extraction failed: %v", err)
	}
	if job.Status != registry.JobStatusCompleted {
		t.Fatalf("Expected completed job, got %s", job.Status)
	}
	if job.Progress == nil || job.Progress.Percent != 100 {
		t.Fatalf("Expected 100%% progress, got %+v", job.Progress)
	}
	if got := data["invoice_number"]; got != "INV-invoice-001" {
		t.Fatalf("Unexpected invoice number: %v", got)
	}
	if len(partials) == 0 {
		t.Fatal("Expected partial objects during streaming, saw none")
	}
	t.Logf("Extraction completed in %v", singleTime)
	t.Logf("  - Job: %s", job.ID)
	t.Logf("  - Partial objects observed: %d", len(partials))
	t.Logf("  - Fields extracted: %d", len(data))

	result, err := repos.Results.GetLatestByDocument(ctx, docs[0].ID)
	if err != nil {
		t.Fatalf("Failed to load persisted result: %v", err)
	}
	var persisted map[string]any
	if err := json.Unmarshal(result.Data, &persisted); err != nil {
		t.Fatalf("Persisted result is not valid JSON: %v", err)
	}
	if persisted["invoice_number"] != "INV-invoice-001" {
		t.Fatalf("Persisted result mismatch: %v", persisted["invoice_number"])
	}
	stored, err := repos.Documents.GetByID(ctx, docs[0].ID)
	if err != nil {
		t.Fatalf("Failed to reload document: %v", err)
	}
	if stored.Status != storage.DocumentStatusProcessed {
		t.Fatalf("Expected processed document, got %s", stored.Status)
	}
	t.Logf("  - Result persisted, document marked %s", stored.Status)

	// Step 6: Batch extraction through the worker pool
	t.Log("\n=== Step 6: Batch Extraction ===")
	ids := make([]string, 0, len(docs)-1)
	for _, doc := range docs[1:] {
		ids = append(ids, doc.ID.String())
	}
	b, jobs := reg.CreateBatch(registry.CreateBatchParams{
		DocumentTypeID: docType.ID.String(),
		DocumentIDs:    ids,
		CreatedBy:      "e2e",
	})
	t.Logf("Submitted batch %s with %d jobs", b.ID, len(jobs))

	batchStart := time.Now()
	if err := svc.RunBatch(ctx, b.ID); err != nil {
		t.Fatalf("Batch run failed: %v", err)
	}
	batchTime := time.Since(batchStart)

	finalBatch, err := reg.GetBatch(b.ID)
	if err != nil {
		t.Fatalf("Failed to reload batch: %v", err)
	}
	if finalBatch.Status != registry.BatchStatusCompleted {
		t.Fatalf("Expected completed batch, got %s", finalBatch.Status)
	}
	if finalBatch.Completed != len(ids) || finalBatch.Failed != 0 {
		t.Fatalf("Unexpected batch counters: %d completed, %d failed", finalBatch.Completed, finalBatch.Failed)
	}
	for _, doc := range docs[1:] {
		if _, err := repos.Results.GetLatestByDocument(ctx, doc.ID); err != nil {
			t.Fatalf("No persisted result for %s: %v", doc.Name, err)
		}
	}
	t.Logf("Batch completed in %v: %d/%d documents extracted", batchTime, finalBatch.Completed, finalBatch.Total)

	// Step 7: Parse failure handling
	t.Log("\n=== Step 7: Parse Failure Handling ===")
	badDoc := &storage.Document{
		DocumentTypeID: docType.ID,
		Name:           "invoice-garbled",
		Content:        "0xDEADBEEF",
	}
	if err := repos.Documents.Create(ctx, badDoc); err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}
	failing := extraction.NewService(
		logger, reg, broadcaster,
		batch.NewProcessor(logger, 2),
		proseModel{},
		backend, backend,
		extraction.NewWebhookNotifier(logger, time.Second),
		extraction.Config{},
	)
	failedJob, _, err := failing.ExtractDocument(ctx, extraction.ExtractRequest{
		DocumentID:     badDoc.ID.String(),
		DocumentTypeID: docType.ID.String(),
	})
	if err == nil {
		t.Fatal("Expected extraction of unparseable output to fail")
	}
	if failedJob.Status != registry.JobStatusFailed {
		t.Fatalf("Expected failed job, got %s", failedJob.Status)
	}
	if failedJob.Error != "Failed to parse extracted data" {
		t.Fatalf("Unexpected job error: %q", failedJob.Error)
	}
	badStored, err := repos.Documents.GetByID(ctx, badDoc.ID)
	if err != nil {
		t.Fatalf("Failed to reload document: %v", err)
	}
	if badStored.Status != storage.DocumentStatusFailed {
		t.Fatalf("Expected failed document, got %s", badStored.Status)
	}
	t.Logf("Job failed cleanly: %q, document marked %s", failedJob.Error, badStored.Status)

	// Step 8: Batch cancellation
	t.Log("\n=== Step 8: Batch Cancellation ===")
	cancelTarget, cancelJobs := reg.CreateBatch(registry.CreateBatchParams{
		DocumentTypeID: docType.ID.String(),
		DocumentIDs:    []string{docs[1].ID.String(), docs[2].ID.String()},
	})
	cb, cancelled, err := svc.CancelBatch(cancelTarget.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cb.Status != registry.BatchStatusCancelled {
		t.Fatalf("Expected cancelled batch, got %s", cb.Status)
	}
	if len(cancelled) != len(cancelJobs) {
		t.Fatalf("Expected %d cancelled jobs, got %d", len(cancelJobs), len(cancelled))
	}
	for _, job := range cancelled {
		if job.Error != "Batch cancelled" {
			t.Fatalf("Unexpected cancel reason: %q", job.Error)
		}
	}
	// Running a cancelled batch must be a settled no-op.
	if err := svc.RunBatch(ctx, cancelTarget.ID); err != nil {
		t.Fatalf("RunBatch on cancelled batch errored: %v", err)
	}
	t.Logf("Batch cancelled, %d member jobs failed as %q", len(cancelled), "Batch cancelled")

	// Performance & event summary
	t.Log("\n=== Performance Summary ===")
	t.Logf("Single extraction:  %v", singleTime)
	t.Logf("Batch of %d:         %v (%v per document)", len(ids), batchTime, batchTime/time.Duration(len(ids)))
	t.Logf("Events delivered:   %d job:started, %d job:progress, %d job:completed, %d job:failed",
		evlog.count(events.EventJobStarted), evlog.count(events.EventJobProgress),
		evlog.count(events.EventJobCompleted), evlog.count(events.EventJobFailed))
	t.Logf("                    %d batch:started, %d batch:progress, %d batch:completed, %d batch:failed",
		evlog.count(events.EventBatchStarted), evlog.count(events.EventBatchProgress),
		evlog.count(events.EventBatchCompleted), evlog.count(events.EventBatchFailed))

	if got := evlog.count(events.EventJobStarted); got != 6 {
		t.Errorf("Expected 6 job:started events, got %d", got)
	}
	if got := evlog.count(events.EventJobCompleted); got != 5 {
		t.Errorf("Expected 5 job:completed events, got %d", got)
	}
	if got := evlog.count(events.EventJobFailed); got != 3 {
		t.Errorf("Expected 3 job:failed events, got %d", got)
	}
	if got := evlog.count(events.EventBatchCompleted); got != 1 {
		t.Errorf("Expected 1 batch:completed event, got %d", got)
	}
}

// invoiceModel streams a synthesized invoice extraction for any document in
// small token chunks, the way a real model streams JSON output.
type invoiceModel struct {
	chunkSize int
}

func (m *invoiceModel) StreamExtraction(ctx context.Context, req llm.ExtractionRequest, tokens chan<- string) error {
	payload := fmt.Sprintf(
		`{"invoice_number": %q, "vendor": {"name": "Acme Corp", "tax_id": "US-88-1234567"}, `+
			`"total": 1250.50, "currency": "USD", `+
			`"line_items": [{"description": "Widgets", "quantity": 10, "amount": 1250.50}]}`,
		"INV-"+req.DocumentName,
	)
	size := m.chunkSize
	if size <= 0 {
		size = 12
	}
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		select {
		case tokens <- payload[start:end]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// proseModel streams output that never becomes valid JSON.
type proseModel struct{}

func (proseModel) StreamExtraction(ctx context.Context, req llm.ExtractionRequest, tokens chan<- string) error {
	tokens <- "The document could not be read as structured data."
	return nil
}

// eventLog records every event the broadcaster delivers, for post-run
// assertions about what a connected watcher would have seen.
type eventLog struct {
	mu     sync.Mutex
	counts map[events.EventType]int
}

func newEventLog() *eventLog {
	return &eventLog{counts: make(map[events.EventType]int)}
}

func (l *eventLog) Send(ev events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[ev.Type]++
	return nil
}

func (l *eventLog) count(t events.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[t]
}
