// Package extraction drives document extraction jobs end to end: single
// documents over a live token stream, and batches over the bounded worker
// pool. The service owns the job state machine; collaborators supply model
// access, input preparation, and result persistence behind small interfaces.
package extraction

import (
	"context"
	"time"

	"github.com/docmesh-ai/extraction-engine/internal/batch"
	"github.com/docmesh-ai/extraction-engine/internal/events"
	"github.com/docmesh-ai/extraction-engine/internal/llm"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
)

// ModelStreamer streams model output tokens for one extraction call.
type ModelStreamer interface {
	StreamExtraction(ctx context.Context, req llm.ExtractionRequest, tokens chan<- string) error
}

// InputPreparer resolves the document content and target schema for a model
// call.
type InputPreparer interface {
	PrepareInput(ctx context.Context, documentID string) (*llm.ExtractionRequest, error)
}

// ResultPersister records extraction outcomes on the document store. SaveResult
// failures fail the job; MarkFailed failures are logged and swallowed since the
// job has already failed for its own reason.
type ResultPersister interface {
	SaveResult(ctx context.Context, documentID string, data map[string]any) error
	MarkFailed(ctx context.Context, documentID string) error
}

// BatchCompletedPayload is the webhook body delivered when a batch settles.
type BatchCompletedPayload struct {
	Event     string `json:"event"`
	BatchID   string `json:"batchId"`
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// Notifier delivers batch completion callbacks. Delivery is best effort;
// implementations log failures rather than returning them.
type Notifier interface {
	NotifyBatchCompleted(ctx context.Context, url string, payload BatchCompletedPayload)
}

// Config tunes the extraction service.
type Config struct {
	// StreamBufferSize is the token channel capacity used for model
	// streaming. Zero falls back to a sensible default.
	StreamBufferSize int
}

const defaultStreamBufferSize = 64

// Service coordinates the registry, the event broadcaster, the worker pool,
// and the model client for every extraction run.
type Service struct {
	logger    *observability.Logger
	registry  *registry.Registry
	events    *events.Broadcaster
	processor *batch.Processor
	model     ModelStreamer
	preparer  InputPreparer
	persister ResultPersister
	notifier  Notifier
	streamBuf int
}

// NewService creates the extraction service.
func NewService(
	logger *observability.Logger,
	reg *registry.Registry,
	broadcaster *events.Broadcaster,
	processor *batch.Processor,
	model ModelStreamer,
	preparer InputPreparer,
	persister ResultPersister,
	notifier Notifier,
	cfg Config,
) *Service {
	if cfg.StreamBufferSize <= 0 {
		cfg.StreamBufferSize = defaultStreamBufferSize
	}
	return &Service{
		logger:    logger,
		registry:  reg,
		events:    broadcaster,
		processor: processor,
		model:     model,
		preparer:  preparer,
		persister: persister,
		notifier:  notifier,
		streamBuf: cfg.StreamBufferSize,
	}
}

func jobRef(job *registry.Job, documentTypeID string) events.JobRef {
	return events.JobRef{
		JobID:          job.ID,
		DocumentID:     job.DocumentID,
		BatchID:        job.BatchID,
		DocumentTypeID: documentTypeID,
	}
}

// failJob drives the job to failed and emits job:failed. The registry's
// terminal guard decides races: if a cancellation already failed the job with
// its own message, the update is dropped and no duplicate event goes out. The
// document record is marked failed on a detached context so cleanup survives
// a cancelled request.
func (s *Service) failJob(ctx context.Context, job *registry.Job, documentTypeID, reason string) {
	now := time.Now()
	updated, err := s.registry.UpdateJobStatus(job.ID, registry.JobUpdate{
		Status:      registry.JobStatusFailed,
		Error:       reason,
		CompletedAt: &now,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record job failure")
		return
	}
	if updated.Status == registry.JobStatusFailed && updated.Error == reason {
		s.events.JobFailed(jobRef(job, documentTypeID), reason)
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("document_id", job.DocumentID).
			Str("error", reason).
			Msg("Extraction failed")
	}
	if err := s.persister.MarkFailed(context.WithoutCancel(ctx), job.DocumentID); err != nil {
		s.logger.Warn().Err(err).Str("document_id", job.DocumentID).Msg("Failed to mark document failed")
	}
}
