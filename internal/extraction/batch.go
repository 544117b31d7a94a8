package extraction

import (
	"context"
	"fmt"
	"sync"

	"github.com/docmesh-ai/extraction-engine/internal/batch"
	"github.com/docmesh-ai/extraction-engine/internal/events"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
)

// RunBatch drives every job in the batch through the worker pool and returns
// once they have all settled. Jobs cancelled before pickup are skipped without
// model work and counted as failures in the batch totals. When the batch
// carries a webhook URL the final state is POSTed there, best effort.
func (s *Service) RunBatch(ctx context.Context, batchID string) error {
	b, err := s.registry.GetBatch(batchID)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		s.logger.Warn().
			Str("batch_id", batchID).
			Str("status", string(b.Status)).
			Msg("Batch already settled, nothing to run")
		return nil
	}

	jobs, err := s.registry.GetBatchJobs(batchID)
	if err != nil {
		return err
	}

	if _, err := s.registry.MarkBatchProcessing(batchID); err != nil {
		return err
	}
	ref := events.BatchRef{BatchID: b.ID, DocumentTypeID: b.DocumentTypeID}
	s.events.BatchStarted(ref, b.Total)
	s.logger.Info().
		Str("batch_id", b.ID).
		Str("document_type_id", b.DocumentTypeID).
		Int("total", b.Total).
		Msg("Batch processing started")

	// The pool works document IDs, so jobs queue up FIFO per document. A
	// document submitted twice gets two jobs and two pool items; each item
	// claims the oldest unclaimed job for its document.
	queues := make(map[string][]*registry.Job, len(jobs))
	docIDs := make([]string, 0, len(jobs))
	for _, job := range jobs {
		queues[job.DocumentID] = append(queues[job.DocumentID], job)
		docIDs = append(docIDs, job.DocumentID)
	}
	var qmu sync.Mutex
	peek := func(docID string) *registry.Job {
		qmu.Lock()
		defer qmu.Unlock()
		if q := queues[docID]; len(q) > 0 {
			return q[0]
		}
		return nil
	}
	claim := func(docID string) *registry.Job {
		qmu.Lock()
		defer qmu.Unlock()
		q := queues[docID]
		if len(q) == 0 {
			return nil
		}
		queues[docID] = q[1:]
		return q[0]
	}

	completed, failed := 0, 0
	result := s.processor.Run(ctx, docIDs, func(ctx context.Context, docID string) error {
		job := claim(docID)
		if job == nil {
			return fmt.Errorf("no pending job for document %s", docID)
		}
		_, err := s.runJob(ctx, job, b.DocumentTypeID, nil)
		return err
	}, batch.RunOptions{
		ShouldProcess: func(docID string) bool {
			job := peek(docID)
			if job == nil {
				return false
			}
			current, err := s.registry.GetJob(job.ID)
			if err != nil {
				return false
			}
			return current.Status == registry.JobStatusPending
		},
		// OnProgress runs serialized by the pool, so the counters need no
		// extra lock.
		OnProgress: func(done, total int, docID string, err error) {
			if err != nil {
				failed++
			} else {
				completed++
			}
			updated, uerr := s.registry.UpdateBatchProgress(batchID, completed, failed)
			if uerr != nil || updated.Status == registry.BatchStatusCancelled {
				return
			}
			s.events.BatchProgress(ref, updated.Total, updated.Completed, updated.Failed)
		},
	})

	// Skipped items are jobs a cancellation failed before pickup; fold them
	// into the failure count so the batch can settle. A cancelled batch is
	// already terminal and the registry drops this update.
	finalCompleted := len(result.Completed)
	finalFailed := len(result.Failed) + len(result.Skipped)
	if _, err := s.registry.UpdateBatchProgress(batchID, finalCompleted, finalFailed); err != nil {
		return err
	}

	final, err := s.registry.GetBatch(batchID)
	if err != nil {
		return err
	}

	switch final.Status {
	case registry.BatchStatusCompleted:
		s.events.BatchCompleted(ref, final.Total, final.Completed, final.Failed)
	case registry.BatchStatusCancelled:
		// The cancellation emitted its own terminal event.
	default:
		s.events.BatchFailed(ref, string(final.Status), final.Total, final.Completed, final.Failed)
	}

	s.logger.Info().
		Str("batch_id", final.ID).
		Str("status", string(final.Status)).
		Int("completed", final.Completed).
		Int("failed", final.Failed).
		Msg("Batch settled")

	if final.WebhookURL != "" && s.notifier != nil {
		s.notifier.NotifyBatchCompleted(context.WithoutCancel(ctx), final.WebhookURL, BatchCompletedPayload{
			Event:     "batch.completed",
			BatchID:   final.ID,
			Status:    string(final.Status),
			Total:     final.Total,
			Completed: final.Completed,
			Failed:    final.Failed,
		})
	}
	return nil
}
