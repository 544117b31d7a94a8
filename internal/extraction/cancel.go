package extraction

import (
	"github.com/docmesh-ai/extraction-engine/internal/events"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
)

// CancelJob fails a non-terminal job as user-cancelled and announces the
// transition. Cancelling a job that already settled returns its current state
// without emitting anything, so repeated cancels are idempotent.
func (s *Service) CancelJob(jobID string) (*registry.Job, error) {
	before, err := s.registry.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if before.Status.Terminal() {
		return before, nil
	}

	job, err := s.registry.CancelJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == registry.JobStatusFailed {
		s.events.JobFailed(jobRef(job, s.batchTypeID(job.BatchID)), job.Error)
	}
	return job, nil
}

// CancelBatch drives the batch to cancelled, failing every member job that
// had not settled, and announces each transition plus the batch terminal
// state. Already-terminal batches come back unchanged with nothing emitted.
func (s *Service) CancelBatch(batchID string) (*registry.Batch, []*registry.Job, error) {
	before, err := s.registry.GetBatch(batchID)
	if err != nil {
		return nil, nil, err
	}
	if before.Status.Terminal() {
		return before, nil, nil
	}

	b, cancelled, err := s.registry.CancelBatch(batchID)
	if err != nil {
		return nil, nil, err
	}

	ref := events.BatchRef{BatchID: b.ID, DocumentTypeID: b.DocumentTypeID}
	for _, job := range cancelled {
		s.events.JobFailed(jobRef(job, b.DocumentTypeID), job.Error)
	}
	s.events.BatchFailed(ref, string(registry.BatchStatusCancelled), b.Total, b.Completed, b.Failed)
	return b, cancelled, nil
}

// batchTypeID resolves the document type of a job's owning batch; standalone
// jobs have none.
func (s *Service) batchTypeID(batchID string) string {
	if batchID == "" {
		return ""
	}
	b, err := s.registry.GetBatch(batchID)
	if err != nil {
		return ""
	}
	return b.DocumentTypeID
}
