package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docmesh-ai/extraction-engine/internal/observability"
)

var (
	// ErrJobNotFound is returned when no job exists for the given ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrBatchNotFound is returned when no batch exists for the given ID.
	ErrBatchNotFound = errors.New("batch not found")
)

// DefaultRetention is how long terminal jobs and batches stay queryable
// before the sweeper removes them.
const DefaultRetention = time.Hour

// Registry is the in-memory store of jobs and batches. All operations are
// safe for concurrent use; each one is a single atomic mutation under the
// registry lock, and accessors hand out copies so callers never share
// registry-owned state.
type Registry struct {
	logger    *observability.Logger
	retention time.Duration

	mu        sync.RWMutex
	jobs      map[string]*Job
	batches   map[string]*Batch
	batchJobs map[string][]string // batch ID -> member job IDs in submission order
	seq       int64

	batchTimers map[string]*time.Timer
	jobTimers   map[string]*time.Timer
	closed      bool
}

// NewRegistry creates a registry. A non-positive retention falls back to
// DefaultRetention.
func NewRegistry(logger *observability.Logger, retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		logger:      logger,
		retention:   retention,
		jobs:        make(map[string]*Job),
		batches:     make(map[string]*Batch),
		batchJobs:   make(map[string][]string),
		batchTimers: make(map[string]*time.Timer),
		jobTimers:   make(map[string]*time.Timer),
	}
}

// Close stops all pending cleanup timers. Entries still in the registry stay
// there; Close is for process shutdown, not for flushing state.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, t := range r.batchTimers {
		t.Stop()
		delete(r.batchTimers, id)
	}
	for id, t := range r.jobTimers {
		t.Stop()
		delete(r.jobTimers, id)
	}
}

// CreateJob registers a new pending job.
func (r *Registry) CreateJob(params CreateJobParams) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyJob(r.createJobLocked(params))
}

func (r *Registry) createJobLocked(params CreateJobParams) *Job {
	r.seq++
	job := &Job{
		ID:         uuid.New().String(),
		DocumentID: params.DocumentID,
		BatchID:    params.BatchID,
		Status:     JobStatusPending,
		CreatedAt:  time.Now(),
		CreatedBy:  params.CreatedBy,
		seq:        r.seq,
	}
	r.jobs[job.ID] = job
	return job
}

// CreateBatch registers a batch and one pending job per document ID, in the
// order the IDs were given.
func (r *Registry) CreateBatch(params CreateBatchParams) (*Batch, []*Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := &Batch{
		ID:             uuid.New().String(),
		DocumentTypeID: params.DocumentTypeID,
		Total:          len(params.DocumentIDs),
		Status:         BatchStatusPending,
		WebhookURL:     params.WebhookURL,
		CreatedAt:      time.Now(),
	}
	r.batches[batch.ID] = batch

	jobs := make([]*Job, 0, len(params.DocumentIDs))
	memberIDs := make([]string, 0, len(params.DocumentIDs))
	for _, docID := range params.DocumentIDs {
		job := r.createJobLocked(CreateJobParams{
			DocumentID: docID,
			BatchID:    batch.ID,
			CreatedBy:  params.CreatedBy,
		})
		jobs = append(jobs, copyJob(job))
		memberIDs = append(memberIDs, job.ID)
	}
	r.batchJobs[batch.ID] = memberIDs

	r.logger.Info().
		Str("batch_id", batch.ID).
		Str("document_type_id", batch.DocumentTypeID).
		Int("total", batch.Total).
		Msg("Batch created")

	return copyBatch(batch), jobs
}

// GetJob returns a copy of the job, or ErrJobNotFound.
func (r *Registry) GetJob(id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

// GetBatch returns a copy of the batch, or ErrBatchNotFound.
func (r *Registry) GetBatch(id string) (*Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	batch, ok := r.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return copyBatch(batch), nil
}

// GetBatchJobs returns the batch's jobs in submission order.
func (r *Registry) GetBatchJobs(id string) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.batches[id]; !ok {
		return nil, ErrBatchNotFound
	}
	memberIDs := r.batchJobs[id]
	jobs := make([]*Job, 0, len(memberIDs))
	for _, jobID := range memberIDs {
		if job, ok := r.jobs[jobID]; ok {
			jobs = append(jobs, copyJob(job))
		}
	}
	return jobs, nil
}

// UpdateJobStatus merges the provided fields into the job. Jobs already in a
// terminal status are immutable: the update is dropped and the job returned
// as-is, which is what stops a late worker from overwriting a cancellation.
func (r *Registry) UpdateJobStatus(id string, update JobUpdate) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return copyJob(job), nil
	}

	if update.Status != "" {
		job.Status = update.Status
	}
	if update.Progress != nil {
		p := *update.Progress
		job.Progress = &p
	}
	if update.Error != "" {
		job.Error = update.Error
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		job.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		job.CompletedAt = &t
	}

	if job.Status.Terminal() && job.BatchID == "" {
		r.scheduleJobCleanupLocked(job.ID)
	}
	return copyJob(job), nil
}

// UpdateBatchProgress sets the batch counters and derives the batch status:
// completed once completed+failed covers the total, processing otherwise.
// Terminal batches (including cancelled ones) are immutable and late reports
// are dropped.
func (r *Registry) UpdateBatchProgress(id string, completed, failed int) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, ok := r.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	if batch.Status.Terminal() {
		return copyBatch(batch), nil
	}

	batch.Completed = completed
	batch.Failed = failed
	if completed+failed >= batch.Total {
		batch.Status = BatchStatusCompleted
		now := time.Now()
		batch.CompletedAt = &now
		r.scheduleBatchCleanupLocked(batch.ID)
	} else {
		batch.Status = BatchStatusProcessing
	}
	return copyBatch(batch), nil
}

// MarkBatchProcessing transitions a pending batch to processing. Terminal
// batches are left untouched.
func (r *Registry) MarkBatchProcessing(id string) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, ok := r.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	if !batch.Status.Terminal() {
		batch.Status = BatchStatusProcessing
	}
	return copyBatch(batch), nil
}

// CancelBatch transitions the batch to cancelled and fails every member job
// that has not already finished. It returns the jobs that were transitioned
// so the caller can emit events for them. Cancelling an already-terminal
// batch is a no-op that returns the batch unchanged.
func (r *Registry) CancelBatch(id string) (*Batch, []*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch, ok := r.batches[id]
	if !ok {
		return nil, nil, ErrBatchNotFound
	}
	if batch.Status.Terminal() {
		return copyBatch(batch), nil, nil
	}

	now := time.Now()
	batch.Status = BatchStatusCancelled
	batch.CompletedAt = &now

	var cancelled []*Job
	for _, jobID := range r.batchJobs[id] {
		job, ok := r.jobs[jobID]
		if !ok || job.Status.Terminal() {
			continue
		}
		job.Status = JobStatusFailed
		job.Error = "Batch cancelled"
		t := now
		job.CompletedAt = &t
		cancelled = append(cancelled, copyJob(job))
	}
	r.scheduleBatchCleanupLocked(batch.ID)

	r.logger.Info().
		Str("batch_id", batch.ID).
		Int("cancelled_jobs", len(cancelled)).
		Msg("Batch cancelled")

	return copyBatch(batch), cancelled, nil
}

// CancelJob fails a pending or processing job with a user-cancellation error
// and, for batch members, recomputes the owning batch's counters from its
// jobs' current statuses. Cancelling a terminal job is a no-op.
func (r *Registry) CancelJob(id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return copyJob(job), nil
	}

	now := time.Now()
	job.Status = JobStatusFailed
	job.Error = "Cancelled by user"
	job.CompletedAt = &now

	if job.BatchID != "" {
		r.recomputeBatchLocked(job.BatchID)
	} else {
		r.scheduleJobCleanupLocked(job.ID)
	}

	r.logger.Info().Str("job_id", job.ID).Msg("Job cancelled")
	return copyJob(job), nil
}

// recomputeBatchLocked re-derives a batch's counters and status from its
// jobs. Used after a single member job changes outside the batch runner.
func (r *Registry) recomputeBatchLocked(batchID string) {
	batch, ok := r.batches[batchID]
	if !ok || batch.Status.Terminal() {
		return
	}
	completed, failed := 0, 0
	for _, jobID := range r.batchJobs[batchID] {
		job, ok := r.jobs[jobID]
		if !ok {
			continue
		}
		switch job.Status {
		case JobStatusCompleted:
			completed++
		case JobStatusFailed:
			failed++
		}
	}
	batch.Completed = completed
	batch.Failed = failed
	if completed+failed >= batch.Total {
		batch.Status = BatchStatusCompleted
		now := time.Now()
		batch.CompletedAt = &now
		r.scheduleBatchCleanupLocked(batch.ID)
	} else {
		batch.Status = BatchStatusProcessing
	}
}

// GetPendingJobs returns pending jobs ordered by creation time, oldest
// first. A non-positive limit returns them all.
func (r *Registry) GetPendingJobs(limit int) []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pending []*Job
	for _, job := range r.jobs {
		if job.Status == JobStatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*Job, len(pending))
	for i, job := range pending {
		out[i] = copyJob(job)
	}
	return out
}

// GetActiveJobsForDocumentType returns the pending and processing jobs of
// every non-terminal batch with the given document type, ordered by job
// creation time.
func (r *Registry) GetActiveJobsForDocumentType(documentTypeID string) []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*Job
	for batchID, batch := range r.batches {
		if batch.DocumentTypeID != documentTypeID || batch.Status.Terminal() {
			continue
		}
		for _, jobID := range r.batchJobs[batchID] {
			job, ok := r.jobs[jobID]
			if !ok {
				continue
			}
			if job.Status == JobStatusPending || job.Status == JobStatusProcessing {
				active = append(active, job)
			}
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].seq < active[j].seq })
	out := make([]*Job, len(active))
	for i, job := range active {
		out[i] = copyJob(job)
	}
	return out
}

// scheduleBatchCleanupLocked arms the retention timer for a terminal batch.
// Arming twice is a no-op, so every terminal transition can call it.
func (r *Registry) scheduleBatchCleanupLocked(id string) {
	if r.closed {
		return
	}
	if _, armed := r.batchTimers[id]; armed {
		return
	}
	r.batchTimers[id] = time.AfterFunc(r.retention, func() { r.cleanupBatch(id) })
}

func (r *Registry) scheduleJobCleanupLocked(id string) {
	if r.closed {
		return
	}
	if _, armed := r.jobTimers[id]; armed {
		return
	}
	r.jobTimers[id] = time.AfterFunc(r.retention, func() { r.cleanupJob(id) })
}

func (r *Registry) cleanupBatch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.batchTimers, id)
	batch, ok := r.batches[id]
	if !ok || !batch.Status.Terminal() {
		return
	}
	for _, jobID := range r.batchJobs[id] {
		delete(r.jobs, jobID)
	}
	delete(r.batchJobs, id)
	delete(r.batches, id)

	r.logger.Debug().Str("batch_id", id).Msg("Swept terminal batch")
}

func (r *Registry) cleanupJob(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.jobTimers, id)
	job, ok := r.jobs[id]
	if !ok || !job.Status.Terminal() {
		return
	}
	delete(r.jobs, id)

	r.logger.Debug().Str("job_id", id).Msg("Swept terminal job")
}

func copyJob(j *Job) *Job {
	dup := *j
	if j.Progress != nil {
		p := *j.Progress
		dup.Progress = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		dup.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}

func copyBatch(b *Batch) *Batch {
	dup := *b
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}
