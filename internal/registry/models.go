// Package registry tracks extraction jobs and batches for the lifetime of the
// process. State is held in memory only; terminal entries are swept after a
// retention window.
package registry

import "time"

// JobStatus represents the lifecycle state of a single extraction job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
// Cancelled jobs surface as failed with an explanatory error, so completed
// and failed are the only terminal job states.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// Progress carries the completion percentage and the most recent partial
// extraction for a running job.
type Progress struct {
	Percent     int            `json:"percent"`
	PartialData map[string]any `json:"partialData,omitempty"`
}

// Job represents one document extraction.
type Job struct {
	ID          string     `json:"id"`
	DocumentID  string     `json:"documentId"`
	BatchID     string     `json:"batchId,omitempty"`
	Status      JobStatus  `json:"status"`
	Progress    *Progress  `json:"progress,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedBy   string     `json:"createdBy,omitempty"`

	// seq orders jobs by creation even when CreatedAt collides.
	seq int64
}

// Batch groups the jobs created from one submission.
type Batch struct {
	ID             string      `json:"id"`
	DocumentTypeID string      `json:"documentTypeId"`
	Total          int         `json:"total"`
	Completed      int         `json:"completed"`
	Failed         int         `json:"failed"`
	Status         BatchStatus `json:"status"`
	WebhookURL     string      `json:"webhookUrl,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	CompletedAt    *time.Time  `json:"completedAt,omitempty"`
}

// CreateJobParams holds the inputs for CreateJob.
type CreateJobParams struct {
	DocumentID string
	BatchID    string
	CreatedBy  string
}

// CreateBatchParams holds the inputs for CreateBatch.
type CreateBatchParams struct {
	DocumentTypeID string
	DocumentIDs    []string
	WebhookURL     string
	CreatedBy      string
}

// JobUpdate carries the fields to merge into a job. Zero values are treated
// as absent and leave the corresponding field untouched.
type JobUpdate struct {
	Status      JobStatus
	Progress    *Progress
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}
