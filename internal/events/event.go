// Package events carries live job and batch notifications from the
// orchestrator to connected clients. The broadcaster pushes into minimal
// sinks and knows nothing about any particular transport.
package events

import "time"

// EventType identifies what happened.
type EventType string

const (
	EventJobStarted     EventType = "job:started"
	EventJobProgress    EventType = "job:progress"
	EventJobCompleted   EventType = "job:completed"
	EventJobFailed      EventType = "job:failed"
	EventBatchStarted   EventType = "batch:started"
	EventBatchProgress  EventType = "batch:progress"
	EventBatchCompleted EventType = "batch:completed"
	EventBatchFailed    EventType = "batch:failed"
)

// JobProgress is the payload of a job:progress event.
type JobProgress struct {
	Percent     int            `json:"percent"`
	PartialData map[string]any `json:"partialData,omitempty"`
}

// BatchCounters is the payload of batch progress and terminal events.
type BatchCounters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Event is an immutable fire-and-forget notification.
type Event struct {
	Type           EventType      `json:"type"`
	JobID          string         `json:"jobId,omitempty"`
	DocumentID     string         `json:"documentId,omitempty"`
	BatchID        string         `json:"batchId,omitempty"`
	DocumentTypeID string         `json:"documentTypeId,omitempty"`
	Status         string         `json:"status,omitempty"`
	Error          string         `json:"error,omitempty"`
	Progress       *JobProgress   `json:"progress,omitempty"`
	Batch          *BatchCounters `json:"batch,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// scopeKeys lists the subscription keys this event matches.
func (e Event) scopeKeys() []string {
	var keys []string
	if e.JobID != "" {
		keys = append(keys, JobKey(e.JobID))
	}
	if e.BatchID != "" {
		keys = append(keys, BatchKey(e.BatchID))
	}
	if e.DocumentTypeID != "" {
		keys = append(keys, DocTypeKey(e.DocumentTypeID))
	}
	return keys
}

// JobKey is the subscription key for a single job's events.
func JobKey(jobID string) string { return "job:" + jobID }

// BatchKey is the subscription key for a single batch's events.
func BatchKey(batchID string) string { return "batch:" + batchID }

// DocTypeKey is the subscription key for every event of one document type.
func DocTypeKey(documentTypeID string) string { return "docType:" + documentTypeID }

// JobRef identifies the job an event is about.
type JobRef struct {
	JobID          string
	DocumentID     string
	BatchID        string
	DocumentTypeID string
}

// BatchRef identifies the batch an event is about.
type BatchRef struct {
	BatchID        string
	DocumentTypeID string
}
