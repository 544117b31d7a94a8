// Package rpc provides the Connect service implementation for the extraction
// engine, for agent-runtime callers that speak Connect rather than REST.
package rpc

import (
	"context"
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/docmesh-ai/extraction-engine/internal/extraction"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
)

// Procedure paths, mirroring the layout connect generates for a
// `extraction.v1.ExtractionService` schema.
const (
	ProcedurePrefix      = "/extraction.v1.ExtractionService/"
	GetJobProcedure      = ProcedurePrefix + "GetJob"
	GetBatchProcedure    = ProcedurePrefix + "GetBatch"
	CancelJobProcedure   = ProcedurePrefix + "CancelJob"
	CancelBatchProcedure = ProcedurePrefix + "CancelBatch"
)

// ExtractionService implements the Connect extraction service.
type ExtractionService struct {
	logger   *observability.Logger
	registry *registry.Registry
	service  *extraction.Service
}

// NewExtractionService creates a new extraction RPC service.
func NewExtractionService(logger *observability.Logger, reg *registry.Registry, service *extraction.Service) *ExtractionService {
	return &ExtractionService{
		logger:   logger,
		registry: reg,
		service:  service,
	}
}

// GetJobRequest identifies the job to fetch.
type GetJobRequest struct {
	JobID string `json:"job_id"`
}

// GetBatchRequest identifies the batch to fetch.
type GetBatchRequest struct {
	BatchID     string `json:"batch_id"`
	IncludeJobs bool   `json:"include_jobs,omitempty"`
}

// GetBatchResponse carries the batch and, on request, its member jobs.
type GetBatchResponse struct {
	Batch *BatchMessage `json:"batch"`
	Jobs  []*JobMessage `json:"jobs,omitempty"`
}

// CancelJobRequest identifies the job to cancel.
type CancelJobRequest struct {
	JobID string `json:"job_id"`
}

// CancelBatchRequest identifies the batch to cancel.
type CancelBatchRequest struct {
	BatchID string `json:"batch_id"`
}

// CancelBatchResponse carries the cancelled batch and the jobs the
// cancellation transitioned.
type CancelBatchResponse struct {
	Batch         *BatchMessage `json:"batch"`
	CancelledJobs []*JobMessage `json:"cancelled_jobs,omitempty"`
}

// JobMessage represents a job in RPC responses.
type JobMessage struct {
	ID          string           `json:"id"`
	DocumentID  string           `json:"document_id"`
	BatchID     string           `json:"batch_id,omitempty"`
	Status      string           `json:"status"`
	Progress    *ProgressMessage `json:"progress,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   string           `json:"created_at"`
	StartedAt   string           `json:"started_at,omitempty"`
	CompletedAt string           `json:"completed_at,omitempty"`
	CreatedBy   string           `json:"created_by,omitempty"`
}

// ProgressMessage represents job progress in RPC responses.
type ProgressMessage struct {
	Percent     int            `json:"percent"`
	PartialData map[string]any `json:"partial_data,omitempty"`
}

// BatchMessage represents a batch in RPC responses.
type BatchMessage struct {
	ID             string `json:"id"`
	DocumentTypeID string `json:"document_type_id"`
	Total          int    `json:"total"`
	Completed      int    `json:"completed"`
	Failed         int    `json:"failed"`
	Status         string `json:"status"`
	WebhookURL     string `json:"webhook_url,omitempty"`
	CreatedAt      string `json:"created_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

// GetJob handles Connect job lookups.
func (s *ExtractionService) GetJob(ctx context.Context, req *connect.Request[GetJobRequest]) (*connect.Response[JobMessage], error) {
	if req.Msg.JobID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("job_id is required"))
	}

	job, err := s.registry.GetJob(req.Msg.JobID)
	if err != nil {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	return connect.NewResponse(toJobMessage(job)), nil
}

// GetBatch handles Connect batch lookups.
func (s *ExtractionService) GetBatch(ctx context.Context, req *connect.Request[GetBatchRequest]) (*connect.Response[GetBatchResponse], error) {
	if req.Msg.BatchID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("batch_id is required"))
	}

	batch, err := s.registry.GetBatch(req.Msg.BatchID)
	if err != nil {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}

	resp := &GetBatchResponse{Batch: toBatchMessage(batch)}
	if req.Msg.IncludeJobs {
		jobs, err := s.registry.GetBatchJobs(req.Msg.BatchID)
		if err != nil {
			return nil, connect.NewError(connect.CodeNotFound, err)
		}
		resp.Jobs = toJobMessages(jobs)
	}
	return connect.NewResponse(resp), nil
}

// CancelJob handles Connect job cancellations. Cancelling a settled job is
// idempotent and returns its current state.
func (s *ExtractionService) CancelJob(ctx context.Context, req *connect.Request[CancelJobRequest]) (*connect.Response[JobMessage], error) {
	if req.Msg.JobID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("job_id is required"))
	}

	job, err := s.service.CancelJob(req.Msg.JobID)
	if err != nil {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	s.logger.Info().Str("job_id", job.ID).Msg("Job cancellation requested over RPC")
	return connect.NewResponse(toJobMessage(job)), nil
}

// CancelBatch handles Connect batch cancellations.
func (s *ExtractionService) CancelBatch(ctx context.Context, req *connect.Request[CancelBatchRequest]) (*connect.Response[CancelBatchResponse], error) {
	if req.Msg.BatchID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("batch_id is required"))
	}

	batch, cancelled, err := s.service.CancelBatch(req.Msg.BatchID)
	if err != nil {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	s.logger.Info().
		Str("batch_id", batch.ID).
		Int("cancelled_jobs", len(cancelled)).
		Msg("Batch cancellation requested over RPC")
	return connect.NewResponse(&CancelBatchResponse{
		Batch:         toBatchMessage(batch),
		CancelledJobs: toJobMessages(cancelled),
	}), nil
}

// NewExtractionServiceHandler mounts every procedure on one mux, shaped like
// the handlers connect generates: mount the returned handler at the returned
// prefix.
func NewExtractionServiceHandler(svc *ExtractionService) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(GetJobProcedure, connect.NewUnaryHandler(GetJobProcedure, svc.GetJob))
	mux.Handle(GetBatchProcedure, connect.NewUnaryHandler(GetBatchProcedure, svc.GetBatch))
	mux.Handle(CancelJobProcedure, connect.NewUnaryHandler(CancelJobProcedure, svc.CancelJob))
	mux.Handle(CancelBatchProcedure, connect.NewUnaryHandler(CancelBatchProcedure, svc.CancelBatch))
	return ProcedurePrefix, mux
}

func toJobMessage(job *registry.Job) *JobMessage {
	msg := &JobMessage{
		ID:         job.ID,
		DocumentID: job.DocumentID,
		BatchID:    job.BatchID,
		Status:     string(job.Status),
		Error:      job.Error,
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
		CreatedBy:  job.CreatedBy,
	}
	if job.Progress != nil {
		msg.Progress = &ProgressMessage{
			Percent:     job.Progress.Percent,
			PartialData: job.Progress.PartialData,
		}
	}
	if job.StartedAt != nil {
		msg.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		msg.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return msg
}

func toJobMessages(jobs []*registry.Job) []*JobMessage {
	if len(jobs) == 0 {
		return nil
	}
	out := make([]*JobMessage, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobMessage(job))
	}
	return out
}

func toBatchMessage(batch *registry.Batch) *BatchMessage {
	msg := &BatchMessage{
		ID:             batch.ID,
		DocumentTypeID: batch.DocumentTypeID,
		Total:          batch.Total,
		Completed:      batch.Completed,
		Failed:         batch.Failed,
		Status:         string(batch.Status),
		WebhookURL:     batch.WebhookURL,
		CreatedAt:      batch.CreatedAt.Format(time.RFC3339),
	}
	if batch.CompletedAt != nil {
		msg.CompletedAt = batch.CompletedAt.Format(time.RFC3339)
	}
	return msg
}
