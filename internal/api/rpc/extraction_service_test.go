package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh-ai/extraction-engine/internal/batch"
	"github.com/docmesh-ai/extraction-engine/internal/events"
	"github.com/docmesh-ai/extraction-engine/internal/extraction"
	"github.com/docmesh-ai/extraction-engine/internal/llm"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
)

type nopModel struct{}

func (nopModel) StreamExtraction(ctx context.Context, req llm.ExtractionRequest, tokens chan<- string) error {
	return nil
}

type nopPreparer struct{}

func (nopPreparer) PrepareInput(ctx context.Context, documentID string) (*llm.ExtractionRequest, error) {
	return &llm.ExtractionRequest{DocumentName: documentID}, nil
}

type nopPersister struct{}

func (nopPersister) SaveResult(ctx context.Context, documentID string, data map[string]any) error {
	return nil
}

func (nopPersister) MarkFailed(ctx context.Context, documentID string) error {
	return nil
}

func setupService(t *testing.T) (*ExtractionService, *registry.Registry) {
	t.Helper()
	logger := observability.NewLogger(observability.LogConfig{
		Level:       "error",
		Output:      io.Discard,
		ServiceName: "rpc-test",
	})

	reg := registry.NewRegistry(logger, time.Hour)
	t.Cleanup(reg.Close)

	svc := extraction.NewService(
		logger,
		reg,
		events.NewBroadcaster(logger),
		batch.NewProcessor(logger, 1),
		nopModel{},
		nopPreparer{},
		nopPersister{},
		nil,
		extraction.Config{},
	)
	return NewExtractionService(logger, reg, svc), reg
}

func TestGetJob(t *testing.T) {
	svc, reg := setupService(t)
	job := reg.CreateJob(registry.CreateJobParams{DocumentID: "doc-1", CreatedBy: "agent"})

	resp, err := svc.GetJob(context.Background(), connect.NewRequest(&GetJobRequest{JobID: job.ID}))
	require.NoError(t, err)
	assert.Equal(t, job.ID, resp.Msg.ID)
	assert.Equal(t, "doc-1", resp.Msg.DocumentID)
	assert.Equal(t, "pending", resp.Msg.Status)
	assert.Equal(t, "agent", resp.Msg.CreatedBy)
	assert.NotEmpty(t, resp.Msg.CreatedAt)
	assert.Empty(t, resp.Msg.CompletedAt)
}

func TestGetJob_Errors(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.GetJob(context.Background(), connect.NewRequest(&GetJobRequest{}))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = svc.GetJob(context.Background(), connect.NewRequest(&GetJobRequest{JobID: "missing"}))
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestGetBatch(t *testing.T) {
	svc, reg := setupService(t)
	b, _ := reg.CreateBatch(registry.CreateBatchParams{
		DocumentTypeID: "invoice",
		DocumentIDs:    []string{"doc-1", "doc-2"},
	})

	resp, err := svc.GetBatch(context.Background(), connect.NewRequest(&GetBatchRequest{BatchID: b.ID}))
	require.NoError(t, err)
	assert.Equal(t, b.ID, resp.Msg.Batch.ID)
	assert.Equal(t, "invoice", resp.Msg.Batch.DocumentTypeID)
	assert.Equal(t, 2, resp.Msg.Batch.Total)
	assert.Empty(t, resp.Msg.Jobs)

	resp, err = svc.GetBatch(context.Background(), connect.NewRequest(&GetBatchRequest{BatchID: b.ID, IncludeJobs: true}))
	require.NoError(t, err)
	require.Len(t, resp.Msg.Jobs, 2)
	assert.Equal(t, "doc-1", resp.Msg.Jobs[0].DocumentID)
	assert.Equal(t, "doc-2", resp.Msg.Jobs[1].DocumentID)
}

func TestGetBatch_Errors(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.GetBatch(context.Background(), connect.NewRequest(&GetBatchRequest{}))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = svc.GetBatch(context.Background(), connect.NewRequest(&GetBatchRequest{BatchID: "missing"}))
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestCancelJob(t *testing.T) {
	svc, reg := setupService(t)
	job := reg.CreateJob(registry.CreateJobParams{DocumentID: "doc-1"})

	resp, err := svc.CancelJob(context.Background(), connect.NewRequest(&CancelJobRequest{JobID: job.ID}))
	require.NoError(t, err)
	assert.Equal(t, "failed", resp.Msg.Status)
	assert.Equal(t, "Cancelled by user", resp.Msg.Error)

	// Repeating the cancel reports the settled state rather than erroring.
	resp, err = svc.CancelJob(context.Background(), connect.NewRequest(&CancelJobRequest{JobID: job.ID}))
	require.NoError(t, err)
	assert.Equal(t, "failed", resp.Msg.Status)
}

func TestCancelBatch(t *testing.T) {
	svc, reg := setupService(t)
	b, _ := reg.CreateBatch(registry.CreateBatchParams{
		DocumentTypeID: "invoice",
		DocumentIDs:    []string{"doc-1", "doc-2"},
	})

	resp, err := svc.CancelBatch(context.Background(), connect.NewRequest(&CancelBatchRequest{BatchID: b.ID}))
	require.NoError(t, err)
	assert.Equal(t, "cancelled", resp.Msg.Batch.Status)
	require.Len(t, resp.Msg.CancelledJobs, 2)
	for _, job := range resp.Msg.CancelledJobs {
		assert.Equal(t, "failed", job.Status)
		assert.Equal(t, "Batch cancelled", job.Error)
	}
}

func TestExtractionServiceHandler_ServesConnectProtocol(t *testing.T) {
	svc, reg := setupService(t)
	job := reg.CreateJob(registry.CreateJobParams{DocumentID: "doc-1"})

	prefix, handler := NewExtractionServiceHandler(svc)
	assert.Equal(t, ProcedurePrefix, prefix)

	srv := httptest.NewServer(handler)
	defer srv.Close()

	body, err := json.Marshal(GetJobRequest{JobID: job.ID})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+GetJobProcedure, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg JobMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, job.ID, msg.ID)
	assert.Equal(t, "pending", msg.Status)
}
