package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh-ai/extraction-engine/internal/registry"
	"github.com/docmesh-ai/extraction-engine/internal/storage"
)

func extractRouter(env *testEnv) http.Handler {
	h := NewExtractHandler(testLogger(), env.repos, env.service)
	r := chi.NewRouter()
	r.Post("/documents/{documentId}/extract", h.Extract)
	return r
}

// sseFrames returns the payload of every data: frame in arrival order.
func sseFrames(body string) []string {
	var frames []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	return frames
}

func TestExtract_StreamsPartialsAndCompletes(t *testing.T) {
	env := newTestEnv(t, &stubModel{tokens: invoiceTokens})
	router := extractRouter(env)

	dt := seedDocumentType(t, env, "invoice")
	doc := seedDocument(t, env, dt.ID, "a.pdf")

	rec := doRequest(t, router, http.MethodPost, "/documents/"+doc.ID.String()+"/extract", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := sseFrames(rec.Body.String())
	require.GreaterOrEqual(t, len(frames), 3)
	require.Equal(t, "[DONE]", frames[len(frames)-1])

	// Every token yields a recoverable partial, so three progress frames
	// precede the terminal one.
	var first extractFrame
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &first))
	assert.Equal(t, "job:progress", first.Type)
	assert.Equal(t, doc.ID.String(), first.DocumentID)
	assert.Equal(t, "Acme", first.Data["vendor"])

	var terminal extractFrame
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-2]), &terminal))
	require.Equal(t, "job:completed", terminal.Type)
	require.NotEmpty(t, terminal.JobID)
	assert.Equal(t, "Acme", terminal.Data["vendor"])
	assert.Equal(t, 1240.5, terminal.Data["total"])

	job, err := env.registry.GetJob(terminal.JobID)
	require.NoError(t, err)
	assert.Equal(t, registry.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Progress)
	assert.Equal(t, 100, job.Progress.Percent)

	// The result landed in storage and the document moved to processed.
	res, err := env.repos.Results.GetLatestByDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"vendor":"Acme","total":1240.5}`, string(res.Data))

	stored, err := env.repos.Documents.GetByID(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusProcessed, stored.Status)
}

func TestExtract_ModelFailure(t *testing.T) {
	env := newTestEnv(t, &stubModel{err: errors.New("model unavailable")})
	router := extractRouter(env)

	dt := seedDocumentType(t, env, "invoice")
	doc := seedDocument(t, env, dt.ID, "a.pdf")

	rec := doRequest(t, router, http.MethodPost, "/documents/"+doc.ID.String()+"/extract", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	frames := sseFrames(rec.Body.String())
	require.Len(t, frames, 2)
	require.Equal(t, "[DONE]", frames[1])

	var terminal extractFrame
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &terminal))
	assert.Equal(t, "job:failed", terminal.Type)
	assert.Equal(t, "model unavailable", terminal.Error)
	require.NotEmpty(t, terminal.JobID)

	job, err := env.registry.GetJob(terminal.JobID)
	require.NoError(t, err)
	assert.Equal(t, registry.JobStatusFailed, job.Status)

	stored, err := env.repos.Documents.GetByID(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusFailed, stored.Status)
}

func TestExtract_UnparsableOutput(t *testing.T) {
	env := newTestEnv(t, &stubModel{tokens: []string{"The document could not be read."}})
	router := extractRouter(env)

	dt := seedDocumentType(t, env, "invoice")
	doc := seedDocument(t, env, dt.ID, "a.pdf")

	rec := doRequest(t, router, http.MethodPost, "/documents/"+doc.ID.String()+"/extract", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	frames := sseFrames(rec.Body.String())
	require.Len(t, frames, 2)

	var terminal extractFrame
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &terminal))
	assert.Equal(t, "job:failed", terminal.Type)
	assert.Equal(t, "Failed to parse extracted data", terminal.Error)
}

func TestExtract_DocumentNotFound(t *testing.T) {
	env := newTestEnv(t, &stubModel{tokens: invoiceTokens})
	router := extractRouter(env)

	rec := doRequest(t, router, http.MethodPost, "/documents/"+uuid.NewString()+"/extract", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/documents/not-a-uuid/extract", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
