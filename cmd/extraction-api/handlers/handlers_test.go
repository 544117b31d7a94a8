package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/docmesh-ai/extraction-engine/internal/batch"
	"github.com/docmesh-ai/extraction-engine/internal/cache"
	"github.com/docmesh-ai/extraction-engine/internal/events"
	"github.com/docmesh-ai/extraction-engine/internal/extraction"
	"github.com/docmesh-ai/extraction-engine/internal/llm"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
	"github.com/docmesh-ai/extraction-engine/internal/storage"
)

// invoiceTokens reassembles into one valid two-field object.
var invoiceTokens = []string{`{"vendor": "Acme"`, `, "total": 12`, `40.5}`}

const invoiceSchema = `{"type":"object","properties":{"vendor":{"type":"string"},"total":{"type":"number"}}}`

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:       "error",
		Output:      io.Discard,
		ServiceName: "handlers-test",
	})
}

// stubModel streams a fixed token script for every document.
type stubModel struct {
	tokens []string
	err    error
}

func (m *stubModel) StreamExtraction(ctx context.Context, req llm.ExtractionRequest, tokens chan<- string) error {
	for _, tok := range m.tokens {
		select {
		case tokens <- tok:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

// testEnv bundles the stores and services handler tests run against.
type testEnv struct {
	repos    *storage.Repositories
	registry *registry.Registry
	events   *events.Broadcaster
	service  *extraction.Service
}

func newTestEnv(t *testing.T, model extraction.ModelStreamer) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive across queries.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db))

	logger := testLogger()
	repos := storage.NewRepositories(db)

	reg := registry.NewRegistry(logger, time.Hour)
	t.Cleanup(reg.Close)

	broadcaster := events.NewBroadcaster(logger)
	backend := extraction.NewStorageBackend(logger, repos, cache.NewMemoryClient(64), time.Minute)

	service := extraction.NewService(
		logger,
		reg,
		broadcaster,
		batch.NewProcessor(logger, 2),
		model,
		backend,
		backend,
		nil,
		extraction.Config{},
	)

	return &testEnv{
		repos:    repos,
		registry: reg,
		events:   broadcaster,
		service:  service,
	}
}

func seedDocumentType(t *testing.T, env *testEnv, name string) *storage.DocumentType {
	t.Helper()
	dt := &storage.DocumentType{
		Name:   name,
		Schema: json.RawMessage(invoiceSchema),
	}
	require.NoError(t, env.repos.DocumentTypes.Create(context.Background(), dt))
	return dt
}

func seedDocument(t *testing.T, env *testEnv, typeID uuid.UUID, name string) *storage.Document {
	t.Helper()
	doc := &storage.Document{
		DocumentTypeID: typeID,
		Name:           name,
		Content:        "INVOICE #1 from Acme, total $1240.50",
	}
	require.NoError(t, env.repos.Documents.Create(context.Background(), doc))
	return doc
}

// doRequest runs one request through the router and returns the recorder.
func doRequest(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}
