package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh-ai/extraction-engine/internal/batch"
	"github.com/docmesh-ai/extraction-engine/internal/events"
	"github.com/docmesh-ai/extraction-engine/internal/llm"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
	"github.com/docmesh-ai/extraction-engine/internal/registry"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:       "error",
		Output:      io.Discard,
		ServiceName: "extraction-test",
	})
}

// invoiceSchema declares two top-level properties, which progress estimation
// counts against.
const invoiceSchema = `{"type":"object","properties":{"vendor":{"type":"string"},"total":{"type":"number"}}}`

// invoiceTokens accumulate into a valid object, and every prefix repairs into
// a parseable partial.
var invoiceTokens = []string{`{"vendor": "Acme"`, `, "total": 12`, `40.5}`}

type fakeModel struct {
	mu          sync.Mutex
	calls       []llm.ExtractionRequest
	inFlight    int
	maxInFlight int

	tokens []string
	perDoc map[string][]string
	errFor map[string]error
	err    error

	// started closes when the first stream begins; release, when set, gates
	// every stream until the test closes it.
	started   chan struct{}
	startOnce sync.Once
	release   chan struct{}
}

func (m *fakeModel) StreamExtraction(ctx context.Context, req llm.ExtractionRequest, tokens chan<- string) error {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	script := m.tokens
	if s, ok := m.perDoc[req.DocumentName]; ok {
		script = s
	}
	streamErr := m.err
	if e, ok := m.errFor[req.DocumentName]; ok {
		streamErr = e
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.started != nil {
		m.startOnce.Do(func() { close(m.started) })
	}
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, tok := range script {
		select {
		case tokens <- tok:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return streamErr
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *fakeModel) peakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

type fakePreparer struct {
	mu     sync.Mutex
	calls  []string
	schema json.RawMessage
	errFor map[string]error
}

func (p *fakePreparer) PrepareInput(ctx context.Context, documentID string) (*llm.ExtractionRequest, error) {
	p.mu.Lock()
	p.calls = append(p.calls, documentID)
	p.mu.Unlock()

	if err, ok := p.errFor[documentID]; ok {
		return nil, err
	}
	schema := p.schema
	if schema == nil {
		schema = json.RawMessage(invoiceSchema)
	}
	return &llm.ExtractionRequest{
		DocumentName:    documentID,
		DocumentContent: "document body",
		SchemaJSON:      schema,
	}, nil
}

type fakePersister struct {
	mu      sync.Mutex
	saved   map[string]map[string]any
	failed  []string
	saveErr error
}

func (p *fakePersister) SaveResult(ctx context.Context, documentID string, data map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	if p.saved == nil {
		p.saved = make(map[string]map[string]any)
	}
	p.saved[documentID] = data
	return nil
}

func (p *fakePersister) MarkFailed(ctx context.Context, documentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, documentID)
	return nil
}

func (p *fakePersister) savedFor(documentID string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saved[documentID]
}

func (p *fakePersister) failedDocs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.failed...)
}

type webhookCall struct {
	URL     string
	Payload BatchCompletedPayload
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []webhookCall
}

func (n *fakeNotifier) NotifyBatchCompleted(ctx context.Context, url string, payload BatchCompletedPayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, webhookCall{URL: url, Payload: payload})
}

func (n *fakeNotifier) deliveries() []webhookCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]webhookCall(nil), n.calls...)
}

type captureConn struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureConn) Send(event events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureConn) all() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.events...)
}

func (c *captureConn) ofType(t events.EventType) []events.Event {
	var out []events.Event
	for _, e := range c.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type serviceHarness struct {
	service   *Service
	registry  *registry.Registry
	model     *fakeModel
	preparer  *fakePreparer
	persister *fakePersister
	notifier  *fakeNotifier
	conn      *captureConn
}

func newServiceHarness(t *testing.T, workers int, model *fakeModel) *serviceHarness {
	t.Helper()
	logger := testLogger()

	reg := registry.NewRegistry(logger, time.Hour)
	t.Cleanup(reg.Close)

	broadcaster := events.NewBroadcaster(logger)
	conn := &captureConn{}
	broadcaster.RegisterClient(conn)

	preparer := &fakePreparer{}
	persister := &fakePersister{}
	notifier := &fakeNotifier{}

	svc := NewService(
		logger,
		reg,
		broadcaster,
		batch.NewProcessor(logger, workers),
		model,
		preparer,
		persister,
		notifier,
		Config{},
	)
	return &serviceHarness{
		service:   svc,
		registry:  reg,
		model:     model,
		preparer:  preparer,
		persister: persister,
		notifier:  notifier,
		conn:      conn,
	}
}

func eventTypes(evs []events.Event) []events.EventType {
	out := make([]events.EventType, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func TestNewService_DefaultStreamBuffer(t *testing.T) {
	h := newServiceHarness(t, 1, &fakeModel{})
	assert.Equal(t, defaultStreamBufferSize, h.service.streamBuf)
}

func TestExtractDocument_StreamsAndCompletes(t *testing.T) {
	h := newServiceHarness(t, 1, &fakeModel{tokens: invoiceTokens})

	var updates []map[string]any
	job, data, err := h.service.ExtractDocument(context.Background(), ExtractRequest{
		DocumentID:     "doc-1",
		DocumentTypeID: "invoice",
		CreatedBy:      "tester",
		OnUpdate: func(partial map[string]any) {
			updates = append(updates, partial)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, registry.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Progress)
	assert.Equal(t, 100, job.Progress.Percent)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, "tester", job.CreatedBy)

	assert.Equal(t, map[string]any{"vendor": "Acme", "total": 1240.5}, data)
	assert.Equal(t, data, h.persister.savedFor("doc-1"))
	assert.Empty(t, h.persister.failedDocs())

	// Every accumulated prefix repairs into an object, so each token yields
	// a partial update; the last one already holds the full value.
	require.Len(t, updates, 3)
	assert.Equal(t, map[string]any{"vendor": "Acme"}, updates[0])
	assert.Equal(t, data, updates[2])

	evs := h.conn.all()
	require.NotEmpty(t, evs)
	assert.Equal(t, events.EventJobStarted, evs[0].Type)
	assert.Equal(t, events.EventJobCompleted, evs[len(evs)-1].Type)
	progress := h.conn.ofType(events.EventJobProgress)
	require.Len(t, progress, 3)
	for _, e := range progress {
		assert.Equal(t, job.ID, e.JobID)
		assert.Equal(t, "doc-1", e.DocumentID)
		assert.Equal(t, "invoice", e.DocumentTypeID)
		require.NotNil(t, e.Progress)
		assert.NotEmpty(t, e.Progress.PartialData)
	}
	// One parsed field out of two expected, then both.
	assert.Equal(t, 50, progress[0].Progress.Percent)
	assert.Equal(t, 95, progress[2].Progress.Percent)
}

func TestExtractDocument_UnparsableOutputFails(t *testing.T) {
	h := newServiceHarness(t, 1, &fakeModel{
		tokens: []string{"the model ", "returned prose"},
	})

	job, data, err := h.service.ExtractDocument(context.Background(), ExtractRequest{
		DocumentID:     "doc-1",
		DocumentTypeID: "invoice",
	})
	require.Error(t, err)
	assert.Nil(t, data)

	assert.Equal(t, registry.JobStatusFailed, job.Status)
	assert.Equal(t, "Failed to parse extracted data", job.Error)
	assert.NotNil(t, job.CompletedAt)

	assert.Equal(t,
		[]events.EventType{events.EventJobStarted, events.EventJobFailed},
		eventTypes(h.conn.all()))
	assert.Nil(t, h.persister.savedFor("doc-1"))
	assert.Equal(t, []string{"doc-1"}, h.persister.failedDocs())
}

func TestExtractDocument_PrepareFailureFailsJob(t *testing.T) {
	h := newServiceHarness(t, 1, &fakeModel{tokens: invoiceTokens})
	h.preparer.errFor = map[string]error{"doc-1": errors.New("document not found")}

	job, data, err := h.service.ExtractDocument(context.Background(), ExtractRequest{
		DocumentID:     "doc-1",
		DocumentTypeID: "invoice",
	})
	require.Error(t, err)
	assert.Nil(t, data)

	assert.Equal(t, registry.JobStatusFailed, job.Status)
	assert.Equal(t, "document not found", job.Error)

	// The start still goes out before preparation, so watchers see the
	// failed run begin.
	assert.Equal(t,
		[]events.EventType{events.EventJobStarted, events.EventJobFailed},
		eventTypes(h.conn.all()))
	assert.Zero(t, h.model.callCount())
}

func TestExtractDocument_StreamErrorFailsJob(t *testing.T) {
	h := newServiceHarness(t, 1, &fakeModel{
		tokens: []string{`{"vendor": "Acme"`},
		err:    errors.New("model connection reset"),
	})

	job, data, err := h.service.ExtractDocument(context.Background(), ExtractRequest{
		DocumentID:     "doc-1",
		DocumentTypeID: "invoice",
	})
	require.Error(t, err)
	assert.Nil(t, data)

	assert.Equal(t, registry.JobStatusFailed, job.Status)
	assert.Equal(t, "model connection reset", job.Error)

	// The partial token still produced progress before the stream died.
	types := eventTypes(h.conn.all())
	assert.Equal(t, events.EventJobStarted, types[0])
	assert.Contains(t, types, events.EventJobProgress)
	assert.Equal(t, events.EventJobFailed, types[len(types)-1])
	assert.Equal(t, []string{"doc-1"}, h.persister.failedDocs())
}

func TestExtractDocument_SaveFailureFailsJob(t *testing.T) {
	h := newServiceHarness(t, 1, &fakeModel{tokens: invoiceTokens})
	h.persister.saveErr = errors.New("disk full")

	job, data, err := h.service.ExtractDocument(context.Background(), ExtractRequest{
		DocumentID:     "doc-1",
		DocumentTypeID: "invoice",
	})
	require.Error(t, err)
	assert.Nil(t, data)

	assert.Equal(t, registry.JobStatusFailed, job.Status)
	assert.Equal(t, "disk full", job.Error)
	assert.Equal(t, events.EventJobFailed, h.conn.all()[len(h.conn.all())-1].Type)
}

func TestRunJob_CancelledBeforePickup(t *testing.T) {
	h := newServiceHarness(t, 1, &fakeModel{tokens: invoiceTokens})

	job := h.registry.CreateJob(registry.CreateJobParams{DocumentID: "doc-1"})
	_, err := h.registry.CancelJob(job.ID)
	require.NoError(t, err)

	_, runErr := h.service.runJob(context.Background(), job, "invoice", nil)
	require.Error(t, runErr)

	// The cancellation already settled the job; pickup must not restart it
	// or announce anything.
	assert.Empty(t, h.conn.all())
	assert.Zero(t, h.model.callCount())

	final, err := h.registry.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.JobStatusFailed, final.Status)
	assert.Equal(t, "Cancelled by user", final.Error)
}

func TestProgressPercent(t *testing.T) {
	two := map[string]any{"a": 1, "b": 2}

	assert.Equal(t, 50, progressPercent(two, 4))
	assert.Equal(t, 5, progressPercent(map[string]any{}, 4))
	assert.Equal(t, 95, progressPercent(two, 2))
	assert.Equal(t, 95, progressPercent(two, 1))
	assert.Equal(t, 50, progressPercent(two, 0))
}

func TestExpectedFieldCount(t *testing.T) {
	assert.Equal(t, 2, expectedFieldCount(json.RawMessage(invoiceSchema)))
	assert.Equal(t, 0, expectedFieldCount(json.RawMessage(`{"type":"object"}`)))
	assert.Equal(t, 0, expectedFieldCount(json.RawMessage(`not json`)))
	assert.Equal(t, 0, expectedFieldCount(nil))
}
