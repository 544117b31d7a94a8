// Package client provides the public Go SDK for the extraction engine API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:8084"

// Client is the public SDK client for the extraction engine.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	// Timeout applies to unary calls only. Streaming calls (Extract, the
	// watch methods) run until their context is cancelled.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewClient creates a new extraction engine client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("extraction API returned status %d: %s (%s)", e.StatusCode, e.Message, e.Detail)
	}
	return fmt.Sprintf("extraction API returned status %d: %s", e.StatusCode, e.Message)
}

// DocumentType represents a registered extraction schema.
type DocumentType struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Schema    json.RawMessage `json:"schema"`
	CreatedAt string          `json:"createdAt"`
}

// Document represents an uploaded document. Content is only populated on
// single-document lookups.
type Document struct {
	ID             string `json:"id"`
	DocumentTypeID string `json:"documentTypeId"`
	Name           string `json:"name"`
	Content        string `json:"content,omitempty"`
	Status         string `json:"status"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

// ExtractionResult represents one persisted extraction for a document.
type ExtractionResult struct {
	ID          string          `json:"id"`
	DocumentID  string          `json:"documentId"`
	Data        json.RawMessage `json:"data"`
	ExtractedAt string          `json:"extractedAt"`
}

// Progress carries the completion percentage and the most recent partial
// extraction for a running job.
type Progress struct {
	Percent     int            `json:"percent"`
	PartialData map[string]any `json:"partialData,omitempty"`
}

// Job represents one document extraction.
type Job struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"documentId"`
	BatchID     string    `json:"batchId,omitempty"`
	Status      string    `json:"status"`
	Progress    *Progress `json:"progress,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   string    `json:"createdAt"`
	StartedAt   string    `json:"startedAt,omitempty"`
	CompletedAt string    `json:"completedAt,omitempty"`
	CreatedBy   string    `json:"createdBy,omitempty"`
}

// Batch groups the jobs created from one submission.
type Batch struct {
	ID             string `json:"id"`
	DocumentTypeID string `json:"documentTypeId"`
	Total          int    `json:"total"`
	Completed      int    `json:"completed"`
	Failed         int    `json:"failed"`
	Status         string `json:"status"`
	WebhookURL     string `json:"webhookUrl,omitempty"`
	CreatedAt      string `json:"createdAt"`
	CompletedAt    string `json:"completedAt,omitempty"`
}

// BatchSubmission is the response to a batch submission or an includeJobs
// batch lookup.
type BatchSubmission struct {
	Batch *Batch `json:"batch"`
	Jobs  []*Job `json:"jobs"`
}

// BatchCancellation carries the cancelled batch and the jobs the cancellation
// transitioned.
type BatchCancellation struct {
	Batch         *Batch `json:"batch"`
	CancelledJobs []*Job `json:"cancelledJobs"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// CreateDocumentTypeRequest registers a new document type.
type CreateDocumentTypeRequest struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// CreateDocumentRequest uploads a document for later extraction.
type CreateDocumentRequest struct {
	DocumentTypeID string `json:"documentTypeId"`
	Name           string `json:"name"`
	Content        string `json:"content"`
}

// SubmitBatchRequest submits a set of documents for extraction.
type SubmitBatchRequest struct {
	DocumentTypeID string   `json:"documentTypeId"`
	DocumentIDs    []string `json:"documentIds"`
	WebhookURL     string   `json:"webhookUrl,omitempty"`
	CreatedBy      string   `json:"createdBy,omitempty"`
}

// CreateDocumentType registers a document type with its extraction schema.
func (c *Client) CreateDocumentType(ctx context.Context, req CreateDocumentTypeRequest) (*DocumentType, error) {
	var out DocumentType
	if err := c.post(ctx, "/api/v1/document-types", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDocumentType fetches a document type by ID.
func (c *Client) GetDocumentType(ctx context.Context, documentTypeID string) (*DocumentType, error) {
	var out DocumentType
	if err := c.get(ctx, "/api/v1/document-types/"+url.PathEscape(documentTypeID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDocumentTypes lists every registered document type.
func (c *Client) ListDocumentTypes(ctx context.Context) ([]DocumentType, error) {
	var out []DocumentType
	if err := c.get(ctx, "/api/v1/document-types", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveJobs lists the pending and processing jobs for a document type.
func (c *Client) ActiveJobs(ctx context.Context, documentTypeID string) ([]*Job, error) {
	var out []*Job
	if err := c.get(ctx, "/api/v1/document-types/"+url.PathEscape(documentTypeID)+"/jobs/active", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateDocument uploads a document.
func (c *Client) CreateDocument(ctx context.Context, req CreateDocumentRequest) (*Document, error) {
	var out Document
	if err := c.post(ctx, "/api/v1/documents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDocument fetches a document by ID, including its content.
func (c *Client) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	var out Document
	if err := c.get(ctx, "/api/v1/documents/"+url.PathEscape(documentID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDocuments lists the documents of a document type, newest first.
func (c *Client) ListDocuments(ctx context.Context, documentTypeID string) ([]Document, error) {
	var out []Document
	if err := c.get(ctx, "/api/v1/documents?documentTypeId="+url.QueryEscape(documentTypeID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DocumentResults lists every extraction result for a document, newest first.
func (c *Client) DocumentResults(ctx context.Context, documentID string) ([]ExtractionResult, error) {
	var out []ExtractionResult
	if err := c.get(ctx, "/api/v1/documents/"+url.PathEscape(documentID)+"/results", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestResult fetches the most recent extraction result for a document.
func (c *Client) LatestResult(ctx context.Context, documentID string) (*ExtractionResult, error) {
	var out ExtractionResult
	if err := c.get(ctx, "/api/v1/documents/"+url.PathEscape(documentID)+"/results/latest", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitBatch submits a batch of documents for extraction. The batch is
// accepted with pending jobs and runs in the background; poll GetBatch or use
// WatchBatch to follow it.
func (c *Client) SubmitBatch(ctx context.Context, req SubmitBatchRequest) (*BatchSubmission, error) {
	var out BatchSubmission
	if err := c.post(ctx, "/api/v1/batches", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBatch fetches a batch by ID.
func (c *Client) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var out Batch
	if err := c.get(ctx, "/api/v1/batches/"+url.PathEscape(batchID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchJobs lists the jobs of a batch in submission order.
func (c *Client) BatchJobs(ctx context.Context, batchID string) ([]*Job, error) {
	var out []*Job
	if err := c.get(ctx, "/api/v1/batches/"+url.PathEscape(batchID)+"/jobs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelBatch cancels a batch and its unfinished jobs. Cancelling an already
// terminal batch is a no-op that returns the batch unchanged.
func (c *Client) CancelBatch(ctx context.Context, batchID string) (*BatchCancellation, error) {
	var out BatchCancellation
	if err := c.post(ctx, "/api/v1/batches/"+url.PathEscape(batchID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob fetches a job by ID.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var out Job
	if err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(jobID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelJob cancels a single job. Cancelling a settled job is a no-op that
// returns its current state.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	var out Job
	if err := c.post(ctx, "/api/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PendingJobs lists pending jobs in creation order. A non-positive limit
// returns all of them.
func (c *Client) PendingJobs(ctx context.Context, limit int) ([]*Job, error) {
	path := "/api/v1/jobs?status=pending"
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}

	var out []*Job
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health checks the service health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeAPIError turns a non-2xx response into an APIError, preserving the
// body as the message when it is not the standard error envelope.
func decodeAPIError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var envelope struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(bodyBytes, &envelope); err == nil && envelope.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: envelope.Message, Detail: envelope.Detail}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
}
