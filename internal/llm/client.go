// Package llm talks to an OpenAI-compatible chat completions API and streams
// extraction output token by token.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docmesh-ai/extraction-engine/internal/observability"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "openai/gpt-4o-mini"
)

// Client handles communication with the model API.
type Client struct {
	baseURL      string
	apiKey       string
	model        string
	maxTokens    int
	temperature  float64
	maxRetries   int
	retryBackoff time.Duration
	httpClient   *http.Client
	logger       *observability.Logger
}

// Config holds model client settings.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	MaxTokens      int
	Temperature    float64
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat constrains the model output format.
type ResponseFormat struct {
	Type string `json:"type"`
}

// Request represents the API request structure.
type Request struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// Response represents the API response structure.
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice.
type Choice struct {
	Delta        Delta  `json:"delta"`
	Message      Delta  `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// Delta represents a message delta in a streaming response.
type Delta struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// ExtractionRequest describes one document extraction call.
type ExtractionRequest struct {
	DocumentName    string
	DocumentContent string
	SchemaJSON      json.RawMessage
}

// NewClient creates a new model client.
func NewClient(cfg Config, logger *observability.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:       logger,
	}
}

// StreamExtraction sends a document to the model and streams extracted output
// to the tokens channel. The channel stays open after return; closing it is
// the caller's concern.
func (c *Client) StreamExtraction(ctx context.Context, req ExtractionRequest, tokens chan<- string) error {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.retryWithBackoff(ctx, func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("X-Title", "Extraction Engine")

		return c.httpClient.Do(httpReq)
	})
	if err != nil {
		return fmt.Errorf("send model request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("model API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	parser := NewStreamParser(resp.Body)
	if err := parser.ParseAll(tokens); err != nil {
		return fmt.Errorf("parse model stream: %w", err)
	}
	return nil
}

// buildRequest constructs the chat completions request for a document.
func (c *Client) buildRequest(req ExtractionRequest) *Request {
	return &Request{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: extractionSystemPrompt},
			{Role: "user", Content: buildExtractionPrompt(req)},
		},
		Stream:         true,
		MaxTokens:      c.maxTokens,
		Temperature:    c.temperature,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}
}

const extractionSystemPrompt = `You are a document data extraction engine. You read documents and return structured data as a single JSON object.

OUTPUT RULES:
- Return ONLY a valid JSON object, no markdown formatting, no codeblock delimiters
- The object must satisfy the JSON Schema provided with the document
- Use null for fields the document does not contain
- Never invent values; extract only what the document states
- Numbers must be plain JSON numbers without units, currency symbols, or thousands separators
- Dates must be ISO 8601 strings (YYYY-MM-DD)
- Begin the response with { and end it with }`

// buildExtractionPrompt creates the per-document extraction prompt.
func buildExtractionPrompt(req ExtractionRequest) string {
	var b strings.Builder
	b.WriteString("Extract structured data from the document below.\n\n")
	b.WriteString("JSON Schema the output must satisfy:\n")
	b.WriteString(string(req.SchemaJSON))
	b.WriteString("\n\nDocument")
	if req.DocumentName != "" {
		b.WriteString(" (")
		b.WriteString(req.DocumentName)
		b.WriteString(")")
	}
	b.WriteString(":\n---\n")
	b.WriteString(req.DocumentContent)
	b.WriteString("\n---\n\nReturn ONLY the JSON object.")
	return b.String()
}

// retryWithBackoff runs fn until it yields a usable response, retrying network
// errors, 429s, and 5xx responses with exponential backoff. Other statuses are
// returned to the caller as-is.
func (c *Client) retryWithBackoff(ctx context.Context, fn func() (*http.Response, error)) (*http.Response, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("Retrying model request")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, err := fn()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = fmt.Errorf("model API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}
