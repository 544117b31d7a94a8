package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ExtractOptions configures a streaming extraction.
type ExtractOptions struct {
	CreatedBy string
	// OnProgress receives every partial object recovered from the model
	// stream. It runs on the read loop.
	OnProgress func(partial map[string]any)
}

// ExtractOutcome is the final result of a streaming extraction.
type ExtractOutcome struct {
	JobID string
	Data  map[string]any
}

// ExtractFailedError reports an extraction stream that ended with a failure
// frame.
type ExtractFailedError struct {
	JobID   string
	Message string
}

func (e *ExtractFailedError) Error() string {
	return fmt.Sprintf("extraction failed: %s", e.Message)
}

// extractFrame mirrors one event of the extraction stream.
type extractFrame struct {
	Type       string         `json:"type"`
	DocumentID string         `json:"documentId"`
	JobID      string         `json:"jobId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Extract runs a synchronous streaming extraction for a document and blocks
// until the job settles. Progress frames are delivered through
// opts.OnProgress; the returned outcome carries the job ID and the final
// extracted object.
func (c *Client) Extract(ctx context.Context, documentID string, opts ExtractOptions) (*ExtractOutcome, error) {
	var body io.Reader = http.NoBody
	if opts.CreatedBy != "" {
		payload, err := json.Marshal(map[string]string{"createdBy": opts.CreatedBy})
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	path := c.baseURL + "/api/v1/documents/" + url.PathEscape(documentID) + "/extract"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	// The default client would time the stream out mid-extraction, so this
	// request deliberately bypasses its timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	// Partial objects can outgrow the default line buffer.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var frame extractFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			return nil, fmt.Errorf("decode stream frame: %w", err)
		}

		switch frame.Type {
		case EventJobProgress:
			if opts.OnProgress != nil {
				opts.OnProgress(frame.Data)
			}
		case EventJobCompleted:
			return &ExtractOutcome{JobID: frame.JobID, Data: frame.Data}, nil
		case EventJobFailed:
			return nil, &ExtractFailedError{JobID: frame.JobID, Message: frame.Error}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	return nil, fmt.Errorf("stream ended without a terminal frame")
}
