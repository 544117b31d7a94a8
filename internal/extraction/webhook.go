package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/docmesh-ai/extraction-engine/internal/observability"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookNotifier posts batch completion callbacks over HTTP.
type WebhookNotifier struct {
	logger *observability.Logger
	client *http.Client
}

// NewWebhookNotifier creates a notifier with the given per-delivery timeout.
func NewWebhookNotifier(logger *observability.Logger, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookNotifier{
		logger: logger,
		client: &http.Client{Timeout: timeout},
	}
}

// NotifyBatchCompleted POSTs the payload to url as JSON. Failures are logged
// and swallowed; webhook delivery never affects batch state.
func (n *WebhookNotifier) NotifyBatchCompleted(ctx context.Context, url string, payload BatchCompletedPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error().Err(err).Str("batch_id", payload.BatchID).Msg("Failed to encode webhook payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn().Err(err).Str("url", url).Msg("Failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn().
			Err(err).
			Str("url", url).
			Str("batch_id", payload.BatchID).
			Msg("Webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		n.logger.Warn().
			Int("status", resp.StatusCode).
			Str("url", url).
			Str("batch_id", payload.BatchID).
			Msg("Webhook delivery rejected")
		return
	}
	n.logger.Info().
		Str("url", url).
		Str("batch_id", payload.BatchID).
		Str("batch_status", payload.Status).
		Msg("Webhook delivered")
}
