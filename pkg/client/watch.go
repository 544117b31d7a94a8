package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

// Event types delivered over the event stream.
const (
	EventJobStarted     = "job:started"
	EventJobProgress    = "job:progress"
	EventJobCompleted   = "job:completed"
	EventJobFailed      = "job:failed"
	EventBatchStarted   = "batch:started"
	EventBatchProgress  = "batch:progress"
	EventBatchCompleted = "batch:completed"
	EventBatchFailed    = "batch:failed"
)

// BatchCounters is the payload of batch progress and terminal events.
type BatchCounters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Event is one notification from the live event stream.
type Event struct {
	Type           string         `json:"type"`
	JobID          string         `json:"jobId,omitempty"`
	DocumentID     string         `json:"documentId,omitempty"`
	BatchID        string         `json:"batchId,omitempty"`
	DocumentTypeID string         `json:"documentTypeId,omitempty"`
	Status         string         `json:"status,omitempty"`
	Error          string         `json:"error,omitempty"`
	Progress       *Progress      `json:"progress,omitempty"`
	Batch          *BatchCounters `json:"batch,omitempty"`
	Timestamp      string         `json:"timestamp"`
}

// WatchBatch subscribes to a batch's event stream and invokes fn for every
// event until the batch reaches a terminal state or ctx is cancelled. fn runs
// on the read loop, so a slow callback delays subsequent events.
func (c *Client) WatchBatch(ctx context.Context, batchID string, fn func(Event)) error {
	return c.watch(ctx, "batch:"+batchID, fn, func(ev Event) bool {
		if ev.BatchID != batchID {
			return false
		}
		switch ev.Type {
		case EventBatchCompleted, EventBatchFailed:
			return true
		}
		return false
	})
}

// WatchJob subscribes to a job's event stream and invokes fn for every event
// until the job completes or fails, or ctx is cancelled.
func (c *Client) WatchJob(ctx context.Context, jobID string, fn func(Event)) error {
	return c.watch(ctx, "job:"+jobID, fn, func(ev Event) bool {
		if ev.JobID != jobID {
			return false
		}
		switch ev.Type {
		case EventJobCompleted, EventJobFailed:
			return true
		}
		return false
	})
}

// WatchAll subscribes to every event and invokes fn until ctx is cancelled.
func (c *Client) WatchAll(ctx context.Context, fn func(Event)) error {
	err := c.watch(ctx, "", fn, func(Event) bool { return false })
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// watch dials the event endpoint, subscribes to topic (or to everything when
// topic is empty) and pumps events into fn until done reports a terminal
// event.
func (c *Client) watch(ctx context.Context, topic string, fn func(Event), done func(Event) bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.websocketURL(), nil)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close()

	control := map[string]string{"action": "subscribe_all"}
	if topic != "" {
		control = map[string]string{"action": "subscribe", "topic": topic}
	}
	if err := conn.WriteJSON(control); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Closing the connection is the only way to unblock a pending read.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}

		if fn != nil {
			fn(ev)
		}
		if done(ev) {
			return nil
		}
	}
}

// websocketURL derives the event stream URL from the configured base URL.
func (c *Client) websocketURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/ws"
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/ws"
	}
	return c.baseURL + "/ws"
}
