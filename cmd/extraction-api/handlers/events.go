package handlers

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/docmesh-ai/extraction-engine/internal/events"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
)

// EventsHandler upgrades clients to WebSocket and manages their event
// subscriptions against the broadcaster.
type EventsHandler struct {
	logger      *observability.Logger
	broadcaster *events.Broadcaster
	upgrader    websocket.Upgrader
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(logger *observability.Logger, broadcaster *events.Broadcaster) *EventsHandler {
	return &EventsHandler{
		logger:      logger,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from any origin; auth is out of scope.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// subscribeControl is the control message clients send to manage
// subscriptions over an open socket.
type subscribeControl struct {
	Action string `json:"action"`
	Topic  string `json:"topic,omitempty"`
}

// wsClient adapts a WebSocket connection to the broadcaster's Conn
// interface. Writes are serialized; a failed write closes the socket so the
// read pump unwinds and drops every subscription.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) Send(event events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(event); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

// Serve handles GET /ws. Clients start with no subscriptions and opt in via
// control messages: subscribe_all for every event, or subscribe/unsubscribe
// with a job:<id>, batch:<id> or docType:<id> topic.
func (h *EventsHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn}
	remote := conn.RemoteAddr().String()
	h.logger.Debug().Str("remote", remote).Msg("WebSocket client connected")

	defer func() {
		h.broadcaster.UnsubscribeAll(client)
		conn.Close()
		h.logger.Debug().Str("remote", remote).Msg("WebSocket client disconnected")
	}()

	for {
		var msg subscribeControl
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Action {
		case "subscribe_all":
			h.broadcaster.RegisterClient(client)
		case "subscribe":
			if !validTopic(msg.Topic) {
				h.logger.Debug().Str("topic", msg.Topic).Msg("Ignoring invalid subscription topic")
				continue
			}
			h.broadcaster.Subscribe(client, msg.Topic)
		case "unsubscribe":
			if !validTopic(msg.Topic) {
				continue
			}
			h.broadcaster.Unsubscribe(client, msg.Topic)
		default:
			h.logger.Debug().Str("action", msg.Action).Msg("Ignoring unknown control action")
		}
	}
}

// validTopic reports whether a client-supplied topic names a real event
// scope.
func validTopic(topic string) bool {
	for _, prefix := range []string{"job:", "batch:", "docType:"} {
		if strings.HasPrefix(topic, prefix) && len(topic) > len(prefix) {
			return true
		}
	}
	return false
}
