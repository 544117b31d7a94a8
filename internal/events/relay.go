package events

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/docmesh-ai/extraction-engine/internal/cache"
	"github.com/docmesh-ai/extraction-engine/internal/observability"
)

// DefaultRelayChannel is the pub/sub channel relays share unless configured
// otherwise.
const DefaultRelayChannel = "events"

// relayEnvelope wraps an event with its publishing instance so a relay can
// ignore its own messages coming back around.
type relayEnvelope struct {
	Source string `json:"source"`
	Event  Event  `json:"event"`
}

// Relay mirrors local events onto a shared pub/sub channel and re-broadcasts
// events published by other instances to local connections. It gives every
// instance's clients the full event stream without making the broadcaster
// itself aware of Redis; delivery guarantees stay best-effort.
type Relay struct {
	logger      *observability.Logger
	pubsub      cache.PubSub
	channel     string
	local       *Broadcaster
	id          string
	unsubscribe func()
}

// NewRelay creates a relay between the local broadcaster and the shared
// channel. Call Start to begin relaying.
func NewRelay(logger *observability.Logger, pubsub cache.PubSub, channel string, local *Broadcaster) *Relay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &Relay{
		logger:  logger,
		pubsub:  pubsub,
		channel: channel,
		local:   local,
		id:      uuid.New().String(),
	}
}

// Start subscribes to the shared channel and registers the relay as a global
// client of the local broadcaster.
func (r *Relay) Start(ctx context.Context) error {
	ch, unsubscribe, err := r.pubsub.Subscribe(ctx, r.channel)
	if err != nil {
		return err
	}
	r.unsubscribe = unsubscribe
	r.local.RegisterClient(r)
	go r.listen(ch)

	r.logger.Info().Str("channel", r.channel).Msg("Event relay started")
	return nil
}

// Close detaches the relay from the broadcaster and the shared channel.
func (r *Relay) Close() {
	r.local.UnsubscribeAll(r)
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// Send implements Conn by forwarding a locally published event to the
// shared channel.
func (r *Relay) Send(event Event) error {
	return r.pubsub.Publish(context.Background(), r.channel, relayEnvelope{
		Source: r.id,
		Event:  event,
	})
}

func (r *Relay) listen(ch <-chan []byte) {
	for msg := range ch {
		var env relayEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			r.logger.Warn().Err(err).Msg("Dropping malformed relay message")
			continue
		}
		// Local clients already saw this instance's own events.
		if env.Source == r.id {
			continue
		}
		r.local.PublishExcept(env.Event, r)
	}
}
