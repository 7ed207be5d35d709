package realtime

import (
	"context"
	"encoding/json"
)

// BroadcastMessage is an ephemeral, unpersisted message on a named channel.
type BroadcastMessage struct {
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	SenderRef string          `json:"sender_ref,omitempty"`
}

// Broadcaster relays messages between the subscribers of a channel.
// Delivery is best effort and unordered across senders.
type Broadcaster struct {
	hub      *hub[BroadcastMessage]
	observer Observer
}

func NewBroadcaster(observer Observer) *Broadcaster {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Broadcaster{hub: newHub[BroadcastMessage](defaultSubscriberBuffer), observer: observer}
}

// Subscribe listens on channel. Messages the caller sent itself are still delivered;
// receivers compare SenderRef to skip their own echoes.
func (b *Broadcaster) Subscribe(ctx context.Context, channel string) (<-chan BroadcastMessage, func()) {
	return b.hub.subscribe(ctx, channel)
}

func (b *Broadcaster) Send(message BroadcastMessage) {
	if message.Channel == "" || message.Event == "" {
		return
	}
	delivered, dropped := b.hub.publish(message.Channel, message)
	b.observer.BroadcastRelayed(message.Event, delivered, dropped)
}

// ChannelName scopes a logical channel to one session.
func ChannelName(sessionID, channel string) string {
	if sessionID == "" || channel == "" {
		return ""
	}
	return sessionID + ":" + channel
}
