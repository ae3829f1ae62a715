// Package pubsub defines the handle of the realtime messaging provider: a
// channel-based publish/subscribe service with history, message actions and
// channel metadata.
package pubsub

import (
	"context"
	"time"
)

// Receipt actions attached to messages.
const (
	ActionReceipt = "receipt"

	ValueDelivered = "message_delivered"
	ValueRead      = "message_read"
)

// Payload is the body of a chat message as published on a channel.
type Payload struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Action is a message action such as a read receipt.
type Action struct {
	Type            string `json:"type"`
	Value           string `json:"value"`
	UUID            string `json:"uuid,omitempty"`
	ActionTimetoken string `json:"actionTimetoken,omitempty"`
}

// HistoryMessage is one entry returned by FetchMessages.
type HistoryMessage struct {
	Channel   string
	Timetoken string
	Publisher string
	Payload   Payload
	Actions   []Action
}

// HasAction reports whether an action of typ with value is attached.
func (m HistoryMessage) HasAction(typ, value string) (Action, bool) {
	for _, a := range m.Actions {
		if a.Type == typ && a.Value == value {
			return a, true
		}
	}
	return Action{}, false
}

// HistoryPage is one page of history. Fetched counts every entry the
// provider returned, including entries that are not chat messages and are
// left out of Messages; Oldest is the timetoken of the oldest of them.
type HistoryPage struct {
	Messages []HistoryMessage
	Fetched  int
	Oldest   string
}

// FetchOptions selects one page of history. Start is exclusive and bounds
// the page from above; an empty Start fetches the newest messages.
type FetchOptions struct {
	Channel        string
	Start          string
	Count          int
	IncludeActions bool
}

// ChannelMetadata describes a channel. Custom is provider-opaque and is
// interpreted by the conversation resolver.
type ChannelMetadata struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Custom      map[string]any `json:"custom,omitempty"`
	Updated     string         `json:"updated,omitempty"`
}

// Client is the provider handle.
type Client interface {
	// UUID is the identity this client publishes as.
	UUID() string

	Subscribe(ctx context.Context, channels, groups []string) error
	UnsubscribeAll(ctx context.Context) error

	// Publish sends msg to channel and returns the timetoken assigned to it.
	Publish(ctx context.Context, channel string, msg any) (string, error)
	// Signal sends a small ephemeral payload such as a typing indicator.
	Signal(ctx context.Context, channel string, payload any) error

	AddListener(l *Listener)
	RemoveListener(l *Listener)

	// FetchMessages returns one page of history, oldest first.
	FetchMessages(ctx context.Context, opts FetchOptions) (HistoryPage, error)
	AddMessageAction(ctx context.Context, channel, messageTimetoken string, action Action) (Action, error)

	// GetMemberships lists the metadata of every channel this identity belongs to.
	GetMemberships(ctx context.Context) ([]ChannelMetadata, error)
	GetChannelMetadata(ctx context.Context, channel string) (ChannelMetadata, error)
}
