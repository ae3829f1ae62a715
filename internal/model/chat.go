package model

import (
	"slices"
	"strings"
	"time"
)

// Contact is a phone-book entry resolved against the remote API. Contacts are
// keyed by mobile number.
type Contact struct {
	ID       string `json:"id"`
	Mobile   string `json:"mobile"`
	FullName string `json:"full_name"`
	IsMe     bool   `json:"is_me"`
	Groups   string `json:"groups"` // comma-joined channel ids
	Channel  string `json:"channel,omitempty"`
}

func (c *Contact) Schema() Schema     { return SchemaContact }
func (c *Contact) PrimaryKey() string { return c.Mobile }

// GroupIDs splits the comma-joined Groups field.
func (c *Contact) GroupIDs() []string {
	if c.Groups == "" {
		return nil
	}
	return strings.Split(c.Groups, ",")
}

// JoinGroup appends channel to Groups. Returns false if already a member.
func (c *Contact) JoinGroup(channel string) bool {
	ids := c.GroupIDs()
	if slices.Contains(ids, channel) {
		return false
	}
	c.Groups = strings.Join(append(ids, channel), ",")
	return true
}

// ConversationType is the persisted discriminator of a conversation.
type ConversationType string

const (
	ConversationDirect ConversationType = "1-1"
	ConversationGroup  ConversationType = "group"
)

// Conversation maps 1:1 to a pub/sub channel.
type Conversation struct {
	ID      string           `json:"id"`
	Channel string           `json:"channel"`
	Name    string           `json:"name"`
	Type    ConversationType `json:"type"`
	Members []string         `json:"members"`
	Admins  []string         `json:"admins,omitempty"`
	Creator string           `json:"creator,omitempty"`
	// LastMessage holds the id of the newest known Message, not the message itself.
	LastMessage string `json:"last_message,omitempty"`
}

func (c *Conversation) Schema() Schema     { return SchemaConversation }
func (c *Conversation) PrimaryKey() string { return c.Channel }

// Localize drops the group administration fields, which only the synced
// schema stores.
func (c *Conversation) Localize() Object {
	cp := *c
	cp.Admins = nil
	cp.Creator = ""
	return &cp
}

// Restore copies Admins and Creator back from the synced copy.
func (c *Conversation) Restore(synced Object) Object {
	cp := *c
	if s, ok := synced.(*Conversation); ok {
		cp.Admins = s.Admins
		cp.Creator = s.Creator
	}
	return &cp
}

// ConversationKind is the resolved variant of a conversation.
type ConversationKind interface {
	conversationKind()
}

// GroupKind describes a group conversation.
type GroupKind struct {
	GroupID string
	Admins  []string
	Creator string
}

// DirectKind describes a one-to-one conversation with Peer.
type DirectKind struct {
	Peer string
}

func (GroupKind) conversationKind()  {}
func (DirectKind) conversationKind() {}

// Kind resolves the conversation variant. self is the current user's mobile
// and is used to pick the peer of a direct conversation.
func (c *Conversation) Kind(self string) ConversationKind {
	if c.Type == ConversationGroup {
		return GroupKind{GroupID: c.ID, Admins: c.Admins, Creator: c.Creator}
	}
	for _, m := range c.Members {
		if m != self {
			return DirectKind{Peer: m}
		}
	}
	return DirectKind{Peer: self}
}

// DeliveryStatus is derived from the timetoken fields of a message.
type DeliveryStatus string

const (
	StatusPending  DeliveryStatus = "pending"
	StatusSent     DeliveryStatus = "sent"
	StatusReceived DeliveryStatus = "received"
	StatusRead     DeliveryStatus = "read"
)

// Message is a chat message. ID, Channel, Author, Content and CreatedAt never
// change once written; only the timetoken fields are refreshed.
type Message struct {
	ID                 string    `json:"id"`
	Channel            string    `json:"channel"`
	Author             string    `json:"author"`
	Content            string    `json:"content"`
	CreatedAt          time.Time `json:"created_at"`
	Timetoken          string    `json:"timetoken,omitempty"`
	DeliveredTimetoken string    `json:"delivered_timetoken,omitempty"`
	ReadTimetoken      string    `json:"read_timetoken,omitempty"`
}

func (m *Message) Schema() Schema { return SchemaMessage }

// PrimaryKey is the message ID alone, not scoped by channel. IDs are taken to
// be globally unique: outgoing messages get a fresh UUID and history entries
// without an ID fall back to their timetoken.
func (m *Message) PrimaryKey() string { return m.ID }

// Status checks read > received > sent > pending.
func (m *Message) Status() DeliveryStatus {
	switch {
	case m.ReadTimetoken != "":
		return StatusRead
	case m.DeliveredTimetoken != "":
		return StatusReceived
	case m.Timetoken != "":
		return StatusSent
	default:
		return StatusPending
	}
}

// Refresh applies sequence and receipt fields from an incoming copy of the
// same message. Empty incoming values never clear a field that is set.
// Returns true if anything changed.
func (m *Message) Refresh(in *Message) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&m.Timetoken, in.Timetoken)
	set(&m.DeliveredTimetoken, in.DeliveredTimetoken)
	set(&m.ReadTimetoken, in.ReadTimetoken)
	return changed
}
