// Package whatsapp defines the boundary to the messaging network client: the
// raw events it emits and the commands it accepts. Implementations live in
// internal/browser (headless WhatsApp Web) and internal/mock.
package whatsapp

import (
	"context"
	"strings"
)

const (
	// ContactSuffix is the server part of a one-to-one chat id.
	ContactSuffix = "@c.us"
	// GroupSuffix is the server part of a group chat id.
	GroupSuffix = "@g.us"
)

// Client is a single messaging session.
type Client interface {
	// Subscribe registers fn for every event the client emits, in emission
	// order. fn may be called from any goroutine. The returned func removes
	// the subscription.
	Subscribe(fn func(Event)) (cancel func())

	// Initialize starts the session. It returns once the client is running;
	// authentication progress is reported through events.
	Initialize(ctx context.Context) error

	// SendMessage sends a text message to chatID and returns its id.
	SendMessage(ctx context.Context, chatID, body string) (string, error)

	// Contact looks up a contact by chat id.
	Contact(ctx context.Context, id string) (Contact, error)

	// Close tears the session down. No events are emitted after Close returns.
	Close() error
}

// Factory constructs a new, not yet initialized client.
type Factory func() (Client, error)

// Contact is the subset of contact metadata the bridge reports.
type Contact struct {
	ID       string
	PushName string
	Name     string
	Number   string
}

// DisplayName returns the first non-empty of push name, saved name and
// number, or "" when none is known.
func (c Contact) DisplayName() string {
	for _, n := range []string{c.PushName, c.Name, c.Number} {
		if n != "" {
			return n
		}
	}
	return ""
}

// Message is a chat message as reported by the client.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"fromMe"`
	HasMedia  bool   `json:"hasMedia"`
	Type      string `json:"type"`
}

// SenderID is the id whose contact describes who wrote the message: the
// author in groups, the sender otherwise.
func (m Message) SenderID() string {
	if m.Author != "" {
		return m.Author
	}
	return m.From
}

// IsGroupID reports whether id names a group chat.
func IsGroupID(id string) bool {
	return strings.HasSuffix(id, GroupSuffix)
}

// NormalizeChatID turns a bare phone number into a contact chat id. Ids that
// already carry a contact or group suffix are returned unchanged.
func NormalizeChatID(id string) string {
	if strings.HasSuffix(id, ContactSuffix) || IsGroupID(id) {
		return id
	}
	return id + ContactSuffix
}
