package ws

import (
	"github.com/wabridge/server/internal/session"
)

type MessageType string

const (
	MsgStatus          MessageType = "status"
	MsgQR              MessageType = "qr"
	MsgAuthenticated   MessageType = "authenticated"
	MsgReady           MessageType = "ready"
	MsgAuthFailure     MessageType = "auth_failure"
	MsgDisconnected    MessageType = "disconnected"
	MsgLoading         MessageType = "loading"
	MsgMessageReceived MessageType = "message_received"
	MsgMessageSent     MessageType = "message_sent"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type StatusPayload struct {
	Status session.Status `json:"status"`
}

// QRPayload carries the rendered image, or null when rendering failed, and
// always the raw challenge.
type QRPayload struct {
	QR       *string `json:"qr"`
	QRString string  `json:"qrString"`
}

type EmptyPayload struct{}

type AuthFailurePayload struct {
	Message string `json:"message"`
}

type DisconnectedPayload struct {
	Reason string `json:"reason"`
}

type LoadingPayload struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

type MessageReceivedPayload struct {
	ID          string  `json:"id"`
	From        string  `json:"from"`
	Author      string  `json:"author,omitempty"`
	ContactID   string  `json:"contactId"`
	ContactName *string `json:"contactName"`
	Body        string  `json:"body"`
	Timestamp   int64   `json:"timestamp"`
	FromMe      bool    `json:"fromMe"`
	HasMedia    bool    `json:"hasMedia"`
	Type        string  `json:"type"`
	IsGroup     bool    `json:"isGroup"`
}

type MessageSentPayload struct {
	ID          string  `json:"id"`
	To          string  `json:"to"`
	ContactName *string `json:"contactName"`
	Body        string  `json:"body"`
	Timestamp   int64   `json:"timestamp"`
	HasMedia    bool    `json:"hasMedia"`
	Type        string  `json:"type"`
	IsGroup     bool    `json:"isGroup"`
}

func statusMessage(st session.Status) WSMessage {
	return WSMessage{Type: MsgStatus, Payload: StatusPayload{Status: st}}
}

func qrMessage(challenge, image string) WSMessage {
	p := QRPayload{QRString: challenge}
	if image != "" {
		p.QR = &image
	}
	return WSMessage{Type: MsgQR, Payload: p}
}

func lifecycleMessage(ev session.LifecycleEvent) WSMessage {
	switch e := ev.(type) {
	case session.QRIssued:
		return qrMessage(e.Challenge, e.Image)
	case session.AuthenticatedEvent:
		return WSMessage{Type: MsgAuthenticated, Payload: EmptyPayload{}}
	case session.ReadyEvent:
		return WSMessage{Type: MsgReady, Payload: EmptyPayload{}}
	case session.AuthFailureEvent:
		return WSMessage{Type: MsgAuthFailure, Payload: AuthFailurePayload{Message: e.Reason}}
	case session.DisconnectedEvent:
		return WSMessage{Type: MsgDisconnected, Payload: DisconnectedPayload{Reason: e.Reason}}
	case session.LoadingEvent:
		return WSMessage{Type: MsgLoading, Payload: LoadingPayload{Percent: e.Percent, Message: e.Message}}
	}
	return WSMessage{Type: MessageType(ev.Name()), Payload: EmptyPayload{}}
}

func contentMessage(ev session.ContentEvent) WSMessage {
	switch e := ev.(type) {
	case session.MessageReceived:
		return WSMessage{Type: MsgMessageReceived, Payload: MessageReceivedPayload{
			ID:          e.ID,
			From:        e.From,
			Author:      e.Author,
			ContactID:   e.ContactID,
			ContactName: e.ContactName,
			Body:        e.Body,
			Timestamp:   e.Timestamp,
			FromMe:      e.FromMe,
			HasMedia:    e.HasMedia,
			Type:        e.Type,
			IsGroup:     e.IsGroup,
		}}
	case session.MessageSent:
		return WSMessage{Type: MsgMessageSent, Payload: MessageSentPayload{
			ID:          e.ID,
			To:          e.To,
			ContactName: e.ContactName,
			Body:        e.Body,
			Timestamp:   e.Timestamp,
			HasMedia:    e.HasMedia,
			Type:        e.Type,
			IsGroup:     e.IsGroup,
		}}
	}
	return WSMessage{Type: MessageType(ev.Name()), Payload: EmptyPayload{}}
}

// followedByStatus reports whether a broadcast of ev is followed by a status
// broadcast.
func followedByStatus(ev session.LifecycleEvent) bool {
	switch ev.(type) {
	case session.AuthenticatedEvent, session.ReadyEvent, session.AuthFailureEvent, session.DisconnectedEvent:
		return true
	}
	return false
}
