package session

// LifecycleEvent is one of QRIssued, AuthenticatedEvent, ReadyEvent,
// AuthFailureEvent, DisconnectedEvent or LoadingEvent.
type LifecycleEvent interface {
	lifecycleEvent()
	Name() string
}

// QRIssued carries a fresh scan challenge. Image is the rendered QR payload,
// empty when rendering failed.
type QRIssued struct {
	Challenge string
	Image     string
}

type AuthenticatedEvent struct{}

type ReadyEvent struct{}

type AuthFailureEvent struct {
	Reason string
}

type DisconnectedEvent struct {
	Reason string
}

type LoadingEvent struct {
	Percent int
	Message string
}

func (QRIssued) lifecycleEvent()           {}
func (AuthenticatedEvent) lifecycleEvent() {}
func (ReadyEvent) lifecycleEvent()         {}
func (AuthFailureEvent) lifecycleEvent()   {}
func (DisconnectedEvent) lifecycleEvent()  {}
func (LoadingEvent) lifecycleEvent()       {}

func (QRIssued) Name() string           { return "qr" }
func (AuthenticatedEvent) Name() string { return "authenticated" }
func (ReadyEvent) Name() string         { return "ready" }
func (AuthFailureEvent) Name() string   { return "auth_failure" }
func (DisconnectedEvent) Name() string  { return "disconnected" }
func (LoadingEvent) Name() string       { return "loading" }

// Message is a chat message as observed on the session. ContactName is nil
// when the contact could not be resolved.
type Message struct {
	ID          string
	From        string
	To          string
	Author      string
	ContactID   string
	ContactName *string
	Body        string
	Timestamp   int64
	FromMe      bool
	HasMedia    bool
	Type        string
	IsGroup     bool
}

// ContentEvent is either MessageReceived or MessageSent. Content events never
// change the session state.
type ContentEvent interface {
	contentEvent()
	Name() string
}

type MessageReceived struct {
	Message
}

type MessageSent struct {
	Message
}

func (MessageReceived) contentEvent() {}
func (MessageSent) contentEvent()     {}

func (MessageReceived) Name() string { return "message_received" }
func (MessageSent) Name() string     { return "message_sent" }
