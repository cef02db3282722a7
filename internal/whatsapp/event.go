package whatsapp

// Event is a raw client event.
type Event interface {
	event()
}

// QR is emitted with every new scan challenge.
type QR struct {
	Code string
}

type Authenticated struct{}

type Ready struct{}

type AuthFailure struct {
	Message string
}

type Disconnected struct {
	Reason string
}

// LoadingScreen reports the client's own loading progress.
type LoadingScreen struct {
	Percent int
	Message string
}

// MessageIn is emitted for messages arriving in any chat.
type MessageIn struct {
	Message Message
}

// MessageCreate is emitted for every message created in any chat, including
// the session's own.
type MessageCreate struct {
	Message Message
}

func (QR) event()            {}
func (Authenticated) event() {}
func (Ready) event()         {}
func (AuthFailure) event()   {}
func (Disconnected) event()  {}
func (LoadingScreen) event() {}
func (MessageIn) event()     {}
func (MessageCreate) event() {}
