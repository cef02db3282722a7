package browser

import (
	"time"

	"github.com/wabridge/server/internal/whatsapp"
)

// Page states reported by the probe script.
const (
	pageOpening        = "opening"
	pageQR             = "qr"
	pageAuthenticating = "authenticating"
	pageLoading        = "loading"
	pageReady          = "ready"
	pageConflict       = "conflict"
)

// Probe is one sample of the WhatsApp Web page.
type Probe struct {
	State   string `json:"state"`
	QR      string `json:"qr"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// tracker turns successive probes into client events. It is not safe for
// concurrent use.
type tracker struct {
	readyTimeout time.Duration

	lastQR        string
	lastPercent   int
	authenticated bool
	authedAt      time.Time
	ready         bool
	failed        bool
	done          bool
}

func newTracker(readyTimeout time.Duration) *tracker {
	return &tracker{readyTimeout: readyTimeout, lastPercent: -1}
}

// Done reports whether the session ended. No events follow a Disconnected.
func (t *tracker) Done() bool { return t.done }

// Observe folds p into the tracker and returns the events it implies.
func (t *tracker) Observe(p Probe, now time.Time) []whatsapp.Event {
	if t.done {
		return nil
	}

	var out []whatsapp.Event
	switch p.State {
	case pageQR:
		if t.authenticated {
			// A challenge after pairing means the phone logged the session out.
			t.done = true
			return []whatsapp.Event{whatsapp.Disconnected{Reason: "LOGOUT"}}
		}
		if p.QR != "" && p.QR != t.lastQR {
			t.lastQR = p.QR
			out = append(out, whatsapp.QR{Code: p.QR})
		}

	case pageAuthenticating:
		out = append(out, t.authenticate(now)...)

	case pageLoading:
		out = append(out, t.authenticate(now)...)
		if p.Percent != t.lastPercent {
			t.lastPercent = p.Percent
			out = append(out, whatsapp.LoadingScreen{Percent: p.Percent, Message: p.Message})
		}

	case pageReady:
		out = append(out, t.authenticate(now)...)
		if !t.ready {
			t.ready = true
			out = append(out, whatsapp.Ready{})
		}

	case pageConflict:
		t.done = true
		return append(out, whatsapp.Disconnected{Reason: "CONFLICT"})
	}

	if t.authenticated && !t.ready && !t.failed && t.readyTimeout > 0 && now.Sub(t.authedAt) > t.readyTimeout {
		t.failed = true
		out = append(out, whatsapp.AuthFailure{Message: "timed out waiting for the session to become ready"})
	}
	return out
}

func (t *tracker) authenticate(now time.Time) []whatsapp.Event {
	if t.authenticated {
		return nil
	}
	t.authenticated = true
	t.authedAt = now
	t.lastQR = ""
	return []whatsapp.Event{whatsapp.Authenticated{}}
}
