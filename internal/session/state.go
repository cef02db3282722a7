package session

import (
	"encoding/json"
)

// Status is the lifecycle status of the messaging session.
type Status int

const (
	Disconnected Status = iota
	AwaitingScan
	Authenticated
	Ready
	AuthFailure
	Loading
)

var statusNames = map[Status]string{
	Disconnected:  "disconnected",
	AwaitingScan:  "qr",
	Authenticated: "authenticated",
	Ready:         "ready",
	AuthFailure:   "auth_failure",
	Loading:       "loading",
}

var statusFromName = map[string]Status{
	"disconnected":  Disconnected,
	"qr":            AwaitingScan,
	"authenticated": Authenticated,
	"ready":         Ready,
	"auth_failure":  AuthFailure,
	"loading":       Loading,
}

// Statuses lists every status in declaration order.
var Statuses = []Status{Disconnected, AwaitingScan, Authenticated, Ready, AuthFailure, Loading}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := ParseStatus(n); ok {
		*s = v
	}
	return nil
}

// ParseStatus returns the status with the given wire name.
func ParseStatus(name string) (Status, bool) {
	s, ok := statusFromName[name]
	return s, ok
}

// Progress is the client's loading screen progress.
type Progress struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// State is the single session record. Challenge is only set while the
// status is AwaitingScan and Loading only while the status is Loading.
type State struct {
	Status    Status    `json:"status"`
	Challenge string    `json:"-"`
	Loading   *Progress `json:"loading,omitempty"`
}

// Clone returns a copy that shares no pointers with s.
func (s State) Clone() State {
	if s.Loading != nil {
		p := *s.Loading
		s.Loading = &p
	}
	return s
}

// HasChallenge reports whether a QR challenge is pending.
func (s State) HasChallenge() bool {
	return s.Challenge != ""
}

// Next folds one lifecycle event into st and returns the resulting state.
// st is not modified.
func Next(st State, ev LifecycleEvent) State {
	next := st.Clone()
	switch e := ev.(type) {
	case QRIssued:
		next.Status = AwaitingScan
		next.Challenge = e.Challenge
		next.Loading = nil
	case AuthenticatedEvent:
		next.Status = Authenticated
	case ReadyEvent:
		next.Status = Ready
	case AuthFailureEvent:
		next.Status = AuthFailure
	case DisconnectedEvent:
		next.Status = Disconnected
	case LoadingEvent:
		next.Status = Loading
		next.Loading = &Progress{Percent: clampPercent(e.Percent), Message: e.Message}
	default:
		return next
	}

	if next.Status != AwaitingScan {
		next.Challenge = ""
	}
	if next.Status != Loading {
		next.Loading = nil
	}
	return next
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
