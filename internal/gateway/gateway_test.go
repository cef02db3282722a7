package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wabridge/server/internal/adapter"
	"github.com/wabridge/server/internal/metrics"
	"github.com/wabridge/server/internal/session"
)

type fakeSession struct {
	outcome adapter.InitOutcome
	id      string
	err     error
	calls   int
}

func (f *fakeSession) Initialize(context.Context) adapter.InitOutcome { return f.outcome }

func (f *fakeSession) SendMessage(context.Context, string, string) (string, error) {
	f.calls++
	return f.id, f.err
}

func newTestRouter(g *Gateway) http.Handler {
	r := chi.NewRouter()
	g.Routes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return rec, out
}

func TestStatus(t *testing.T) {
	store := session.NewStore()
	g := New(Options{Session: &fakeSession{}, Store: store})
	h := newTestRouter(g)

	rec, body := do(t, h, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disconnected", body["status"])
	assert.Equal(t, false, body["hasQr"])

	store.Transition(session.QRIssued{Challenge: "2@abc"}, nil)
	_, body = do(t, h, http.MethodGet, "/status", "")
	assert.Equal(t, "qr", body["status"])
	assert.Equal(t, true, body["hasQr"])

	store.Transition(session.AuthenticatedEvent{}, nil)
	_, body = do(t, h, http.MethodGet, "/status", "")
	assert.Equal(t, "authenticated", body["status"])
	assert.Equal(t, false, body["hasQr"])
}

func TestInitializeAlwaysOK(t *testing.T) {
	for _, outcome := range []adapter.InitOutcome{
		adapter.InitStarted, adapter.InitInProgress, adapter.InitAlreadyLive, adapter.InitShuttingDown,
	} {
		t.Run(outcome.String(), func(t *testing.T) {
			g := New(Options{Session: &fakeSession{outcome: outcome}, Store: session.NewStore()})
			rec, body := do(t, newTestRouter(g), http.MethodPost, "/initialize", "")
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestSendMessageMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    int
		wantDetails string
	}{
		{"invalid argument", fmt.Errorf("%w: empty", adapter.ErrInvalidArgument), http.StatusBadRequest, ""},
		{"precondition", fmt.Errorf("%w: session is qr", adapter.ErrPreconditionFailed), http.StatusBadRequest, ""},
		{"delivery failed", &adapter.DeliveryFailedError{ChatID: "1@c.us", Err: errors.New("chat not found")}, http.StatusInternalServerError, "chat not found"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(Options{Session: &fakeSession{err: tt.err}, Store: session.NewStore()})
			rec, body := do(t, newTestRouter(g), http.MethodPost, "/send-message",
				`{"phoneNumber":"5511999999999","message":"hi"}`)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.NotEmpty(t, body["error"])
			if tt.wantDetails == "" {
				assert.NotContains(t, body, "details")
			} else {
				assert.Equal(t, tt.wantDetails, body["details"])
			}
		})
	}
}

func TestSendMessageSuccess(t *testing.T) {
	m := metrics.New()
	g := New(Options{
		Session: &fakeSession{id: "true_5511999999999@c.us_3EB0"},
		Store:   session.NewStore(),
		Metrics: m,
	})
	rec, body := do(t, newTestRouter(g), http.MethodPost, "/send-message",
		`{"phoneNumber":"5511999999999","message":"hi"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["message"])
	assert.Equal(t, "true_5511999999999@c.us_3EB0", body["messageId"])
	assert.Equal(t, 1.0, sendCount(t, m, "ok"))
}

func sendCount(t *testing.T, m *metrics.Metrics, result string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "wabridge_sends_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == result {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestSendMessageBadBody(t *testing.T) {
	fs := &fakeSession{}
	g := New(Options{Session: fs, Store: session.NewStore()})
	rec, body := do(t, newTestRouter(g), http.MethodPost, "/send-message", `{not json`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, body["error"])
	assert.Zero(t, fs.calls)
}

func TestSendResultLabel(t *testing.T) {
	assert.Equal(t, "invalid_argument", sendResultLabel(adapter.ErrInvalidArgument))
	assert.Equal(t, "precondition_failed", sendResultLabel(fmt.Errorf("x: %w", adapter.ErrPreconditionFailed)))
	assert.Equal(t, "delivery_failed", sendResultLabel(&adapter.DeliveryFailedError{Err: errors.New("x")}))
	assert.Equal(t, "error", sendResultLabel(errors.New("x")))
}
