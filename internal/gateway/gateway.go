// Package gateway implements the command surface: status, initialize and
// send-message.
package gateway

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wabridge/server/internal/adapter"
	"github.com/wabridge/server/internal/metrics"
	"github.com/wabridge/server/internal/session"
)

const tracerName = "github.com/wabridge/server/internal/gateway"

// Session is the adapter as seen by the gateway.
type Session interface {
	Initialize(ctx context.Context) adapter.InitOutcome
	SendMessage(ctx context.Context, recipient, body string) (string, error)
}

type Options struct {
	Session Session
	Store   *session.Store
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Gateway struct {
	session Session
	store   *session.Store
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Gateway{
		session: opts.Session,
		store:   opts.Store,
		log:     opts.Logger,
		metrics: opts.Metrics,
		tracer:  otel.Tracer(tracerName),
	}
}

type StatusResult struct {
	Status session.Status `json:"status"`
	HasQR  bool           `json:"hasQr"`
}

type InitializeResult struct {
	Message string `json:"message"`
}

type SendResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// Status reports the current session status and whether a scan challenge is
// pending.
func (g *Gateway) Status(ctx context.Context) StatusResult {
	_, span := g.tracer.Start(ctx, "gateway.Status")
	defer span.End()

	st := g.store.Snapshot()
	span.SetAttributes(attribute.String("session.status", st.Status.String()))
	return StatusResult{Status: st.Status, HasQR: st.HasChallenge()}
}

// Initialize always succeeds. Startup failures arrive later as a
// disconnected event on the push channel.
func (g *Gateway) Initialize(ctx context.Context) InitializeResult {
	ctx, span := g.tracer.Start(ctx, "gateway.Initialize")
	defer span.End()

	outcome := g.session.Initialize(ctx)
	span.SetAttributes(attribute.String("initialize.outcome", outcome.String()))

	var msg string
	switch outcome {
	case adapter.InitStarted:
		msg = "WhatsApp client initialized"
	case adapter.InitInProgress:
		msg = "WhatsApp client initialization in progress"
	case adapter.InitAlreadyLive:
		msg = "WhatsApp client already initialized"
	case adapter.InitShuttingDown:
		msg = "server is shutting down"
	}
	return InitializeResult{Message: msg}
}

// SendMessage forwards to the adapter. Errors are the adapter's sentinel and
// typed errors, unchanged.
func (g *Gateway) SendMessage(ctx context.Context, phoneNumber, message string) (SendResult, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.SendMessage")
	defer span.End()

	id, err := g.session.SendMessage(ctx, phoneNumber, message)
	if err != nil {
		g.metrics.Send(sendResultLabel(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SendResult{}, err
	}

	g.metrics.Send("ok")
	span.SetAttributes(attribute.String("message.id", id))
	return SendResult{
		Success:   true,
		Message:   "message sent",
		MessageID: id,
	}, nil
}

func sendResultLabel(err error) string {
	var dfe *adapter.DeliveryFailedError
	switch {
	case errors.Is(err, adapter.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, adapter.ErrPreconditionFailed):
		return "precondition_failed"
	case errors.As(err, &dfe):
		return "delivery_failed"
	}
	return "error"
}
