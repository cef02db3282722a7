// Package adapter owns the messaging client. It is the single subscriber to
// the client's events, turns them into session lifecycle and content events,
// drives the session store and hands everything to the publisher.
package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wabridge/server/internal/metrics"
	"github.com/wabridge/server/internal/qr"
	"github.com/wabridge/server/internal/session"
	"github.com/wabridge/server/internal/whatsapp"
)

// HandleState describes the client slot.
type HandleState int

const (
	Absent HandleState = iota
	Starting
	Live
)

func (s HandleState) String() string {
	switch s {
	case Absent:
		return "absent"
	case Starting:
		return "starting"
	case Live:
		return "live"
	}
	return "unknown"
}

// InitOutcome is the synchronous result of Initialize.
type InitOutcome int

const (
	InitStarted InitOutcome = iota
	InitInProgress
	InitAlreadyLive
	InitShuttingDown
)

func (o InitOutcome) String() string {
	switch o {
	case InitStarted:
		return "started"
	case InitInProgress:
		return "in_progress"
	case InitAlreadyLive:
		return "already_live"
	case InitShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}

// Publisher receives every event after the store has applied it.
// PublishLifecycle runs inside the store transition.
type Publisher interface {
	PublishLifecycle(ev session.LifecycleEvent, next session.State)
	PublishContent(ev session.ContentEvent)
}

type Options struct {
	Factory   whatsapp.Factory
	Store     *session.Store
	Publisher Publisher
	Renderer  qr.Renderer
	Logger    *zap.Logger
	Redactor  session.Redactor
	Metrics   *metrics.Metrics

	// SendTimeout bounds a single SendMessage dispatch. Zero means 30s.
	SendTimeout time.Duration
	// ContactTimeout bounds a contact lookup. Lookups run on the event
	// pipeline, so a slow one delays every later event by up to this much.
	// Zero means DefaultContactTimeout.
	ContactTimeout time.Duration
	// QueueSize is the per-client event buffer. Zero means 256.
	QueueSize int
}

// DefaultContactTimeout keeps a stalled contact lookup from holding up
// lifecycle events for long.
const DefaultContactTimeout = 2 * time.Second

// Adapter holds at most one client at a time.
type Adapter struct {
	factory        whatsapp.Factory
	store          *session.Store
	publisher      Publisher
	renderer       qr.Renderer
	log            *zap.Logger
	redact         session.Redactor
	metrics        *metrics.Metrics
	sendTimeout    time.Duration
	contactTimeout time.Duration
	queueSize      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards slot and closed. Lifecycle and content publishing happen
	// under mu so events from a released client never reach the store.
	mu     sync.Mutex
	slot   *handle
	closed bool
}

type handle struct {
	ctx    context.Context
	cancel context.CancelFunc

	client      whatsapp.Client
	unsubscribe func()
	live        bool

	events   chan whatsapp.Event
	stop     chan struct{}
	stopOnce sync.Once
}

func (h *handle) enqueue(ev whatsapp.Event) {
	select {
	case h.events <- ev:
	case <-h.stop:
	}
}

func New(opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Renderer == nil {
		opts.Renderer = qr.NewDataURLRenderer(0)
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.ContactTimeout <= 0 {
		opts.ContactTimeout = DefaultContactTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		factory:        opts.Factory,
		store:          opts.Store,
		publisher:      opts.Publisher,
		renderer:       opts.Renderer,
		log:            opts.Logger,
		redact:         opts.Redactor,
		metrics:        opts.Metrics,
		sendTimeout:    opts.SendTimeout,
		contactTimeout: opts.ContactTimeout,
		queueSize:      opts.QueueSize,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// HandleState reports whether a client exists and whether it has started.
func (a *Adapter) HandleState() HandleState {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.slot == nil:
		return Absent
	case a.slot.live:
		return Live
	default:
		return Starting
	}
}

// Initialize constructs and starts a client unless one already exists. The
// start runs in the background; failures are logged and published as a
// Disconnected transition, never returned.
func (a *Adapter) Initialize(ctx context.Context) InitOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return InitShuttingDown
	}
	if h := a.slot; h != nil {
		if h.live {
			return InitAlreadyLive
		}
		return InitInProgress
	}

	hctx, hcancel := context.WithCancel(a.ctx)
	h := &handle{
		ctx:    hctx,
		cancel: hcancel,
		events: make(chan whatsapp.Event, a.queueSize),
		stop:   make(chan struct{}),
	}
	a.slot = h
	a.wg.Add(1)
	go a.start(h)

	a.log.Info("initializing messaging client")
	a.metrics.Initialize(InitStarted.String())
	return InitStarted
}

func (a *Adapter) start(h *handle) {
	defer a.wg.Done()

	client, err := a.factory()
	if err != nil {
		a.initFailed(h, fmt.Errorf("construct client: %w", err))
		return
	}

	a.mu.Lock()
	if a.slot != h {
		a.mu.Unlock()
		_ = client.Close()
		return
	}
	h.client = client
	h.unsubscribe = client.Subscribe(h.enqueue)
	a.wg.Add(1)
	go a.run(h)
	a.mu.Unlock()

	if err := client.Initialize(h.ctx); err != nil {
		a.initFailed(h, err)
		return
	}

	a.mu.Lock()
	if a.slot == h && !h.live {
		h.live = true
	}
	a.mu.Unlock()
	a.log.Info("messaging client started")
}

func (a *Adapter) initFailed(h *handle, err error) {
	if h.ctx.Err() != nil {
		// Released while starting; the failure is a consequence.
		return
	}
	a.log.Error("messaging client initialization failed", zap.Error(err))
	a.metrics.Initialize("failed")
	a.applyLifecycle(h, session.DisconnectedEvent{Reason: "initialization failed: " + err.Error()})
}

// run drains the client's events in order.
func (a *Adapter) run(h *handle) {
	defer a.wg.Done()
	for {
		select {
		case <-h.stop:
			return
		case ev := <-h.events:
			a.dispatch(h, ev)
		}
	}
}

func (a *Adapter) dispatch(h *handle, ev whatsapp.Event) {
	switch e := ev.(type) {
	case whatsapp.QR:
		a.applyLifecycle(h, session.QRIssued{Challenge: e.Code, Image: a.render(e.Code)})
	case whatsapp.Authenticated:
		a.applyLifecycle(h, session.AuthenticatedEvent{})
	case whatsapp.Ready:
		a.applyLifecycle(h, session.ReadyEvent{})
	case whatsapp.AuthFailure:
		a.applyLifecycle(h, session.AuthFailureEvent{Reason: e.Message})
	case whatsapp.Disconnected:
		a.applyLifecycle(h, session.DisconnectedEvent{Reason: e.Reason})
	case whatsapp.LoadingScreen:
		a.applyLifecycle(h, session.LoadingEvent{Percent: e.Percent, Message: e.Message})
	case whatsapp.MessageIn:
		a.publishContent(h, session.MessageReceived{Message: a.received(h, e.Message)})
	case whatsapp.MessageCreate:
		if !e.Message.FromMe {
			return
		}
		a.publishContent(h, session.MessageSent{Message: a.sent(h, e.Message)})
	default:
		a.log.Debug("ignoring client event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

// applyLifecycle runs ev through the store and publisher. Events from a
// handle that no longer owns the slot are dropped. A Disconnected
// transition releases the handle.
func (a *Adapter) applyLifecycle(h *handle, ev session.LifecycleEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.slot != h {
		return
	}
	h.live = true

	var from session.Status
	next := a.store.Transition(ev, func(prev, next session.State) {
		from = prev.Status
		a.publisher.PublishLifecycle(ev, next)
	})
	a.metrics.SetStatus(next.Status)
	a.log.Info("session transition",
		zap.String("event", ev.Name()),
		zap.Stringer("from", from),
		zap.Stringer("to", next.Status))

	if _, ok := ev.(session.DisconnectedEvent); ok {
		a.slot = nil
		a.releaseLocked(h)
	}
}

func (a *Adapter) publishContent(h *handle, ev session.ContentEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.slot != h {
		return
	}
	a.publisher.PublishContent(ev)
}

// releaseLocked stops h's pipeline and closes its client in the background.
// Caller must hold a.mu.
func (a *Adapter) releaseLocked(h *handle) {
	h.stopOnce.Do(func() { close(h.stop) })
	h.cancel()
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	if c := h.client; c != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := c.Close(); err != nil {
				a.log.Warn("closing messaging client", zap.Error(err))
			}
		}()
	}
}

func (a *Adapter) render(code string) string {
	img, err := a.renderer.Render(code)
	if err != nil {
		a.log.Warn("qr render failed, sending raw challenge", zap.Error(err))
		return ""
	}
	return img
}

// received builds the inbound message. In groups the contact is the author,
// not the group.
func (a *Adapter) received(h *handle, m whatsapp.Message) session.Message {
	isGroup := whatsapp.IsGroupID(m.From)
	contactID := m.From
	if isGroup {
		contactID = m.Author
	}
	a.log.Info("message received",
		zap.String("from", a.redact.ID(m.From)),
		zap.String("body", a.redact.Body(m.Body)))

	return session.Message{
		ID:          m.ID,
		From:        m.From,
		To:          m.To,
		Author:      m.Author,
		ContactID:   contactID,
		ContactName: a.contactName(h, m.SenderID()),
		Body:        m.Body,
		Timestamp:   m.Timestamp,
		FromMe:      m.FromMe,
		HasMedia:    m.HasMedia,
		Type:        m.Type,
		IsGroup:     isGroup,
	}
}

// sent builds the outbound message. Group-ness comes from the recipient and
// the contact is the message's own sender, as the client reports it.
func (a *Adapter) sent(h *handle, m whatsapp.Message) session.Message {
	a.log.Info("message sent",
		zap.String("to", a.redact.ID(m.To)),
		zap.String("body", a.redact.Body(m.Body)))

	return session.Message{
		ID:          m.ID,
		From:        m.From,
		To:          m.To,
		Author:      m.Author,
		ContactID:   m.To,
		ContactName: a.contactName(h, m.SenderID()),
		Body:        m.Body,
		Timestamp:   m.Timestamp,
		FromMe:      true,
		HasMedia:    m.HasMedia,
		Type:        m.Type,
		IsGroup:     whatsapp.IsGroupID(m.To),
	}
}

func (a *Adapter) contactName(h *handle, id string) *string {
	if id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(h.ctx, a.contactTimeout)
	defer cancel()

	c, err := h.client.Contact(ctx, id)
	if err != nil {
		a.log.Warn("contact lookup failed", zap.String("id", a.redact.ID(id)), zap.Error(err))
		return nil
	}
	name := c.DisplayName()
	if name == "" {
		return nil
	}
	return &name
}

// SendMessage sends body to recipient. Bare phone numbers get the contact
// suffix appended.
func (a *Adapter) SendMessage(ctx context.Context, recipient, body string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || strings.TrimSpace(body) == "" {
		return "", fmt.Errorf("%w: recipient and body are required", ErrInvalidArgument)
	}

	a.mu.Lock()
	h := a.slot
	live := h != nil && h.live
	a.mu.Unlock()
	if !live {
		return "", fmt.Errorf("%w: messaging client is not initialized", ErrPreconditionFailed)
	}
	if st := a.store.Snapshot().Status; st != session.Ready {
		return "", fmt.Errorf("%w: session is %s", ErrPreconditionFailed, st)
	}

	chatID := whatsapp.NormalizeChatID(recipient)
	ctx, cancel := context.WithTimeout(ctx, a.sendTimeout)
	defer cancel()

	id, err := h.client.SendMessage(ctx, chatID, body)
	if err != nil {
		a.log.Error("send failed", zap.String("to", a.redact.ID(chatID)), zap.Error(err))
		return "", &DeliveryFailedError{ChatID: chatID, Err: err}
	}
	a.log.Info("send succeeded", zap.String("to", a.redact.ID(chatID)), zap.String("id", id))
	return id, nil
}

// Close releases the client and waits for background work to finish or ctx
// to expire. Initialize is a no-op afterwards.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	if h := a.slot; h != nil {
		a.slot = nil
		a.releaseLocked(h)
	}
	a.mu.Unlock()
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
