package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wabridge/server/internal/metrics"
	"github.com/wabridge/server/internal/qr"
	"github.com/wabridge/server/internal/session"
)

// Conn is the part of *websocket.Conn the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Observer is one connected push-channel client.
type Observer struct {
	id   string
	conn Conn
	hub  *Hub
	send chan []byte
}

func (o *Observer) ID() string { return o.id }

// writePump is the only writer on the connection. It exits when the send
// queue is closed or a write fails, removing the observer in the latter case.
func (o *Observer) writePump() {
	ticker := time.NewTicker(o.hub.pingInterval)
	defer func() {
		ticker.Stop()
		o.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(o.hub.writeTimeout))
			if !ok {
				o.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := o.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				o.hub.drop(o, "write_error", err)
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(o.hub.writeTimeout))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				o.hub.drop(o, "write_error", err)
				return
			}
		}
	}
}

type HubOptions struct {
	Store    *session.Store
	Renderer qr.Renderer
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	// SendBuffer is the per-observer queue length. Zero means 64.
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// ErrHubClosed is returned by AddObserver once the hub has been closed.
var ErrHubClosed = errors.New("ws: hub closed")

// Hub fans session events out to every observer. It implements
// adapter.Publisher.
type Hub struct {
	store        *session.Store
	renderer     qr.Renderer
	log          *zap.Logger
	metrics      *metrics.Metrics
	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration

	mu        sync.RWMutex
	observers map[*Observer]struct{}
	closed    bool
}

func NewHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Renderer == nil {
		opts.Renderer = qr.NewDataURLRenderer(0)
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Hub{
		store:        opts.Store,
		renderer:     opts.Renderer,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		sendBuffer:   opts.SendBuffer,
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		observers:    make(map[*Observer]struct{}),
	}
}

// AddObserver queues the resync messages for the current state (status,
// plus the challenge while a scan is pending) and then registers conn.
// Both happen while the store is locked, so nothing published later can
// reach the observer before them. After Close, conn is closed and
// ErrHubClosed returned.
func (h *Hub) AddObserver(conn Conn) (*Observer, error) {
	o := &Observer{
		id:   uuid.NewString(),
		conn: conn,
		hub:  h,
		send: make(chan []byte, h.sendBuffer),
	}

	var registered bool
	h.store.View(func(st session.State) {
		for _, msg := range h.resync(st) {
			data, err := json.Marshal(msg)
			if err != nil {
				h.log.Error("resync marshal", zap.Error(err))
				continue
			}
			select {
			case o.send <- data:
			default:
				h.log.Warn("resync message dropped, send buffer full",
					zap.String("observer", o.id), zap.String("type", string(msg.Type)))
			}
		}

		h.mu.Lock()
		if !h.closed {
			h.observers[o] = struct{}{}
			registered = true
		}
		h.mu.Unlock()
	})

	if !registered {
		_ = conn.Close()
		return nil, ErrHubClosed
	}

	h.metrics.ObserverConnected()
	h.log.Info("observer connected", zap.String("observer", o.id))
	go o.writePump()
	return o, nil
}

func (h *Hub) resync(st session.State) []WSMessage {
	msgs := []WSMessage{statusMessage(st.Status)}
	if st.Status == session.AwaitingScan && st.HasChallenge() {
		img, err := h.renderer.Render(st.Challenge)
		if err != nil {
			h.log.Warn("qr render failed on resync", zap.Error(err))
			img = ""
		}
		msgs = append(msgs, qrMessage(st.Challenge, img))
	}
	return msgs
}

// RemoveObserver deregisters o and closes its send queue. It is safe to call
// more than once.
func (h *Hub) RemoveObserver(o *Observer) {
	h.mu.Lock()
	_, ok := h.observers[o]
	if ok {
		delete(h.observers, o)
		close(o.send)
	}
	h.mu.Unlock()

	if ok {
		h.metrics.ObserverDisconnected()
		h.log.Info("observer disconnected", zap.String("observer", o.id))
	}
}

func (h *Hub) drop(o *Observer, reason string, err error) {
	h.metrics.Dropped(reason)
	h.log.Warn("dropping observer", zap.String("observer", o.id), zap.String("reason", reason), zap.Error(err))
	h.RemoveObserver(o)
}

// PublishLifecycle relays ev and, for settled statuses, a status update.
func (h *Hub) PublishLifecycle(ev session.LifecycleEvent, next session.State) {
	h.broadcast(lifecycleMessage(ev))
	if followedByStatus(ev) {
		h.broadcast(statusMessage(next.Status))
	}
}

func (h *Hub) PublishContent(ev session.ContentEvent) {
	h.broadcast(contentMessage(ev))
}

// broadcast encodes msg once and queues it on every observer without
// blocking. Observers whose queue is full are dropped.
func (h *Hub) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("broadcast marshal", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	h.metrics.Event(string(msg.Type))

	var slow []*Observer
	h.mu.RLock()
	for o := range h.observers {
		select {
		case o.send <- data:
		default:
			slow = append(slow, o)
		}
	}
	h.mu.RUnlock()

	for _, o := range slow {
		h.drop(o, "slow_consumer", nil)
	}
}

func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Close removes every observer and refuses new ones. Their write pumps
// send a close frame and exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	observers := make([]*Observer, 0, len(h.observers))
	for o := range h.observers {
		observers = append(observers, o)
	}
	h.mu.Unlock()

	for _, o := range observers {
		h.RemoveObserver(o)
	}
}
