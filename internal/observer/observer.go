// Package observer is a command-line client for the push channel. It keeps
// a connection open, reconnecting on failure, and reports every frame.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wabridge/server/internal/session"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// Frame is one push-channel message as received.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Options struct {
	// URL is the push channel endpoint, e.g. ws://127.0.0.1:5000/ws.
	URL   string
	Token string
	// OnFrame is called for every decoded frame, in arrival order.
	OnFrame func(Frame)
	Logger  *zap.Logger

	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Client watches the push channel until its context ends.
type Client struct {
	opts Options
	log  *zap.Logger

	writeMu sync.Mutex // serialises pings with the close frame
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OnFrame == nil {
		opts.OnFrame = func(Frame) {}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = reconnectBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = reconnectMaxDelay
	}
	return &Client{opts: opts, log: opts.Logger}
}

// Run connects and reads frames, reconnecting with exponential backoff
// whenever the connection drops. It returns nil once ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}

	delay := c.opts.BaseDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, c.header())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("push channel dial failed", zap.Error(err), zap.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				return nil
			}
			delay = min(delay*2, c.opts.MaxDelay)
			continue
		}

		delay = c.opts.BaseDelay
		c.log.Info("push channel connected", zap.String("url", c.opts.URL))
		err = c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("push channel lost", zap.Error(err), zap.Duration("retry_in", delay))
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse push channel url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported push channel scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (c *Client) header() http.Header {
	if c.opts.Token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.opts.Token)
	return h
}

// readLoop reads until the connection fails or ctx ends.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(connCtx, conn)

	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	})
	defer stop()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Debug("skipping malformed frame", zap.Error(err))
			continue
		}
		c.opts.OnFrame(f)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Describe renders a frame as a single human-readable line.
func Describe(f Frame) string {
	var p map[string]any
	_ = json.Unmarshal(f.Payload, &p)

	str := func(k string) string {
		if v, ok := p[k].(string); ok {
			return v
		}
		return ""
	}

	switch f.Type {
	case "status":
		st, ok := session.ParseStatus(str("status"))
		if !ok {
			return fmt.Sprintf("status: unknown (%q)", str("status"))
		}
		return "status: " + st.String()
	case "qr":
		if str("qrString") == "" {
			return "qr: (no challenge)"
		}
		img := "no image"
		if str("qr") != "" {
			img = "image attached"
		}
		return fmt.Sprintf("qr: %s (%s)", str("qrString"), img)
	case "authenticated", "ready":
		return f.Type
	case "auth_failure":
		return "auth_failure: " + str("message")
	case "disconnected":
		return "disconnected: " + str("reason")
	case "loading":
		pct, _ := p["percent"].(float64)
		return fmt.Sprintf("loading: %.0f%% %s", pct, str("message"))
	case "message_received":
		from := str("from")
		if name := str("contactName"); name != "" {
			from = fmt.Sprintf("%s (%s)", name, from)
		}
		return fmt.Sprintf("message_received from %s: %s", from, oneLine(str("body")))
	case "message_sent":
		return fmt.Sprintf("message_sent to %s: %s", str("to"), oneLine(str("body")))
	}
	if len(f.Payload) == 0 {
		return f.Type
	}
	return fmt.Sprintf("%s: %s", f.Type, f.Payload)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ErrNoURL is returned by Validate when no endpoint is configured.
var ErrNoURL = errors.New("observer: url is required")

func (o Options) Validate() error {
	if strings.TrimSpace(o.URL) == "" {
		return ErrNoURL
	}
	return nil
}
