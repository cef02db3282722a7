package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wabridge/server/internal/qr"
	"github.com/wabridge/server/internal/session"
)

type frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// fakeConn records text frames. Writes fail with writeErr when set, and
// block while block is open.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	block    chan struct{}
	closed   bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if messageType == websocket.TextMessage {
		c.frames = append(c.frames, append([]byte(nil), data...))
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) decoded(t *testing.T) []frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f frame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

func waitFrames(t *testing.T, c *fakeConn, n int) []frame {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.frames) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d frames", n)
	return c.decoded(t)
}

func frameTypes(frames []frame) []MessageType {
	out := make([]MessageType, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func newTestHub(t *testing.T, store *session.Store, renderer qr.Renderer) *Hub {
	t.Helper()
	if renderer == nil {
		renderer = qr.RendererFunc(func(c string) (string, error) { return "img:" + c, nil })
	}
	h := NewHub(HubOptions{Store: store, Renderer: renderer})
	t.Cleanup(h.Close)
	return h
}

// publishVia applies ev to store with the hub as publisher, the way the
// adapter does.
func publishVia(h *Hub, store *session.Store, ev session.LifecycleEvent) {
	store.Transition(ev, func(_, next session.State) {
		h.PublishLifecycle(ev, next)
	})
}

func TestAddObserverResyncDisconnected(t *testing.T) {
	hub := newTestHub(t, session.NewStore(), nil)
	conn := &fakeConn{}
	hub.AddObserver(conn)

	frames := waitFrames(t, conn, 1)
	time.Sleep(20 * time.Millisecond)
	frames = conn.decoded(t)
	require.Len(t, frames, 1)
	assert.Equal(t, MsgStatus, frames[0].Type)
	assert.JSONEq(t, `{"status":"disconnected"}`, string(frames[0].Payload))
	assert.Equal(t, 1, hub.ObserverCount())
}

func TestAddObserverResyncAwaitingScan(t *testing.T) {
	store := session.NewStore()
	store.Transition(session.QRIssued{Challenge: "2@abc"}, nil)

	hub := newTestHub(t, store, nil)
	conn := &fakeConn{}
	hub.AddObserver(conn)

	frames := waitFrames(t, conn, 2)
	assert.Equal(t, []MessageType{MsgStatus, MsgQR}, frameTypes(frames))
	assert.JSONEq(t, `{"status":"qr"}`, string(frames[0].Payload))
	assert.JSONEq(t, `{"qr":"img:2@abc","qrString":"2@abc"}`, string(frames[1].Payload))
}

func TestAddObserverResyncRenderFailure(t *testing.T) {
	store := session.NewStore()
	store.Transition(session.QRIssued{Challenge: "2@abc"}, nil)

	hub := newTestHub(t, store, qr.RendererFunc(func(string) (string, error) {
		return "", errors.New("encoder broke")
	}))
	conn := &fakeConn{}
	hub.AddObserver(conn)

	frames := waitFrames(t, conn, 2)
	assert.JSONEq(t, `{"qr":null,"qrString":"2@abc"}`, string(frames[1].Payload))
}

func TestAddObserverResyncReady(t *testing.T) {
	store := session.NewStore()
	store.Transition(session.QRIssued{Challenge: "2@abc"}, nil)
	store.Transition(session.ReadyEvent{}, nil)

	hub := newTestHub(t, store, nil)
	conn := &fakeConn{}
	hub.AddObserver(conn)

	frames := waitFrames(t, conn, 1)
	time.Sleep(20 * time.Millisecond)
	frames = conn.decoded(t)
	require.Len(t, frames, 1, "no qr is replayed once ready")
	assert.JSONEq(t, `{"status":"ready"}`, string(frames[0].Payload))
}

func TestPublishLifecycleStatusFollowUp(t *testing.T) {
	store := session.NewStore()
	hub := newTestHub(t, store, nil)
	conn := &fakeConn{}
	hub.AddObserver(conn)
	waitFrames(t, conn, 1)

	publishVia(hub, store, session.QRIssued{Challenge: "2@a", Image: "img"})
	publishVia(hub, store, session.AuthenticatedEvent{})
	publishVia(hub, store, session.LoadingEvent{Percent: 40, Message: "WhatsApp"})
	publishVia(hub, store, session.ReadyEvent{})
	publishVia(hub, store, session.AuthFailureEvent{Reason: "bad"})
	publishVia(hub, store, session.DisconnectedEvent{Reason: "LOGOUT"})

	frames := waitFrames(t, conn, 11)
	assert.Equal(t, []MessageType{
		MsgStatus,
		MsgQR,
		MsgAuthenticated, MsgStatus,
		MsgLoading,
		MsgReady, MsgStatus,
		MsgAuthFailure, MsgStatus,
		MsgDisconnected, MsgStatus,
	}, frameTypes(frames))

	assert.JSONEq(t, `{"status":"authenticated"}`, string(frames[3].Payload))
	assert.JSONEq(t, `{"percent":40,"message":"WhatsApp"}`, string(frames[4].Payload))
	assert.JSONEq(t, `{}`, string(frames[5].Payload))
	assert.JSONEq(t, `{"message":"bad"}`, string(frames[7].Payload))
	assert.JSONEq(t, `{"reason":"LOGOUT"}`, string(frames[9].Payload))
	assert.JSONEq(t, `{"status":"disconnected"}`, string(frames[10].Payload))
}

func TestPublishContent(t *testing.T) {
	hub := newTestHub(t, session.NewStore(), nil)
	conn := &fakeConn{}
	hub.AddObserver(conn)
	waitFrames(t, conn, 1)

	name := "Bia"
	hub.PublishContent(session.MessageReceived{Message: session.Message{
		ID: "false_120363@g.us_ABC", From: "120363@g.us", Author: "5511777777777@c.us",
		ContactID: "5511777777777@c.us", ContactName: &name, Body: "oi",
		Timestamp: 1700000000, Type: "chat", IsGroup: true,
	}})
	hub.PublishContent(session.MessageSent{Message: session.Message{
		ID: "true_5511@c.us_1", To: "5511666666666@c.us", Body: "hello", Type: "chat", FromMe: true,
	}})

	frames := waitFrames(t, conn, 3)
	assert.Equal(t, MsgMessageReceived, frames[1].Type)
	assert.JSONEq(t, `{
		"id":"false_120363@g.us_ABC","from":"120363@g.us","author":"5511777777777@c.us",
		"contactId":"5511777777777@c.us","contactName":"Bia","body":"oi",
		"timestamp":1700000000,"fromMe":false,"hasMedia":false,"type":"chat","isGroup":true
	}`, string(frames[1].Payload))

	assert.Equal(t, MsgMessageSent, frames[2].Type)
	assert.JSONEq(t, `{
		"id":"true_5511@c.us_1","to":"5511666666666@c.us","contactName":null,"body":"hello",
		"timestamp":0,"hasMedia":false,"type":"chat","isGroup":false
	}`, string(frames[2].Payload))
}

func TestBroadcastIsolatesFailingObserver(t *testing.T) {
	store := session.NewStore()
	hub := newTestHub(t, store, nil)

	good := &fakeConn{}
	bad := &fakeConn{writeErr: errors.New("broken pipe")}
	hub.AddObserver(good)
	hub.AddObserver(bad)

	// The bad observer fails on its resync frame and is removed.
	require.Eventually(t, func() bool { return hub.ObserverCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, bad.isClosed, 2*time.Second, 5*time.Millisecond)

	publishVia(hub, store, session.ReadyEvent{})
	frames := waitFrames(t, good, 3)
	assert.Equal(t, []MessageType{MsgStatus, MsgReady, MsgStatus}, frameTypes(frames))
}

func TestSlowObserverDropped(t *testing.T) {
	store := session.NewStore()
	hub := NewHub(HubOptions{Store: store, SendBuffer: 1})
	defer hub.Close()

	block := make(chan struct{})
	slow := &fakeConn{block: block}
	fast := &fakeConn{}
	hub.AddObserver(slow)
	hub.AddObserver(fast)
	waitFrames(t, fast, 1)

	// The slow pump is stuck on its resync frame. One more message fills its
	// queue and the next one drops it.
	for i := 0; i < 5; i++ {
		publishVia(hub, store, session.LoadingEvent{Percent: i * 10})
		waitFrames(t, fast, i+2)
	}

	assert.Equal(t, 1, hub.ObserverCount())
	close(block)

	frames := fast.decoded(t)
	assert.Len(t, frames, 6)
}

func TestResyncPrecedesLaterBroadcasts(t *testing.T) {
	store := session.NewStore()
	hub := newTestHub(t, store, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			publishVia(hub, store, session.LoadingEvent{Percent: i % 100})
		}
	}()

	conns := make([]*fakeConn, 20)
	for i := range conns {
		conns[i] = &fakeConn{}
		hub.AddObserver(conns[i])
	}
	wg.Wait()

	for _, c := range conns {
		frames := waitFrames(t, c, 1)
		assert.Equal(t, MsgStatus, frames[0].Type)
		for _, f := range frames[1:] {
			assert.Equal(t, MsgLoading, f.Type)
		}
	}
}

func TestRemoveObserverTwice(t *testing.T) {
	hub := newTestHub(t, session.NewStore(), nil)
	conn := &fakeConn{}
	o, err := hub.AddObserver(conn)
	require.NoError(t, err)

	hub.RemoveObserver(o)
	hub.RemoveObserver(o)
	assert.Equal(t, 0, hub.ObserverCount())
	require.Eventually(t, conn.isClosed, 2*time.Second, 5*time.Millisecond)

	// Publishing after removal must not panic on the closed queue.
	hub.PublishContent(session.MessageSent{})
}

func TestObserverIDsAreUnique(t *testing.T) {
	hub := newTestHub(t, session.NewStore(), nil)
	a, err := hub.AddObserver(&fakeConn{})
	require.NoError(t, err)
	b, err := hub.AddObserver(&fakeConn{})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestCloseDuringResyncRefusesObserver(t *testing.T) {
	store := session.NewStore()
	store.Transition(session.QRIssued{Challenge: "2@abc"}, nil)

	rendering := make(chan struct{})
	release := make(chan struct{})
	hub := newTestHub(t, store, qr.RendererFunc(func(c string) (string, error) {
		close(rendering)
		<-release
		return "img:" + c, nil
	}))

	conn := &fakeConn{}
	type result struct {
		o   *Observer
		err error
	}
	done := make(chan result, 1)
	go func() {
		o, err := hub.AddObserver(conn)
		done <- result{o, err}
	}()

	<-rendering
	hub.Close()
	close(release)

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AddObserver did not return")
	}
	assert.ErrorIs(t, res.err, ErrHubClosed)
	assert.Nil(t, res.o)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, hub.ObserverCount())
}

func TestAddObserverAfterClose(t *testing.T) {
	hub := newTestHub(t, session.NewStore(), nil)
	hub.Close()

	conn := &fakeConn{}
	o, err := hub.AddObserver(conn)
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.Nil(t, o)
	assert.True(t, conn.isClosed())

	// Publishing to a closed hub is a no-op.
	hub.PublishContent(session.MessageSent{})
}

func TestResyncDropIsLogged(t *testing.T) {
	store := session.NewStore()
	store.Transition(session.QRIssued{Challenge: "2@abc"}, nil)

	core, logs := observer.New(zap.WarnLevel)
	hub := NewHub(HubOptions{
		Store:      store,
		Renderer:   qr.RendererFunc(func(c string) (string, error) { return "img:" + c, nil }),
		Logger:     zap.New(core),
		SendBuffer: 1,
	})
	t.Cleanup(hub.Close)

	conn := &fakeConn{}
	_, err := hub.AddObserver(conn)
	require.NoError(t, err)

	frames := waitFrames(t, conn, 1)
	assert.Equal(t, MsgStatus, frames[0].Type)

	dropped := logs.FilterMessage("resync message dropped, send buffer full").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, string(MsgQR), dropped[0].ContextMap()["type"])
}

// dialTestWS creates a test HTTP server that upgrades to WebSocket and returns
// the server-side connection. The caller must close both the server and the
// returned connection.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	_ = clientConn.Close()

	select {
	case serverConn := <-connCh:
		return srv, serverConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

// TestWritePumpRemovesObserverOnWriteError verifies that a write on a closed
// connection removes the observer from the hub.
func TestWritePumpRemovesObserverOnWriteError(t *testing.T) {
	srv, serverConn := dialTestWS(t)
	defer srv.Close()

	hub := newTestHub(t, session.NewStore(), nil)
	serverConn.Close()

	hub.AddObserver(serverConn)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ObserverCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("observer not removed after write error; ObserverCount = %d", hub.ObserverCount())
}
