// Package mock provides a scripted messaging client for running the server
// without a browser.
package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/wabridge/server/internal/whatsapp"
)

// SelfID is the account the mock client is logged in as.
const SelfID = "5511900000000@c.us"

type Timing struct {
	// QRRotate is the interval between fresh QR challenges.
	QRRotate time.Duration
	// ScanAfter is how long until the challenge is "scanned".
	ScanAfter time.Duration
	// LoadingStep is the delay between loading progress updates.
	LoadingStep time.Duration
	// MessageEvery is the interval between inbound messages once ready.
	// Zero disables them.
	MessageEvery time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		QRRotate:     20 * time.Second,
		ScanAfter:    8 * time.Second,
		LoadingStep:  300 * time.Millisecond,
		MessageEvery: 15 * time.Second,
	}
}

type mockChat struct {
	id      string
	members []string
}

var roster = map[string]whatsapp.Contact{
	"5511987654321@c.us": {ID: "5511987654321@c.us", PushName: "Ana", Number: "5511987654321"},
	"5511912345678@c.us": {ID: "5511912345678@c.us", PushName: "Bruno", Number: "5511912345678"},
	"5521998877665@c.us": {ID: "5521998877665@c.us", Name: "Carla", Number: "5521998877665"},
	SelfID:               {ID: SelfID, Name: "Me", Number: "5511900000000"},
}

var chats = []mockChat{
	{id: "5511987654321@c.us"},
	{id: "120363025551234567@g.us", members: []string{"5511912345678@c.us", "5521998877665@c.us"}},
	{id: "5511912345678@c.us"},
}

var bodies = []string{
	"oi, tudo bem?",
	"did you see the build?",
	"meeting moved to 3pm",
	"👍",
	"can you send me the invoice",
	"lunch?",
}

var errNotReady = errors.New("mock client is not ready")

// Client walks through QR, authentication, loading and ready, then emits
// inbound messages on a timer. Sends are echoed back as outbound messages.
type Client struct {
	timing Timing

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	subs    map[int]func(whatsapp.Event)
	nextSub int
	started bool
	ready   bool
	seq     int
	rng     *rand.Rand
}

func NewClient(timing Timing) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		timing: timing,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]func(whatsapp.Event)),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Factory builds a fresh mock client per initialization.
func Factory(timing Timing) whatsapp.Factory {
	return func() (whatsapp.Client, error) {
		return NewClient(timing), nil
	}
}

func (c *Client) Subscribe(fn func(whatsapp.Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Client) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return errors.New("mock client closed")
	}
	if c.started {
		return nil
	}
	c.started = true
	c.wg.Add(1)
	go c.run()
	return nil
}

func (c *Client) emit(ev whatsapp.Event) {
	c.mu.Lock()
	fns := make([]func(whatsapp.Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// sleep waits for d or until the client is closed.
func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) run() {
	defer c.wg.Done()

	if !c.awaitScan() {
		return
	}
	c.emit(whatsapp.Authenticated{})

	for pct := 0; pct <= 100; pct += 20 {
		c.emit(whatsapp.LoadingScreen{Percent: pct, Message: "WhatsApp"})
		if !c.sleep(c.timing.LoadingStep) {
			return
		}
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.emit(whatsapp.Ready{})

	if c.timing.MessageEvery <= 0 {
		<-c.ctx.Done()
		return
	}
	ticker := time.NewTicker(c.timing.MessageEvery)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.emit(whatsapp.MessageIn{Message: c.inbound(tick)})
			tick++
		}
	}
}

// awaitScan issues rotating challenges until the scan delay has passed.
func (c *Client) awaitScan() bool {
	scanned := time.NewTimer(c.timing.ScanAfter)
	defer scanned.Stop()

	rotate := c.timing.QRRotate
	if rotate <= 0 {
		rotate = c.timing.ScanAfter + time.Second
	}
	ticker := time.NewTicker(rotate)
	defer ticker.Stop()

	c.emit(whatsapp.QR{Code: c.challenge()})
	for {
		select {
		case <-c.ctx.Done():
			return false
		case <-scanned.C:
			return true
		case <-ticker.C:
			c.emit(whatsapp.QR{Code: c.challenge()})
		}
	}
}

func (c *Client) challenge() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return fmt.Sprintf("2@mock%04d%08x,%s,%s==", c.seq, c.rng.Uint32(), "wabridge", "mock")
}

func (c *Client) nextID(fromMe bool, chatID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return fmt.Sprintf("%t_%s_3EB0%012X", fromMe, chatID, c.seq)
}

func (c *Client) inbound(tick int) whatsapp.Message {
	chat := chats[tick%len(chats)]
	c.mu.Lock()
	body := bodies[c.rng.Intn(len(bodies))]
	var author string
	if len(chat.members) > 0 {
		author = chat.members[c.rng.Intn(len(chat.members))]
	}
	c.mu.Unlock()

	return whatsapp.Message{
		ID:        c.nextID(false, chat.id),
		From:      chat.id,
		To:        SelfID,
		Author:    author,
		Body:      body,
		Timestamp: time.Now().Unix(),
		Type:      "chat",
	}
}

func (c *Client) SendMessage(ctx context.Context, chatID, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if !ready {
		return "", errNotReady
	}
	if !strings.HasSuffix(chatID, whatsapp.ContactSuffix) && !strings.HasSuffix(chatID, whatsapp.GroupSuffix) {
		return "", fmt.Errorf("invalid chat id %q", chatID)
	}

	id := c.nextID(true, chatID)
	c.emit(whatsapp.MessageCreate{Message: whatsapp.Message{
		ID:        id,
		From:      SelfID,
		To:        chatID,
		Body:      body,
		Timestamp: time.Now().Unix(),
		FromMe:    true,
		Type:      "chat",
	}})
	return id, nil
}

func (c *Client) Contact(_ context.Context, id string) (whatsapp.Contact, error) {
	ct, ok := roster[id]
	if !ok {
		return whatsapp.Contact{}, fmt.Errorf("contact %s not found", id)
	}
	return ct, nil
}

// Close stops the script and waits for it to exit.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}
