// Package browser implements the messaging client by driving WhatsApp Web in
// a headless Chromium over a persistent profile directory.
package browser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"github.com/wabridge/server/internal/metrics"
	"github.com/wabridge/server/internal/whatsapp"
)

type Options struct {
	// DataDir holds the browser profile, and with it the paired session.
	DataDir      string
	Bin          string
	Headless     bool
	WebURL       string
	UserAgent    string
	PollInterval time.Duration
	ReadyTimeout time.Duration
	// HealthInterval is how often the browser PID is checked. Zero means 5s.
	HealthInterval time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Health  *Health
	Checker ProcessChecker
}

// NewFactory returns a factory building browser clients from opts.
func NewFactory(opts Options) whatsapp.Factory {
	return func() (whatsapp.Client, error) {
		if opts.DataDir == "" {
			return nil, errors.New("browser: data dir is required")
		}
		return New(opts), nil
	}
}

// Client is a single WhatsApp Web session.
type Client struct {
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	subs       map[int]func(whatsapp.Event)
	nextSub    int
	started    bool
	launcher   *launcher.Launcher
	browser    *rod.Browser
	page       *rod.Page
	stopExpose func() error
	hooked     bool
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WebURL == "" {
		opts.WebURL = "https://web.whatsapp.com/"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	if opts.Checker == nil {
		opts.Checker = processChecker{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]func(whatsapp.Event)),
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

// Initialize launches the browser, opens WhatsApp Web and starts the probe
// and health loops. It returns once the page is loaded.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	ctx, cancel := mergeCancel(ctx, c.ctx)
	defer cancel()

	dataDir, err := filepath.Abs(c.opts.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	// The launcher context owns the browser process; it must outlive ctx.
	l := launcher.New().
		Context(c.ctx).
		Headless(c.opts.Headless).
		UserDataDir(dataDir).
		Set(flags.NoSandbox).
		Set(flags.Flag("disable-setuid-sandbox")).
		Set(flags.Flag("disable-dev-shm-usage")).
		Leakless(false)
	if c.opts.Bin != "" {
		l = l.Bin(c.opts.Bin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	c.mu.Lock()
	c.launcher = l
	c.mu.Unlock()

	b := rod.New().ControlURL(controlURL).Context(c.ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	c.mu.Lock()
	c.browser = b
	c.mu.Unlock()

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	if c.opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: c.opts.UserAgent}); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}

	stop, err := page.Expose(bindingName, c.onNotification)
	if err != nil {
		return fmt.Errorf("expose message binding: %w", err)
	}

	if err := page.Context(ctx).Navigate(c.opts.WebURL); err != nil {
		_ = stop()
		return fmt.Errorf("navigate to %s: %w", c.opts.WebURL, err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		_ = stop()
		return fmt.Errorf("wait for page load: %w", err)
	}

	c.mu.Lock()
	c.page = page
	c.stopExpose = stop
	c.mu.Unlock()

	pid := int32(l.PID())
	c.log.Info("browser started", zap.Int32("pid", pid), zap.String("profile", dataDir))

	c.wg.Add(2)
	go c.probeLoop(page)
	go func() {
		defer c.wg.Done()
		watchProcess(c.ctx, pid, c.opts.Checker, c.opts.HealthInterval, c.opts.Health, c.opts.Metrics, func() {
			c.log.Warn("browser process exited", zap.Int32("pid", pid))
			c.emit(whatsapp.Disconnected{Reason: "browser exited"})
		})
	}()
	return nil
}

// probeLoop samples the page every poll interval and emits what changed.
func (c *Client) probeLoop(page *rod.Page) {
	defer c.wg.Done()

	tr := newTracker(c.opts.ReadyTimeout)
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		p, err := c.probe(page)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Debug("page probe failed", zap.Error(err))
			continue
		}

		for _, ev := range tr.Observe(p, time.Now()) {
			if _, ok := ev.(whatsapp.Ready); ok {
				c.installHooks(page)
			}
			c.emit(ev)
		}
		if tr.Done() {
			return
		}
	}
}

func (c *Client) probe(page *rod.Page) (Probe, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.PollInterval*5)
	defer cancel()

	res, err := page.Context(ctx).Evaluate(rod.Eval(probeJS))
	if err != nil {
		return Probe{}, err
	}
	var p Probe
	if err := res.Value.Unmarshal(&p); err != nil {
		return Probe{}, fmt.Errorf("decode probe: %w", err)
	}
	return p, nil
}

func (c *Client) installHooks(page *rod.Page) {
	c.mu.Lock()
	hooked := c.hooked
	c.hooked = true
	c.mu.Unlock()
	if hooked {
		return
	}
	if _, err := page.Context(c.ctx).Evaluate(rod.Eval(hookJS, bindingName)); err != nil {
		c.log.Error("installing message hooks", zap.Error(err))
	}
}

type notification struct {
	Kind    string           `json:"kind"`
	Message whatsapp.Message `json:"message"`
}

// onNotification receives calls from the page's message hooks.
func (c *Client) onNotification(j gson.JSON) (interface{}, error) {
	var n notification
	if err := j.Unmarshal(&n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	switch n.Kind {
	case "in":
		c.emit(whatsapp.MessageIn{Message: n.Message})
	case "create":
		c.emit(whatsapp.MessageCreate{Message: n.Message})
	default:
		c.log.Debug("unknown notification", zap.String("kind", n.Kind))
	}
	return nil, nil
}

func (c *Client) currentPage() (*rod.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.page == nil {
		return nil, errors.New("browser: page not open")
	}
	return c.page, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID, body string) (string, error) {
	page, err := c.currentPage()
	if err != nil {
		return "", err
	}
	res, err := page.Context(ctx).Evaluate(rod.Eval(sendJS, chatID, body).ByPromise())
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

type contactJSON struct {
	ID       string `json:"id"`
	PushName string `json:"pushName"`
	Name     string `json:"name"`
	Number   string `json:"number"`
}

func (c *Client) Contact(ctx context.Context, id string) (whatsapp.Contact, error) {
	page, err := c.currentPage()
	if err != nil {
		return whatsapp.Contact{}, err
	}
	res, err := page.Context(ctx).Evaluate(rod.Eval(contactJS, id).ByPromise())
	if err != nil {
		return whatsapp.Contact{}, err
	}
	var cj contactJSON
	if err := res.Value.Unmarshal(&cj); err != nil {
		return whatsapp.Contact{}, fmt.Errorf("decode contact: %w", err)
	}
	return whatsapp.Contact{ID: cj.ID, PushName: cj.PushName, Name: cj.Name, Number: cj.Number}, nil
}

// Close stops the loops, closes the browser and kills its process.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	stop, b, l := c.stopExpose, c.browser, c.launcher
	c.stopExpose, c.browser, c.launcher, c.page = nil, nil, nil, nil
	c.subs = make(map[int]func(whatsapp.Event))
	c.mu.Unlock()

	var errs []error
	if stop != nil {
		if err := stop(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if b != nil {
		if err := b.Close(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if l != nil {
		l.Kill()
	}
	return errors.Join(errs...)
}

// mergeCancel returns a context that ends when either parent does.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
