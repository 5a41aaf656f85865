// Package browser implements adapter.Adapter on a Chrome instance driven
// through the DevTools protocol. The endpoint's web client runs in a page
// whose injected bridge queues lifecycle and message events; a poll loop
// drains that queue into typed adapter events.
package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"groupvault/internal/adapter"
	"groupvault/internal/logging"
	"groupvault/internal/types"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

//go:embed bridge.js
var defaultBridge string

// Config holds browser configuration.
type Config struct {
	DebuggerURL    string
	Launch         []string // binary followed by extra flags
	Headless       bool
	ProfileDir     string
	EndpointURL    string
	ViewportWidth  int
	ViewportHeight int
	PollInterval   time.Duration
	// BridgeScript overrides the embedded bridge.
	BridgeScript string
	// EventBuffer sizes the Events channel.
	EventBuffer int
}

// GetViewportWidth returns viewport width.
func (c Config) GetViewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1280
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c Config) GetViewportHeight() int {
	if c.ViewportHeight == 0 {
		return 900
	}
	return c.ViewportHeight
}

func (c Config) bridge() string {
	if strings.TrimSpace(c.BridgeScript) != "" {
		return c.BridgeScript
	}
	return defaultBridge
}

// maxPollFailures is how many consecutive failed drains mean the browser
// connection is gone.
const maxPollFailures = 3

// Adapter owns one Chrome instance and the endpoint page inside it.
type Adapter struct {
	cfg    Config
	events chan adapter.Event

	mu       sync.RWMutex
	browser  *rod.Browser
	page     *rod.Page
	launch   *launcher.Launcher
	self     string
	cancel   context.CancelFunc
	abort    context.CancelFunc // set while Connect is running
	wg       sync.WaitGroup
	lostOnce *sync.Once
}

// New creates an idle adapter. Nothing is launched until Connect.
func New(cfg Config) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Adapter{cfg: cfg, events: make(chan adapter.Event, cfg.EventBuffer)}
}

var _ adapter.Adapter = (*Adapter)(nil)

// Events returns the adapter's event stream. It is never closed.
func (a *Adapter) Events() <-chan adapter.Event { return a.events }

// Self returns the local account identity once the client reported it.
func (a *Adapter) Self() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.self
}

// Connect launches or attaches to Chrome, opens the endpoint and starts
// draining the bridge. A fresh connect starts from an empty profile.
// The adapter lock is not held while Chrome starts, so Destroy can abort
// a connect that outlived its caller.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) error {
	a.mu.Lock()
	if a.browser != nil {
		a.mu.Unlock()
		return errors.New("browser already connected")
	}
	if a.abort != nil {
		a.mu.Unlock()
		return errors.New("connect already in progress")
	}
	if a.cfg.EndpointURL == "" {
		a.mu.Unlock()
		return errors.New("endpoint url not configured")
	}
	ctx, abort := context.WithCancel(ctx)
	defer abort()
	a.abort = abort
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.abort = nil
		a.mu.Unlock()
	}()

	if opts.Fresh && a.cfg.ProfileDir != "" && a.cfg.DebuggerURL == "" {
		if err := os.RemoveAll(a.cfg.ProfileDir); err != nil {
			return fmt.Errorf("reset profile: %w", err)
		}
	}
	if a.cfg.ProfileDir != "" {
		if err := os.MkdirAll(a.cfg.ProfileDir, 0o700); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
	}

	timer := logging.StartTimer(logging.CategoryBrowser, "connect")
	defer timer.Stop()

	controlURL, l, err := a.controlURL()
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		killLauncher(l)
		return fmt.Errorf("connect to chrome: %w", ctx.Err())
	}
	client, watch, err := dialDevTools(ctx, controlURL)
	if err != nil {
		killLauncher(l)
		return err
	}
	b := rod.New().Client(client)
	page, err := a.connectPage(ctx, b)
	if !watch.release() {
		// The connection was cut because ctx ended; report that instead
		// of whatever read failed.
		err = fmt.Errorf("connect to chrome: %w", ctx.Err())
	}
	if err != nil {
		_ = b.Close()
		killLauncher(l)
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if ctx.Err() != nil {
		_ = b.Close()
		killLauncher(l)
		return fmt.Errorf("connect to chrome: %w", ctx.Err())
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	a.browser, a.page, a.launch, a.cancel = b, page, l, cancel
	a.self = ""
	a.lostOnce = &sync.Once{}
	lost := a.lostOnce

	a.wg.Add(2)
	go a.poll(loopCtx, page, lost)
	go a.watchCrash(loopCtx, page, lost)
	logging.Get(logging.CategoryBrowser).Info("endpoint opened (fresh=%v)", opts.Fresh)
	return nil
}

func (a *Adapter) connectPage(ctx context.Context, b *rod.Browser) (*rod.Page, error) {
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	return a.openPage(ctx, b)
}

func (a *Adapter) controlURL() (string, *launcher.Launcher, error) {
	if a.cfg.DebuggerURL != "" {
		return a.cfg.DebuggerURL, nil, nil
	}
	l := launcher.New().Headless(a.cfg.Headless)
	if len(a.cfg.Launch) > 0 {
		l = l.Bin(a.cfg.Launch[0])
		for _, raw := range a.cfg.Launch[1:] {
			name, val, hasVal := parseFlag(raw)
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
	}
	if a.cfg.ProfileDir != "" {
		l = l.UserDataDir(a.cfg.ProfileDir)
	}
	u, err := l.Launch()
	if err != nil {
		return "", nil, fmt.Errorf("launch chrome: %w", err)
	}
	return u, l, nil
}

func (a *Adapter) openPage(ctx context.Context, b *rod.Browser) (*rod.Page, error) {
	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             a.cfg.GetViewportWidth(),
		Height:            a.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		logging.Get(logging.CategoryBrowser).Warn("set viewport: %v", err)
	}
	if _, err := page.EvalOnNewDocument("(" + a.cfg.bridge() + ")()"); err != nil {
		return nil, fmt.Errorf("install bridge: %w", err)
	}
	p := page.Context(ctx)
	if err := p.Navigate(a.cfg.EndpointURL); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", a.cfg.EndpointURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}
	// Pages that were already loaded before the hook was registered.
	if _, err := p.Evaluate(&rod.EvalOptions{JS: a.cfg.bridge(), ByValue: true}); err != nil {
		return nil, fmt.Errorf("install bridge: %w", err)
	}
	return page, nil
}

// Destroy closes the page and the browser. It is safe to call when not
// connected.
func (a *Adapter) Destroy(ctx context.Context) error {
	a.mu.Lock()
	b, page, l, cancel := a.browser, a.page, a.launch, a.cancel
	a.browser, a.page, a.launch, a.cancel = nil, nil, nil, nil
	if a.abort != nil {
		a.abort()
	}
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	if page != nil {
		if err := page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close page: %w", err))
		}
	}
	if b != nil {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	killLauncher(l)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func killLauncher(l *launcher.Launcher) {
	if l != nil {
		l.Kill()
	}
}

func (a *Adapter) currentPage() (*rod.Page, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.page == nil {
		return nil, errors.New("browser not connected")
	}
	return a.page, nil
}

// State returns the web client's connection state, e.g. CONNECTED.
func (a *Adapter) State(ctx context.Context) (string, error) {
	page, err := a.currentPage()
	if err != nil {
		return "", err
	}
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      `() => window.__groupvaultState ? window.__groupvaultState() : 'UNKNOWN'`,
		ByValue: true,
	})
	if err != nil {
		return "", fmt.Errorf("evaluate state: %w", err)
	}
	return res.Value.String(), nil
}

// Chats lists the chats known to the web client.
func (a *Adapter) Chats(ctx context.Context) ([]types.ChatRef, error) {
	page, err := a.currentPage()
	if err != nil {
		return nil, err
	}
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           `() => window.__groupvaultChats()`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate chats: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal chats: %w", err)
	}
	return decodeChats(raw)
}

func (a *Adapter) poll(ctx context.Context, page *rod.Page, lost *sync.Once) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
			JS:      `() => window.__groupvaultDrain ? window.__groupvaultDrain() : []`,
			ByValue: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logging.Get(logging.CategoryBrowser).Debug("drain failed (%d/%d): %v", failures, maxPollFailures, err)
			if failures >= maxPollFailures {
				a.lose(ctx, lost, "browser disconnected: "+err.Error())
				return
			}
			continue
		}
		failures = 0
		raw, err := res.Value.MarshalJSON()
		if err != nil {
			logging.Get(logging.CategoryBrowser).Warn("marshal drained events: %v", err)
			continue
		}
		events, err := decodeEvents(raw)
		if err != nil {
			logging.Get(logging.CategoryBrowser).Warn("decode drained events: %v", err)
		}
		for _, ev := range events {
			if ev.Kind == adapter.EventReady && ev.Self != "" {
				a.mu.Lock()
				a.self = ev.Self
				a.mu.Unlock()
			}
			if !a.emit(ctx, ev.Event) {
				return
			}
		}
	}
}

func (a *Adapter) watchCrash(ctx context.Context, page *rod.Page, lost *sync.Once) {
	defer a.wg.Done()
	wait := page.Context(ctx).EachEvent(
		func(*proto.InspectorTargetCrashed) bool {
			a.lose(ctx, lost, "target crashed")
			return true
		},
		func(e *proto.InspectorDetached) bool {
			a.lose(ctx, lost, "target closed: "+e.Reason)
			return true
		},
	)
	wait()
}

// lose reports the loss of the page once per connect.
func (a *Adapter) lose(ctx context.Context, once *sync.Once, reason string) {
	once.Do(func() {
		logging.Get(logging.CategoryBrowser).Warn("session lost: %s", reason)
		a.emit(ctx, adapter.Event{Kind: adapter.EventDisconnected, Reason: reason})
	})
}

func (a *Adapter) emit(ctx context.Context, ev adapter.Event) bool {
	select {
	case a.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// parseFlag splits a command line flag such as --proxy-server=host:1 into
// its name and value.
func parseFlag(raw string) (name, val string, hasVal bool) {
	return strings.Cut(strings.TrimLeft(raw, "-"), "=")
}
