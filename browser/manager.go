// Package browser connects the engine to a real Chrome instance via
// Rod. It attaches to an already running browser over its remote debug
// endpoint (the normal mode, so the operator's logged-in session is
// reused) or launches a local one, and hands out listing Source/Surface
// implementations bound to a configurable selector set.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/suwatbch/tbserver/engine"
	"github.com/suwatbch/tbserver/listing"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the remote debugging endpoint of a running Chrome,
	// e.g. "http://127.0.0.1:9222". Empty = launch a local Chrome.
	RemoteURL string

	// BaseURL of the listing view. Tabs are matched by URL prefix.
	BaseURL string

	// Headless applies only when launching locally.
	Headless bool

	// Selectors locate the listing elements. Zero value = element-UI
	// defaults.
	Selectors Selectors

	Logger *slog.Logger
}

func (c *Config) defaults() {
	c.Selectors.defaults()
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Rod connection.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a Manager. Call Start to connect.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start attaches to the remote browser or launches a local one.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		return nil
	}

	log := m.cfg.Logger
	var wsURL string

	if m.cfg.RemoteURL != "" {
		u, err := launcher.ResolveURL(m.cfg.RemoteURL)
		if err != nil {
			return fmt.Errorf("browser: resolve %s: %w", m.cfg.RemoteURL, err)
		}
		wsURL = u
		log.Info("browser: attaching to remote", "url", m.cfg.RemoteURL)
	} else {
		l := launcher.New().
			Headless(m.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "headless", m.cfg.Headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("browser: connect: %w", err)
	}
	m.browser = b
	return nil
}

// Ping verifies the CDP connection is alive.
func (m *Manager) Ping(ctx context.Context) error {
	b, err := m.handle()
	if err != nil {
		return err
	}
	if _, err := proto.BrowserGetVersion{}.Call(b.Context(ctx)); err != nil {
		return fmt.Errorf("browser: ping: %w", err)
	}
	return nil
}

// Listing locates the tab showing the listing view and returns the
// Source/Surface pair bound to it. When no such tab exists one is
// opened and navigated there, and engine.ErrNavigated is returned so
// the caller retries after the page settles.
func (m *Manager) Listing(ctx context.Context) (listing.Source, listing.Surface, error) {
	b, err := m.handle()
	if err != nil {
		return nil, nil, err
	}

	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return nil, nil, fmt.Errorf("browser: list pages: %w", err)
	}
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		if strings.HasPrefix(info.URL, m.cfg.BaseURL) {
			pv := &pageView{page: p, sel: m.cfg.Selectors}
			return pv, pv, nil
		}
	}

	m.cfg.Logger.Info("browser: listing tab not found, opening", "url", m.cfg.BaseURL)
	page, err := stealth.Page(b.Context(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("browser: open tab: %w", err)
	}
	if err := page.Navigate(m.cfg.BaseURL); err != nil {
		page.Close()
		return nil, nil, fmt.Errorf("browser: navigate %s: %w", m.cfg.BaseURL, err)
	}
	return nil, nil, engine.ErrNavigated
}

// Close detaches from the browser. A remote browser keeps running; a
// locally launched one is cleaned up.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return nil
}

func (m *Manager) handle() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return nil, fmt.Errorf("browser: not started")
	}
	return m.browser, nil
}
