// Package headless opens browsing sessions backed by headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/watch"
)

// Config controls the headless session factory.
type Config struct {
	// MaxSessions bounds concurrently open tabs across all runs (0 = unbounded).
	MaxSessions       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector is awaited after navigation before the DOM is captured.
	WaitSelector string
	// Settle gives late scripts time to populate the result list.
	Settle time.Duration
}

// Factory implements watch.SessionFactory using chromedp.
type Factory struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a Factory sharing one browser allocator.
func NewChromedp(cfg Config, logger *zap.Logger) (*Factory, error) {
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("max sessions must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var slots chan struct{}
	if cfg.MaxSessions > 0 {
		slots = make(chan struct{}, cfg.MaxSessions)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.NoSandbox,
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Factory{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("headless"),
	}, nil
}

// Close shuts the browser down.
func (f *Factory) Close() {
	f.allocCancel()
}

// NewSession opens one tab. The tab is reused for every URL the owning worker loads.
func (f *Factory) NewSession(ctx context.Context) (watch.Session, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(f.allocator)
	if err := chromedp.Run(tabCtx, f.setupAction()); err != nil {
		cancel()
		f.release()
		return nil, fmt.Errorf("start browser tab: %w", err)
	}
	meta := &responseMeta{}
	chromedp.ListenTarget(tabCtx, meta.captureEvent)
	f.logger.Debug("opened browser tab", zap.Int("slots_in_use", len(f.slots)))
	return &Session{factory: f, tab: tabCtx, cancel: cancel, meta: meta}, nil
}

func (f *Factory) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Factory) acquire(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Factory) release() {
	if f.slots == nil {
		return
	}
	select {
	case <-f.slots:
	default:
	}
}

// Session is one browser tab.
type Session struct {
	factory *Factory
	tab     context.Context
	cancel  context.CancelFunc
	meta    *responseMeta
	once    sync.Once
}

// Load navigates the tab and captures the rendered document.
func (s *Session) Load(ctx context.Context, rawURL string) (watch.Page, error) {
	cfg := s.factory.cfg
	// The tab context carries the browser target; ctx only bounds this navigation.
	runCtx, cancel := context.WithTimeout(s.tab, cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	s.meta.reset()
	var html, finalURL string
	actions := []chromedp.Action{
		chromedp.Navigate(rawURL),
		chromedp.WaitReady(cfg.WaitSelector, chromedp.ByQuery),
	}
	if cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	start := time.Now()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return watch.Page{}, &watch.FetchError{URL: rawURL, Err: fmt.Errorf("chromedp run: %w", err)}
	}
	if status := s.meta.status(); status >= http.StatusBadRequest {
		return watch.Page{}, &watch.FetchError{URL: rawURL, Err: fmt.Errorf("document status %d", status)}
	}
	return watch.Page{
		URL:      rawURL,
		FinalURL: finalURL,
		HTML:     []byte(html),
		Duration: time.Since(start),
	}, nil
}

// Close releases the tab and its slot. It is safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.factory.release()
	})
	return nil
}

type responseMeta struct {
	mu   sync.RWMutex
	code int
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only the first document response of a navigation is the page itself; iframes come later.
	if m.code != 0 {
		return
	}
	m.code = int(resp.Response.Status)
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.code = 0
	m.mu.Unlock()
}
