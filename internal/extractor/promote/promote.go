// Package promote loads pages over plain HTTP first and re-renders them in headless Chrome only when the
// static document looks like an unrendered script shell.
package promote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/watch"
)

const defaultThreshold = 2048

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// Heuristic decides whether a statically fetched page needs a browser.
type Heuristic struct {
	// Container is the listing container selector; a page that already matches is never promoted.
	Container string
	// BodyLengthThreshold marks short documents as suspicious when they are mostly script.
	BodyLengthThreshold int
}

// ShouldPromote reports whether html must be re-rendered, and why.
func (h Heuristic) ShouldPromote(html []byte) (bool, string) {
	if len(bytes.TrimSpace(html)) == 0 {
		return true, "empty body"
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return true, "unreadable document"
	}
	if h.Container != "" && doc.Find(h.Container).Length() > 0 {
		return false, ""
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(html, marker) {
			return true, "spa marker " + string(marker)
		}
	}
	threshold := h.BodyLengthThreshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if len(html) < threshold && scriptShare(doc, len(html)) >= 25 {
		return true, "script heavy"
	}
	return false, ""
}

// scriptShare is the percentage of the document taken by inline script bodies.
func scriptShare(doc *goquery.Document, total int) int {
	if total == 0 {
		return 0
	}
	scripts := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scripts += len(s.Text())
	})
	return scripts * 100 / total
}

// Factory implements watch.SessionFactory on top of a static and a headless factory.
type Factory struct {
	static    watch.SessionFactory
	headless  watch.SessionFactory
	heuristic Heuristic
	logger    *zap.Logger
}

// New creates a promoting Factory.
func New(static, headless watch.SessionFactory, heuristic Heuristic, logger *zap.Logger) (*Factory, error) {
	if static == nil || headless == nil {
		return nil, errors.New("promote requires a static and a headless session factory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{static: static, headless: headless, heuristic: heuristic, logger: logger.Named("promote")}, nil
}

// NewSession opens a static session. The headless session is only opened on the first promotion.
func (f *Factory) NewSession(ctx context.Context) (watch.Session, error) {
	s, err := f.static.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open static session: %w", err)
	}
	return &Session{factory: f, static: s}, nil
}

// Session implements watch.Session.
type Session struct {
	factory *Factory
	static  watch.Session

	mu       sync.Mutex
	headless watch.Session
}

// Load fetches rawURL statically and re-renders it when the heuristic asks for a browser.
func (s *Session) Load(ctx context.Context, rawURL string) (watch.Page, error) {
	page, err := s.static.Load(ctx, rawURL)
	if err != nil {
		return watch.Page{}, err
	}
	promote, reason := s.factory.heuristic.ShouldPromote(page.HTML)
	if !promote {
		return page, nil
	}
	s.factory.logger.Debug("promoting to headless", zap.String("url", rawURL), zap.String("reason", reason))
	headless, err := s.headlessSession(ctx)
	if err != nil {
		return watch.Page{}, &watch.FetchError{URL: rawURL, Err: err}
	}
	return headless.Load(ctx, rawURL)
}

func (s *Session) headlessSession(ctx context.Context) (watch.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headless != nil {
		return s.headless, nil
	}
	h, err := s.factory.headless.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open headless session: %w", err)
	}
	s.headless = h
	return h, nil
}

// Close releases both underlying sessions.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if err := s.static.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.headless != nil {
		if err := s.headless.Close(); err != nil {
			errs = append(errs, err)
		}
		s.headless = nil
	}
	return errors.Join(errs...)
}
