// Package static opens browsing sessions that fetch HTML over plain HTTP with Colly.
package static

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/watch"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Headers   http.Header
}

// Factory implements watch.SessionFactory.
type Factory struct {
	cfg    Config
	base   *colly.Collector
	logger *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Factory sharing one pooled transport.
func New(cfg Config, logger *zap.Logger) *Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Factory{cfg: cfg, base: c, logger: logger.Named("static")}
}

// NewSession returns a session. Sessions share the transport and cookie jar of the factory.
func (f *Factory) NewSession(_ context.Context) (watch.Session, error) {
	c := f.base.Clone()
	return &Session{cfg: f.cfg, collector: c, logger: f.logger}, nil
}

// Session loads pages one at a time.
type Session struct {
	cfg       Config
	collector *colly.Collector
	logger    *zap.Logger
}

// Load performs one GET and returns the raw body.
func (s *Session) Load(ctx context.Context, rawURL string) (watch.Page, error) {
	var (
		page     watch.Page
		fetchErr error
	)
	start := time.Now()
	c := s.collector.Clone()
	c.Context = ctx
	s.configureHooks(c, rawURL, start, &page, &fetchErr)

	if err := s.run(ctx, c, rawURL, &fetchErr); err != nil {
		return watch.Page{}, &watch.FetchError{URL: rawURL, Err: err}
	}
	s.logger.Debug("fetched page", zap.String("url", rawURL), zap.Int("bytes", len(page.HTML)))
	return page, nil
}

func (s *Session) configureHooks(hooks collectorHooks, rawURL string, start time.Time, page *watch.Page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range s.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*page = watch.Page{
			URL:      rawURL,
			FinalURL: r.Request.URL.String(),
			HTML:     append([]byte(nil), r.Body...),
			Duration: time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func (s *Session) run(ctx context.Context, c *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// Close is a no-op; the pooled transport outlives sessions.
func (s *Session) Close() error {
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
