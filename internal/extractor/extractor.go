// Package extractor pulls raw listing records out of rendered result pages.
//
// Sessions (headless Chrome or plain HTTP) only deliver HTML; the DOM walk happens here on the captured
// document so the same selectors serve both session kinds and can be exercised without a browser.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/metrics"
	"github.com/JakeFAU/listingwatch/internal/normalize"
	"github.com/JakeFAU/listingwatch/internal/watch"
)

// Selectors locate the listing container and its sub-elements.
type Selectors struct {
	Container     string `mapstructure:"container"`
	ListingIDAttr string `mapstructure:"listing_id_attr"`
	Link          string `mapstructure:"link"`
	Title         string `mapstructure:"title"`
	Price         string `mapstructure:"price"`
	Distance      string `mapstructure:"distance"`
	Location      string `mapstructure:"location"`
	Image         string `mapstructure:"image"`
	Description   string `mapstructure:"description"`
	Details       string `mapstructure:"details"`
}

// DefaultSelectors matches the search result markup of the supported classifieds site.
func DefaultSelectors() Selectors {
	return Selectors{
		Container:     "div.search-item",
		ListingIDAttr: "data-listing-id",
		Link:          "a.title",
		Title:         "a.title",
		Price:         "div.price",
		Distance:      "div.distance",
		Location:      "div.location",
		Image:         "div.image img",
		Description:   "div.description",
		Details:       "div.details",
	}
}

// Config controls extraction.
type Config struct {
	// BaseOrigin resolves relative detail links. Empty means the page URL is used.
	BaseOrigin string
	Selectors  Selectors
}

// Extractor implements watch.Extractor.
type Extractor struct {
	cfg      Config
	base     *url.URL
	clock    watch.Clock
	limiter  watch.Limiter
	archiver *Archiver
	logger   *zap.Logger
}

// New constructs an Extractor. limiter and archiver may be nil.
func New(cfg Config, clock watch.Clock, limiter watch.Limiter, archiver *Archiver, logger *zap.Logger) (*Extractor, error) {
	if clock == nil {
		return nil, errors.New("extractor requires a clock")
	}
	if cfg.Selectors.Container == "" {
		cfg.Selectors = DefaultSelectors()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Extractor{
		cfg:      cfg,
		clock:    clock,
		limiter:  limiter,
		archiver: archiver,
		logger:   logger.Named("extractor"),
	}
	if cfg.BaseOrigin != "" {
		base, err := url.Parse(cfg.BaseOrigin)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("invalid base origin %q", cfg.BaseOrigin)
		}
		e.base = base
	}
	return e, nil
}

// Extract loads rawURL in the session and returns one raw listing per container node.
func (e *Extractor) Extract(ctx context.Context, session watch.Session, rawURL string) ([]watch.RawListing, error) {
	ctx, span := otel.Tracer("listingwatch/extractor").Start(ctx, "extractor.Extract")
	defer span.End()
	span.SetAttributes(attribute.String("url", rawURL))

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, rawURL); err != nil {
			return nil, &watch.FetchError{URL: rawURL, Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	start := time.Now()
	page, err := session.Load(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		var fetchErr *watch.FetchError
		if errors.As(err, &fetchErr) {
			return nil, err
		}
		return nil, &watch.FetchError{URL: rawURL, Err: err}
	}

	pageURL := page.FinalURL
	if pageURL == "" {
		pageURL = rawURL
	}
	records, err := e.Parse(page.HTML, pageURL, e.clock.Now())
	metrics.ObserveExtraction(rawURL, len(records), time.Since(start))
	if e.archiver != nil {
		e.archiver.Archive(ctx, rawURL, page.HTML, err)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("listings", len(records)))
	e.logger.Debug("extracted listings", zap.String("url", rawURL), zap.Int("count", len(records)))
	return records, nil
}

// Parse walks a captured document. It fails with *watch.RenderError when the document cannot be read or no
// container matches; a missing sub-element only leaves its field empty.
func (e *Extractor) Parse(html []byte, pageURL string, now time.Time) ([]watch.RawListing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, &watch.RenderError{URL: pageURL, Reason: "unreadable document", Err: err}
	}
	sel := e.cfg.Selectors
	nodes := doc.Find(sel.Container)
	if nodes.Length() == 0 {
		return nil, &watch.RenderError{URL: pageURL, Reason: fmt.Sprintf("no element matched %q", sel.Container)}
	}

	base := e.base
	if base == nil {
		base, _ = url.Parse(pageURL)
	}

	records := make([]watch.RawListing, 0, nodes.Length())
	nodes.Each(func(_ int, node *goquery.Selection) {
		id, _ := node.Attr(sel.ListingIDAttr)
		composite := textOf(node, sel.Location)
		rec := watch.RawListing{
			SourceListingID: strings.TrimSpace(id),
			DirectURL:       resolve(base, attrOf(node, sel.Link, "href")),
			Price:           textOf(node, sel.Price),
			Title:           textOf(node, sel.Title),
			DistanceText:    textOf(node, sel.Distance),
			Composite:       composite,
			Location:        normalize.ParseLocation(composite),
			ImageURL:        imageOf(node, sel.Image),
			Description:     textOf(node, sel.Description),
			DetailsText:     textOf(node, sel.Details),
		}
		postedAt, perr := normalize.ParseTime(composite, now)
		if perr != nil {
			postedAt = now.UnixMilli()
			rec.ParseErr = perr
		}
		rec.PostedAtEpochMs = postedAt
		records = append(records, rec)
	})
	return records, nil
}

func textOf(node *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	found := node.Find(selector).First()
	if found.Length() == 0 {
		return ""
	}
	return normalize.CleanText(found.Text())
}

func attrOf(node *goquery.Selection, selector, attr string) string {
	if selector == "" {
		return ""
	}
	v, _ := node.Find(selector).First().Attr(attr)
	return strings.TrimSpace(v)
}

// imageOf prefers src but falls back to the lazy-load attribute used before images scroll into view.
func imageOf(node *goquery.Selection, selector string) string {
	if src := attrOf(node, selector, "src"); src != "" && !strings.HasPrefix(src, "data:") {
		return src
	}
	return attrOf(node, selector, "data-src")
}

func resolve(base *url.URL, href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
