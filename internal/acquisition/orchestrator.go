// Package acquisition runs extraction over a set of watchlist entries and persists what it finds.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listingwatch/internal/batcher"
	"github.com/JakeFAU/listingwatch/internal/metrics"
	"github.com/JakeFAU/listingwatch/internal/watch"
)

var tracer = otel.Tracer("listingwatch/acquisition")

// Config bounds a run.
type Config struct {
	// Concurrency is the number of workers, each owning one browsing session.
	Concurrency int
	// RunTimeout abandons in-flight extractions once exceeded (0 = no deadline).
	RunTimeout time.Duration
	// CommitTimeout bounds the final commit, which runs even after the run deadline.
	CommitTimeout time.Duration
}

// Orchestrator implements the acquisition run.
type Orchestrator struct {
	cfg       Config
	sessions  watch.SessionFactory
	extractor watch.Extractor
	store     watch.DocumentStore
	clock     watch.Clock
	ids       watch.IDGenerator
	logger    *zap.Logger
}

// New constructs an Orchestrator.
func New(
	cfg Config,
	sessions watch.SessionFactory,
	extractor watch.Extractor,
	store watch.DocumentStore,
	clock watch.Clock,
	ids watch.IDGenerator,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if sessions == nil || extractor == nil || store == nil || clock == nil || ids == nil {
		return nil, errors.New("orchestrator requires sessions, extractor, store, clock and id generator")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		sessions:  sessions,
		extractor: extractor,
		store:     store,
		clock:     clock,
		ids:       ids,
		logger:    logger.Named("acquisition"),
	}, nil
}

// Run extracts every entry, tags the records with their lineage and commits them once at the end.
// Extraction failures are recorded per entry. The returned error is a *watch.ValidationError when the
// input is rejected before any I/O, or a *watch.AcquisitionError when the commit fails; in the latter
// case the Result still describes what was extracted.
func (o *Orchestrator) Run(ctx context.Context, entries []watch.WatchlistEntry, ownerUserID string) (watch.Result, error) {
	if err := validate(entries, ownerUserID); err != nil {
		return watch.Result{}, err
	}
	runID, err := o.ids.NewID()
	if err != nil {
		return watch.Result{}, fmt.Errorf("generate run id: %w", err)
	}

	ctx, span := tracer.Start(ctx, "acquisition.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("owner_user_id", ownerUserID),
		attribute.Int("entries", len(entries)),
	)

	logger := o.logger.With(zap.String("run_id", runID), zap.String("owner_user_id", ownerUserID))
	result := watch.Result{
		RunID:       runID,
		OwnerUserID: ownerUserID,
		StartedAt:   o.clock.Now(),
		Entries:     make([]watch.EntryOutcome, len(entries)),
	}
	for i, entry := range entries {
		result.Entries[i] = watch.EntryOutcome{
			EntryID:   entry.ID,
			SourceURL: entry.SourceURL,
			Listings:  []watch.ListingRecord{},
		}
	}

	runCtx, cancel := o.runContext(ctx)
	defer cancel()

	sessionErr := o.extractAll(runCtx, entries, ownerUserID, result.Entries, logger)

	// Staged in input order once the pool is done, so a listing reported by two entries always ends up
	// owned by the later entry regardless of which worker finished first.
	b := batcher.New(o.store, logger)
	for _, out := range result.Entries {
		if out.Status == watch.EntrySucceeded {
			b.Stage(out.Listings...)
		}
	}
	logger.Debug("records staged", zap.Int("listings", b.Pending()))

	runErr := runCtx.Err()
	result.TimedOut = errors.Is(runErr, context.DeadlineExceeded)
	for i := range result.Entries {
		out := &result.Entries[i]
		if out.Status != "" {
			continue
		}
		if runErr != nil {
			*out = out.WithErr(watch.EntryCanceled, fmt.Errorf("entry not processed: %w", runErr))
			continue
		}
		*out = out.WithErr(watch.EntryFailed, &watch.FetchError{URL: out.SourceURL, Err: sessionErr})
	}

	// Staged records survive cancellation of the run; the commit gets its own deadline.
	commitCtx, commitCancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CommitTimeout)
	defer commitCancel()
	committed, commitErr := b.Commit(commitCtx)
	result.FinishedAt = o.clock.Now()

	for _, out := range result.Entries {
		metrics.ObserveEntry(string(out.Status))
	}
	if commitErr != nil {
		result.Status = watch.RunFailed
		metrics.ObserveRun(string(result.Status))
		span.RecordError(commitErr)
		span.SetStatus(codes.Error, "commit failed")
		logger.Error("run commit failed", zap.Error(commitErr))
		return result, &watch.AcquisitionError{RunID: runID, Err: commitErr}
	}

	result.Committed = committed
	result.Status = runStatus(result)
	metrics.ObserveRun(string(result.Status))
	span.SetAttributes(attribute.String("status", string(result.Status)), attribute.Int("committed", committed))
	logger.Info("run finished",
		zap.String("status", string(result.Status)),
		zap.Int("committed", committed),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)),
	)
	return result, nil
}

func (o *Orchestrator) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.RunTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.RunTimeout)
	}
	return context.WithCancel(ctx)
}

// extractAll fans entries out to a fixed set of workers. Each worker opens one session and keeps it for
// every entry it takes. It returns the first session-open error, if any.
func (o *Orchestrator) extractAll(
	ctx context.Context,
	entries []watch.WatchlistEntry,
	ownerUserID string,
	outcomes []watch.EntryOutcome,
	logger *zap.Logger,
) error {
	if len(entries) == 0 {
		return nil
	}
	jobs := make(chan int, len(entries))
	for i := range entries {
		jobs <- i
	}
	close(jobs)

	var (
		mu         sync.Mutex
		sessionErr error
	)
	var g errgroup.Group
	workers := min(o.cfg.Concurrency, len(entries))
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			session, err := o.sessions.NewSession(ctx)
			if err != nil {
				logger.Warn("open session failed", zap.Int("worker", w), zap.Error(err))
				mu.Lock()
				if sessionErr == nil {
					sessionErr = err
				}
				mu.Unlock()
				return nil
			}
			defer func() {
				if cerr := session.Close(); cerr != nil {
					logger.Warn("close session failed", zap.Int("worker", w), zap.Error(cerr))
				}
			}()
			for idx := range jobs {
				if ctx.Err() != nil {
					return nil
				}
				outcomes[idx] = o.extractEntry(ctx, session, entries[idx], ownerUserID, logger)
			}
			return nil
		})
	}
	_ = g.Wait()
	return sessionErr
}

func (o *Orchestrator) extractEntry(
	ctx context.Context,
	session watch.Session,
	entry watch.WatchlistEntry,
	ownerUserID string,
	logger *zap.Logger,
) watch.EntryOutcome {
	ctx, span := tracer.Start(ctx, "acquisition.Entry")
	defer span.End()
	span.SetAttributes(attribute.String("entry_id", entry.ID), attribute.String("url", entry.SourceURL))

	out := watch.EntryOutcome{EntryID: entry.ID, SourceURL: entry.SourceURL, Listings: []watch.ListingRecord{}}
	log := logger.With(zap.String("entry_id", entry.ID), zap.String("url", entry.SourceURL))

	raw, err := o.extractor.Extract(ctx, session, entry.SourceURL)
	if err != nil {
		span.RecordError(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Warn("entry abandoned", zap.Error(err))
			return out.WithErr(watch.EntryCanceled, err)
		}
		log.Warn("entry extraction failed", zap.Error(err))
		return out.WithErr(watch.EntryFailed, err)
	}

	records := make([]watch.ListingRecord, 0, len(raw))
	for _, r := range raw {
		if r.SourceListingID == "" {
			out.Warnings = append(out.Warnings, "skipped listing without id")
			continue
		}
		if r.ParseErr != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("listing %s: %v; posted time set to observation time", r.SourceListingID, r.ParseErr))
		}
		records = append(records, tag(r, entry.ID, ownerUserID))
	}
	out.Listings = records
	out.Status = watch.EntrySucceeded
	span.SetAttributes(attribute.Int("listings", len(records)))
	log.Info("entry extracted", zap.Int("listings", len(records)), zap.Int("warnings", len(out.Warnings)))
	return out
}

func tag(r watch.RawListing, entryID, ownerUserID string) watch.ListingRecord {
	return watch.ListingRecord{
		SourceListingID:  r.SourceListingID,
		DirectURL:        r.DirectURL,
		Price:            r.Price,
		Title:            r.Title,
		DistanceText:     r.DistanceText,
		Location:         r.Location,
		PostedAtEpochMs:  r.PostedAtEpochMs,
		ImageURL:         r.ImageURL,
		Description:      r.Description,
		DetailsText:      r.DetailsText,
		WatchlistEntryID: entryID,
		OwnerUserID:      ownerUserID,
	}
}

func validate(entries []watch.WatchlistEntry, ownerUserID string) error {
	if ownerUserID == "" {
		return &watch.ValidationError{Field: "ownerUserId", Reason: "is required"}
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return &watch.ValidationError{Field: "id", Reason: "is required"}
		}
		if _, dup := seen[e.ID]; dup {
			return &watch.ValidationError{EntryID: e.ID, Field: "id", Reason: "appears more than once"}
		}
		seen[e.ID] = struct{}{}
		if e.SourceURL == "" {
			return &watch.ValidationError{EntryID: e.ID, Field: "sourceUrl", Reason: "is empty"}
		}
		if e.OwnerUserID != "" && e.OwnerUserID != ownerUserID {
			return &watch.ValidationError{EntryID: e.ID, Field: "ownerUserId", Reason: "does not match the run owner"}
		}
	}
	return nil
}

func runStatus(r watch.Result) watch.RunStatus {
	succeeded := 0
	for _, out := range r.Entries {
		if out.Status == watch.EntrySucceeded {
			succeeded++
		}
	}
	switch {
	case succeeded == len(r.Entries):
		return watch.RunSucceeded
	case r.TimedOut:
		return watch.RunPartial
	case succeeded == 0:
		return watch.RunFailed
	default:
		return watch.RunPartial
	}
}
