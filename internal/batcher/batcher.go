// Package batcher accumulates listing records and writes them to the document store as merge upserts.
package batcher

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/metrics"
	"github.com/JakeFAU/listingwatch/internal/watch"
)

// Batcher stages records for one run. Stage is safe for concurrent use.
type Batcher struct {
	store  watch.DocumentStore
	logger *zap.Logger

	mu     sync.Mutex
	order  []string
	staged map[string]watch.ListingRecord
}

// New constructs a Batcher bound to store.
func New(store watch.DocumentStore, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		store:  store,
		logger: logger.Named("batcher"),
		staged: make(map[string]watch.ListingRecord),
	}
}

// Stage queues records for the next Commit. A listing staged twice is merged into one write, with the
// later non-empty fields winning. Records without a listing id are dropped and counted in the return value.
func (b *Batcher) Stage(records ...watch.ListingRecord) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for _, rec := range records {
		if rec.SourceListingID == "" {
			dropped++
			continue
		}
		prev, ok := b.staged[rec.SourceListingID]
		if !ok {
			b.order = append(b.order, rec.SourceListingID)
			b.staged[rec.SourceListingID] = rec
			continue
		}
		b.staged[rec.SourceListingID] = mergeRecords(prev, rec)
	}
	if dropped > 0 {
		b.logger.Warn("dropped records without listing id", zap.Int("count", dropped))
	}
	return dropped
}

// Pending reports how many distinct listings are staged.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Commit writes every staged record. When the store caps batch size the records go out as sequential
// atomic sub-batches. It returns the number of records whose sub-batch succeeded; on error that count is
// informational only and the staged set is kept so nothing is silently discarded.
func (b *Batcher) Commit(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("listingwatch/batcher").Start(ctx, "batcher.Commit")
	defer span.End()

	b.mu.Lock()
	writes := make([]watch.Write, 0, len(b.order))
	for _, id := range b.order {
		rec := b.staged[id]
		writes = append(writes, watch.Write{
			Kind:       watch.WriteSet,
			Collection: watch.CollectionListings,
			ID:         id,
			Fields:     rec.Fields(),
			Merge:      true,
		})
	}
	b.mu.Unlock()

	span.SetAttributes(attribute.Int("records", len(writes)))
	if len(writes) == 0 {
		return 0, nil
	}

	size := b.store.MaxBatchSize()
	if size <= 0 {
		size = len(writes)
	}
	committed := 0
	for start := 0; start < len(writes); start += size {
		end := min(start+size, len(writes))
		chunk := writes[start:end]
		err := b.store.Commit(ctx, chunk)
		metrics.ObserveCommit(len(chunk), err)
		if err != nil {
			span.RecordError(err)
			b.logger.Error("sub-batch commit failed",
				zap.Int("offset", start),
				zap.Int("size", len(chunk)),
				zap.Int("committed_before_failure", committed),
				zap.Error(err),
			)
			return committed, &watch.StoreError{Op: "commit", Collection: watch.CollectionListings, Err: err}
		}
		committed += len(chunk)
	}

	b.mu.Lock()
	b.order = nil
	b.staged = make(map[string]watch.ListingRecord)
	b.mu.Unlock()

	b.logger.Debug("committed listings", zap.Int("records", committed))
	return committed, nil
}

func mergeRecords(prev, next watch.ListingRecord) watch.ListingRecord {
	pick := func(a, b string) string {
		if b != "" {
			return b
		}
		return a
	}
	out := prev
	out.DirectURL = pick(prev.DirectURL, next.DirectURL)
	out.Price = pick(prev.Price, next.Price)
	out.Title = pick(prev.Title, next.Title)
	out.DistanceText = pick(prev.DistanceText, next.DistanceText)
	out.Location = pick(prev.Location, next.Location)
	out.ImageURL = pick(prev.ImageURL, next.ImageURL)
	out.Description = pick(prev.Description, next.Description)
	out.DetailsText = pick(prev.DetailsText, next.DetailsText)
	out.WatchlistEntryID = pick(prev.WatchlistEntryID, next.WatchlistEntryID)
	out.OwnerUserID = pick(prev.OwnerUserID, next.OwnerUserID)
	if next.PostedAtEpochMs != 0 {
		out.PostedAtEpochMs = next.PostedAtEpochMs
	}
	return out
}
