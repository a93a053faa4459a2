// Package cascade removes every document matching a query in bounded pages.
package cascade

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/metrics"
	"github.com/JakeFAU/listingwatch/internal/watch"
)

// PageFunc observes each page after it has been deleted.
type PageFunc func(ctx context.Context, deleted []watch.Document) error

// Engine runs cascade deletions against a document store.
type Engine struct {
	store  watch.DocumentStore
	logger *zap.Logger
}

// New constructs an Engine.
func New(store watch.DocumentStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger.Named("cascade")}
}

// DeleteAll deletes documents matching q, pageSize at a time, until a fetch comes back empty.
func (e *Engine) DeleteAll(ctx context.Context, q watch.Query, pageSize int) (watch.DeletionStats, error) {
	return e.DeleteAllFunc(ctx, q, pageSize, nil)
}

// DeleteAllFunc is DeleteAll with a callback run after every deleted page. The same bounded query is
// re-issued each cycle; deletion shrinks the matching set so no cursor is kept.
func (e *Engine) DeleteAllFunc(ctx context.Context, q watch.Query, pageSize int, fn PageFunc) (watch.DeletionStats, error) {
	stats := watch.DeletionStats{Collection: q.Collection}
	if pageSize <= 0 {
		return stats, &watch.ValidationError{Field: "pageSize", Reason: "must be positive"}
	}
	if limit := e.store.MaxBatchSize(); limit > 0 && pageSize > limit {
		pageSize = limit
	}
	q.Limit = pageSize

	ctx, span := otel.Tracer("listingwatch/cascade").Start(ctx, "cascade.DeleteAll")
	defer span.End()
	span.SetAttributes(attribute.String("collection", q.Collection), attribute.Int("page_size", pageSize))

	logger := e.logger.With(zap.String("collection", q.Collection))
	for {
		if err := ctx.Err(); err != nil {
			return stats, &watch.StoreError{Op: "delete", Collection: q.Collection, Err: err}
		}
		page, err := e.store.Find(ctx, q)
		if err != nil {
			span.RecordError(err)
			return stats, &watch.StoreError{Op: "query", Collection: q.Collection, Err: err}
		}
		if len(page) == 0 {
			break
		}
		writes := make([]watch.Write, 0, len(page))
		for _, doc := range page {
			writes = append(writes, watch.Write{Kind: watch.WriteDelete, Collection: q.Collection, ID: doc.ID})
		}
		if err := e.store.Commit(ctx, writes); err != nil {
			span.RecordError(err)
			return stats, &watch.StoreError{Op: "delete", Collection: q.Collection, Err: err}
		}
		stats.Cycles++
		stats.Deleted += len(page)
		metrics.ObserveCascadeCycle(q.Collection, len(page))
		logger.Debug("deleted page", zap.Int("cycle", stats.Cycles), zap.Int("documents", len(page)))

		if fn != nil {
			if err := fn(ctx, page); err != nil {
				return stats, fmt.Errorf("cascade %s page %d: %w", q.Collection, stats.Cycles, err)
			}
		}
	}

	span.SetAttributes(attribute.Int("cycles", stats.Cycles), attribute.Int("deleted", stats.Deleted))
	logger.Info("cascade complete", zap.Int("cycles", stats.Cycles), zap.Int("deleted", stats.Deleted))
	return stats, nil
}

// ListingsOfEntry selects every listing derived from a watchlist entry.
func ListingsOfEntry(entryID string) watch.Query {
	return watch.Query{Collection: watch.CollectionListings}.
		Where(watch.FieldWatchlistEntryID, watch.OpEq, entryID)
}

// EntriesOfUser selects every watchlist entry owned by a user.
func EntriesOfUser(userID string) watch.Query {
	return watch.Query{Collection: watch.CollectionWatchlist}.
		Where(watch.FieldOwnerUserID, watch.OpEq, userID)
}

// AllListings selects every listing, oldest first.
func AllListings() watch.Query {
	return watch.Query{Collection: watch.CollectionListings, OrderBy: watch.FieldPostedAt}
}
