// Package triggers exposes the pipeline's entry points: reacting to watchlist and user changes,
// on-demand refreshes, the admin purge, and the watchlist commands behind the HTTP API.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/cascade"
	"github.com/JakeFAU/listingwatch/internal/watch"
)

// Runner executes an acquisition run.
type Runner interface {
	Run(ctx context.Context, entries []watch.WatchlistEntry, ownerUserID string) (watch.Result, error)
}

// Config controls trigger behavior.
type Config struct {
	// PageSize bounds every cascade page.
	PageSize int
	// ResultsTopic receives run-completed notifications when set.
	ResultsTopic string
	// MaxListings caps ListListings responses.
	MaxListings int
}

// Service implements the trigger entry points.
type Service struct {
	cfg       Config
	store     watch.DocumentStore
	runner    Runner
	cascade   *cascade.Engine
	identity  watch.IdentityProvider
	publisher watch.Publisher
	ids       watch.IDGenerator
	logger    *zap.Logger
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store     watch.DocumentStore
	Runner    Runner
	Identity  watch.IdentityProvider
	Publisher watch.Publisher
	IDs       watch.IDGenerator
	Logger    *zap.Logger
}

// New constructs a Service. Publisher is optional.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Runner == nil || deps.Identity == nil || deps.IDs == nil {
		return nil, errors.New("triggers require store, runner, identity provider and id generator")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	if cfg.MaxListings <= 0 {
		cfg.MaxListings = 500
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		runner:    deps.Runner,
		cascade:   cascade.New(deps.Store, logger),
		identity:  deps.Identity,
		publisher: deps.Publisher,
		ids:       deps.IDs,
		logger:    logger.Named("triggers"),
	}, nil
}

// EntryCreated runs acquisition for a newly created watchlist entry.
func (s *Service) EntryCreated(ctx context.Context, entryID string) (watch.Result, error) {
	entry, err := s.loadEntry(ctx, entryID)
	if err != nil {
		return watch.Result{}, err
	}
	s.logger.Info("entry created", zap.String("entry_id", entry.ID), zap.String("owner_user_id", entry.OwnerUserID))
	return s.run(ctx, []watch.WatchlistEntry{entry}, entry.OwnerUserID)
}

// EntryDeleted removes every listing derived from the entry.
func (s *Service) EntryDeleted(ctx context.Context, entryID string) (watch.DeletionStats, error) {
	if entryID == "" {
		return watch.DeletionStats{}, &watch.ValidationError{Field: "entryId", Reason: "is required"}
	}
	stats, err := s.cascade.DeleteAll(ctx, cascade.ListingsOfEntry(entryID), s.cfg.PageSize)
	if err != nil {
		return stats, fmt.Errorf("cascade listings of entry %s: %w", entryID, err)
	}
	s.logger.Info("entry listings removed", zap.String("entry_id", entryID), zap.Int("deleted", stats.Deleted))
	return stats, nil
}

// UserDeletion summarises the removal of a user.
type UserDeletion struct {
	UserID   string              `json:"userId"`
	Handle   string              `json:"handle,omitempty"`
	Entries  watch.DeletionStats `json:"entries"`
	Listings watch.DeletionStats `json:"listings"`
}

// UserDeleted removes the user's identity account, then every watchlist entry they own and every
// listing of those entries. ref may be a handle or a user id. An identity failure aborts before any
// document is touched.
func (s *Service) UserDeleted(ctx context.Context, ref string) (UserDeletion, error) {
	if ref == "" {
		return UserDeletion{}, &watch.ValidationError{Field: "userId", Reason: "is required"}
	}
	out, err := s.resolveUser(ctx, ref)
	if err != nil {
		return out, err
	}
	logger := s.logger.With(zap.String("user_id", out.UserID))

	if err := s.identity.DeleteUser(ctx, out.UserID); err != nil {
		if !errors.Is(err, watch.ErrNotFound) {
			return out, fmt.Errorf("delete identity %s: %w", out.UserID, err)
		}
		logger.Info("identity account already gone")
	}

	out.Listings = watch.DeletionStats{Collection: watch.CollectionListings}
	entries, err := s.cascade.DeleteAllFunc(ctx, cascade.EntriesOfUser(out.UserID), s.cfg.PageSize,
		func(ctx context.Context, deleted []watch.Document) error {
			for _, doc := range deleted {
				stats, err := s.cascade.DeleteAll(ctx, cascade.ListingsOfEntry(doc.ID), s.cfg.PageSize)
				out.Listings.Cycles += stats.Cycles
				out.Listings.Deleted += stats.Deleted
				if err != nil {
					return fmt.Errorf("listings of entry %s: %w", doc.ID, err)
				}
			}
			return nil
		})
	out.Entries = entries
	if err != nil {
		return out, fmt.Errorf("cascade watchlist of user %s: %w", out.UserID, err)
	}

	if out.Handle != "" {
		err := s.store.Commit(ctx, []watch.Write{{Kind: watch.WriteDelete, Collection: watch.CollectionUsers, ID: out.Handle}})
		if err != nil {
			return out, &watch.StoreError{Op: "delete", Collection: watch.CollectionUsers, Err: err}
		}
	}
	logger.Info("user removed",
		zap.String("handle", out.Handle),
		zap.Int("entries_deleted", out.Entries.Deleted),
		zap.Int("listings_deleted", out.Listings.Deleted),
	)
	return out, nil
}

func (s *Service) resolveUser(ctx context.Context, ref string) (UserDeletion, error) {
	doc, err := s.store.Get(ctx, watch.CollectionUsers, ref)
	switch {
	case err == nil:
		user := watch.UserFromDocument(doc)
		if user.UserID == "" {
			user.UserID = ref
		}
		return UserDeletion{UserID: user.UserID, Handle: doc.ID}, nil
	case errors.Is(err, watch.ErrNotFound):
	default:
		return UserDeletion{}, &watch.StoreError{Op: "get", Collection: watch.CollectionUsers, Err: err}
	}

	q := watch.Query{Collection: watch.CollectionUsers, Limit: 1}.Where(watch.FieldUserID, watch.OpEq, ref)
	docs, err := s.store.Find(ctx, q)
	if err != nil {
		return UserDeletion{}, &watch.StoreError{Op: "query", Collection: watch.CollectionUsers, Err: err}
	}
	out := UserDeletion{UserID: ref}
	if len(docs) > 0 {
		out.Handle = docs[0].ID
	}
	return out, nil
}

// RefreshUser runs acquisition over every entry the user owns.
func (s *Service) RefreshUser(ctx context.Context, userID string) (watch.Result, error) {
	entries, err := s.ListEntries(ctx, userID)
	if err != nil {
		return watch.Result{}, err
	}
	s.logger.Info("refreshing user", zap.String("user_id", userID), zap.Int("entries", len(entries)))
	return s.run(ctx, entries, userID)
}

// PurgeListings deletes every listing, oldest first.
func (s *Service) PurgeListings(ctx context.Context) (watch.DeletionStats, error) {
	stats, err := s.cascade.DeleteAll(ctx, cascade.AllListings(), s.cfg.PageSize)
	if err != nil {
		return stats, fmt.Errorf("purge listings: %w", err)
	}
	s.logger.Warn("all listings purged", zap.Int("deleted", stats.Deleted), zap.Int("cycles", stats.Cycles))
	return stats, nil
}

// CreateEntry registers a source URL for the owner and returns the stored entry.
func (s *Service) CreateEntry(ctx context.Context, ownerUserID, sourceURL, tagName string) (watch.WatchlistEntry, error) {
	if ownerUserID == "" {
		return watch.WatchlistEntry{}, &watch.ValidationError{Field: "ownerUserId", Reason: "is required"}
	}
	sourceURL = strings.TrimSpace(sourceURL)
	if err := validateSourceURL(sourceURL); err != nil {
		return watch.WatchlistEntry{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return watch.WatchlistEntry{}, fmt.Errorf("generate entry id: %w", err)
	}
	entry := watch.WatchlistEntry{
		ID:          id,
		OwnerUserID: ownerUserID,
		SourceURL:   sourceURL,
		TagName:     strings.TrimSpace(tagName),
	}
	write := watch.Write{Kind: watch.WriteSet, Collection: watch.CollectionWatchlist, ID: id, Fields: entry.Fields()}
	if err := s.store.Commit(ctx, []watch.Write{write}); err != nil {
		return watch.WatchlistEntry{}, &watch.StoreError{Op: "commit", Collection: watch.CollectionWatchlist, Err: err}
	}
	s.logger.Info("entry stored", zap.String("entry_id", id), zap.String("owner_user_id", ownerUserID))
	return entry, nil
}

// ListEntries returns the owner's watchlist.
func (s *Service) ListEntries(ctx context.Context, ownerUserID string) ([]watch.WatchlistEntry, error) {
	if ownerUserID == "" {
		return nil, &watch.ValidationError{Field: "ownerUserId", Reason: "is required"}
	}
	docs, err := s.store.Find(ctx, cascade.EntriesOfUser(ownerUserID))
	if err != nil {
		return nil, &watch.StoreError{Op: "query", Collection: watch.CollectionWatchlist, Err: err}
	}
	entries := make([]watch.WatchlistEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, watch.EntryFromDocument(doc))
	}
	return entries, nil
}

// DeleteEntry removes an entry the owner holds. Entries of other users are reported as not found.
// Listing cleanup is left to EntryDeleted.
func (s *Service) DeleteEntry(ctx context.Context, ownerUserID, entryID string) error {
	entry, err := s.loadEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.OwnerUserID != ownerUserID {
		return fmt.Errorf("watchlist entry %s: %w", entryID, watch.ErrNotFound)
	}
	write := watch.Write{Kind: watch.WriteDelete, Collection: watch.CollectionWatchlist, ID: entryID}
	if err := s.store.Commit(ctx, []watch.Write{write}); err != nil {
		return &watch.StoreError{Op: "delete", Collection: watch.CollectionWatchlist, Err: err}
	}
	return nil
}

// ListListings returns the owner's listings, newest first.
func (s *Service) ListListings(ctx context.Context, ownerUserID string, limit int) ([]watch.ListingRecord, error) {
	if ownerUserID == "" {
		return nil, &watch.ValidationError{Field: "ownerUserId", Reason: "is required"}
	}
	if limit <= 0 || limit > s.cfg.MaxListings {
		limit = s.cfg.MaxListings
	}
	q := watch.Query{
		Collection: watch.CollectionListings,
		OrderBy:    watch.FieldPostedAt,
		Descending: true,
		Limit:      limit,
	}.Where(watch.FieldOwnerUserID, watch.OpEq, ownerUserID)
	docs, err := s.store.Find(ctx, q)
	if err != nil {
		return nil, &watch.StoreError{Op: "query", Collection: watch.CollectionListings, Err: err}
	}
	out := make([]watch.ListingRecord, 0, len(docs))
	for _, doc := range docs {
		out = append(out, watch.ListingFromDocument(doc))
	}
	return out, nil
}

func (s *Service) loadEntry(ctx context.Context, entryID string) (watch.WatchlistEntry, error) {
	if entryID == "" {
		return watch.WatchlistEntry{}, &watch.ValidationError{Field: "entryId", Reason: "is required"}
	}
	doc, err := s.store.Get(ctx, watch.CollectionWatchlist, entryID)
	if errors.Is(err, watch.ErrNotFound) {
		return watch.WatchlistEntry{}, fmt.Errorf("watchlist entry %s: %w", entryID, watch.ErrNotFound)
	}
	if err != nil {
		return watch.WatchlistEntry{}, &watch.StoreError{Op: "get", Collection: watch.CollectionWatchlist, Err: err}
	}
	return watch.EntryFromDocument(doc), nil
}

func (s *Service) run(ctx context.Context, entries []watch.WatchlistEntry, ownerUserID string) (watch.Result, error) {
	result, err := s.runner.Run(ctx, entries, ownerUserID)
	var verr *watch.ValidationError
	if errors.As(err, &verr) {
		return result, err
	}
	s.notify(ctx, result)
	return result, err
}

// RunNotification is the payload published after every run.
type RunNotification struct {
	RunID       string          `json:"runId"`
	OwnerUserID string          `json:"ownerUserId"`
	Status      watch.RunStatus `json:"status"`
	Entries     int             `json:"entries"`
	Failed      int             `json:"failed"`
	Committed   int             `json:"committed"`
	TimedOut    bool            `json:"timedOut"`
	FinishedAt  string          `json:"finishedAt"`
}

func (s *Service) notify(ctx context.Context, result watch.Result) {
	if s.publisher == nil || s.cfg.ResultsTopic == "" || result.RunID == "" {
		return
	}
	payload := RunNotification{
		RunID:       result.RunID,
		OwnerUserID: result.OwnerUserID,
		Status:      result.Status,
		Entries:     len(result.Entries),
		Committed:   result.Committed,
		TimedOut:    result.TimedOut,
		FinishedAt:  result.FinishedAt.UTC().Format(time.RFC3339),
	}
	for _, e := range result.Entries {
		if e.Status != watch.EntrySucceeded {
			payload.Failed++
		}
	}
	id, err := s.publisher.Publish(context.WithoutCancel(ctx), s.cfg.ResultsTopic, payload)
	if err != nil {
		s.logger.Warn("publish run notification failed", zap.String("run_id", result.RunID), zap.Error(err))
		return
	}
	s.logger.Debug("run notification published", zap.String("run_id", result.RunID), zap.String("message_id", id))
}

func validateSourceURL(raw string) error {
	if raw == "" {
		return &watch.ValidationError{Field: "sourceUrl", Reason: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &watch.ValidationError{Field: "sourceUrl", Reason: "must be an absolute http(s) URL"}
	}
	return nil
}
