// Package api exposes the HTTP interface for the listingwatch service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/config"
	iduuid "github.com/JakeFAU/listingwatch/internal/id/uuid"
	"github.com/JakeFAU/listingwatch/internal/metrics"
	"github.com/JakeFAU/listingwatch/internal/queue"
	"github.com/JakeFAU/listingwatch/internal/watch"
)

// Commands is the caller-scoped surface of the trigger service.
type Commands interface {
	CreateEntry(ctx context.Context, ownerUserID, sourceURL, tagName string) (watch.WatchlistEntry, error)
	ListEntries(ctx context.Context, ownerUserID string) ([]watch.WatchlistEntry, error)
	DeleteEntry(ctx context.Context, ownerUserID, entryID string) error
	ListListings(ctx context.Context, ownerUserID string, limit int) ([]watch.ListingRecord, error)
	RefreshUser(ctx context.Context, userID string) (watch.Result, error)
}

// Submitter enqueues background tasks.
type Submitter interface {
	Submit(ctx context.Context, kind queue.Kind, subject string) (queue.Task, error)
}

// ReadyFunc reports whether downstream dependencies can serve traffic.
type ReadyFunc func(ctx context.Context) error

// Server wires HTTP handlers to the trigger service and the task dispatcher.
type Server struct {
	router   chi.Router
	commands Commands
	tasks    Submitter
	ready    ReadyFunc
	cfg      config.AuthConfig
	logger   *zap.Logger
}

const requestTimeout = 30 * time.Second

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(commands Commands, tasks Submitter, ready ReadyFunc, cfg config.AuthConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserHeader == "" {
		cfg.UserHeader = "X-User-ID"
	}
	s := &Server{
		commands: commands,
		tasks:    tasks,
		ready:    ready,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Enabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(callerMiddleware(cfg.UserHeader))
			r.Group(func(r chi.Router) {
				r.Use(timeoutMiddleware(requestTimeout))
				r.Get("/listings", s.listListings)
				r.Get("/watchlist", s.listWatchlist)
				r.Post("/watchlist", s.createWatchlistEntry)
				r.Delete("/watchlist/{entry_id}", s.deleteWatchlistEntry)
			})
			// Synchronous refreshes run for as long as the acquisition run timeout allows.
			r.Post("/listings/refresh", s.refreshListings)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Post("/listings/purge", s.purgeListings)
			r.Delete("/users/{user_ref}", s.deleteUser)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listListings(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	listings, err := s.commands.ListListings(r.Context(), callerFrom(r.Context()), limit)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings})
}

func (s *Server) refreshListings(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		s.submit(w, r, queue.KindRefreshUser, caller)
		return
	}
	result, err := s.commands.RefreshUser(r.Context(), caller)
	if err != nil {
		var acqErr *watch.AcquisitionError
		if errors.As(err, &acqErr) {
			s.logger.Error("refresh commit failed", zap.String("run_id", acqErr.RunID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "result": result})
			return
		}
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type watchlistItem struct {
	watch.WatchlistEntry
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

func toItem(entry watch.WatchlistEntry) watchlistItem {
	item := watchlistItem{WatchlistEntry: entry}
	if ts, err := iduuid.CreatedAt(entry.ID); err == nil {
		item.CreatedAt = &ts
	}
	return item
}

func (s *Server) listWatchlist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.commands.ListEntries(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	items := make([]watchlistItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, toItem(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": items})
}

type createEntryRequest struct {
	SourceURL string `json:"sourceUrl"`
	TagName   string `json:"tagName"`
}

func (s *Server) createWatchlistEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	entry, err := s.commands.CreateEntry(r.Context(), callerFrom(r.Context()), req.SourceURL, req.TagName)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	task, err := s.submitTask(r.Context(), queue.KindAcquireEntry, entry.ID)
	if err != nil {
		// The entry is stored; a later refresh picks it up.
		s.logger.Error("enqueue acquisition failed", zap.String("entry_id", entry.ID), zap.Error(err))
		writeJSON(w, http.StatusCreated, map[string]any{"entry": toItem(entry)})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": toItem(entry), "task": task})
}

func (s *Server) deleteWatchlistEntry(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entry_id")
	if err := s.commands.DeleteEntry(r.Context(), callerFrom(r.Context()), entryID); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.submit(w, r, queue.KindCascadeEntry, entryID)
}

func (s *Server) purgeListings(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, queue.KindPurgeListings, "")
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, queue.KindDeleteUser, chi.URLParam(r, "user_ref"))
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind queue.Kind, subject string) {
	task, err := s.submitTask(r.Context(), kind, subject)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task": task})
}

func (s *Server) submitTask(ctx context.Context, kind queue.Kind, subject string) (queue.Task, error) {
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	task, err := s.tasks.Submit(queueCtx, kind, subject)
	if err != nil {
		return queue.Task{}, fmt.Errorf("submit %s task: %w", kind, err)
	}
	return task, nil
}

func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	var valErr *watch.ValidationError
	switch {
	case errors.As(err, &valErr):
		writeError(w, http.StatusBadRequest, valErr.Error())
	case errors.Is(err, watch.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestID returns the id assigned by requestIDMiddleware.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func newRequestID() string {
	return uuid.NewString()
}
