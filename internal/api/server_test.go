package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/config"
	"github.com/JakeFAU/listingwatch/internal/dispatcher"
	iduuid "github.com/JakeFAU/listingwatch/internal/id/uuid"
	"github.com/JakeFAU/listingwatch/internal/queue"
	queueMemory "github.com/JakeFAU/listingwatch/internal/queue/memory"
	"github.com/JakeFAU/listingwatch/internal/watch"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, config.AuthConfig{})
	rec := do(srv, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReportsDependencyFailure(t *testing.T) {
	t.Parallel()

	q := queueMemory.NewQueue(4)
	ready := func(context.Context) error { return errors.New("db down") }
	srv := NewServer(&fakeCommands{}, newDispatcher(q), ready, config.AuthConfig{}, zap.NewNop())

	rec := do(srv, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, config.AuthConfig{})
	do(srv, http.MethodGet, "/healthz", "", nil)
	rec := do(srv, http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RequiresCaller(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, config.AuthConfig{})
	rec := do(srv, http.MethodGet, "/v1/watchlist", "", nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "X-User-ID")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, config.AuthConfig{Enabled: true, APIKey: "secret"})

	rec := do(srv, http.MethodGet, "/v1/watchlist", "user-1", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/watchlist", nil)
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	rec = do(srv, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CreateWatchlistEntryEnqueuesAcquisition(t *testing.T) {
	t.Parallel()

	srv, cmds, q := newTestServer(t, config.AuthConfig{})
	rec := do(srv, http.MethodPost, "/v1/watchlist", "user-1",
		[]byte(`{"sourceUrl":"https://www.kijiji.ca/b-bikes/k0","tagName":"bikes"}`))

	require.Equal(t, http.StatusCreated, rec.Code)
	var body struct {
		Entry struct {
			ID          string     `json:"id"`
			OwnerUserID string     `json:"ownerUserId"`
			CreatedAt   *time.Time `json:"createdAt"`
		} `json:"entry"`
		Task queue.Task `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "user-1", body.Entry.OwnerUserID)
	require.NotNil(t, body.Entry.CreatedAt)
	require.Equal(t, queue.KindAcquireEntry, body.Task.Kind)

	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.KindAcquireEntry, task.Kind)
	require.Equal(t, body.Entry.ID, task.Subject)
	require.Equal(t, []string{"user-1|https://www.kijiji.ca/b-bikes/k0|bikes"}, cmds.created)
}

func TestServer_CreateWatchlistEntryErrors(t *testing.T) {
	t.Parallel()

	srv, cmds, _ := newTestServer(t, config.AuthConfig{})

	rec := do(srv, http.MethodPost, "/v1/watchlist", "user-1", []byte("{invalid"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	cmds.createErr = &watch.ValidationError{Field: "sourceUrl", Reason: "must be an absolute http(s) URL"}
	rec = do(srv, http.MethodPost, "/v1/watchlist", "user-1", []byte(`{"sourceUrl":"ftp://x"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "sourceUrl")
}

func TestServer_DeleteWatchlistEntry(t *testing.T) {
	t.Parallel()

	srv, cmds, q := newTestServer(t, config.AuthConfig{})
	cmds.owned = map[string]string{"entry-1": "user-1"}

	rec := do(srv, http.MethodDelete, "/v1/watchlist/entry-1", "user-2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Zero(t, q.Len())

	rec = do(srv, http.MethodDelete, "/v1/watchlist/entry-1", "user-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.KindCascadeEntry, task.Kind)
	require.Equal(t, "entry-1", task.Subject)
}

func TestServer_ListListings(t *testing.T) {
	t.Parallel()

	srv, cmds, _ := newTestServer(t, config.AuthConfig{})
	cmds.listings = []watch.ListingRecord{{Title: "Road bike", PostedAtEpochMs: 10, OwnerUserID: "user-1"}}

	rec := do(srv, http.MethodGet, "/v1/listings?limit=bad", "user-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(srv, http.MethodGet, "/v1/listings?limit=5", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Road bike")
	require.Equal(t, "user-1", cmds.lastOwner)
	require.Equal(t, 5, cmds.lastLimit)
}

func TestServer_RefreshListings(t *testing.T) {
	t.Parallel()

	srv, cmds, q := newTestServer(t, config.AuthConfig{})
	cmds.result = watch.Result{RunID: "run-1", OwnerUserID: "user-1", Status: watch.RunSucceeded, Committed: 3}

	rec := do(srv, http.MethodPost, "/v1/listings/refresh", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"runId":"run-1"`)
	require.Equal(t, []string{"user-1"}, cmds.refreshed)

	rec = do(srv, http.MethodPost, "/v1/listings/refresh?async=true", "user-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.KindRefreshUser, task.Kind)
	require.Equal(t, "user-1", task.Subject)
	require.Len(t, cmds.refreshed, 1)
}

func TestServer_RefreshCommitFailureReturnsResult(t *testing.T) {
	t.Parallel()

	srv, cmds, _ := newTestServer(t, config.AuthConfig{})
	cmds.result = watch.Result{RunID: "run-9", Status: watch.RunFailed}
	cmds.refreshErr = &watch.AcquisitionError{RunID: "run-9", Err: errors.New("store unavailable")}

	rec := do(srv, http.MethodPost, "/v1/listings/refresh", "user-1", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "run-9")
}

func TestServer_AdminRoutesEnqueueTasks(t *testing.T) {
	t.Parallel()

	srv, _, q := newTestServer(t, config.AuthConfig{})

	rec := do(srv, http.MethodPost, "/v1/admin/listings/purge", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(srv, http.MethodDelete, "/v1/admin/users/jake", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	first, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.KindPurgeListings, first.Kind)
	second, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.KindDeleteUser, second.Kind)
	require.Equal(t, "jake", second.Subject)
}

func TestServer_ClosedQueueIsUnavailable(t *testing.T) {
	t.Parallel()

	srv, _, q := newTestServer(t, config.AuthConfig{})
	q.Close()

	rec := do(srv, http.MethodPost, "/v1/admin/listings/purge", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	srv, cmds, _ := newTestServer(t, config.AuthConfig{})
	cmds.panicOnList = true

	rec := do(srv, http.MethodGet, "/v1/listings", "user-1", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

// --- helpers/fakes ---

func do(srv *Server, method, path, caller string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if caller != "" {
		req.Header.Set("X-User-ID", caller)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func newTestServer(t *testing.T, auth config.AuthConfig) (*Server, *fakeCommands, *queueMemory.Queue) {
	t.Helper()

	q := queueMemory.NewQueue(10)
	cmds := &fakeCommands{}
	return NewServer(cmds, newDispatcher(q), nil, auth, zap.NewNop()), cmds, q
}

func newDispatcher(q queue.Queue) *dispatcher.Dispatcher {
	return dispatcher.New(q, nil, &seqIDs{}, fixedClock{t: time.Unix(100, 0).UTC()})
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("task-%d", s.n), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeCommands struct {
	mu          sync.Mutex
	created     []string
	createErr   error
	owned       map[string]string
	listings    []watch.ListingRecord
	lastOwner   string
	lastLimit   int
	result      watch.Result
	refreshErr  error
	refreshed   []string
	panicOnList bool
}

func (f *fakeCommands) CreateEntry(_ context.Context, owner, sourceURL, tagName string) (watch.WatchlistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return watch.WatchlistEntry{}, f.createErr
	}
	id, err := iduuid.New().NewID()
	if err != nil {
		return watch.WatchlistEntry{}, err
	}
	f.created = append(f.created, owner+"|"+sourceURL+"|"+tagName)
	return watch.WatchlistEntry{ID: id, OwnerUserID: owner, SourceURL: sourceURL, TagName: tagName}, nil
}

func (f *fakeCommands) ListEntries(_ context.Context, owner string) ([]watch.WatchlistEntry, error) {
	return []watch.WatchlistEntry{{ID: "entry-1", OwnerUserID: owner, SourceURL: "https://example.com"}}, nil
}

func (f *fakeCommands) DeleteEntry(_ context.Context, owner, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owned[entryID] != owner {
		return fmt.Errorf("watchlist entry %s: %w", entryID, watch.ErrNotFound)
	}
	delete(f.owned, entryID)
	return nil
}

func (f *fakeCommands) ListListings(_ context.Context, owner string, limit int) ([]watch.ListingRecord, error) {
	if f.panicOnList {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOwner = owner
	f.lastLimit = limit
	return f.listings, nil
}

func (f *fakeCommands) RefreshUser(_ context.Context, userID string) (watch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, userID)
	return f.result, f.refreshErr
}
