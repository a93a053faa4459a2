package promote

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listingwatch/internal/watch"
)

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	h := Heuristic{Container: "div.search-item"}
	tests := []struct {
		name string
		html string
		want bool
	}{
		{"empty body", "   ", true},
		{"listings present", `<html><body><div id="root"><div class="search-item">x</div></div></body></html>`, false},
		{"spa marker", `<html><body><div id="__next"></div></body></html>`, true},
		{"script heavy", `<html><body><script>` + strings.Repeat("var a=1;", 60) + `</script></body></html>`, true},
		{"plain page without results", `<html><body><p>` + strings.Repeat("No listings match. ", 20) + `</p></body></html>`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, reason := h.ShouldPromote([]byte(tt.html))
			assert.Equal(t, tt.want, got, reason)
		})
	}
}

type stubSession struct {
	html   string
	loads  atomic.Int32
	closed atomic.Bool
}

func (s *stubSession) Load(_ context.Context, rawURL string) (watch.Page, error) {
	s.loads.Add(1)
	return watch.Page{URL: rawURL, FinalURL: rawURL, HTML: []byte(s.html)}, nil
}

func (s *stubSession) Close() error {
	s.closed.Store(true)
	return nil
}

type stubFactory struct {
	session *stubSession
	opened  atomic.Int32
	err     error
}

func (f *stubFactory) NewSession(context.Context) (watch.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opened.Add(1)
	return f.session, nil
}

func TestSessionKeepsStaticPageWithListings(t *testing.T) {
	t.Parallel()

	static := &stubFactory{session: &stubSession{html: `<div class="search-item" data-listing-id="1"></div>`}}
	headless := &stubFactory{session: &stubSession{html: "rendered"}}
	f, err := New(static, headless, Heuristic{Container: "div.search-item"}, nil)
	require.NoError(t, err)

	s, err := f.NewSession(context.Background())
	require.NoError(t, err)
	page, err := s.Load(context.Background(), "https://example.com/b")
	require.NoError(t, err)
	require.Contains(t, string(page.HTML), "search-item")
	require.Zero(t, headless.opened.Load())
	require.NoError(t, s.Close())
	require.True(t, static.session.closed.Load())
}

func TestSessionPromotesScriptShell(t *testing.T) {
	t.Parallel()

	static := &stubFactory{session: &stubSession{html: `<html><body><div id="root"></div></body></html>`}}
	headless := &stubFactory{session: &stubSession{html: `<div class="search-item"></div>`}}
	f, err := New(static, headless, Heuristic{Container: "div.search-item"}, nil)
	require.NoError(t, err)

	s, err := f.NewSession(context.Background())
	require.NoError(t, err)
	for range 2 {
		page, err := s.Load(context.Background(), "https://example.com/b")
		require.NoError(t, err)
		require.Contains(t, string(page.HTML), "search-item")
	}
	require.EqualValues(t, 1, headless.opened.Load(), "headless session is reused")
	require.EqualValues(t, 2, headless.session.loads.Load())
	require.NoError(t, s.Close())
	require.True(t, headless.session.closed.Load())
}

func TestSessionHeadlessOpenFailureIsFetchError(t *testing.T) {
	t.Parallel()

	static := &stubFactory{session: &stubSession{html: ""}}
	headless := &stubFactory{err: errors.New("no chrome")}
	f, err := New(static, headless, Heuristic{}, nil)
	require.NoError(t, err)

	s, err := f.NewSession(context.Background())
	require.NoError(t, err)
	_, err = s.Load(context.Background(), "https://example.com/b")
	var fetchErr *watch.FetchError
	require.ErrorAs(t, err, &fetchErr)
}

func TestNewRequiresFactories(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &stubFactory{}, Heuristic{}, nil)
	require.Error(t, err)
}
