package watch

import (
	"context"
	"io"
	"time"
)

// Op is a comparison used by a Filter.
type Op string

// Supported filter comparisons.
const (
	OpEq  Op = "=="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Filter restricts a query to documents whose field compares to Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents from one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Where returns a copy of the query with one more filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Document is a stored record: an id plus a flat field map.
type Document struct {
	Collection string
	ID         string
	Fields     map[string]any
}

// WriteKind distinguishes set and delete operations inside a batch.
type WriteKind int

// Batch operation kinds.
const (
	WriteSet WriteKind = iota
	WriteDelete
)

// Write is one operation in an atomic batch.
type Write struct {
	Kind       WriteKind
	Collection string
	ID         string
	Fields     map[string]any
	// Merge keeps stored fields absent from Fields instead of replacing the document.
	Merge bool
}

// DocumentStore is the collection-oriented store the pipeline persists into.
type DocumentStore interface {
	// Get loads one document or returns ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Find runs a filtered, ordered, optionally limited query.
	Find(ctx context.Context, q Query) ([]Document, error)
	// Commit applies all writes atomically.
	Commit(ctx context.Context, writes []Write) error
	// MaxBatchSize is the largest number of writes Commit accepts (0 = unbounded).
	MaxBatchSize() int
}

// Session is a browsing session able to load one URL at a time and return its DOM.
type Session interface {
	// Load navigates to rawURL and returns the rendered HTML. Navigation failures are *FetchError.
	Load(ctx context.Context, rawURL string) (Page, error)
	Close() error
}

// SessionFactory opens browsing sessions. Each worker of a run owns one.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// Page is the captured document of a loaded URL.
type Page struct {
	URL      string
	FinalURL string
	HTML     []byte
	Duration time.Duration
}

// Extractor turns one URL into raw listings using an open session.
type Extractor interface {
	Extract(ctx context.Context, session Session, rawURL string) ([]RawListing, error)
}

// IdentityProvider manages accounts outside the document store.
type IdentityProvider interface {
	DeleteUser(ctx context.Context, userID string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for content-addressed paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces document and run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Limiter throttles requests per target domain.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}
