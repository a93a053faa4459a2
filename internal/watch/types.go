// Package watch defines the domain types and contracts shared across the pipeline.
package watch

import (
	"time"
)

// Collection names used in the document store.
const (
	CollectionWatchlist = "watchlist"
	CollectionListings  = "listings"
	CollectionUsers     = "users"
)

// Document field names that queries filter or order on.
const (
	FieldOwnerUserID      = "ownerUserId"
	FieldWatchlistEntryID = "watchlistEntryId"
	FieldPostedAt         = "postedAt"
	FieldUserID           = "userId"
)

// WatchlistEntry is a user-registered source URL to be scraped.
type WatchlistEntry struct {
	ID          string `json:"id"`
	OwnerUserID string `json:"ownerUserId"`
	SourceURL   string `json:"sourceUrl"`
	TagName     string `json:"tagName,omitempty"`
}

// RawListing is one listing node pulled off a rendered page before lineage is attached.
type RawListing struct {
	SourceListingID string
	DirectURL       string
	Price           string
	Title           string
	DistanceText    string
	Composite       string
	Location        string
	PostedAtEpochMs int64
	ImageURL        string
	Description     string
	DetailsText     string
	// ParseErr is set when the time phrase could not be read and PostedAtEpochMs holds the fallback.
	ParseErr error
}

// ListingRecord is a normalized listing as persisted in the listings collection.
// Empty optional fields are omitted so merge writes keep previously stored values.
type ListingRecord struct {
	SourceListingID  string `json:"-"`
	DirectURL        string `json:"directUrl,omitempty"`
	Price            string `json:"price,omitempty"`
	Title            string `json:"title,omitempty"`
	DistanceText     string `json:"distance,omitempty"`
	Location         string `json:"location,omitempty"`
	PostedAtEpochMs  int64  `json:"postedAt"`
	ImageURL         string `json:"imageUrl,omitempty"`
	Description      string `json:"description,omitempty"`
	DetailsText      string `json:"details,omitempty"`
	WatchlistEntryID string `json:"watchlistEntryId"`
	OwnerUserID      string `json:"ownerUserId"`
}

// User is the owner record stored under users/{handle}.
type User struct {
	Handle    string    `json:"handle"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// EntryStatus is the outcome of one entry within a run.
type EntryStatus string

// Entry outcomes reported in a Result.
const (
	EntrySucceeded EntryStatus = "succeeded"
	EntryFailed    EntryStatus = "failed"
	EntryCanceled  EntryStatus = "canceled"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

// Run outcomes.
const (
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// EntryOutcome captures what happened to one entry during a run.
type EntryOutcome struct {
	EntryID   string          `json:"entryId"`
	SourceURL string          `json:"sourceUrl"`
	Status    EntryStatus     `json:"status"`
	Error     string          `json:"error,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
	Listings  []ListingRecord `json:"listings"`
	err       error
}

// Err returns the typed error behind a failed or canceled outcome.
func (o EntryOutcome) Err() error {
	return o.err
}

// WithErr attaches a typed failure to the outcome.
func (o EntryOutcome) WithErr(status EntryStatus, err error) EntryOutcome {
	o.Status = status
	o.err = err
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// Result is the transient outcome of one acquisition run.
type Result struct {
	RunID       string         `json:"runId"`
	OwnerUserID string         `json:"ownerUserId"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	FinishedAt  time.Time      `json:"finishedAt"`
	Committed   int            `json:"committed"`
	TimedOut    bool           `json:"timedOut,omitempty"`
	Entries     []EntryOutcome `json:"entries"`
}

// ByEntry returns the outcome for an entry id.
func (r Result) ByEntry(entryID string) (EntryOutcome, bool) {
	for _, o := range r.Entries {
		if o.EntryID == entryID {
			return o, true
		}
	}
	return EntryOutcome{}, false
}

// Listings returns the records obtained per entry id, mirroring the map returned to callers.
func (r Result) Listings() map[string][]ListingRecord {
	out := make(map[string][]ListingRecord, len(r.Entries))
	for _, o := range r.Entries {
		out[o.EntryID] = o.Listings
	}
	return out
}

// DeletionStats summarises one cascade.
type DeletionStats struct {
	Collection string `json:"collection"`
	Cycles     int    `json:"cycles"`
	Deleted    int    `json:"deleted"`
}
