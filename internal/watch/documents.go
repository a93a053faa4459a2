package watch

import (
	"fmt"
	"time"
)

// Fields flattens the record into a merge-friendly field map. Empty optional values are left out
// so a merge write never blanks a value captured by an earlier scrape.
func (r ListingRecord) Fields() map[string]any {
	fields := map[string]any{
		FieldPostedAt:         r.PostedAtEpochMs,
		FieldWatchlistEntryID: r.WatchlistEntryID,
		FieldOwnerUserID:      r.OwnerUserID,
	}
	putIfSet(fields, "directUrl", r.DirectURL)
	putIfSet(fields, "price", r.Price)
	putIfSet(fields, "title", r.Title)
	putIfSet(fields, "distance", r.DistanceText)
	putIfSet(fields, "location", r.Location)
	putIfSet(fields, "imageUrl", r.ImageURL)
	putIfSet(fields, "description", r.Description)
	putIfSet(fields, "details", r.DetailsText)
	return fields
}

// ListingFromDocument rebuilds a record from a stored document.
func ListingFromDocument(doc Document) ListingRecord {
	return ListingRecord{
		SourceListingID:  doc.ID,
		DirectURL:        stringField(doc.Fields, "directUrl"),
		Price:            stringField(doc.Fields, "price"),
		Title:            stringField(doc.Fields, "title"),
		DistanceText:     stringField(doc.Fields, "distance"),
		Location:         stringField(doc.Fields, "location"),
		PostedAtEpochMs:  int64Field(doc.Fields, FieldPostedAt),
		ImageURL:         stringField(doc.Fields, "imageUrl"),
		Description:      stringField(doc.Fields, "description"),
		DetailsText:      stringField(doc.Fields, "details"),
		WatchlistEntryID: stringField(doc.Fields, FieldWatchlistEntryID),
		OwnerUserID:      stringField(doc.Fields, FieldOwnerUserID),
	}
}

// Fields returns the stored representation of the entry.
func (e WatchlistEntry) Fields() map[string]any {
	fields := map[string]any{
		FieldOwnerUserID: e.OwnerUserID,
		"sourceUrl":      e.SourceURL,
	}
	putIfSet(fields, "tagName", e.TagName)
	return fields
}

// EntryFromDocument rebuilds a watchlist entry from a stored document.
func EntryFromDocument(doc Document) WatchlistEntry {
	return WatchlistEntry{
		ID:          doc.ID,
		OwnerUserID: stringField(doc.Fields, FieldOwnerUserID),
		SourceURL:   stringField(doc.Fields, "sourceUrl"),
		TagName:     stringField(doc.Fields, "tagName"),
	}
}

// Fields returns the stored representation of the user.
func (u User) Fields() map[string]any {
	return map[string]any{
		"handle":    u.Handle,
		FieldUserID: u.UserID,
		"email":     u.Email,
		"createdAt": u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// UserFromDocument rebuilds a user from a stored document.
func UserFromDocument(doc Document) User {
	u := User{
		Handle: doc.ID,
		UserID: stringField(doc.Fields, FieldUserID),
		Email:  stringField(doc.Fields, "email"),
	}
	if ts, err := time.Parse(time.RFC3339, stringField(doc.Fields, "createdAt")); err == nil {
		u.CreatedAt = ts
	}
	return u
}

func putIfSet(fields map[string]any, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func int64Field(fields map[string]any, key string) int64 {
	switch v := fields[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case int32:
		return int64(v)
	default:
		return 0
	}
}
