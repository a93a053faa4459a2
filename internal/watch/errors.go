package watch

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested document does not exist.
var ErrNotFound = errors.New("document not found")

// ValidationError rejects malformed input before any I/O happens.
type ValidationError struct {
	EntryID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.EntryID == "" {
		return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation: entry %s: %s %s", e.EntryID, e.Field, e.Reason)
}

// FetchError reports a network or navigation failure. Callers may retry.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// RenderError reports a page whose structure was not recognized. Retrying will not help
// until the selectors are updated.
type RenderError struct {
	URL    string
	Reason string
	Err    error
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("render %s: %s", e.URL, e.Reason)
}

func (e *RenderError) Unwrap() error { return e.Err }

// ParseError reports a field the normalizer could not interpret.
type ParseError struct {
	Field string
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s %q: %v", e.Field, e.Input, e.Err)
	}
	return fmt.Sprintf("parse %s %q", e.Field, e.Input)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StoreError reports a failed write, query or delete against the document store.
type StoreError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// AcquisitionError is returned by a run that could not complete. Partial results
// are still available on the returned Result.
type AcquisitionError struct {
	RunID string
	Err   error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquisition run %s: %v", e.RunID, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }
