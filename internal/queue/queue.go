// Package queue defines background tasks and the queue contract between producers and workers.
// Triggers enqueue tasks; the worker pool drains them so cascades never run on request goroutines.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned once a queue stops delivering tasks.
var ErrClosed = errors.New("queue closed")

// Kind names the trigger a task runs.
type Kind string

// Task kinds.
const (
	KindAcquireEntry  Kind = "acquire_entry"
	KindCascadeEntry  Kind = "cascade_entry"
	KindDeleteUser    Kind = "delete_user"
	KindRefreshUser   Kind = "refresh_user"
	KindPurgeListings Kind = "purge_listings"
)

// Task is one unit of background work.
type Task struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	// Subject is the entry id or user reference the task acts on.
	Subject    string    `json:"subject,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Queue abstracts the task queue.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAcquireEntry, KindCascadeEntry, KindDeleteUser, KindRefreshUser, KindPurgeListings:
		return true
	default:
		return false
	}
}
