// Package pubsub turns watchlist and user change events delivered over Pub/Sub into queued tasks.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/queue"
	"github.com/JakeFAU/listingwatch/internal/watch"
)

// Event types accepted on the subscription.
const (
	EventEntryCreated  = "entry.created"
	EventEntryDeleted  = "entry.deleted"
	EventUserDeleted   = "user.deleted"
	EventUserRefresh   = "user.refresh"
	EventListingsPurge = "listings.purge"
)

// Event is the JSON body of a change notification.
type Event struct {
	Type    string `json:"type"`
	EntryID string `json:"entryId,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

// ErrMalformed marks events that can never be processed.
var ErrMalformed = errors.New("malformed event")

// Decode maps an event body onto a task kind and subject.
func Decode(data []byte) (queue.Kind, string, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var kind queue.Kind
	subject := ""
	switch ev.Type {
	case EventEntryCreated:
		kind, subject = queue.KindAcquireEntry, ev.EntryID
	case EventEntryDeleted:
		kind, subject = queue.KindCascadeEntry, ev.EntryID
	case EventUserDeleted:
		kind, subject = queue.KindDeleteUser, ev.UserID
	case EventUserRefresh:
		kind, subject = queue.KindRefreshUser, ev.UserID
	case EventListingsPurge:
		return queue.KindPurgeListings, "", nil
	default:
		return "", "", fmt.Errorf("%w: unknown type %q", ErrMalformed, ev.Type)
	}
	if subject == "" {
		return "", "", fmt.Errorf("%w: %s event without subject", ErrMalformed, ev.Type)
	}
	return kind, subject, nil
}

// Submitter enqueues tasks.
type Submitter interface {
	Submit(ctx context.Context, kind queue.Kind, subject string) (queue.Task, error)
}

// Subscriber receives events from one subscription.
type Subscriber struct {
	sub       *pubsub.Subscriber
	submitter Submitter
	logger    *zap.Logger
}

// New creates a Subscriber for the named subscription.
func New(client *pubsub.Client, subscription string, submitter Submitter, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		sub:       client.Subscriber(subscription),
		submitter: submitter,
		logger:    logger.Named("events"),
	}
}

// Run receives until ctx ends.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("receiving events", zap.String("subscription", s.sub.String()))
	if err := s.sub.Receive(ctx, s.handle); err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive events: %w", err)
	}
	return nil
}

// handle acks events it queued or can never queue, and nacks transient enqueue failures for redelivery.
func (s *Subscriber) handle(ctx context.Context, msg *pubsub.Message) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Attributes))
	logger := s.logger.With(zap.String("message_id", msg.ID))

	kind, subject, err := Decode(msg.Data)
	if err != nil {
		logger.Warn("dropping event", zap.Error(err))
		msg.Ack()
		return
	}
	task, err := s.submitter.Submit(ctx, kind, subject)
	if err != nil {
		var verr *watch.ValidationError
		if errors.As(err, &verr) {
			logger.Warn("dropping event", zap.Error(err))
			msg.Ack()
			return
		}
		logger.Error("enqueue event failed", zap.String("kind", string(kind)), zap.Error(err))
		msg.Nack()
		return
	}
	logger.Debug("event queued", zap.String("task_id", task.ID), zap.String("kind", string(kind)), zap.String("subject", subject))
	msg.Ack()
}
