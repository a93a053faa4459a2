package triggers

import (
	"context"

	"github.com/JakeFAU/listingwatch/internal/queue"
	"github.com/JakeFAU/listingwatch/internal/worker"
)

// Handlers maps every task kind to the trigger that serves it.
func (s *Service) Handlers() map[queue.Kind]worker.Handler {
	return map[queue.Kind]worker.Handler{
		queue.KindAcquireEntry: func(ctx context.Context, t queue.Task) error {
			_, err := s.EntryCreated(ctx, t.Subject)
			return err
		},
		queue.KindCascadeEntry: func(ctx context.Context, t queue.Task) error {
			_, err := s.EntryDeleted(ctx, t.Subject)
			return err
		},
		queue.KindDeleteUser: func(ctx context.Context, t queue.Task) error {
			_, err := s.UserDeleted(ctx, t.Subject)
			return err
		},
		queue.KindRefreshUser: func(ctx context.Context, t queue.Task) error {
			_, err := s.RefreshUser(ctx, t.Subject)
			return err
		},
		queue.KindPurgeListings: func(ctx context.Context, _ queue.Task) error {
			_, err := s.PurgeListings(ctx)
			return err
		},
	}
}
