// Package identity adapts account providers to watch.IdentityProvider.
package identity

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Logging accepts every account removal and only records it in the log. It stands in for an external
// provider when accounts are managed elsewhere.
type Logging struct {
	logger *zap.Logger
}

// NewLogging returns a Logging provider.
func NewLogging(logger *zap.Logger) *Logging {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logging{logger: logger.Named("identity")}
}

// DeleteUser logs the removal.
func (l *Logging) DeleteUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" {
		return errors.New("delete user: empty user id")
	}
	l.logger.Info("identity account removal requested", zap.String("user_id", userID))
	return nil
}
