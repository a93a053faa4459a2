package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingDeleteUser(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	p := NewLogging(zap.New(core))

	require.NoError(t, p.DeleteUser(context.Background(), "u-42"))
	entries := logs.FilterField(zap.String("user_id", "u-42")).All()
	require.Len(t, entries, 1)
	require.Equal(t, "identity account removal requested", entries[0].Message)

	require.Error(t, p.DeleteUser(context.Background(), ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.DeleteUser(ctx, "u-42"), context.Canceled)
}
