package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/listingwatch/internal/queue"
	"github.com/JakeFAU/listingwatch/internal/watch"
)

type recordingSubmitter struct {
	mu    sync.Mutex
	tasks []queue.Task
	err   error
}

func (r *recordingSubmitter) Submit(_ context.Context, kind queue.Kind, subject string) (queue.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return queue.Task{}, r.err
	}
	task := queue.Task{ID: "task", Kind: kind, Subject: subject}
	r.tasks = append(r.tasks, task)
	return task, nil
}

func (r *recordingSubmitter) submitted() []queue.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]queue.Task(nil), r.tasks...)
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		kind    queue.Kind
		subject string
		wantErr bool
	}{
		{name: "entry created", body: `{"type":"entry.created","entryId":"e1"}`, kind: queue.KindAcquireEntry, subject: "e1"},
		{name: "entry deleted", body: `{"type":"entry.deleted","entryId":"e1"}`, kind: queue.KindCascadeEntry, subject: "e1"},
		{name: "user deleted", body: `{"type":"user.deleted","userId":"jdoe"}`, kind: queue.KindDeleteUser, subject: "jdoe"},
		{name: "user refresh", body: `{"type":"user.refresh","userId":"u1"}`, kind: queue.KindRefreshUser, subject: "u1"},
		{name: "purge", body: `{"type":"listings.purge"}`, kind: queue.KindPurgeListings},
		{name: "missing subject", body: `{"type":"entry.deleted"}`, wantErr: true},
		{name: "unknown type", body: `{"type":"entry.renamed","entryId":"e1"}`, wantErr: true},
		{name: "not json", body: `entry.created e1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			kind, subject, err := Decode([]byte(tt.body))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.kind, kind)
			require.Equal(t, tt.subject, subject)
		})
	}
}

func TestHandleSubmitFailures(t *testing.T) {
	t.Parallel()

	s := &Subscriber{submitter: &recordingSubmitter{err: errors.New("queue full")}, logger: zap.NewNop()}
	// Messages outside a receive loop have no ack handler; handle must still return cleanly.
	s.handle(context.Background(), &pubsub.Message{ID: "m1", Data: []byte(`{"type":"entry.deleted","entryId":"e1"}`)})

	s.submitter = &recordingSubmitter{err: &watch.ValidationError{Field: "subject", Reason: "is required"}}
	s.handle(context.Background(), &pubsub.Message{ID: "m2", Data: []byte(`{"type":"listings.purge"}`)})
}

func TestSubscriberQueuesReceivedEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic := "projects/test-project/topics/changes"
	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topic})
	require.NoError(t, err)
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  "projects/test-project/subscriptions/listingwatch",
		Topic: topic,
	})
	require.NoError(t, err)

	good := srv.Publish(topic, []byte(`{"type":"entry.created","entryId":"e1"}`), nil)
	poison := srv.Publish(topic, []byte(`garbage`), nil)

	submitter := &recordingSubmitter{}
	sub := New(client, "listingwatch", submitter, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sub.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return len(submitter.submitted()) == 1 && srv.Message(good).Acks > 0 && srv.Message(poison).Acks > 0
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, queue.Task{ID: "task", Kind: queue.KindAcquireEntry, Subject: "e1"}, submitter.submitted()[0])
}
