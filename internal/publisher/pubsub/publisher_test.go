package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func dial(t *testing.T, addr string) option.ClientOption {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	return option.WithGRPCConn(conn)
}

func TestPublisherAgainstFakeServer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	admin, err := pubsub.NewClient(ctx, "proj", dial(t, srv.Addr))
	require.NoError(t, err)
	_, err = admin.CreateTopic(ctx, "job-events")
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	_, err = New(ctx, "proj", "missing", dial(t, srv.Addr))
	require.Error(t, err)

	pub, err := New(ctx, "proj", "job-events", dial(t, srv.Addr))
	require.NoError(t, err)
	id, err := pub.Publish(ctx, "job-events", map[string]any{"job_id": "abc", "status": "completed"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var body map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, "abc", body["job_id"])
	require.Equal(t, "job-events", msgs[0].Attributes["topic"])
}

func TestNewRequiresNames(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "", "topic")
	require.Error(t, err)

	var p *Publisher
	_, err = p.Publish(context.Background(), "t", "x")
	require.Error(t, err)
	require.NoError(t, p.Close())
}
