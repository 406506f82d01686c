package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "jobs", map[string]string{"job_id": "a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "audit", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "jobs", msgs[0].Topic)
	require.Equal(t, "audit", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "jobs", pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestPublisherRejectsAfterCloseOrCancel(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pub.Publish(ctx, "jobs", "x")
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, pub.Close())
	_, err = pub.Publish(context.Background(), "jobs", "x")
	require.Error(t, err)
	require.Empty(t, pub.Messages())
}
