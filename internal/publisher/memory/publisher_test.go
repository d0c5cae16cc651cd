package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "QUERY_DISPATCHED", map[string]string{"queryId": "q1"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "JOB_CREATED", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "QUERY_DISPATCHED", msgs[0].Kind)
	assert.Equal(t, "JOB_CREATED", msgs[1].Kind)

	msgs[0].Kind = "modified"
	assert.Equal(t, "QUERY_DISPATCHED", pub.Messages()[0].Kind, "Messages returns a copy")
	require.NoError(t, pub.Close())
}
