package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPublishSubscribeRoundTrip(t *testing.T) {
	client := NewInMemoryClient()
	subj, err := client.Subject("worker1.inbox")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := subj.Subscribe(ctx, "dispatcher")
	require.NoError(t, err)

	_, err = subj.Publish(context.Background(), []byte("hello"))
	require.NoError(t, err)

	select {
	case m := <-msgs:
		assert.Equal(t, []byte("hello"), m.Payload)
		assert.NoError(t, m.Ack(context.Background()))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}
