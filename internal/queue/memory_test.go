package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransportRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewMemoryTransport(10)
	defer tr.Close()

	reqs, err := tr.Requests(ctx)
	require.NoError(t, err)
	replies, err := tr.Responses(ctx, "reply:client-1")
	require.NoError(t, err)

	require.NoError(t, tr.PublishRequest(ctx, Request{
		ID: "r1", UserID: "u1", Action: "fetch_balance", ReplyTo: "reply:client-1",
	}))

	select {
	case got := <-reqs:
		assert.Equal(t, "r1", got.ID)
		require.NoError(t, tr.PublishResponse(ctx, got.ReplyTo, Response{
			RequestID: got.ID, OK: true, Data: []byte(`{"USDT":{"available":10}}`),
		}))
	case <-time.After(time.Second):
		t.Fatal("request never arrived")
	}

	select {
	case res := <-replies:
		assert.Equal(t, "r1", res.RequestID)
		assert.True(t, res.OK)
	case <-time.After(time.Second):
		t.Fatal("response never arrived")
	}
}

func TestMemoryTransportIsolatesReplyChannels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewMemoryTransport(10)
	defer tr.Close()

	a, err := tr.Responses(ctx, "reply:a")
	require.NoError(t, err)
	b, err := tr.Responses(ctx, "reply:b")
	require.NoError(t, err)

	require.NoError(t, tr.PublishResponse(ctx, "reply:b", Response{RequestID: "for-b", OK: true}))

	select {
	case res := <-b:
		assert.Equal(t, "for-b", res.RequestID)
	case <-time.After(time.Second):
		t.Fatal("response never arrived on b")
	}

	select {
	case res := <-a:
		t.Fatalf("channel a received %v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryTransportDropsWhenRequesterGone(t *testing.T) {
	tr := NewMemoryTransport(10)
	defer tr.Close()

	// Nobody listens on this reply channel and its buffer is finite; the
	// publish must not block the worker.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_ = tr.PublishResponse(context.Background(), "reply:ghost", Response{RequestID: "x", OK: true})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing responses blocked")
	}
}
