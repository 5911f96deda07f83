package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	b, err := New(mr.Addr(), "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBus_PublishSubscribeRoundTrip(t *testing.T) {
	b := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan SignalEnvelope, 1)
	b.Subscribe(ctx, "call-1", func(env SignalEnvelope) { received <- env })

	// Give the subscription a moment to register with miniredis.
	require.Eventually(t, func() bool {
		return b.client.Publish(context.Background(), channelFor("call-1"), "ping-check").Err() == nil
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Publish(ctx, "call-1", "status_changed", map[string]any{"to": "connected"}))

	select {
	case env := <-received:
		require.Equal(t, "call-1", env.CallID)
		require.Equal(t, "status_changed", env.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive published signal")
	}
}

func TestBus_NilBusIsNoOp(t *testing.T) {
	var b *Bus
	require.NoError(t, b.Publish(context.Background(), "call-1", "status_changed", nil))
	require.NoError(t, b.Close())
}
