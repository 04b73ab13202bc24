package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	t.Parallel()

	b := NewMemory()
	ctx := context.Background()

	ch, unsubscribe, err := b.Subscribe(ctx, "tenants_jwks_update")
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.Publish(ctx, "tenants_jwks_update", "tenant-a"))

	select {
	case payload := <-ch:
		require.Equal(t, "tenant-a", payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
	}
}

func TestMemoryChannelsAreIsolated(t *testing.T) {
	t.Parallel()

	b := NewMemory()
	ctx := context.Background()

	ch, unsubscribe, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.Publish(ctx, "b", "payload"))

	select {
	case payload := <-ch:
		t.Fatalf("received payload %q from wrong channel", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := NewMemory()
	ctx := context.Background()

	ch, unsubscribe, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	unsubscribe()

	require.NoError(t, b.Publish(ctx, "a", "payload"))
	select {
	case payload := <-ch:
		t.Fatalf("received payload %q after unsubscribe", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemorySlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	b := NewMemory()
	ctx := context.Background()

	_, unsubscribe, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	defer unsubscribe()

	// Publishing past the buffer must not block.
	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize * 2 {
			_ = b.Publish(ctx, "a", "x")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestQuoteIdentifier(t *testing.T) {
	t.Parallel()

	require.Equal(t, `"REQUEST_LOCK_RELEASE"`, quoteIdentifier("REQUEST_LOCK_RELEASE"))
	require.Equal(t, `"a""b"`, quoteIdentifier(`a"b`))
}
