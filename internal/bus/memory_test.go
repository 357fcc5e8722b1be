package bus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/pkg/schema"
)

func env(kind schema.CommandKind) schema.Envelope {
	return schema.Envelope{MessageID: uuid.New().String(), Kind: kind}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	sent := env(schema.CommandStartProcess)
	require.NoError(t, b.Publish(ctx, sent))

	select {
	case got := <-ch:
		assert.Equal(t, sent.MessageID, got.MessageID)
		assert.Equal(t, schema.CommandStartProcess, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestMemoryBus_AllSubscribersReceive(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	ch1, cancel1, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, b.Publish(ctx, env(schema.CommandSendEvents)))

	for _, ch := range []<-chan schema.Envelope{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, schema.CommandSendEvents, got.Kind)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed envelope")
		}
	}
}

func TestMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	require.NoError(t, b.Publish(ctx, env(schema.CommandSendEvents)))

	select {
	case got, ok := <-ch:
		if ok {
			t.Fatalf("unexpected delivery after unsubscribe: %v", got)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_PreservesOrder(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	var ids []string
	for i := 0; i < 10; i++ {
		e := env(schema.CommandStartActivity)
		ids = append(ids, e.MessageID)
		require.NoError(t, b.Publish(ctx, e))
	}

	for _, want := range ids {
		select {
		case got := <-ch:
			assert.Equal(t, want, got.MessageID)
		case <-time.After(time.Second):
			t.Fatal("envelope not delivered")
		}
	}
}

func TestMemoryBus_PublishHonorsContext(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancelCtx := context.WithCancel(context.Background())

	// Fill the subscriber's buffer so the next publish blocks.
	_, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()
	for i := 0; i < defaultChannelBuffer; i++ {
		require.NoError(t, b.Publish(ctx, env(schema.CommandSendEvents)))
	}

	done := make(chan error, 1)
	go func() {
		done <- b.Publish(ctx, env(schema.CommandSendEvents))
	}()
	cancelCtx()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("publish did not unblock on context cancel")
	}
}
