package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invent/internal/domain"
)

func setupBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	bus, err := NewBus(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus, mr
}

func TestNewBusRejectsEmptyInstance(t *testing.T) {
	_, err := NewBus(&redis.Options{Addr: "localhost:6379"}, "")
	assert.ErrorContains(t, err, "instance name cannot be empty")
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "invent:prod:list_invalidated", Channel("prod"))
}

func TestPublishSubscribe(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()
	require.NoError(t, bus.Ping(ctx))

	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	want := Notice{Kind: domain.KindInitiative, PortfolioID: "p1", Origin: "proc-a"}
	require.NoError(t, bus.Publish(ctx, want))

	select {
	case got := <-sub.Notices():
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notice")
	}
}

func TestUndecodableMessageReportsError(t *testing.T) {
	bus, mr := setupBus(t)
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	mr.Publish(Channel("test-instance"), "not json")

	select {
	case err := <-sub.Errors():
		assert.ErrorContains(t, err, "decode notice")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for decode error")
	}
}

func TestFollowStopsOnClose(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	got := make(chan Notice, 1)
	done := make(chan struct{})
	go func() {
		Follow(ctx, sub, func(_ context.Context, n Notice) { got <- n }, nil)
		close(done)
	}()

	require.NoError(t, bus.Publish(ctx, Notice{Kind: domain.KindSolution, PortfolioID: "p2"}))
	select {
	case n := <-got:
		assert.Equal(t, domain.KindSolution, n.Kind)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for followed notice")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Follow did not return after Close")
	}
}
