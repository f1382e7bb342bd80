package notifier_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duron-io/duron/internal/notifier"
	"github.com/duron-io/duron/internal/store"
)

func newTestNotifier(t *testing.T) *notifier.Notifier {
	t.Helper()
	dsn := os.Getenv("DUR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DUR_TEST_POSTGRES_DSN not set, skipping notifier test")
	}
	pool, err := store.Open(context.Background(), store.PoolConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	n, err := notifier.New(context.Background(), pool)
	require.NoError(t, err)
	t.Cleanup(n.Close)
	return n
}

func TestPublishDeliversToLocalSubscriber(t *testing.T) {
	n := newTestNotifier(t)
	ch, unsubscribe := n.Subscribe("job-available")
	defer unsubscribe()

	require.NoError(t, n.Publish(context.Background(), "job-available", map[string]string{"jobId": "abc"}))

	select {
	case payload := <-ch:
		require.Contains(t, string(payload), "abc")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for local delivery")
	}
}

func TestPingPongRoundTrip(t *testing.T) {
	n := newTestNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go n.ListenForPings(ctx, "client-b")
	time.Sleep(50 * time.Millisecond) // let the subscription register

	require.NoError(t, n.Ping(ctx, "client-b", "client-a"))

	unresponsive := n.AwaitPongs(ctx, "client-a", []string{"client-b"}, 3*time.Second)
	require.Empty(t, unresponsive, "client-b should have answered the ping")
}
