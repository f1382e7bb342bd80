// Package notifier implements a topic-keyed pub/sub layered on the Store,
// built on PostgreSQL LISTEN/NOTIFY: one dedicated listening connection
// per process, with logical topics multiplexed inside the payload and
// fanned out in-memory to local subscribers.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// channelName is the single Postgres LISTEN/NOTIFY channel Duron uses; the
// logical topic travels inside the JSON payload so one dedicated connection
// serves every topic instead of one per topic.
const channelName = "duron_events"

type envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Notifier delivers topic-keyed notifications to local subscribers
// at-least-once: delivery is best-effort, and lost notifications must not
// break correctness because periodic pull converges.
type Notifier struct {
	pool *pgxpool.Pool

	mu          sync.RWMutex
	subscribers map[string][]chan []byte

	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the dedicated LISTEN connection and the local fan-out loop.
// Callers must call Close when done.
func New(ctx context.Context, pool *pgxpool.Pool) (*Notifier, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("duron: notifier: acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channelName); err != nil {
		conn.Release()
		return nil, fmt.Errorf("duron: notifier: listen: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		pool:        pool,
		subscribers: make(map[string][]chan []byte),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go n.run(listenCtx, conn)
	return n, nil
}

func (n *Notifier) run(ctx context.Context, conn *pgxpool.Conn) {
	defer close(n.done)
	defer conn.Release()
	defer func() {
		_, _ = conn.Exec(context.Background(), "UNLISTEN "+channelName)
	}()

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(notification.Payload), &env); err != nil {
			slog.Warn("duron: notifier: dropping malformed notification payload", "error", err)
			continue
		}
		n.deliverLocal(env.Topic, env.Payload)
	}
}

// Publish emits a notification on topic. It writes through pg_notify so
// every process listening on the shared channel observes it, and also
// delivers it to this process's own local subscribers immediately (a
// process does not receive its own pg_notify echo any faster than the
// round trip through Postgres, so a direct local delivery keeps same-
// process subscribers responsive).
func (n *Notifier) Publish(ctx context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("duron: notifier: marshal payload: %w", err)
	}
	env, err := json.Marshal(envelope{Topic: topic, Payload: raw})
	if err != nil {
		return fmt.Errorf("duron: notifier: marshal envelope: %w", err)
	}

	n.deliverLocal(topic, raw)

	_, err = n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channelName, string(env))
	if err != nil {
		return fmt.Errorf("duron: notifier: pg_notify: %w", err)
	}
	return nil
}

// Subscribe registers a channel that receives every notification published
// on topic from this point on. The returned unsubscribe func must be called
// to release the channel.
func (n *Notifier) Subscribe(topic string) (ch <-chan []byte, unsubscribe func()) {
	sub := make(chan []byte, 16)

	n.mu.Lock()
	n.subscribers[topic] = append(n.subscribers[topic], sub)
	n.mu.Unlock()

	unsub := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subscribers[topic]
		for i, s := range subs {
			if s == sub {
				n.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				close(sub)
				break
			}
		}
	}
	return sub, unsub
}

func (n *Notifier) deliverLocal(topic string, payload []byte) {
	n.mu.RLock()
	subs := append([]chan []byte(nil), n.subscribers[topic]...)
	n.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
			// Best-effort: a full subscriber buffer drops the notification
			// rather than blocking the fan-out loop.
		}
	}
}

// Close stops the LISTEN goroutine and waits for it to exit.
func (n *Notifier) Close() {
	n.cancel()
	<-n.done
}
