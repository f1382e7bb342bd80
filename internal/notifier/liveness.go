package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// pingTopic and pongTopic derive the per-client liveness topics:
// "ping-<cid>" / "pong-<cid>".
func pingTopic(clientID string) string { return "ping-" + clientID }
func pongTopic(clientID string) string { return "pong-" + clientID }

type pingPayload struct {
	From string `json:"from"`
}

// Ping sends a liveness probe to target, asking it to answer on its pong
// topic naming caller as the expected respondent.
func (n *Notifier) Ping(ctx context.Context, target, caller string) error {
	return n.Publish(ctx, pingTopic(target), pingPayload{From: caller})
}

// ListenForPings subscribes to this client's own ping topic and answers
// every inbound ping with a pong addressed back to the sender, until ctx is
// cancelled. Intended to run as a background goroutine for the lifetime of
// a Client.
func (n *Notifier) ListenForPings(ctx context.Context, selfClientID string) {
	ch, unsubscribe := n.Subscribe(pingTopic(selfClientID))
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var ping pingPayload
			if err := unmarshalOrZero(raw, &ping); err != nil || ping.From == "" {
				continue
			}
			_ = n.Publish(ctx, pongTopic(ping.From), pingPayload{From: selfClientID})
		}
	}
}

// AwaitPongs subscribes to caller's pong topic and waits, up to timeout,
// for a pong from every id in expected. It returns the subset of expected
// that never responded — the "suspect" non-responders.
func (n *Notifier) AwaitPongs(ctx context.Context, caller string, expected []string, timeout time.Duration) []string {
	if len(expected) == 0 {
		return nil
	}
	ch, unsubscribe := n.Subscribe(pongTopic(caller))
	defer unsubscribe()

	pending := make(map[string]struct{}, len(expected))
	for _, id := range expected {
		pending[id] = struct{}{}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return sortedKeys(pending)
		case <-deadline.C:
			return sortedKeys(pending)
		case raw, ok := <-ch:
			if !ok {
				return sortedKeys(pending)
			}
			var pong pingPayload
			if err := unmarshalOrZero(raw, &pong); err == nil {
				delete(pending, pong.From)
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func unmarshalOrZero(raw []byte, v *pingPayload) error {
	if len(raw) == 0 {
		return fmt.Errorf("duron: notifier: empty payload")
	}
	return json.Unmarshal(raw, v)
}
