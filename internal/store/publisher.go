package store

import "context"

// Publisher is the minimal shape the Store needs from the Notifier to
// emit its change topics. Kept as a small local interface (rather than
// importing internal/notifier) so the two packages depend on each other
// in one direction only.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// noopPublisher is used when a Store is constructed without a notifier,
// e.g. in tests that only exercise row transitions.
type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, any) error { return nil }
