package tracker

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata, or a *FetchFailure.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Source polls one vendor and normalizes its payload into observations.
// A returned error is a *FetchFailure or *ParseFailure and aborts the run.
type Source interface {
	Name() string
	Poll(ctx context.Context) (PollResult, error)
}

// StatusStore is the shared, internally locked product status store.
type StatusStore interface {
	Apply(key VariantKey, obs Observation) (ProductStatus, *Transition, error)
	RecordFailure(key VariantKey) (ProductStatus, bool, error)
	Get(key VariantKey) (ProductStatus, bool)
	Snapshot() map[VariantKey]ProductStatus
}

// SubscriberSource answers "who is subscribed to variant X".
type SubscriberSource interface {
	SubscribersFor(ctx context.Context, key VariantKey) ([]Subscriber, error)
}

// Gateway delivers a message to a user and returns the provider message ID.
type Gateway interface {
	Send(ctx context.Context, userID string, message string) (string, error)
}

// Notifier fans a transition out to subscribers.
type Notifier interface {
	Notify(ctx context.Context, transition Transition) DispatchReport
}

// HistoryLog appends audit entries.
type HistoryLog interface {
	Append(ctx context.Context, entry HistoryEntry) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and message IDs.
type IDGenerator interface {
	NewID() (string, error)
}
