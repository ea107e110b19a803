package interfaces

import (
	"context"

	"kioskqueue/pkg/types"
)

// EventBus fans out invalidation events keyed by table
type EventBus interface {
	Publish(ctx context.Context, event types.Event) error

	// Subscribe returns a subscription for the given tables. No tables means all.
	Subscribe(tables ...string) Subscription
}

// Subscription delivers events until closed
type Subscription interface {
	Events() <-chan types.Event
	Close()
}

// LocalStore is the client-local key-value store that holds the device fingerprint
// and tab registry. Implementations must be safe for concurrent use.
type LocalStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	// Update replaces key with the result of fn as one atomic step. fn sees the
	// current value; returning keep=false deletes the key.
	Update(key string, fn func(value string, ok bool) (next string, keep bool)) error
}
