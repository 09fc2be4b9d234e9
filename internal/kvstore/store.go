// Package kvstore defines the shared key-value substrate the security core
// runs on: string-keyed persistent storage with a best-effort change
// notification hook. Several independent execution contexts of the same
// logical session may mutate one store concurrently; read-modify-write
// sequences are subject to lost updates and callers accept that.
package kvstore

import "context"

// Event describes a mutation observed on the shared store.
type Event struct {
	Key     string
	Value   string
	Removed bool
}

// WatchFunc is invoked for each observed mutation of a watched key.
// Implementations call it from an internal goroutine; callbacks must not
// block for long.
type WatchFunc func(Event)

// Store is the persistent shared store contract. Notification latency and
// delivery are best-effort: a watcher may observe mutations late or, across
// process restarts, not at all.
type Store interface {
	// Get returns the value for key. Absence is reported via the boolean,
	// not an error.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes the value for key, creating it if absent.
	Set(ctx context.Context, key, value string) error

	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Watch registers fn for mutations of keys with the given prefix and
	// returns a cancel function. Whether the watcher observes its own
	// context's writes is backend-specific; consumers that care must
	// deduplicate.
	Watch(prefix string, fn WatchFunc) (func(), error)

	// Close releases watchers and backend resources.
	Close() error
}
