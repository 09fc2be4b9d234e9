// Package bus keeps multiple open contexts of one logical session loosely
// consistent: an in-process publish/subscribe fan-out plus best-effort
// propagation to sibling contexts through the shared store's change
// notification hook.
//
// Delivery is at-most-once per subscriber per publish and carries no
// ordering guarantee across contexts beyond the timestamp stamped at
// publish time. A context that is not watching during the short write
// window misses the event; there is no backfill.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"stafflow.org/internal/kvstore"
	"stafflow.org/internal/obs"
)

// Well-known event types published by the application layer.
const (
	TypeLeaveUpdate      = "leave_update"
	TypeAllocationUpdate = "allocation_update"
	TypeDataRefresh      = "data_refresh"
	TypeUserAction       = "user_action"
)

const (
	keyPrefix = "bus:"

	// defaultCleanupDelay is how long a published event stays in the
	// shared store before its publisher removes it. Long enough for
	// sibling watchers to fire, short enough to keep the store stateless.
	defaultCleanupDelay = time.Second

	// seenTTL bounds the dedupe window for event ids.
	seenTTL = time.Minute
)

// Event is a single cross-context notification.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	OriginActorID string         `json:"originActorId,omitempty"`
}

// Handler receives events for a subscribed type.
type Handler func(Event)

// Bus is the cross-context event bus. Construct with New, release with
// Close.
type Bus struct {
	kv  kvstore.Store
	now func() time.Time

	cleanupDelay time.Duration

	mu      sync.Mutex
	subs    map[string]map[int]Handler
	next    int
	unwatch func()
	seen    map[string]time.Time
	closed  bool
}

// Option configures the bus.
type Option func(*Bus)

// WithCleanupDelay overrides how long published events linger in the store.
func WithCleanupDelay(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.cleanupDelay = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a bus over the shared store.
func New(kv kvstore.Store, opts ...Option) *Bus {
	b := &Bus{
		kv:           kv,
		now:          time.Now,
		cleanupDelay: defaultCleanupDelay,
		subs:         make(map[string]map[int]Handler),
		seen:         make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn for events of the given type and returns an
// unsubscribe function. The first subscription lazily starts watching the
// shared store for sibling-context publishes.
func (b *Bus) Subscribe(eventType string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	if b.unwatch == nil {
		cancel, err := b.kv.Watch(keyPrefix, b.onStoreEvent)
		if err != nil {
			obs.LogEvent(map[string]any{
				"level": "warn",
				"msg":   "bus failed to watch shared store; cross-context delivery disabled",
				"error": err.Error(),
			})
		} else {
			b.unwatch = cancel
		}
	}

	id := b.next
	b.next++
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[int]Handler)
	}
	b.subs[eventType][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m := b.subs[eventType]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(b.subs, eventType)
			}
		}
	}
}

// Publish constructs the event, writes it transiently to the shared store
// for sibling contexts, and invokes local subscribers synchronously. The
// store write failing degrades to local-only delivery.
func (b *Bus) Publish(ctx context.Context, eventType string, payload map[string]any, originActorID string) Event {
	ev := Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Payload:       payload,
		Timestamp:     b.now().UTC(),
		OriginActorID: originActorID,
	}

	b.mu.Lock()
	b.markSeen(ev.ID)
	b.mu.Unlock()

	if data, err := json.Marshal(ev); err == nil {
		key := keyPrefix + eventType
		if err := b.kv.Set(ctx, key, string(data)); err != nil {
			obs.LogEvent(map[string]any{
				"level": "warn",
				"msg":   "bus publish failed to reach shared store",
				"type":  eventType,
				"error": err.Error(),
			})
		} else {
			time.AfterFunc(b.cleanupDelay, func() {
				_ = b.kv.Remove(context.Background(), key)
			})
		}
	}

	obs.BusPublishedTotal.WithLabelValues(eventType).Inc()
	b.deliver(ev)
	return ev
}

// onStoreEvent handles a change notification from the shared store.
// Malformed payloads and duplicates are dropped, not raised.
func (b *Bus) onStoreEvent(change kvstore.Event) {
	if change.Removed {
		// Publisher cleanup, not a new event.
		return
	}
	var ev Event
	if err := json.Unmarshal([]byte(change.Value), &ev); err != nil || ev.Type == "" {
		obs.BusDroppedTotal.Inc()
		obs.LogEvent(map[string]any{
			"level": "warn",
			"msg":   "bus dropped malformed event payload",
			"key":   change.Key,
		})
		return
	}

	b.mu.Lock()
	if _, dup := b.seen[ev.ID]; dup {
		b.mu.Unlock()
		obs.BusDroppedTotal.Inc()
		return
	}
	b.markSeen(ev.ID)
	b.mu.Unlock()

	b.deliver(ev)
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[ev.Type]))
	for _, fn := range b.subs[ev.Type] {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
		obs.BusDeliveredTotal.Inc()
	}
}

// markSeen records an event id for deduplication and prunes stale ids.
// Caller holds b.mu.
func (b *Bus) markSeen(id string) {
	now := b.now()
	b.seen[id] = now
	for k, ts := range b.seen {
		if now.Sub(ts) > seenTTL {
			delete(b.seen, k)
		}
	}
}

// Close stops watching the shared store and drops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.unwatch != nil {
		b.unwatch()
		b.unwatch = nil
	}
	b.subs = make(map[string]map[int]Handler)
}

// PublishLeaveUpdate announces a leave request status change.
func (b *Bus) PublishLeaveUpdate(ctx context.Context, leaveID, status, actorID string) Event {
	return b.Publish(ctx, TypeLeaveUpdate, map[string]any{
		"leaveId": leaveID,
		"status":  status,
	}, actorID)
}

// PublishAllocationUpdate announces a project staffing change.
func (b *Bus) PublishAllocationUpdate(ctx context.Context, projectID, employeeID, actorID string) Event {
	return b.Publish(ctx, TypeAllocationUpdate, map[string]any{
		"projectId":  projectID,
		"employeeId": employeeID,
	}, actorID)
}

// PublishDataRefresh asks sibling contexts to refresh a data scope.
func (b *Bus) PublishDataRefresh(ctx context.Context, scope string) Event {
	return b.Publish(ctx, TypeDataRefresh, map[string]any{"scope": scope}, "")
}

// PublishUserAction broadcasts a user-action notification.
func (b *Bus) PublishUserAction(ctx context.Context, actorID, action string) Event {
	return b.Publish(ctx, TypeUserAction, map[string]any{"action": action}, actorID)
}
