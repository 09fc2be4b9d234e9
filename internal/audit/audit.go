// Package audit keeps a bounded, append-biased log of security-relevant
// events. The in-memory ring is authoritative for the running process; a
// smaller tail is persisted best-effort to the shared store and reloaded at
// startup. Entries may additionally be forwarded fire-and-forget to an
// archive sink for long-term storage.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"stafflow.org/internal/ids"
	"stafflow.org/internal/obs"
)

// Entry is an immutable audit record.
type Entry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	ActorID   string         `json:"actorId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	Origin    string         `json:"origin,omitempty"`
}

// Actions emitted by this core.
const (
	ActionLoginFailure   = "LOGIN_FAILURE"
	ActionLockoutCleared = "LOGIN_LOCKOUT_CLEARED"
	ActionSessionCreated = "SESSION_CREATED"
	ActionSessionExpired = "SESSION_EXPIRED"
	ActionSessionHijack  = "SESSION_FINGERPRINT_MISMATCH"
	ActionSessionEnded   = "SESSION_DESTROYED"
	ActionUserAction     = "USER_ACTION"
	ActionSystemEvent    = "SYSTEM_EVENT"
	ActionQueryPerf      = "QUERY_PERFORMANCE"
	ActionAdminReset     = "LOCKOUT_ADMIN_RESET"
)

const tailKey = "audit:tail"

const (
	defaultMaxLogs      = 1000
	defaultMaxPersisted = 100
)

// Storer is the slice of the shared store the audit log needs.
type Storer interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Sink receives appended entries for long-term archival. Failures are
// logged and otherwise ignored.
type Sink interface {
	Archive(ctx context.Context, entry Entry) error
}

// Store holds the bounded audit log.
type Store struct {
	kv   Storer
	sink Sink
	now  func() time.Time

	maxLogs      int
	maxPersisted int
	origin       string

	mu sync.Mutex
	// entries is newest-first and never exceeds maxLogs.
	entries []Entry
}

// Option configures the store.
type Option func(*Store)

// WithMaxLogs sets the in-memory capacity.
func WithMaxLogs(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxLogs = n
		}
	}
}

// WithMaxPersisted sets the persisted tail size. Values >= maxLogs are
// clamped below it.
func WithMaxPersisted(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxPersisted = n
		}
	}
}

// WithSink forwards appended entries to an archive sink.
func WithSink(sink Sink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithOrigin sets the environment descriptor stamped onto entries.
func WithOrigin(origin string) Option {
	return func(s *Store) { s.origin = origin }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an audit store over the shared kv store.
func New(kv Storer, opts ...Option) *Store {
	s := &Store{
		kv:           kv,
		now:          time.Now,
		maxLogs:      defaultMaxLogs,
		maxPersisted: defaultMaxPersisted,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxPersisted >= s.maxLogs {
		s.maxPersisted = s.maxLogs - 1
	}
	return s
}

// Append records the entry, assigning id and timestamp if absent, and
// best-effort persists the newest tail. Persistence failure never
// propagates; the in-memory copy stays authoritative.
func (s *Store) Append(ctx context.Context, entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	if entry.Origin == "" {
		entry.Origin = s.origin
	}

	s.mu.Lock()
	s.entries = append([]Entry{entry}, s.entries...)
	if len(s.entries) > s.maxLogs {
		s.entries = s.entries[:s.maxLogs]
	}
	obs.AuditEntriesTotal.Inc()

	s.persistTail(ctx)
	s.mu.Unlock()

	if s.sink != nil {
		// Fire-and-forget: archival latency and failures stay off the
		// caller's path.
		go func(e Entry) {
			if err := s.sink.Archive(context.Background(), e); err != nil {
				obs.LogEvent(map[string]any{
					"level":  "warn",
					"msg":    "audit sink archive failed",
					"entry":  e.ID,
					"action": e.Action,
					"error":  err.Error(),
				})
			}
		}(entry)
	}
	return entry
}

// Filter selects entries on Query. Zero fields match everything.
type Filter struct {
	ActorID  string
	Action   string
	Resource string
}

// Query returns matching entries, newest first.
func (s *Store) Query(f Filter) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Resource != "" && e.Resource != f.Resource {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len reports the number of in-memory entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// LoadPersisted replaces the in-memory buffer with the persisted tail.
// Absence or corruption loads empty.
func (s *Store) LoadPersisted(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.kv.Get(ctx, tailKey)
	if err != nil || !ok {
		s.entries = nil
		return
	}
	var tail []Entry
	if err := json.Unmarshal([]byte(raw), &tail); err != nil {
		s.entries = nil
		return
	}
	if len(tail) > s.maxLogs {
		tail = tail[:s.maxLogs]
	}
	s.entries = tail
}

// Clear empties both the in-memory buffer and the persisted tail.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	_ = s.kv.Remove(ctx, tailKey)
}

func (s *Store) persistTail(ctx context.Context) {
	n := s.maxPersisted
	if n > len(s.entries) {
		n = len(s.entries)
	}
	data, err := json.Marshal(s.entries[:n])
	if err == nil {
		err = s.kv.Set(ctx, tailKey, string(data))
	}
	if err != nil {
		obs.AuditPersistFailuresTotal.Inc()
		obs.LogEvent(map[string]any{
			"level": "warn",
			"msg":   "audit tail persist failed",
			"error": err.Error(),
		})
	}
}

// LogUserAction records an action a user took against a resource.
func (s *Store) LogUserAction(ctx context.Context, actorID, action, resource string, details map[string]any) Entry {
	return s.Append(ctx, Entry{
		Action:   action,
		Resource: resource,
		ActorID:  actorID,
		Details:  details,
	})
}

// LogSystemEvent records an event not attributable to a user.
func (s *Store) LogSystemEvent(ctx context.Context, event string, details map[string]any) Entry {
	d := map[string]any{"event": event}
	for k, v := range details {
		d[k] = v
	}
	return s.Append(ctx, Entry{
		Action:   ActionSystemEvent,
		Resource: "system",
		Details:  d,
	})
}

// LogQueryPerformance records a slow or notable backend query.
func (s *Store) LogQueryPerformance(ctx context.Context, query string, took time.Duration, rows int) Entry {
	return s.Append(ctx, Entry{
		Action:   ActionQueryPerf,
		Resource: "query",
		Details: map[string]any{
			"query":       query,
			"duration_ms": took.Milliseconds(),
			"rows":        rows,
		},
	})
}
