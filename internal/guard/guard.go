// Package guard tracks failed login attempts per account and enforces a
// temporary lockout once a threshold is crossed. Lockout is a state, not an
// error: callers read it from the returned status and decide what to show.
//
// Counters live in the shared store and are updated with plain
// read-modify-write; concurrent contexts racing on the same account can
// lose an increment. That window is accepted, not locked away.
package guard

import (
	"context"
	"encoding/json"
	"time"

	"stafflow.org/internal/audit"
	"stafflow.org/internal/obs"
)

const (
	defaultMaxAttempts     = 5
	defaultLockoutDuration = 15 * time.Minute
)

const keyPrefix = "guard:"

// State of an account in the lockout machine.
type State int

const (
	// Clear: no record, or an explicit reset wiped it.
	Clear State = iota
	// Tracking: failures recorded, threshold not reached.
	Tracking
	// Locked: threshold reached within the lockout window.
	Locked
)

func (s State) String() string {
	switch s {
	case Tracking:
		return "tracking"
	case Locked:
		return "locked"
	default:
		return "clear"
	}
}

// Status reports an account's position in the machine.
type Status struct {
	State            State
	Attempts         int
	RemainingLockout time.Duration
}

// record is the persisted per-account counter. It never expires on its own:
// only the lockout effect does, the counter stays until an explicit reset.
type record struct {
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
}

// Storer is the slice of the shared store the guard needs.
type Storer interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Guard is the login-attempt lockout machine.
type Guard struct {
	kv    Storer
	audit *audit.Store
	now   func() time.Time

	maxAttempts     int
	lockoutDuration time.Duration
}

// Option configures the guard.
type Option func(*Guard)

// WithMaxAttempts sets the lockout threshold.
func WithMaxAttempts(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithLockoutDuration sets the lockout window.
func WithLockoutDuration(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.lockoutDuration = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a guard over the shared store. The audit store may be nil in
// tests; production callers always pass one.
func New(kv Storer, auditStore *audit.Store, opts ...Option) *Guard {
	g := &Guard{
		kv:              kv,
		audit:           auditStore,
		now:             time.Now,
		maxAttempts:     defaultMaxAttempts,
		lockoutDuration: defaultLockoutDuration,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RecordFailure registers a failed attempt for the account and returns the
// resulting status. While the account is locked no further increment
// occurs; the locked status is returned unchanged.
func (g *Guard) RecordFailure(ctx context.Context, account string) Status {
	rec := g.load(ctx, account)
	now := g.now()

	if g.locked(rec, now) {
		return g.status(rec, now)
	}

	rec.Attempts++
	rec.LastAttemptAt = now
	g.store(ctx, account, rec)

	obs.LoginFailuresTotal.Inc()
	st := g.status(rec, now)
	if st.State == Locked {
		obs.LockoutsTotal.Inc()
	}
	if g.audit != nil {
		g.audit.Append(ctx, audit.Entry{
			Action:   audit.ActionLoginFailure,
			Resource: "account/" + account,
			ActorID:  account,
			Details: map[string]any{
				"attempts": rec.Attempts,
				"locked":   st.State == Locked,
			},
		})
	}
	return st
}

// Reset unconditionally clears the account's record. Called on successful
// authentication and by administrative reset.
func (g *Guard) Reset(ctx context.Context, account string) {
	_, existed, err := g.kv.Get(ctx, keyPrefix+account)
	if err != nil {
		existed = false
	}
	if err := g.kv.Remove(ctx, keyPrefix+account); err != nil {
		obs.LogEvent(map[string]any{
			"level":   "warn",
			"msg":     "guard reset failed to remove record",
			"account": account,
			"error":   err.Error(),
		})
		return
	}
	if existed && g.audit != nil {
		g.audit.Append(ctx, audit.Entry{
			Action:   audit.ActionLockoutCleared,
			Resource: "account/" + account,
			ActorID:  account,
		})
	}
}

// IsLocked reports whether the account is currently locked. Pure function
// of stored state and the wall clock: a lock expires by time passing alone,
// the counter is untouched.
func (g *Guard) IsLocked(ctx context.Context, account string) bool {
	return g.locked(g.load(ctx, account), g.now())
}

// RemainingLockout returns how long the current lockout still holds, or
// zero when the account is not locked.
func (g *Guard) RemainingLockout(ctx context.Context, account string) time.Duration {
	rec := g.load(ctx, account)
	now := g.now()
	if !g.locked(rec, now) {
		return 0
	}
	return g.lockoutDuration - now.Sub(rec.LastAttemptAt)
}

// Status returns the account's full status snapshot.
func (g *Guard) Status(ctx context.Context, account string) Status {
	return g.status(g.load(ctx, account), g.now())
}

func (g *Guard) locked(rec record, now time.Time) bool {
	return rec.Attempts >= g.maxAttempts && now.Sub(rec.LastAttemptAt) < g.lockoutDuration
}

func (g *Guard) status(rec record, now time.Time) Status {
	st := Status{Attempts: rec.Attempts}
	switch {
	case g.locked(rec, now):
		st.State = Locked
		st.RemainingLockout = g.lockoutDuration - now.Sub(rec.LastAttemptAt)
	case rec.Attempts > 0:
		st.State = Tracking
	default:
		st.State = Clear
	}
	return st
}

// load reads the account record, degrading to an empty record on absence or
// corruption.
func (g *Guard) load(ctx context.Context, account string) record {
	raw, ok, err := g.kv.Get(ctx, keyPrefix+account)
	if err != nil || !ok {
		return record{}
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return record{}
	}
	return rec
}

func (g *Guard) store(ctx context.Context, account string, rec record) {
	data, err := json.Marshal(rec)
	if err == nil {
		err = g.kv.Set(ctx, keyPrefix+account, string(data))
	}
	if err != nil {
		obs.LogEvent(map[string]any{
			"level":   "warn",
			"msg":     "guard failed to persist attempt record",
			"account": account,
			"error":   err.Error(),
		})
	}
}
