// Package activity collects advisory suspicious-activity signals for one
// logical session: how many contexts are open and whether navigation is
// happening faster than a human plausibly drives it. The signals are
// observability only; nothing in this core gates access on them.
package activity

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stafflow.org/internal/obs"
)

const (
	// defaultNavRate tolerates sustained navigation of one view per second
	// with bursts of eight before flagging.
	defaultNavRate  = rate.Limit(1)
	defaultNavBurst = 8
)

// Snapshot is a point-in-time view of the monitor's counters.
type Snapshot struct {
	OpenContexts int   `json:"openContexts"`
	Navigations  int64 `json:"navigations"`
	RapidBursts  int64 `json:"rapidBursts"`
}

// Monitor tracks advisory session-activity signals.
type Monitor struct {
	now func() time.Time

	mu          sync.Mutex
	contexts    map[string]time.Time
	limiter     *rate.Limiter
	navigations int64
	rapidBursts int64
}

// Option configures the monitor.
type Option func(*Monitor)

// WithNavRate overrides the navigation rate considered plausible.
func WithNavRate(r rate.Limit, burst int) Option {
	return func(m *Monitor) {
		if r > 0 && burst > 0 {
			m.limiter = rate.NewLimiter(r, burst)
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		now:      time.Now,
		contexts: make(map[string]time.Time),
		limiter:  rate.NewLimiter(defaultNavRate, defaultNavBurst),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterContext records an execution context (tab) joining the session.
// Re-registering the same id refreshes its timestamp.
func (m *Monitor) RegisterContext(id string) {
	m.mu.Lock()
	_, known := m.contexts[id]
	m.contexts[id] = m.now()
	n := len(m.contexts)
	m.mu.Unlock()
	if !known {
		obs.OpenContexts.Set(float64(n))
	}
}

// ReleaseContext records a context leaving the session. Unknown ids are
// ignored.
func (m *Monitor) ReleaseContext(id string) {
	m.mu.Lock()
	_, known := m.contexts[id]
	delete(m.contexts, id)
	n := len(m.contexts)
	m.mu.Unlock()
	if known {
		obs.OpenContexts.Set(float64(n))
	}
}

// ContextCount reports how many contexts are currently registered.
func (m *Monitor) ContextCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// Navigated records one navigation. It returns true when the navigation
// fell inside the plausible rate, false when it contributed to a rapid
// burst. The return value is advisory; callers take no enforcement action.
func (m *Monitor) Navigated() bool {
	m.mu.Lock()
	m.navigations++
	ok := m.limiter.AllowN(m.now(), 1)
	if !ok {
		m.rapidBursts++
	}
	m.mu.Unlock()
	if !ok {
		obs.RapidNavigationTotal.Inc()
	}
	return ok
}

// Snapshot returns the current counters.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		OpenContexts: len(m.contexts),
		Navigations:  m.navigations,
		RapidBursts:  m.rapidBursts,
	}
}
