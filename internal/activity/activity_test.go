package activity

import (
	"fmt"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestContextRegistry(t *testing.T) {
	m := New()

	m.RegisterContext("tab-1")
	m.RegisterContext("tab-2")
	m.RegisterContext("tab-1") // refresh, not a new context
	if got := m.ContextCount(); got != 2 {
		t.Fatalf("ContextCount = %d, want 2", got)
	}

	m.ReleaseContext("tab-1")
	m.ReleaseContext("tab-unknown")
	if got := m.ContextCount(); got != 1 {
		t.Fatalf("ContextCount after release = %d, want 1", got)
	}
}

func TestRapidNavigationFlagged(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := New(
		WithNavRate(rate.Limit(1), 3),
		WithClock(func() time.Time { return now }),
	)

	// Burst capacity absorbs three instantaneous navigations.
	for i := 0; i < 3; i++ {
		if !m.Navigated() {
			t.Fatalf("navigation %d flagged inside burst capacity", i)
		}
	}
	// The fourth with no time passing is a rapid burst.
	if m.Navigated() {
		t.Fatal("navigation beyond burst capacity not flagged")
	}

	snap := m.Snapshot()
	if snap.Navigations != 4 || snap.RapidBursts != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// At a human pace the limiter refills and stays quiet.
	for i := 0; i < 5; i++ {
		now = now.Add(2 * time.Second)
		if !m.Navigated() {
			t.Fatalf("paced navigation %d flagged", i)
		}
	}
}

func TestSnapshotCounts(t *testing.T) {
	m := New()
	for i := 0; i < 4; i++ {
		m.RegisterContext(fmt.Sprintf("tab-%d", i))
	}
	snap := m.Snapshot()
	if snap.OpenContexts != 4 {
		t.Fatalf("OpenContexts = %d, want 4", snap.OpenContexts)
	}
}
