// Package health classifies session freshness against an idle timeout. Pure
// functions only: callers poll or schedule checks and decide what to do at
// each level.
package health

import "time"

// State is the advisory freshness classification.
type State string

const (
	Healthy  State = "healthy"
	Warning  State = "warning"
	Critical State = "critical"
)

const (
	criticalThreshold = 5 * time.Minute
	warningThreshold  = 15 * time.Minute

	// DefaultWarningLead is how far before timeout a caller should surface
	// the first warning.
	DefaultWarningLead = 5 * time.Minute
)

// Report is the full classification output.
type Report struct {
	State            State
	TimeUntilTimeout time.Duration
	MinutesRemaining int
}

// Classify reports session freshness given the last activity timestamp and
// the configured idle timeout. Boundaries fall into the stricter category:
// exactly 5 minutes remaining is critical, exactly 15 is warning. An
// already-expired session reports critical with a non-positive remainder.
func Classify(lastActivity time.Time, timeout time.Duration, now time.Time) Report {
	remaining := timeout - now.Sub(lastActivity)
	r := Report{
		TimeUntilTimeout: remaining,
		MinutesRemaining: int(remaining / time.Minute),
	}
	switch {
	case remaining <= criticalThreshold:
		r.State = Critical
	case remaining <= warningThreshold:
		r.State = Warning
	default:
		r.State = Healthy
	}
	return r
}

// TimeUntilWarning returns how long a caller may sleep before the session
// enters warning territory, letting it schedule one future check instead of
// polling. Zero means the warning point has passed.
func TimeUntilWarning(lastActivity time.Time, timeout time.Duration, now time.Time) time.Duration {
	return TimeUntilWarningWithLead(lastActivity, timeout, now, DefaultWarningLead)
}

// TimeUntilWarningWithLead is TimeUntilWarning with an explicit lead time.
func TimeUntilWarningWithLead(lastActivity time.Time, timeout time.Duration, now time.Time, lead time.Duration) time.Duration {
	until := timeout - now.Sub(lastActivity) - lead
	if until < 0 {
		return 0
	}
	return until
}
