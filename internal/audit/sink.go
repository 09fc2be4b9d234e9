package audit

import (
	"context"
	"encoding/json"

	"stafflow.org/internal/obs"
)

// LogSink archives entries as JSON lines through the shared logger. It is
// the default long-term trail when no database archive is configured.
type LogSink struct {
	// Print is injectable for tests; defaults to the obs logger.
	Print func(string)
}

var _ Sink = (*LogSink)(nil)

func (s *LogSink) Archive(_ context.Context, entry Entry) error {
	line := map[string]any{
		"type":      "audit",
		"id":        entry.ID,
		"action":    entry.Action,
		"resource":  entry.Resource,
		"actor_id":  entry.ActorID,
		"timestamp": entry.Timestamp,
		"origin":    entry.Origin,
	}
	if len(entry.Details) > 0 {
		line["details"] = entry.Details
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	if s.Print != nil {
		s.Print(string(data))
		return nil
	}
	obs.Logger().Println(string(data))
	return nil
}
