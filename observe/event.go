package observe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Well-known event types emitted by the plugin hook layer. The store treats
// event_type as free-form; these are only the ones it reacts to or counts.
const (
	TypeSessionStart     = "session.start"
	TypeSessionEnd       = "session.end"
	TypeToolExecute      = "tool.execute"
	TypeToolBlocked      = "tool.blocked"
	TypeSecurityBlock    = "security.block"
	TypeSecurityWarn     = "security.warn"
	TypeMessageUser      = "message.user"
	TypeMessageAssistant = "message.assistant"
	TypeRatingExplicit   = "rating.explicit"
	TypeRatingImplicit   = "rating.implicit"
	TypeAgentSpawn       = "agent.spawn"
	TypeAgentComplete    = "agent.complete"
)

const toolPrefix = "tool."

// CanonicalLayout is the fixed-width UTC layout used for every timestamp the
// store compares. Strings in this layout sort chronologically.
const CanonicalLayout = "2006-01-02T15:04:05.000000000Z"

// Event is an immutable fact reported by the agent runtime. Timestamp is the
// caller's ISO-8601 string and is kept verbatim; Data is opaque JSON.
type Event struct {
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// IsTool reports whether the event type carries the tool. prefix.
func IsTool(eventType string) bool {
	return strings.HasPrefix(eventType, toolPrefix)
}

// Normalize fills an absent payload with an empty object.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if len(e.Data) == 0 || string(e.Data) == "null" {
		e.Data = json.RawMessage(`{}`)
	}
}

// Validate checks that all identifying fields are present and that the
// timestamp parses with ParseTimestamp.
func (e Event) Validate() error {
	var missing []string
	if strings.TrimSpace(e.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(e.Timestamp) == "" {
		missing = append(missing, "timestamp")
	}
	if strings.TrimSpace(e.SessionID) == "" {
		missing = append(missing, "session_id")
	}
	if strings.TrimSpace(e.EventType) == "" {
		missing = append(missing, "event_type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if _, err := ParseTimestamp(e.Timestamp); err != nil {
		return err
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return fmt.Errorf("data is not valid JSON")
	}
	return nil
}

// Canonical returns the event timestamp in CanonicalLayout.
func (e Event) Canonical() (string, error) {
	ts, err := ParseTimestamp(e.Timestamp)
	if err != nil {
		return "", err
	}
	return FormatCanonical(ts), nil
}

// DataMap decodes the payload as an object. Non-object payloads yield nil.
func (e Event) DataMap() map[string]any {
	if len(e.Data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil
	}
	return m
}

// localLayout is ISO 8601 without a zone designator. Such timestamps are read
// as UTC.
const localLayout = "2006-01-02T15:04:05.999999999"

// ParseTimestamp accepts RFC 3339 with or without fractional seconds, the same
// form without a zone, and a bare YYYY-MM-DD date. Zone-less input is UTC.
// The instant must fall in UTC years 0000-9999 so its canonical form stays
// fixed width.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		ts, err = time.ParseInLocation(localLayout, raw, time.UTC)
	}
	if err != nil {
		ts, err = time.ParseInLocation(time.DateOnly, raw, time.UTC)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is not ISO 8601 (e.g. 2025-01-01T00:00:00Z; no zone means UTC)", raw)
	}
	if y := ts.UTC().Year(); y < 0 || y > 9999 {
		return time.Time{}, fmt.Errorf("timestamp %q falls outside UTC years 0000-9999", raw)
	}
	return ts, nil
}

// ParseBound parses a from/to query bound. It accepts everything
// ParseTimestamp does; a bare date means midnight UTC.
func ParseBound(raw string) (time.Time, error) {
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid bound: %w", err)
	}
	return ts, nil
}

func FormatCanonical(t time.Time) string {
	return t.UTC().Format(CanonicalLayout)
}
