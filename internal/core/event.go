package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is the severity of a synthetic security event.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a severity name to a Severity. Unknown names map to info.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high", "critical":
		return SeverityHigh
	default:
		return SeverityInfo
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

// SimEvent is one synthetic telemetry event. It is never mutated after creation.
type SimEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Actor     string    `json:"actor,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	Summary   string    `json:"summary"`
	Tags      []string  `json:"tags"`
	Synthetic bool      `json:"synthetic"`
}

// NewSimEvent creates a synthetic event with a generated ID.
func NewSimEvent(ts time.Time, source, eventType string, severity Severity, summary string) *SimEvent {
	return &SimEvent{
		ID:        "evt-" + uuid.New().String(),
		Timestamp: ts.UTC(),
		Source:    source,
		Type:      eventType,
		Severity:  severity,
		Summary:   summary,
		Tags:      []string{},
		Synthetic: true,
	}
}

// Marshal serializes the event to JSON.
func (e *SimEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalSimEvent deserializes a SimEvent from JSON.
func UnmarshalSimEvent(data []byte) (*SimEvent, error) {
	var event SimEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
