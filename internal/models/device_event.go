package models

import "time"

// Event types written to the device event log.
const (
	EventCommand        = "COMMAND"
	EventCommandFailed  = "COMMAND_FAILED"
	EventRateLimited    = "RATE_LIMITED"
	EventActivityChange = "ACTIVITY_CHANGE"
	EventParseAnomaly   = "PARSE_ANOMALY"
)

// DeviceEvent is a single log entry.
type DeviceEvent struct {
	EventID     string    `json:"event_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	Type        string    `json:"type"`        // COMMAND | COMMAND_FAILED | RATE_LIMITED | ACTIVITY_CHANGE | PARSE_ANOMALY
	Description string    `json:"description"` // human-readable
	Metadata    any       `json:"metadata,omitempty"`
}
