package models

import "time"

// Priority orders scheduled requests. Lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota // user-issued writes
	PriorityHigh                     // user-issued reads and explicit refreshes
	PriorityNormal                   // polling of an active device
	PriorityLow                      // background polling and discovery
)

// Priorities lists every priority in scheduling order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// OperationType identifies what a request does against the remote service.
type OperationType string

const (
	OpReadStatus    OperationType = "read-status"
	OpWriteSettings OperationType = "write-settings"
	OpListDevices   OperationType = "list-devices"
)

// IsWrite reports whether the operation changes device settings.
func (o OperationType) IsWrite() bool { return o == OpWriteSettings }

// Command is the payload of a write-settings request.
type Command struct {
	Power   PowerState `json:"power"`
	TargetC float64    `json:"target_c"`
}

// IsPowerOff reports whether the command switches the device off.
func (c Command) IsPowerOff() bool { return c.Power == PowerOff }

// Confidence expresses how much a cache entry is trusted.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Origin records how a cache entry was obtained.
type Origin string

const (
	OriginVerifiedRead   Origin = "verified-read"
	OriginCommandDerived Origin = "command-derived"
	OriginInferred       Origin = "inferred"
)

// UpdateContext records who caused a cache update.
type UpdateContext string

const (
	ContextUser     UpdateContext = "user"
	ContextSchedule UpdateContext = "schedule"
	ContextSystem   UpdateContext = "system"
)

// CacheEntry is the best-known status of one device plus trust metadata.
type CacheEntry struct {
	DeviceID     string        `json:"device_id"`
	Status       DeviceStatus  `json:"status"`
	CapturedAt   time.Time     `json:"captured_at"`
	IsOptimistic bool          `json:"is_optimistic"`
	Confidence   Confidence    `json:"confidence"`
	Origin       Origin        `json:"origin"`
	Context      UpdateContext `json:"context"`
}
