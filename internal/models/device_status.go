package models

import (
	"strings"
	"time"
)

// ThermalState is the device's thermal control status as reported by the remote service.
type ThermalState string

const (
	ThermalOff     ThermalState = "off"
	ThermalStandby ThermalState = "standby"
	ThermalHeating ThermalState = "heating"
	ThermalCooling ThermalState = "cooling"
	ThermalActive  ThermalState = "active"
	ThermalUnknown ThermalState = "unknown"
)

// PowerState is derived from ThermalState; the two must always agree.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

// DefaultTemperatureC is used whenever a temperature is absent or unparseable.
const DefaultTemperatureC = 21.0

// ParseThermalState maps a status string case-insensitively.
// Unrecognized strings return ThermalUnknown and ok=false so the caller can log them.
func ParseThermalState(s string) (ThermalState, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return ThermalOff, true
	case "standby":
		return ThermalStandby, true
	case "heating":
		return ThermalHeating, true
	case "cooling":
		return ThermalCooling, true
	case "active":
		return ThermalActive, true
	default:
		return ThermalUnknown, false
	}
}

// PowerFor returns the power state implied by a thermal state.
// ThermalUnknown does not constrain power and returns ok=false.
func PowerFor(t ThermalState) (PowerState, bool) {
	switch t {
	case ThermalHeating, ThermalCooling, ThermalActive:
		return PowerOn, true
	case ThermalStandby, ThermalOff:
		return PowerOff, true
	default:
		return PowerUnknown, false
	}
}

// DeviceStatus is the best-known state of one device.
type DeviceStatus struct {
	CurrentTemperature float64      `json:"current_temperature_c"`
	TargetTemperature  float64      `json:"target_temperature_c"`
	ThermalState       ThermalState `json:"thermal_state"`
	PowerState         PowerState   `json:"power_state"`
	FirmwareVersion    *string      `json:"firmware_version,omitempty"`
	Connected          *bool        `json:"connected,omitempty"`
	WaterLevel         *float64     `json:"water_level,omitempty"` // percent
	WaterLow           *bool        `json:"water_low,omitempty"`
}

// BaselineStatus is the status assumed for a device nothing is known about yet.
func BaselineStatus() DeviceStatus {
	return DeviceStatus{
		CurrentTemperature: DefaultTemperatureC,
		TargetTemperature:  DefaultTemperatureC,
		ThermalState:       ThermalUnknown,
		PowerState:         PowerUnknown,
	}
}

// Reconcile returns a copy whose PowerState agrees with ThermalState.
// ThermalState is authoritative; an unknown thermal state leaves power untouched.
func (s DeviceStatus) Reconcile() DeviceStatus {
	if p, ok := PowerFor(s.ThermalState); ok {
		s.PowerState = p
	}
	return s
}

// Consistent reports whether power and thermal state agree.
func (s DeviceStatus) Consistent() bool {
	p, ok := PowerFor(s.ThermalState)
	return !ok || p == s.PowerState
}

// IsActive reports whether the device is powered and thermally working.
func (s DeviceStatus) IsActive() bool {
	if s.PowerState != PowerOn {
		return false
	}
	switch s.ThermalState {
	case ThermalHeating, ThermalCooling, ThermalActive:
		return true
	}
	return false
}

// StatusUpdate is a partial update derived from an accepted write command.
// Nil fields are left as they were.
type StatusUpdate struct {
	CurrentTemperature *float64
	TargetTemperature  *float64
	ThermalState       *ThermalState
	PowerState         *PowerState
}

// Device is one entry of the remote device list.
type Device struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model,omitempty"`
}

// StatusSnapshot is a persisted verified status, used to warm the cache on start.
type StatusSnapshot struct {
	DeviceID   string       `json:"device_id"`
	Status     DeviceStatus `json:"status"`
	CapturedAt time.Time    `json:"captured_at"`
}
