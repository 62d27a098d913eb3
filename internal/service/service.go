package service

import (
	"context"

	"thermal_client/internal/models"
	"thermal_client/internal/repository"
)

// Authorization manages operator accounts and their bearer tokens.
type Authorization interface {
	SignUp(ctx context.Context, username, password string) (int, error)
	GenerateToken(ctx context.Context, username, password string) (string, error)
	ParseToken(accessToken string) (int, error)
}

// Devices is the facade external collaborators use to read and control devices.
type Devices interface {
	GetDevices(ctx context.Context) ([]models.Device, error)
	GetDeviceStatus(ctx context.Context, deviceID string, forceFresh bool) (models.DeviceStatus, error)
	TurnOn(ctx context.Context, deviceID string, tempC *float64) error
	TurnOff(ctx context.Context, deviceID string) error
	SetTemperature(ctx context.Context, deviceID string, tempC float64) error
	LastKnownTemperature(deviceID string) (float64, bool)
	Snapshot() []models.CacheEntry
	Stats() ClientStats
}

// Polling exposes the background poller's registration surface.
type Polling interface {
	RegisterDevice(deviceID string, cb Callbacks)
	UnregisterDevice(deviceID string)
	TriggerImmediatePoll()
	PollStates() []PollState
}

// EventLog exposes append-only logs with filtering access.
type EventLog interface {
	List(ctx context.Context, f LogFilter) ([]models.DeviceEvent, error)
}

// Service aggregates all sub-services for the HTTP layer.
type Service struct {
	Devices
	Polling
	EventLog
	Authorization
}

// NewService wires the repository layer and the running core into one aggregate.
func NewService(repos *repository.Repository, devices Devices, polling Polling, jwtSecret string) *Service {
	return &Service{
		Devices:       devices,
		Polling:       polling,
		EventLog:      NewEventLogService(repos.EventRepo),
		Authorization: NewAuthService(repos.Operators, jwtSecret),
	}
}
