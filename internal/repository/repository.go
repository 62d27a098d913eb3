package repository

import (
	"context"
	"database/sql"
	"time"

	"thermal_client/internal/models"
)

// Operators stores admin API accounts.
type Operators interface {
	Create(ctx context.Context, username, hash string) (int, error)
	GetByUsername(ctx context.Context, username string) (*models.Operator, error)
}

// StatusRepo persists the last verified status of each device.
type StatusRepo interface {
	Save(ctx context.Context, snap models.StatusSnapshot) error
	LoadAll(ctx context.Context) ([]models.StatusSnapshot, error)
	Delete(ctx context.Context, deviceID string) error
}

type EventRepo interface {
	Append(ctx context.Context, e models.DeviceEvent) error
	List(ctx context.Context, f EventFilter) ([]models.DeviceEvent, error)
}

// EventFilter narrows an event listing. Zero fields do not filter.
type EventFilter struct {
	From     time.Time
	To       time.Time
	Type     string
	DeviceID string
	Limit    int
}

type Repository struct {
	StatusRepo StatusRepo
	EventRepo  EventRepo
	Operators  Operators
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		StatusRepo: NewStatusSQLite(db),
		EventRepo:  NewEventSQLite(db),
		Operators:  NewOperatorSQLite(db),
	}
}
