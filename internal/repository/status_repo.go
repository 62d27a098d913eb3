package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"thermal_client/internal/models"
)

type StatusSQLite struct {
	db *sql.DB
}

func NewStatusSQLite(db *sql.DB) *StatusSQLite {
	return &StatusSQLite{db: db}
}

var _ StatusRepo = (*StatusSQLite)(nil)

const (
	upsertStatusSQL = `
		INSERT INTO device_status (device_id, current_c, target_c, thermal_state, power_state, extras, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			current_c=excluded.current_c,
			target_c=excluded.target_c,
			thermal_state=excluded.thermal_state,
			power_state=excluded.power_state,
			extras=excluded.extras,
			captured_at=excluded.captured_at
	`

	selectStatusesSQL = `
		SELECT device_id, current_c, target_c, thermal_state, power_state, extras, captured_at
		FROM device_status ORDER BY device_id ASC
	`

	deleteStatusSQL = `DELETE FROM device_status WHERE device_id = ?`
)

// statusExtras holds the optional status fields, stored as one JSON column.
type statusExtras struct {
	FirmwareVersion *string  `json:"firmware_version,omitempty"`
	Connected       *bool    `json:"connected,omitempty"`
	WaterLevel      *float64 `json:"water_level,omitempty"`
	WaterLow        *bool    `json:"water_low,omitempty"`
}

func marshalExtras(s models.DeviceStatus) (string, error) {
	b, err := json.Marshal(statusExtras{
		FirmwareVersion: s.FirmwareVersion,
		Connected:       s.Connected,
		WaterLevel:      s.WaterLevel,
		WaterLow:        s.WaterLow,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalExtras(raw string, s *models.DeviceStatus) error {
	if raw == "" {
		return nil
	}
	var e statusExtras
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return err
	}
	s.FirmwareVersion = e.FirmwareVersion
	s.Connected = e.Connected
	s.WaterLevel = e.WaterLevel
	s.WaterLow = e.WaterLow
	return nil
}

// Save upserts the snapshot row for one device. A zero CapturedAt is stamped now.
func (r *StatusSQLite) Save(ctx context.Context, snap models.StatusSnapshot) error {
	extras, err := marshalExtras(snap.Status)
	if err != nil {
		return fmt.Errorf("marshal extras for %q: %w", snap.DeviceID, err)
	}

	ts := snap.CapturedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	} else {
		ts = ts.UTC()
	}

	_, err = r.db.ExecContext(ctx, upsertStatusSQL,
		snap.DeviceID,
		snap.Status.CurrentTemperature,
		snap.Status.TargetTemperature,
		string(snap.Status.ThermalState),
		string(snap.Status.PowerState),
		extras,
		ts,
	)
	return err
}

// LoadAll returns every stored snapshot ordered by device id.
func (r *StatusSQLite) LoadAll(ctx context.Context) ([]models.StatusSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, selectStatusesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StatusSnapshot
	for rows.Next() {
		var (
			snap         models.StatusSnapshot
			thermal, pwr string
			extras       sql.NullString
		)
		if err := rows.Scan(
			&snap.DeviceID,
			&snap.Status.CurrentTemperature,
			&snap.Status.TargetTemperature,
			&thermal,
			&pwr,
			&extras,
			&snap.CapturedAt,
		); err != nil {
			return nil, err
		}
		snap.Status.ThermalState = models.ThermalState(thermal)
		snap.Status.PowerState = models.PowerState(pwr)
		if err := unmarshalExtras(extras.String, &snap.Status); err != nil {
			return nil, fmt.Errorf("decode extras for %q: %w", snap.DeviceID, err)
		}
		snap.CapturedAt = snap.CapturedAt.UTC()
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a device's snapshot; deleting a missing row is not an error.
func (r *StatusSQLite) Delete(ctx context.Context, deviceID string) error {
	_, err := r.db.ExecContext(ctx, deleteStatusSQL, deviceID)
	return err
}
