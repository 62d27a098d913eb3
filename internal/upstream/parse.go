package upstream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"thermal_client/internal/models"
)

// Alternative locations of each status field, tried in order.
var (
	currentCPaths = []string{"current_temperature_c", "status.current_temperature_c", "state.current_temperature_c", "data.current_temperature_c", "current_temperature"}
	currentFPaths = []string{"current_temperature_f", "status.current_temperature_f", "state.current_temperature_f", "data.current_temperature_f"}
	targetCPaths  = []string{"target_temperature_c", "status.target_temperature_c", "state.target_temperature_c", "data.target_temperature_c", "set_temperature_c"}
	targetFPaths  = []string{"set_temperature_f", "target_temperature_f", "status.set_temperature_f", "state.set_temperature_f", "data.set_temperature_f"}
	thermalPaths  = []string{"thermal_control_status", "status.thermal_control_status", "state.thermal_control_status", "data.thermal_control_status", "thermal_status"}
	connPaths     = []string{"connected", "status.connected", "state.connected", "is_connected", "online"}
	waterPaths    = []string{"water_level", "status.water_level", "state.water_level", "water_level_percent"}
	waterLowPaths = []string{"water_low", "status.water_low", "state.water_low", "is_water_too_low"}
	firmwarePaths = []string{"firmware_version", "status.firmware_version", "state.firmware_version", "firmware.version"}

	listPaths      = []string{"devices", "data.devices", "data", "items"}
	deviceIDPaths  = []string{"id", "device_id", "_id"}
	deviceNamePath = []string{"name", "nickname", "label"}
	modelPaths     = []string{"model", "device_model"}
)

// first returns the first path that exists and is not null.
func first(root gjson.Result, paths []string) (gjson.Result, bool) {
	for _, p := range paths {
		r := root.Get(p)
		if r.Exists() && r.Type != gjson.Null {
			return r, true
		}
	}
	return gjson.Result{}, false
}

func number(root gjson.Result, paths []string) (float64, bool) {
	for _, p := range paths {
		r := root.Get(p)
		switch r.Type {
		case gjson.Number:
			return r.Num, true
		case gjson.String:
			if v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

// temperature reads a Celsius value, falling back to a Fahrenheit path and
// finally to the default.
func temperature(root gjson.Result, cPaths, fPaths []string) float64 {
	if v, ok := number(root, cPaths); ok {
		return v
	}
	if v, ok := number(root, fPaths); ok {
		return FtoC(v)
	}
	return models.DefaultTemperatureC
}

// ParseStatus extracts a DeviceStatus from a status payload. Fields may sit
// at several nesting paths; the first match wins. Returned warnings describe
// tolerated anomalies such as an unrecognized thermal status.
func ParseStatus(body []byte) (models.DeviceStatus, []string, error) {
	if !gjson.ValidBytes(body) {
		return models.DeviceStatus{}, nil, fmt.Errorf("%w: status body is not json", ErrParseAnomaly)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return models.DeviceStatus{}, nil, fmt.Errorf("%w: status body is not an object", ErrParseAnomaly)
	}

	var warnings []string
	st := models.DeviceStatus{
		CurrentTemperature: temperature(root, currentCPaths, currentFPaths),
		TargetTemperature:  temperature(root, targetCPaths, targetFPaths),
		ThermalState:       models.ThermalUnknown,
	}

	if r, ok := first(root, thermalPaths); ok {
		ts, known := models.ParseThermalState(r.String())
		if !known {
			warnings = append(warnings, fmt.Sprintf("unrecognized thermal status %q", r.String()))
		}
		st.ThermalState = ts
	} else {
		warnings = append(warnings, "thermal status missing")
	}
	st.PowerState = models.PowerUnknown
	st = st.Reconcile()

	if r, ok := first(root, connPaths); ok {
		v := r.Bool()
		st.Connected = &v
	}
	if v, ok := number(root, waterPaths); ok {
		st.WaterLevel = &v
	}
	if r, ok := first(root, waterLowPaths); ok {
		v := r.Bool()
		st.WaterLow = &v
	}
	if r, ok := first(root, firmwarePaths); ok && r.String() != "" {
		v := r.String()
		st.FirmwareVersion = &v
	}
	return st, warnings, nil
}

// ParseDevices extracts the device list from either a bare array or an
// envelope object. Entries without an id are skipped.
func ParseDevices(body []byte) ([]models.Device, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: device list is not json", ErrParseAnomaly)
	}
	root := gjson.ParseBytes(body)
	list := root
	if !root.IsArray() {
		r, ok := first(root, listPaths)
		if !ok || !r.IsArray() {
			return nil, fmt.Errorf("%w: no device array found", ErrParseAnomaly)
		}
		list = r
	}

	var devices []models.Device
	list.ForEach(func(_, item gjson.Result) bool {
		id, ok := first(item, deviceIDPaths)
		if !ok || id.String() == "" {
			return true
		}
		d := models.Device{ID: id.String()}
		if r, ok := first(item, deviceNamePath); ok {
			d.Name = r.String()
		}
		if r, ok := first(item, modelPaths); ok {
			d.Model = r.String()
		}
		devices = append(devices, d)
		return true
	})
	return devices, nil
}
