package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"thermal_client/internal/models"
	"thermal_client/internal/scheduler"
	"thermal_client/internal/service"
	"thermal_client/internal/upstream"
)

func doRequest(t *testing.T, h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vv := range authHeader("valid") {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	h.ServeHTTP(w, req)
	return w
}

func TestDeviceHandlers_RequireAuth(t *testing.T) {
	s := &service.Service{Authorization: &mockAuth{parseID: 1}, Devices: &mockDevices{}}
	r := newTestRouter(s)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", w.Code)
	}
}

func TestDeviceHandlers_ListAndStatus(t *testing.T) {
	dev := &mockDevices{
		devices: []models.Device{{ID: "d1", Name: "Kitchen"}, {ID: "d2", Name: "Hall"}},
		status: models.DeviceStatus{
			CurrentTemperature: 19,
			TargetTemperature:  22,
			ThermalState:       models.ThermalHeating,
			PowerState:         models.PowerOn,
		},
	}
	s := &service.Service{Authorization: &mockAuth{parseID: 1}, Devices: dev}
	r := newTestRouter(s)

	w := doRequest(t, r, http.MethodGet, "/api/v1/devices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status=%d, body=%s", w.Code, w.Body.String())
	}
	var list struct {
		Count   int             `json:"count"`
		Devices []models.Device `json:"devices"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 2 || list.Devices[0].ID != "d1" {
		t.Fatalf("unexpected list: %+v", list)
	}

	w = doRequest(t, r, http.MethodGet, "/api/v1/devices/d2/status?fresh=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status code=%d, body=%s", w.Code, w.Body.String())
	}
	var st models.DeviceStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.TargetTemperature != 22 || st.ThermalState != models.ThermalHeating {
		t.Fatalf("unexpected status: %+v", st)
	}
	if dev.lastID != "d2" || !dev.lastFresh {
		t.Fatalf("expected fresh read of d2, got id=%q fresh=%v", dev.lastID, dev.lastFresh)
	}

	_ = doRequest(t, r, http.MethodGet, "/api/v1/devices/d1/status", nil)
	if dev.lastFresh {
		t.Fatalf("fresh should default to false")
	}
}

func TestDeviceHandlers_Commands(t *testing.T) {
	dev := &mockDevices{knownTemp: 23.5, knownTempOK: true}
	s := &service.Service{Authorization: &mockAuth{parseID: 1}, Devices: dev}
	r := newTestRouter(s)

	// power on without a body keeps the last target
	w := doRequest(t, r, http.MethodPost, "/api/v1/devices/d1/on", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("on status=%d, body=%s", w.Code, w.Body.String())
	}
	if dev.turnOnCalls != 1 || dev.lastTemp != nil {
		t.Fatalf("expected TurnOn without temperature, calls=%d temp=%v", dev.turnOnCalls, dev.lastTemp)
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != statusApplied || resp["power"] != "on" || resp["target_temperature_c"] != 23.5 {
		t.Fatalf("unexpected response: %v", resp)
	}

	w = doRequest(t, r, http.MethodPost, "/api/v1/devices/d1/on", bytes.NewBufferString(`{"temperature_c":25}`))
	if w.Code != http.StatusOK || dev.lastTemp == nil || *dev.lastTemp != 25 {
		t.Fatalf("on with temperature: code=%d temp=%v", w.Code, dev.lastTemp)
	}

	w = doRequest(t, r, http.MethodPost, "/api/v1/devices/d1/off", nil)
	if w.Code != http.StatusOK || dev.offCalls != 1 {
		t.Fatalf("off: code=%d calls=%d", w.Code, dev.offCalls)
	}

	w = doRequest(t, r, http.MethodPut, "/api/v1/devices/d1/temperature", bytes.NewBufferString(`{"temperature_c":30.5}`))
	if w.Code != http.StatusOK || dev.setCalls != 1 || *dev.lastTemp != 30.5 {
		t.Fatalf("set temperature: code=%d calls=%d", w.Code, dev.setCalls)
	}
}

func TestDeviceHandlers_SetTemperatureValidation(t *testing.T) {
	dev := &mockDevices{}
	s := &service.Service{Authorization: &mockAuth{parseID: 1}, Devices: dev}
	r := newTestRouter(s)

	cases := []struct {
		name string
		body string
	}{
		{"missing_field", `{}`},
		{"malformed", `{"temperature_c":`},
		{"wrong_type", `{"temperature_c":"hot"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, r, http.MethodPut, "/api/v1/devices/d1/temperature", bytes.NewBufferString(tc.body))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", w.Code, w.Body.String())
			}
		})
	}
	if dev.setCalls != 0 {
		t.Fatalf("service must not be called for invalid bodies")
	}
}

func TestDeviceHandlers_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{service.ErrInvalidTemperature, http.StatusBadRequest},
		{service.ErrInvalidDeviceID, http.StatusBadRequest},
		{service.ErrSuperseded, http.StatusConflict},
		{fmt.Errorf("read: %w", scheduler.ErrNoData), http.StatusServiceUnavailable},
		{upstream.ErrRateLimited, http.StatusServiceUnavailable},
		{fmt.Errorf("patch: %w", upstream.ErrRejected), http.StatusBadGateway},
		{upstream.ErrTransient, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			dev := &mockDevices{setTempErr: tc.err, statusErr: tc.err}
			s := &service.Service{Authorization: &mockAuth{parseID: 1}, Devices: dev}
			r := newTestRouter(s)

			w := doRequest(t, r, http.MethodPut, "/api/v1/devices/d1/temperature", bytes.NewBufferString(`{"temperature_c":50}`))
			if w.Code != tc.want {
				t.Fatalf("set temperature: got %d, want %d", w.Code, tc.want)
			}
			w = doRequest(t, r, http.MethodGet, "/api/v1/devices/d1/status", nil)
			if w.Code != tc.want {
				t.Fatalf("status: got %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestDeviceHandlers_StatsAndCache(t *testing.T) {
	now := time.Now().UTC()
	dev := &mockDevices{
		entries: []models.CacheEntry{
			{DeviceID: "d1", CapturedAt: now, Origin: models.OriginVerifiedRead},
			{DeviceID: "d2", CapturedAt: now, Origin: models.OriginCommandDerived},
			{DeviceID: "d3", CapturedAt: now, Origin: models.OriginInferred},
		},
		stats: service.ClientStats{CachedDevices: 3, Fallbacks: 2},
	}
	s := &service.Service{Authorization: &mockAuth{parseID: 1}, Devices: dev}
	r := newTestRouter(s)

	w := doRequest(t, r, http.MethodGet, "/api/v1/stats", nil)
	var stats service.ClientStats
	_ = json.Unmarshal(w.Body.Bytes(), &stats)
	if w.Code != http.StatusOK || stats.CachedDevices != 3 || stats.Fallbacks != 2 {
		t.Fatalf("stats: code=%d body=%s", w.Code, w.Body.String())
	}

	w = doRequest(t, r, http.MethodGet, "/api/v1/cache?device_id=d1,%20d3", nil)
	var out struct {
		Count   int                 `json:"count"`
		Entries []models.CacheEntry `json:"entries"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.Count != 2 || out.Entries[0].DeviceID != "d1" || out.Entries[1].DeviceID != "d3" {
		t.Fatalf("unexpected filtered cache: %+v", out)
	}

	w = doRequest(t, r, http.MethodGet, "/api/v1/cache", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.Count != 3 {
		t.Fatalf("expected all entries, got %d", out.Count)
	}
}

func TestPollingHandlers(t *testing.T) {
	pol := &mockPolling{states: []service.PollState{{DeviceID: "d1", Active: true}}}
	s := &service.Service{Authorization: &mockAuth{parseID: 1}, Polling: pol}
	r := newTestRouter(s)

	if w := doRequest(t, r, http.MethodPost, "/api/v1/polling/d7", nil); w.Code != http.StatusOK {
		t.Fatalf("watch status=%d", w.Code)
	}
	if w := doRequest(t, r, http.MethodDelete, "/api/v1/polling/d7", nil); w.Code != http.StatusOK {
		t.Fatalf("unwatch status=%d", w.Code)
	}
	if len(pol.registered) != 1 || pol.registered[0] != "d7" || len(pol.unregistered) != 1 {
		t.Fatalf("unexpected registrations: %+v", pol)
	}

	if w := doRequest(t, r, http.MethodPost, "/api/v1/polling/trigger", nil); w.Code != http.StatusAccepted {
		t.Fatalf("trigger status=%d", w.Code)
	}
	if pol.triggers != 1 {
		t.Fatalf("expected one trigger, got %d", pol.triggers)
	}

	w := doRequest(t, r, http.MethodGet, "/api/v1/polling", nil)
	var out struct {
		Count   int                 `json:"count"`
		Devices []service.PollState `json:"devices"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.Count != 1 || !out.Devices[0].Active {
		t.Fatalf("unexpected poll states: %+v", out)
	}
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&service.Service{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health status=%d", w.Code)
	}
}
