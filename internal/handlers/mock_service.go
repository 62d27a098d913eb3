package handlers

import (
	"context"
	"net/http"
	"time"

	"thermal_client/internal/models"
	"thermal_client/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockAuth struct {
	signUpID      int
	signUpErr     error
	genTokenToken string
	genTokenErr   error
	parseID       int
	parseErr      error

	lastSignUpUsername string
	lastSignUpPassword string
	lastGenUsername    string
	lastGenPassword    string
	lastParseToken     string
}

func (m *mockAuth) SignUp(_ context.Context, username, password string) (int, error) {
	m.lastSignUpUsername = username
	m.lastSignUpPassword = password
	return m.signUpID, m.signUpErr
}
func (m *mockAuth) GenerateToken(_ context.Context, username, password string) (string, error) {
	m.lastGenUsername = username
	m.lastGenPassword = password
	return m.genTokenToken, m.genTokenErr
}
func (m *mockAuth) ParseToken(token string) (int, error) {
	m.lastParseToken = token
	return m.parseID, m.parseErr
}

type mockDevices struct {
	devices    []models.Device
	devicesErr error

	status    models.DeviceStatus
	statusErr error
	lastFresh bool

	turnOnErr   error
	turnOffErr  error
	setTempErr  error
	lastID      string
	lastTemp    *float64
	turnOnCalls int
	offCalls    int
	setCalls    int

	knownTemp   float64
	knownTempOK bool
	entries     []models.CacheEntry
	stats       service.ClientStats
}

func (m *mockDevices) GetDevices(ctx context.Context) ([]models.Device, error) {
	return m.devices, m.devicesErr
}
func (m *mockDevices) GetDeviceStatus(ctx context.Context, id string, fresh bool) (models.DeviceStatus, error) {
	m.lastID = id
	m.lastFresh = fresh
	return m.status, m.statusErr
}
func (m *mockDevices) TurnOn(ctx context.Context, id string, t *float64) error {
	m.turnOnCalls++
	m.lastID = id
	m.lastTemp = t
	return m.turnOnErr
}
func (m *mockDevices) TurnOff(ctx context.Context, id string) error {
	m.offCalls++
	m.lastID = id
	return m.turnOffErr
}
func (m *mockDevices) SetTemperature(ctx context.Context, id string, t float64) error {
	m.setCalls++
	m.lastID = id
	m.lastTemp = &t
	return m.setTempErr
}
func (m *mockDevices) LastKnownTemperature(string) (float64, bool) {
	return m.knownTemp, m.knownTempOK
}
func (m *mockDevices) Snapshot() []models.CacheEntry { return m.entries }
func (m *mockDevices) Stats() service.ClientStats    { return m.stats }

type mockPolling struct {
	registered   []string
	unregistered []string
	triggers     int
	states       []service.PollState
}

func (m *mockPolling) RegisterDevice(id string, _ service.Callbacks) {
	m.registered = append(m.registered, id)
}
func (m *mockPolling) UnregisterDevice(id string) { m.unregistered = append(m.unregistered, id) }
func (m *mockPolling) TriggerImmediatePoll()      { m.triggers++ }
func (m *mockPolling) PollStates() []service.PollState {
	return m.states
}

type mockEventLog struct {
	resp     []models.DeviceEvent
	err      error
	last     service.LogFilter
	lastFrom time.Time
	lastTo   time.Time
	lastType string
}

func (m *mockEventLog) List(ctx context.Context, f service.LogFilter) ([]models.DeviceEvent, error) {
	m.last = f
	m.lastFrom = f.From
	m.lastTo = f.To
	m.lastType = f.Type
	return m.resp, m.err
}

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
