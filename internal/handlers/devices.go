package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"thermal_client/internal/models"
	"thermal_client/internal/scheduler"
	"thermal_client/internal/service"
	"thermal_client/internal/upstream"

	"github.com/gin-gonic/gin"
)

// Common response/status constants to avoid magic strings and typos.
const (
	statusOK        = "ok"
	statusApplied   = "applied"
	statusTriggered = "triggered"
	statusWatching  = "watching"
	statusReleased  = "released"

	errListDevices     = "failed to list devices"
	errNoData          = "no status available"
	errCommandFailed   = "command failed"
	errSuperseded      = "command superseded by a newer command"
	errUpstream        = "remote service rejected the request"
	errInvalidBodyPref = "invalid body: "
)

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

// statusForError maps facade errors onto HTTP codes.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidTemperature), errors.Is(err, service.ErrInvalidDeviceID):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrSuperseded):
		return http.StatusConflict, errSuperseded
	case errors.Is(err, scheduler.ErrNoData), errors.Is(err, scheduler.ErrRateLimited),
		errors.Is(err, upstream.ErrRateLimited), errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable, errNoData
	case errors.Is(err, upstream.ErrRejected), errors.Is(err, upstream.ErrUnauthorized),
		errors.Is(err, upstream.ErrTransient):
		return http.StatusBadGateway, errUpstream
	default:
		return http.StatusInternalServerError, errCommandFailed
	}
}

// Request DTO for power-on and temperature changes.
type temperatureRequest struct {
	TemperatureC *float64 `json:"temperature_c"`
}

// TemperatureRequest is an exported model for Swagger docs of device commands.
type TemperatureRequest struct {
	// Target temperature in Celsius (10-46). Optional for power on.
	TemperatureC float64 `json:"temperature_c" example:"22.5"`
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": statusOK,
	})
}

// @Summary      List devices
// @Tags         devices
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, devices"
// @Failure      401  {object}  map[string]string
// @Failure      502  {object}  map[string]string
// @Router       /api/v1/devices [get]
// @Security     BearerAuth
func (h *Handler) listDevices(c *gin.Context) {
	devices, err := h.services.Devices.GetDevices(c.Request.Context())
	if err != nil {
		code, _ := statusForError(err)
		h.logAndJSONError(c, code, errListDevices, "devices_list_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(devices), "devices": devices})
}

// @Summary      Get device status
// @Description  Served from the trust cache unless fresh=true. During rate limiting a stale entry may be returned.
// @Tags         devices
// @Produce      json
// @Param        id     path   string  true   "Device id"
// @Param        fresh  query  bool    false  "Force a verified read"
// @Success      200  {object}  models.DeviceStatus
// @Failure      401  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/devices/{id}/status [get]
// @Security     BearerAuth
func (h *Handler) getDeviceStatus(c *gin.Context) {
	id := c.Param("id")
	fresh, _ := strconv.ParseBool(c.Query("fresh"))

	st, err := h.services.Devices.GetDeviceStatus(c.Request.Context(), id, fresh)
	if err != nil {
		code, msg := statusForError(err)
		h.logAndJSONError(c, code, msg, "device_status_failed", err, "device_id", id, "fresh", fresh)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      Turn device on
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        id    path  string              true   "Device id"
// @Param        body  body  TemperatureRequest  false  "Optional target"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      502  {object}  map[string]string
// @Router       /api/v1/devices/{id}/on [post]
// @Security     BearerAuth
func (h *Handler) turnOn(c *gin.Context) {
	var req temperatureRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
			return
		}
	}
	id := c.Param("id")
	if err := h.services.Devices.TurnOn(c.Request.Context(), id, req.TemperatureC); err != nil {
		code, msg := statusForError(err)
		h.logAndJSONError(c, code, msg, "device_turn_on_failed", err, "device_id", id)
		return
	}
	h.respondApplied(c, id, models.PowerOn)
}

// @Summary      Turn device off
// @Tags         devices
// @Produce      json
// @Param        id  path  string  true  "Device id"
// @Success      200  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]string
// @Failure      502  {object}  map[string]string
// @Router       /api/v1/devices/{id}/off [post]
// @Security     BearerAuth
func (h *Handler) turnOff(c *gin.Context) {
	id := c.Param("id")
	if err := h.services.Devices.TurnOff(c.Request.Context(), id); err != nil {
		code, msg := statusForError(err)
		h.logAndJSONError(c, code, msg, "device_turn_off_failed", err, "device_id", id)
		return
	}
	h.respondApplied(c, id, models.PowerOff)
}

// @Summary      Set target temperature
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        id    path  string              true  "Device id"
// @Param        body  body  TemperatureRequest  true  "Target"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      502  {object}  map[string]string
// @Router       /api/v1/devices/{id}/temperature [put]
// @Security     BearerAuth
func (h *Handler) setTemperature(c *gin.Context) {
	var req temperatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	if req.TemperatureC == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + "temperature_c is required"})
		return
	}
	id := c.Param("id")
	if err := h.services.Devices.SetTemperature(c.Request.Context(), id, *req.TemperatureC); err != nil {
		code, msg := statusForError(err)
		h.logAndJSONError(c, code, msg, "device_set_temperature_failed", err, "device_id", id)
		return
	}
	h.respondApplied(c, id, "")
}

// respondApplied includes the cached target when known.
func (h *Handler) respondApplied(c *gin.Context, id string, power models.PowerState) {
	resp := gin.H{"status": statusApplied, "device_id": id}
	if power != "" {
		resp["power"] = power
	}
	if t, ok := h.services.Devices.LastKnownTemperature(id); ok {
		resp["target_temperature_c"] = t
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary      Client statistics
// @Tags         system
// @Produce      json
// @Success      200  {object}  service.ClientStats
// @Router       /api/v1/stats [get]
// @Security     BearerAuth
func (h *Handler) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.services.Devices.Stats())
}

// @Summary      Cache contents
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, entries"
// @Router       /api/v1/cache [get]
// @Security     BearerAuth
func (h *Handler) getCache(c *gin.Context) {
	entries := parseDeviceFilter(c.Query("device_id")).apply(h.services.Devices.Snapshot())
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "entries": entries})
}

// deviceFilter is a set of device ids parsed from a comma separated list.
// A nil filter matches every device.
type deviceFilter map[string]struct{}

func parseDeviceFilter(ids string) deviceFilter {
	var f deviceFilter
	for _, id := range strings.Split(ids, ",") {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		if f == nil {
			f = make(deviceFilter)
		}
		f[id] = struct{}{}
	}
	return f
}

func (f deviceFilter) match(id string) bool {
	if f == nil {
		return true
	}
	_, ok := f[id]
	return ok
}

func (f deviceFilter) apply(entries []models.CacheEntry) []models.CacheEntry {
	if f == nil {
		return entries
	}
	out := make([]models.CacheEntry, 0, len(f))
	for _, e := range entries {
		if f.match(e.DeviceID) {
			out = append(out, e)
		}
	}
	return out
}

// @Summary      Poller state
// @Tags         polling
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, devices"
// @Router       /api/v1/polling [get]
// @Security     BearerAuth
func (h *Handler) pollStates(c *gin.Context) {
	states := h.services.Polling.PollStates()
	c.JSON(http.StatusOK, gin.H{"count": len(states), "devices": states})
}

// @Summary      Poll every registered device now
// @Tags         polling
// @Produce      json
// @Success      202  {object}  map[string]string
// @Router       /api/v1/polling/trigger [post]
// @Security     BearerAuth
func (h *Handler) triggerPoll(c *gin.Context) {
	h.services.Polling.TriggerImmediatePoll()
	c.JSON(http.StatusAccepted, gin.H{"status": statusTriggered})
}

// @Summary      Register a device with the poller
// @Tags         polling
// @Produce      json
// @Param        id  path  string  true  "Device id"
// @Success      200  {object}  map[string]string
// @Router       /api/v1/polling/{id} [post]
// @Security     BearerAuth
func (h *Handler) watchDevice(c *gin.Context) {
	id := c.Param("id")
	h.services.Polling.RegisterDevice(id, h.pollCallbacks())
	c.JSON(http.StatusOK, gin.H{"status": statusWatching, "device_id": id})
}

// @Summary      Unregister a device from the poller
// @Tags         polling
// @Produce      json
// @Param        id  path  string  true  "Device id"
// @Success      200  {object}  map[string]string
// @Router       /api/v1/polling/{id} [delete]
// @Security     BearerAuth
func (h *Handler) unwatchDevice(c *gin.Context) {
	id := c.Param("id")
	h.services.Polling.UnregisterDevice(id)
	c.JSON(http.StatusOK, gin.H{"status": statusReleased, "device_id": id})
}

// pollCallbacks only log; consumers read results from the cache or /ws.
func (h *Handler) pollCallbacks() service.Callbacks {
	if h.log == nil {
		return service.Callbacks{}
	}
	return service.Callbacks{
		OnError: func(id string, err error) {
			h.log.Debugw("poll_callback_error", "device_id", id, "err", err)
		},
	}
}
