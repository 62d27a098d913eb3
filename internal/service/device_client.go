package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"thermal_client/internal/cache"
	"thermal_client/internal/logger"
	"thermal_client/internal/models"
	"thermal_client/internal/ratelimit"
	"thermal_client/internal/repository"
	"thermal_client/internal/scheduler"
	"thermal_client/internal/upstream"
)

// Accepted target range in Celsius.
const (
	MinTemperatureC = 10.0
	MaxTemperatureC = 46.0
)

var (
	ErrInvalidTemperature = fmt.Errorf("temperature must be between %.0f and %.0f C", MinTemperatureC, MaxTemperatureC)
	ErrInvalidDeviceID    = errors.New("device id is required")
	// ErrSuperseded reports a command replaced by a newer one for the same device.
	ErrSuperseded = errors.New("command superseded by a newer command")
)

// API is the remote device service as the facade uses it.
type API interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
	GetStatus(ctx context.Context, deviceID string) (models.DeviceStatus, []string, error)
	PatchSettings(ctx context.Context, deviceID string, cmd models.Command) error
}

// Submitter queues work for the single dispatch loop.
type Submitter interface {
	Submit(req *scheduler.Request) *scheduler.Handle
	Stats() scheduler.Stats
}

// LimiterStats reports rate limiter state.
type LimiterStats interface {
	Stats() ratelimit.Stats
}

// ActivityTracker is notified of command results and may serve user reads
// from an imminent scheduled poll.
type ActivityTracker interface {
	NotifyCommand(deviceID string, status models.DeviceStatus)
	JoinImminent(ctx context.Context, deviceID string) (models.DeviceStatus, bool)
}

// ClientStats is what the stats endpoint reports.
type ClientStats struct {
	Limiter       ratelimit.Stats `json:"limiter"`
	Queue         scheduler.Stats `json:"queue"`
	CachedDevices int             `json:"cached_devices"`
	Fallbacks     uint64          `json:"emergency_fallbacks"`
	Joined        uint64          `json:"joined_polls"`
}

// DeviceClient composes the status cache and the scheduler into the read and
// write operations collaborators call.
type DeviceClient struct {
	api     API
	sched   Submitter
	limiter LimiterStats
	cache   *cache.StatusCache
	events  repository.EventRepo
	log     *logger.Logger
	now     func() time.Time

	startupDone   atomic.Bool
	discoveryDone atomic.Bool
	tracker       atomic.Pointer[trackerRef]

	fallbacks atomic.Uint64
	joined    atomic.Uint64
}

type trackerRef struct{ ActivityTracker }

var _ Devices = (*DeviceClient)(nil)

// NewDeviceClient builds the facade. events may be nil.
func NewDeviceClient(api API, sched Submitter, limiter LimiterStats, c *cache.StatusCache, events repository.EventRepo, log *logger.Logger) *DeviceClient {
	if log == nil {
		log = logger.Nop()
	}
	return &DeviceClient{
		api:     api,
		sched:   sched,
		limiter: limiter,
		cache:   c,
		events:  events,
		log:     log,
		now:     time.Now,
	}
}

// AttachTracker connects the poller once both sides exist.
func (c *DeviceClient) AttachTracker(t ActivityTracker) {
	c.tracker.Store(&trackerRef{t})
}

func (c *DeviceClient) activity() ActivityTracker {
	if ref := c.tracker.Load(); ref != nil {
		return ref.ActivityTracker
	}
	return nil
}

// MarkStartupComplete raises discovery from LOW to NORMAL.
func (c *DeviceClient) MarkStartupComplete() {
	c.startupDone.Store(true)
	c.log.Infow("startup_complete", "discovery_priority", c.discoveryPriority())
}

// CompleteStartupAfter marks startup complete once grace has elapsed. It
// returns false, leaving discovery at its startup priority, if ctx ends first.
func (c *DeviceClient) CompleteStartupAfter(ctx context.Context, grace time.Duration) bool {
	if !sleepCtx(ctx, grace) {
		return false
	}
	c.MarkStartupComplete()
	return true
}

// MarkInitialDiscoveryComplete raises discovery to HIGH once startup is also complete.
func (c *DeviceClient) MarkInitialDiscoveryComplete() {
	c.discoveryDone.Store(true)
	c.log.Infow("initial_discovery_complete", "discovery_priority", c.discoveryPriority())
}

func (c *DeviceClient) discoveryPriority() models.Priority {
	switch {
	case c.startupDone.Load() && c.discoveryDone.Load():
		return models.PriorityHigh
	case c.startupDone.Load():
		return models.PriorityNormal
	default:
		return models.PriorityLow
	}
}

// GetDevices lists the account's devices.
func (c *DeviceClient) GetDevices(ctx context.Context) ([]models.Device, error) {
	p := c.discoveryPriority()
	h := c.sched.Submit(&scheduler.Request{
		Op:       models.OpListDevices,
		Priority: p,
		Exec: func(ctx context.Context, _ *scheduler.Request) (any, error) {
			return c.api.ListDevices(ctx)
		},
	})
	res, err := h.Wait(ctx)
	if err != nil {
		c.logFailure(p, "list_devices_failed", "", err)
		return nil, err
	}
	devices, _ := res.Value.([]models.Device)
	return devices, nil
}

// GetDeviceStatus is a user-issued read.
func (c *DeviceClient) GetDeviceStatus(ctx context.Context, deviceID string, forceFresh bool) (models.DeviceStatus, error) {
	return c.GetDeviceStatusWithPriority(ctx, deviceID, forceFresh, models.PriorityHigh)
}

// GetDeviceStatusWithPriority serves a valid cache entry unless forceFresh,
// otherwise reads through the scheduler. When the read cannot complete
// because of rate limiting or transient failures, a cache entry inside the
// emergency window is returned instead of an error.
func (c *DeviceClient) GetDeviceStatusWithPriority(ctx context.Context, deviceID string, forceFresh bool, p models.Priority) (models.DeviceStatus, error) {
	if deviceID == "" {
		return models.DeviceStatus{}, ErrInvalidDeviceID
	}
	userRead := p <= models.PriorityHigh
	if userRead {
		c.cache.MarkUserInteraction(deviceID)
	}

	if entry, ok := c.cache.Get(deviceID); ok && !forceFresh && c.cache.IsValid(entry, c.now()) {
		return entry.Status, nil
	}

	if forceFresh && userRead {
		if t := c.activity(); t != nil {
			if st, ok := t.JoinImminent(ctx, deviceID); ok {
				c.joined.Add(1)
				return st, nil
			}
		}
	}

	h := c.sched.Submit(&scheduler.Request{
		DeviceID: deviceID,
		Op:       models.OpReadStatus,
		Priority: p,
		Exec: func(ctx context.Context, _ *scheduler.Request) (any, error) {
			st, warnings, err := c.api.GetStatus(ctx, deviceID)
			if err != nil {
				return nil, err
			}
			for _, w := range warnings {
				c.log.Warnw("status_parse_anomaly", "device_id", deviceID, "detail", w)
				c.record(ctx, models.DeviceEvent{
					DeviceID:    deviceID,
					Type:        models.EventParseAnomaly,
					Description: w,
				})
			}
			return st, nil
		},
		Commit: func(v any) {
			if st, ok := v.(models.DeviceStatus); ok {
				c.cache.PutVerified(deviceID, st)
			}
		},
	})

	res, err := h.Wait(ctx)
	if err == nil {
		st, ok := res.Value.(models.DeviceStatus)
		if !ok {
			return models.DeviceStatus{}, scheduler.ErrNoData
		}
		return st.Reconcile(), nil
	}
	if ctx.Err() != nil {
		return models.DeviceStatus{}, ctx.Err()
	}

	// A newer command replaced this read; the cache holds its result.
	if res.Cancelled || res.Superseded {
		if entry, ok := c.cache.Get(deviceID); ok {
			return entry.Status, nil
		}
		return models.DeviceStatus{}, scheduler.ErrNoData
	}

	if fallbackEligible(err) {
		if entry, ok := c.cache.Fallback(deviceID, c.now()); ok {
			c.fallbacks.Add(1)
			c.log.Warnw("serving_emergency_fallback", "device_id", deviceID,
				"age", c.now().Sub(entry.CapturedAt), "origin", entry.Origin, "error", err)
			return entry.Status, nil
		}
	}
	if errors.Is(err, upstream.ErrParseAnomaly) {
		err = fmt.Errorf("%w: %w", scheduler.ErrNoData, err)
	}
	c.logFailure(p, "status_read_failed", deviceID, err)
	return models.DeviceStatus{}, err
}

func fallbackEligible(err error) bool {
	return errors.Is(err, scheduler.ErrRateLimited) ||
		errors.Is(err, scheduler.ErrNoData) ||
		errors.Is(err, upstream.ErrRateLimited) ||
		errors.Is(err, upstream.ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// TurnOn powers the device on. Without a temperature the cached target (or
// the default) is kept.
func (c *DeviceClient) TurnOn(ctx context.Context, deviceID string, tempC *float64) error {
	target := c.cachedTarget(deviceID)
	if tempC != nil {
		target = *tempC
	}
	if err := validateTemperature(target); err != nil {
		return err
	}
	on := models.PowerOn
	cmd := models.Command{Power: models.PowerOn, TargetC: target}
	return c.write(ctx, deviceID, cmd, models.StatusUpdate{PowerState: &on, TargetTemperature: &target}, models.ContextUser)
}

// TurnOff powers the device off. The target is resent unchanged.
func (c *DeviceClient) TurnOff(ctx context.Context, deviceID string) error {
	off := models.PowerOff
	cmd := models.Command{Power: models.PowerOff, TargetC: c.cachedTarget(deviceID)}
	return c.write(ctx, deviceID, cmd, models.StatusUpdate{PowerState: &off}, models.ContextUser)
}

// SetTemperature is a user-issued target change.
func (c *DeviceClient) SetTemperature(ctx context.Context, deviceID string, tempC float64) error {
	return c.SetTemperatureFor(ctx, deviceID, tempC, models.ContextUser)
}

// SetTemperatureFor changes the target on behalf of uctx, keeping the
// device's cached power state. A device whose power is not known is
// switched on, since a new target means it should run.
func (c *DeviceClient) SetTemperatureFor(ctx context.Context, deviceID string, tempC float64, uctx models.UpdateContext) error {
	if err := validateTemperature(tempC); err != nil {
		return err
	}
	power := c.powerForTargetChange(deviceID)
	cmd := models.Command{Power: power, TargetC: tempC}
	return c.write(ctx, deviceID, cmd, models.StatusUpdate{PowerState: &power, TargetTemperature: &tempC}, uctx)
}

func (c *DeviceClient) powerForTargetChange(deviceID string) models.PowerState {
	entry, ok := c.cache.Get(deviceID)
	if !ok {
		return models.PowerOn
	}
	switch entry.Status.PowerState {
	case models.PowerOn, models.PowerOff:
		return entry.Status.PowerState
	default:
		return models.PowerOn
	}
}

// WarmStart seeds the cache from persisted snapshots as low-confidence
// entries. It returns how many were accepted.
func (c *DeviceClient) WarmStart(ctx context.Context, repo repository.StatusRepo) (int, error) {
	snaps, err := repo.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load persisted statuses: %w", err)
	}
	n := 0
	for _, snap := range snaps {
		if _, ok := c.cache.PutInferred(snap.DeviceID, snap.Status, snap.CapturedAt); ok {
			n++
		}
	}
	c.log.Infow("cache_warm_started", "loaded", len(snaps), "accepted", n)
	return n, nil
}

// LastKnownTemperature returns the cached target for schedule ramps.
func (c *DeviceClient) LastKnownTemperature(deviceID string) (float64, bool) {
	entry, ok := c.cache.Get(deviceID)
	if !ok {
		return 0, false
	}
	return entry.Status.TargetTemperature, true
}

// Snapshot returns every cached entry.
func (c *DeviceClient) Snapshot() []models.CacheEntry {
	return c.cache.Snapshot()
}

// Stats gathers limiter, queue and cache figures.
func (c *DeviceClient) Stats() ClientStats {
	st := ClientStats{
		Queue:         c.sched.Stats(),
		CachedDevices: c.cache.Len(),
		Fallbacks:     c.fallbacks.Load(),
		Joined:        c.joined.Load(),
	}
	if c.limiter != nil {
		st.Limiter = c.limiter.Stats()
	}
	return st
}

func (c *DeviceClient) cachedTarget(deviceID string) float64 {
	if t, ok := c.LastKnownTemperature(deviceID); ok && validateTemperature(t) == nil {
		return t
	}
	return models.DefaultTemperatureC
}

func validateTemperature(t float64) error {
	if math.IsNaN(t) || t < MinTemperatureC || t > MaxTemperatureC {
		return ErrInvalidTemperature
	}
	return nil
}

// write submits a CRITICAL command. On acceptance the cache is updated from
// the command itself and the poller learns the resulting activity state.
func (c *DeviceClient) write(ctx context.Context, deviceID string, cmd models.Command, upd models.StatusUpdate, uctx models.UpdateContext) error {
	if deviceID == "" {
		return ErrInvalidDeviceID
	}
	if uctx == models.ContextUser {
		c.cache.MarkUserInteraction(deviceID)
	}

	h := c.sched.Submit(&scheduler.Request{
		DeviceID: deviceID,
		Op:       models.OpWriteSettings,
		Priority: models.PriorityCritical,
		Payload:  cmd,
		Exec: func(ctx context.Context, _ *scheduler.Request) (any, error) {
			return nil, c.api.PatchSettings(ctx, deviceID, cmd)
		},
		Commit: func(any) {
			entry := c.cache.PutCommandDerived(deviceID, upd, uctx)
			if t := c.activity(); t != nil {
				t.NotifyCommand(deviceID, entry.Status)
			}
		},
	})

	res, err := h.Wait(ctx)
	meta := map[string]any{
		"power":      cmd.Power,
		"target_c":   cmd.TargetC,
		"context":    uctx,
		"attempts":   res.Attempts,
		"request_id": h.ID,
	}
	if err != nil {
		if res.Cancelled || res.Superseded {
			c.log.Infow("command_superseded", "device_id", deviceID, "power", cmd.Power, "target_c", cmd.TargetC)
			return ErrSuperseded
		}
		c.log.Errorw("command_failed", "device_id", deviceID, "power", cmd.Power,
			"target_c", cmd.TargetC, "attempts", res.Attempts, "error", err)
		meta["error"] = err.Error()
		c.record(ctx, models.DeviceEvent{
			DeviceID:    deviceID,
			Type:        models.EventCommandFailed,
			Description: fmt.Sprintf("Command %s/%.1fC failed", cmd.Power, cmd.TargetC),
			Metadata:    meta,
		})
		return err
	}

	if res.Forced {
		c.log.Warnw("command_assumed_delivered", "device_id", deviceID, "power", cmd.Power)
		meta["forced"] = true
	}
	c.log.Infow("command_applied", "device_id", deviceID, "power", cmd.Power,
		"target_c", cmd.TargetC, "target_f", upstream.CtoFRounded(cmd.TargetC), "context", uctx)
	c.record(ctx, models.DeviceEvent{
		DeviceID:    deviceID,
		Type:        models.EventCommand,
		Description: fmt.Sprintf("Command %s/%.1fC applied", cmd.Power, cmd.TargetC),
		Metadata:    meta,
	})
	return nil
}

func (c *DeviceClient) record(ctx context.Context, ev models.DeviceEvent) {
	if c.events == nil {
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = c.now().UTC()
	}
	if err := c.events.Append(context.WithoutCancel(ctx), ev); err != nil {
		c.log.Errorw("event_append_failed", "device_id", ev.DeviceID, "type", ev.Type, "error", err)
	}
}

// logFailure keeps background failures at debug level; user-facing ones are
// returned and logged as warnings.
func (c *DeviceClient) logFailure(p models.Priority, event, deviceID string, err error) {
	if p <= models.PriorityHigh {
		c.log.Warnw(event, "device_id", deviceID, "priority", p, "error", err)
		return
	}
	c.log.Debugw(event, "device_id", deviceID, "priority", p, "error", err)
}
