package cache

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"thermal_client/internal/logger"
	"thermal_client/internal/models"
)

// deviceMeta tracks per-device activity that drives window selection.
type deviceMeta struct {
	lastUser     time.Time
	lastActivity time.Time
}

// StatusCache stores the best-known status per device. All methods are safe
// for concurrent use. Entries are replaced wholesale; command-derived updates
// are merged onto the prior entry and reconciled before being stored.
type StatusCache struct {
	mu      sync.RWMutex
	cfg     Config
	entries map[string]models.CacheEntry
	meta    map[string]*deviceMeta

	inBackoff func() bool
	onUpdate  func(models.CacheEntry)
	now       func() time.Time
	log       *logger.Logger
}

// Option customizes a StatusCache.
type Option func(*StatusCache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *StatusCache) { c.now = now }
}

// WithBackoffProbe lets TTL selection see whether the rate limiter is backing off.
func WithBackoffProbe(probe func() bool) Option {
	return func(c *StatusCache) { c.inBackoff = probe }
}

// WithOnUpdate registers a hook called after every stored entry, outside the lock.
func WithOnUpdate(fn func(models.CacheEntry)) Option {
	return func(c *StatusCache) { c.onUpdate = fn }
}

// WithLogger sets the logger used by the janitor.
func WithLogger(l *logger.Logger) Option {
	return func(c *StatusCache) { c.log = l }
}

// New creates an empty cache.
func New(cfg Config, opts ...Option) *StatusCache {
	c := &StatusCache{
		cfg:       cfg.withDefaults(),
		entries:   make(map[string]models.CacheEntry),
		meta:      make(map[string]*deviceMeta),
		inBackoff: func() bool { return false },
		now:       time.Now,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the entry for deviceID.
func (c *StatusCache) Get(deviceID string) (models.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[deviceID]
	return e, ok
}

// PutVerified stores a status read from the remote service.
func (c *StatusCache) PutVerified(deviceID string, status models.DeviceStatus) models.CacheEntry {
	entry := models.CacheEntry{
		DeviceID:     deviceID,
		Status:       status.Reconcile(),
		IsOptimistic: false,
		Confidence:   models.ConfidenceHigh,
		Origin:       models.OriginVerifiedRead,
		Context:      models.ContextSystem,
	}
	return c.store(entry)
}

// PutCommandDerived merges an accepted command's effect onto the prior entry.
// No verification read follows; the acknowledgement is trusted until a
// verified read contradicts it.
func (c *StatusCache) PutCommandDerived(deviceID string, upd models.StatusUpdate, ctx models.UpdateContext) models.CacheEntry {
	c.mu.RLock()
	prior, ok := c.entries[deviceID]
	c.mu.RUnlock()

	base := models.BaselineStatus()
	if ok {
		base = prior.Status
	}

	confidence := models.ConfidenceHigh
	if ctx == models.ContextSystem || ctx == "" {
		ctx = models.ContextSystem
		confidence = models.ConfidenceMedium
	}

	entry := models.CacheEntry{
		DeviceID:     deviceID,
		Status:       MergeUpdate(base, upd),
		IsOptimistic: true,
		Confidence:   confidence,
		Origin:       models.OriginCommandDerived,
		Context:      ctx,
	}
	return c.store(entry)
}

// PutInferred seeds an entry from a secondary source such as the persisted
// snapshot. It never replaces a newer entry.
func (c *StatusCache) PutInferred(deviceID string, status models.DeviceStatus, capturedAt time.Time) (models.CacheEntry, bool) {
	c.mu.Lock()
	if cur, ok := c.entries[deviceID]; ok && !cur.CapturedAt.Before(capturedAt) {
		c.mu.Unlock()
		return cur, false
	}
	entry := models.CacheEntry{
		DeviceID:     deviceID,
		Status:       status.Reconcile(),
		CapturedAt:   capturedAt,
		IsOptimistic: true,
		Confidence:   models.ConfidenceLow,
		Origin:       models.OriginInferred,
		Context:      models.ContextSystem,
	}
	c.entries[deviceID] = entry
	m := c.metaLocked(deviceID)
	if m.lastActivity.Before(capturedAt) {
		m.lastActivity = capturedAt
	}
	c.mu.Unlock()
	return entry, true
}

// MergeUpdate applies a partial update and enforces the power/thermal
// invariant. Power is re-derived whenever the thermal state changes; a
// power-only update pulls the thermal state into line with it.
func MergeUpdate(base models.DeviceStatus, upd models.StatusUpdate) models.DeviceStatus {
	out := base
	if upd.CurrentTemperature != nil {
		out.CurrentTemperature = *upd.CurrentTemperature
	}
	if upd.TargetTemperature != nil {
		out.TargetTemperature = *upd.TargetTemperature
	}

	if upd.ThermalState != nil {
		if *upd.ThermalState != out.ThermalState {
			out.ThermalState = *upd.ThermalState
			if p, ok := models.PowerFor(out.ThermalState); ok {
				out.PowerState = p
			}
		}
	} else if upd.PowerState != nil {
		out.PowerState = *upd.PowerState
		implied, known := models.PowerFor(out.ThermalState)
		switch {
		case out.PowerState == models.PowerOff && (!known || implied == models.PowerOn):
			out.ThermalState = models.ThermalStandby
		case out.PowerState == models.PowerOn && (!known || implied == models.PowerOff):
			out.ThermalState = models.ThermalActive
		}
	}
	return out.Reconcile()
}

func (c *StatusCache) store(entry models.CacheEntry) models.CacheEntry {
	now := c.now()
	entry.CapturedAt = now

	c.mu.Lock()
	prev, had := c.entries[entry.DeviceID]
	c.entries[entry.DeviceID] = entry
	m := c.metaLocked(entry.DeviceID)
	if !had || prev.Status.ThermalState != entry.Status.ThermalState {
		m.lastActivity = now
	}
	c.mu.Unlock()

	if c.onUpdate != nil {
		c.onUpdate(entry)
	}
	return entry
}

func (c *StatusCache) metaLocked(deviceID string) *deviceMeta {
	m, ok := c.meta[deviceID]
	if !ok {
		m = &deviceMeta{}
		c.meta[deviceID] = m
	}
	return m
}

// MarkUserInteraction records that a user just acted on the device.
func (c *StatusCache) MarkUserInteraction(deviceID string) {
	now := c.now()
	c.mu.Lock()
	m := c.metaLocked(deviceID)
	m.lastUser = now
	m.lastActivity = now
	c.mu.Unlock()
}

// IsValid reports whether entry is still fresh enough to serve at now.
func (c *StatusCache) IsValid(entry models.CacheEntry, now time.Time) bool {
	return now.Sub(entry.CapturedAt) < c.TTL(entry, now)
}

// TTL returns the validity window of entry as seen at now.
func (c *StatusCache) TTL(entry models.CacheEntry, now time.Time) time.Duration {
	backoff := c.inBackoff()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttlLocked(entry, now, backoff)
}

func (c *StatusCache) ttlLocked(entry models.CacheEntry, now time.Time, backoff bool) time.Duration {
	var m deviceMeta
	if p, ok := c.meta[entry.DeviceID]; ok {
		m = *p
	}

	w := c.cfg.DefaultTTL
	active := entry.Status.IsActive()
	if active {
		w = c.cfg.ActiveTTL
	}
	switch {
	case !m.lastUser.IsZero() && now.Sub(m.lastUser) < c.cfg.RecentUserSpan:
		w = min(w, c.cfg.RecentUserTTL)
	case !active && now.Sub(lastSeen(m, entry)) >= c.cfg.IdleAfter:
		w = c.cfg.IdleTTL
	}
	if backoff {
		w = max(w, c.cfg.BackoffTTL)
	}

	w = time.Duration(float64(w) * confidenceFactor(entry.Confidence))
	return jitter(w, entry.DeviceID, c.cfg.JitterFraction)
}

func lastSeen(m deviceMeta, entry models.CacheEntry) time.Time {
	if m.lastActivity.IsZero() {
		return entry.CapturedAt
	}
	return m.lastActivity
}

func confidenceFactor(c models.Confidence) float64 {
	switch c {
	case models.ConfidenceHigh:
		return 1
	case models.ConfidenceMedium:
		return 0.5
	default:
		return 0.25
	}
}

// jitter spreads w by +/- fraction using a hash of the device id, so the
// same device always gets the same offset.
func jitter(w time.Duration, deviceID string, fraction float64) time.Duration {
	if fraction == 0 {
		return w
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	unit := float64(h.Sum32()%2001)/1000 - 1 // [-1, 1]
	return time.Duration(float64(w) * (1 + unit*fraction))
}

// Fallback returns the entry if it is within the emergency window, however
// stale it is otherwise.
func (c *StatusCache) Fallback(deviceID string, now time.Time) (models.CacheEntry, bool) {
	e, ok := c.Get(deviceID)
	if !ok || now.Sub(e.CapturedAt) > c.cfg.EmergencyWindow {
		return models.CacheEntry{}, false
	}
	return e, true
}

// Snapshot returns all entries ordered by device id.
func (c *StatusCache) Snapshot() []models.CacheEntry {
	c.mu.RLock()
	out := make([]models.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Len returns the number of cached devices.
func (c *StatusCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep drops entries untouched for twice their window (never sooner than the
// emergency window) and returns how many were removed.
func (c *StatusCache) Sweep(now time.Time) int {
	backoff := c.inBackoff()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		limit := max(2*c.ttlLocked(e, now, backoff), c.cfg.EmergencyWindow)
		if now.Sub(e.CapturedAt) > limit {
			delete(c.entries, id)
			delete(c.meta, id)
			removed++
		}
	}
	return removed
}

// Run sweeps on every tick until ctx is cancelled.
func (c *StatusCache) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Sweep(c.now()); n > 0 {
				c.log.Debugw("cache_swept", "removed", n, "remaining", c.Len())
			}
		}
	}
}
