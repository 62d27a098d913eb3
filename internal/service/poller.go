package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"thermal_client/internal/logger"
	"thermal_client/internal/models"
	"thermal_client/internal/ratelimit"
	"thermal_client/internal/repository"
)

var (
	errPollerRunning = errors.New("poller already running")
	errJoinAbandoned = errors.New("scheduled poll did not complete")
)

// Callbacks receive poll results for one device. Either may be nil.
type Callbacks struct {
	OnStatus func(deviceID string, status models.DeviceStatus)
	OnError  func(deviceID string, err error)
}

// PollState is a read-only view of one registered device.
type PollState struct {
	DeviceID    string     `json:"device_id"`
	Active      bool       `json:"active"`
	ActiveSince *time.Time `json:"active_since,omitempty"`
	LastPoll    *time.Time `json:"last_poll,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Suppressed  bool       `json:"suppressed,omitempty"`
}

// PollerConfig controls both cadences.
type PollerConfig struct {
	SlowInterval      time.Duration
	MinActiveInterval time.Duration
	// RefillInterval is used when no limiter is attached.
	RefillInterval    time.Duration
	PacingDelay       time.Duration
	MaxActiveDuration time.Duration
	JoinThreshold     time.Duration
	// JoinWait bounds how long a joined caller waits past the scheduled time.
	JoinWait          time.Duration
}

// DefaultStartupGrace is how long discovery stays at LOW after boot.
const DefaultStartupGrace = 2 * time.Minute

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		SlowInterval:      5 * time.Minute,
		MinActiveInterval: 30 * time.Second,
		RefillInterval:    ratelimit.DefaultRefillInterval,
		PacingDelay:       2 * time.Second,
		MaxActiveDuration: 8 * time.Hour,
		JoinThreshold:     5 * time.Second,
		JoinWait:          20 * time.Second,
	}
}

func (c PollerConfig) withDefaults() PollerConfig {
	d := DefaultPollerConfig()
	if c.SlowInterval <= 0 {
		c.SlowInterval = d.SlowInterval
	}
	if c.MinActiveInterval <= 0 {
		c.MinActiveInterval = d.MinActiveInterval
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = d.RefillInterval
	}
	if c.PacingDelay < 0 {
		c.PacingDelay = 0
	}
	if c.MaxActiveDuration <= 0 {
		c.MaxActiveDuration = d.MaxActiveDuration
	}
	if c.JoinThreshold < 0 {
		c.JoinThreshold = 0
	}
	if c.JoinWait <= 0 {
		c.JoinWait = d.JoinWait
	}
	return c
}

// StatusReader is the read path the poller drives.
type StatusReader interface {
	GetDeviceStatusWithPriority(ctx context.Context, deviceID string, forceFresh bool, p models.Priority) (models.DeviceStatus, error)
}

// RefillSource reports the limiter's sustainable spacing between requests.
type RefillSource interface {
	RefillInterval() time.Duration
}

type joinResult struct {
	status models.DeviceStatus
	err    error
}

type pollDevice struct {
	id          string
	cb          Callbacks
	active      bool
	activeSince time.Time
	lastPoll    time.Time
	lastErr     error
	// suppressed blocks re-promotion after a stale-active demotion until the
	// device reports inactive or receives a command.
	suppressed  bool
	joiners     []chan joinResult
}

// Poller polls registered devices on a slow cadence while inactive and a
// fast cadence while active.
type Poller struct {
	cfg    PollerConfig
	reader StatusReader
	refill RefillSource
	events repository.EventRepo
	log    *logger.Logger
	now    func() time.Time

	mu        sync.Mutex
	devices   map[string]*pollDevice
	nextFast  time.Time
	fastBase  time.Time
	slowCycle int
	running   bool

	trigger  chan struct{}
	fastWake chan struct{}
}

var (
	_ Polling         = (*Poller)(nil)
	_ ActivityTracker = (*Poller)(nil)
)

// NewPoller builds a poller. refill and events may be nil.
func NewPoller(cfg PollerConfig, reader StatusReader, refill RefillSource, events repository.EventRepo, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.Nop()
	}
	return &Poller{
		cfg:      cfg.withDefaults(),
		reader:   reader,
		refill:   refill,
		events:   events,
		log:      log,
		now:      time.Now,
		devices:  make(map[string]*pollDevice),
		trigger:  make(chan struct{}, 1),
		fastWake: make(chan struct{}, 1),
	}
}

// RegisterDevice adds a device as inactive. Registering again replaces its callbacks.
func (p *Poller) RegisterDevice(deviceID string, cb Callbacks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.devices[deviceID]; ok {
		d.cb = cb
		return
	}
	p.devices[deviceID] = &pollDevice{id: deviceID, cb: cb}
	p.log.Infow("poll_device_registered", "device_id", deviceID)
}

func (p *Poller) UnregisterDevice(deviceID string) {
	p.mu.Lock()
	d, ok := p.devices[deviceID]
	if ok {
		delete(p.devices, deviceID)
		p.flushJoinersLocked(d, errJoinAbandoned)
	}
	p.mu.Unlock()
	if ok {
		p.wakeFast()
		p.log.Infow("poll_device_unregistered", "device_id", deviceID)
	}
}

// TriggerImmediatePoll asks for a forced poll of every registered device.
// Repeated triggers before the poll starts collapse into one.
func (p *Poller) TriggerImmediatePoll() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// NotifyCommand applies the state implied by an accepted command.
func (p *Poller) NotifyCommand(deviceID string, status models.DeviceStatus) {
	p.mu.Lock()
	d, ok := p.devices[deviceID]
	if !ok {
		p.mu.Unlock()
		return
	}
	d.suppressed = false
	changed := p.applyLocked(d, status)
	p.mu.Unlock()
	if changed {
		p.activityChanged(deviceID, status, "command")
	}
}

// JoinImminent waits for the next fast poll of an active device when it is
// due within the join threshold. It reports false when there is nothing to
// join or the poll failed, leaving the caller to read on its own.
func (p *Poller) JoinImminent(ctx context.Context, deviceID string) (models.DeviceStatus, bool) {
	p.mu.Lock()
	d, ok := p.devices[deviceID]
	if !ok || !d.active || p.nextFast.IsZero() {
		p.mu.Unlock()
		return models.DeviceStatus{}, false
	}
	until := p.nextFast.Sub(p.now())
	if until < 0 || until > p.cfg.JoinThreshold {
		p.mu.Unlock()
		return models.DeviceStatus{}, false
	}
	ch := make(chan joinResult, 1)
	d.joiners = append(d.joiners, ch)
	p.mu.Unlock()

	p.log.Debugw("poll_joined", "device_id", deviceID, "due_in", until)

	t := time.NewTimer(until + p.cfg.JoinWait)
	defer t.Stop()
	select {
	case res := <-ch:
		return res.status, res.err == nil
	case <-t.C:
	case <-ctx.Done():
	}
	p.removeJoiner(deviceID, ch)
	return models.DeviceStatus{}, false
}

// PollStates lists registered devices ordered by id.
func (p *Poller) PollStates() []PollState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PollState, 0, len(p.devices))
	for _, d := range p.devices {
		st := PollState{DeviceID: d.id, Active: d.active, Suppressed: d.suppressed}
		if d.active {
			since := d.activeSince
			st.ActiveSince = &since
		}
		if !d.lastPoll.IsZero() {
			last := d.lastPoll
			st.LastPoll = &last
		}
		if d.lastErr != nil {
			st.LastError = d.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Run drives both cadences until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errPollerRunning
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		for _, d := range p.devices {
			p.flushJoinersLocked(d, errJoinAbandoned)
		}
		p.mu.Unlock()
	}()

	p.log.Infow("poller_started", "slow_interval", p.cfg.SlowInterval, "min_active_interval", p.cfg.MinActiveInterval)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.runSlow(ctx)
	}()
	go func() {
		defer wg.Done()
		p.runFast(ctx)
	}()
	wg.Wait()

	p.log.Infow("poller_stopped")
	return nil
}

func (p *Poller) runSlow(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SlowInterval)
	defer ticker.Stop()

	p.slowPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.slowPass(ctx)
		case <-p.trigger:
			p.immediatePass(ctx)
		}
	}
}

// slowPass polls inactive devices at LOW, forcing a verified read every
// other cycle starting with the first.
func (p *Poller) slowPass(ctx context.Context) {
	p.expireStale()

	p.mu.Lock()
	force := p.slowCycle%2 == 0
	p.slowCycle++
	p.mu.Unlock()

	ids := p.deviceIDs(func(d *pollDevice) bool { return !d.active })
	if len(ids) == 0 {
		return
	}
	p.log.Debugw("slow_poll_cycle", "devices", len(ids), "forced", force)
	p.pollBatch(ctx, ids, models.PriorityLow, force)
}

func (p *Poller) immediatePass(ctx context.Context) {
	p.expireStale()
	active := p.deviceIDs(func(d *pollDevice) bool { return d.active })
	inactive := p.deviceIDs(func(d *pollDevice) bool { return !d.active })
	p.log.Infow("immediate_poll", "active", len(active), "inactive", len(inactive))
	if !p.pollBatch(ctx, active, models.PriorityNormal, true) {
		return
	}
	p.pollBatch(ctx, inactive, models.PriorityLow, true)
}

func (p *Poller) runFast(ctx context.Context) {
	for {
		count := len(p.deviceIDs(func(d *pollDevice) bool { return d.active }))
		if count == 0 {
			p.mu.Lock()
			p.nextFast = time.Time{}
			p.fastBase = time.Time{}
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-p.fastWake:
				continue
			}
		}

		interval := p.FastInterval(count)
		p.mu.Lock()
		if p.fastBase.IsZero() {
			p.fastBase = p.now()
		}
		p.nextFast = p.fastBase.Add(interval)
		wait := p.nextFast.Sub(p.now())
		p.mu.Unlock()

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-p.fastWake:
				// Active set changed; recompute against the same base.
				t.Stop()
				continue
			case <-t.C:
			}
		}

		p.mu.Lock()
		p.fastBase = p.now()
		p.mu.Unlock()

		p.expireStale()
		ids := p.deviceIDs(func(d *pollDevice) bool { return d.active })
		p.log.Debugw("fast_poll_cycle", "devices", len(ids), "interval", interval)
		if !p.pollBatch(ctx, ids, models.PriorityNormal, true) {
			return
		}
	}
}

// FastInterval matches the active cadence to the limiter's sustainable rate.
func (p *Poller) FastInterval(activeCount int) time.Duration {
	refill := p.cfg.RefillInterval
	if p.refill != nil {
		if r := p.refill.RefillInterval(); r > 0 {
			refill = r
		}
	}
	return max(p.cfg.MinActiveInterval, time.Duration(activeCount)*refill)
}

// pollBatch polls ids in order with a pacing delay between them. It reports
// false if ctx ended first.
func (p *Poller) pollBatch(ctx context.Context, ids []string, prio models.Priority, force bool) bool {
	for i, id := range ids {
		if i > 0 && !sleepCtx(ctx, p.cfg.PacingDelay) {
			return false
		}
		if ctx.Err() != nil {
			return false
		}
		p.pollOne(ctx, id, prio, force)
	}
	return ctx.Err() == nil
}

func (p *Poller) pollOne(ctx context.Context, deviceID string, prio models.Priority, force bool) {
	status, err := p.reader.GetDeviceStatusWithPriority(ctx, deviceID, force, prio)
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	d, ok := p.devices[deviceID]
	if !ok {
		p.mu.Unlock()
		return
	}
	d.lastPoll = p.now()
	d.lastErr = err
	cb := d.cb
	p.flushJoinersLocked(d, err, status)
	changed := false
	if err == nil {
		if !status.IsActive() {
			d.suppressed = false
		}
		changed = p.applyLocked(d, status)
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Debugw("poll_failed", "device_id", deviceID, "priority", prio, "error", err)
		if cb.OnError != nil {
			cb.OnError(deviceID, err)
		}
		return
	}
	if changed {
		p.activityChanged(deviceID, status, "poll")
	}
	if cb.OnStatus != nil {
		cb.OnStatus(deviceID, status)
	}
}

// applyLocked moves d between Inactive and Active according to status and
// reports whether it moved.
func (p *Poller) applyLocked(d *pollDevice, status models.DeviceStatus) bool {
	want := status.IsActive() && !d.suppressed
	if want == d.active {
		return false
	}
	d.active = want
	if want {
		d.activeSince = p.now()
	} else {
		d.activeSince = time.Time{}
		p.flushJoinersLocked(d, errJoinAbandoned)
	}
	p.wakeFast()
	return true
}

// expireStale demotes devices active for longer than MaxActiveDuration.
func (p *Poller) expireStale() {
	now := p.now()
	var expired []string

	p.mu.Lock()
	for _, d := range p.devices {
		if d.active && now.Sub(d.activeSince) > p.cfg.MaxActiveDuration {
			d.active = false
			d.activeSince = time.Time{}
			d.suppressed = true
			p.flushJoinersLocked(d, errJoinAbandoned)
			expired = append(expired, d.id)
		}
	}
	p.mu.Unlock()

	for _, id := range expired {
		p.log.Warnw("stale_active_expired", "device_id", id, "ceiling", p.cfg.MaxActiveDuration)
		p.record(models.DeviceEvent{
			DeviceID:    id,
			Type:        models.EventActivityChange,
			Description: "Device demoted after exceeding the active ceiling",
			Metadata:    map[string]any{"active": false, "source": "stale"},
		})
	}
	if len(expired) > 0 {
		p.wakeFast()
	}
}

func (p *Poller) activityChanged(deviceID string, status models.DeviceStatus, source string) {
	active := status.IsActive()
	p.log.Infow("activity_changed", "device_id", deviceID, "active", active,
		"thermal_state", status.ThermalState, "source", source)
	p.record(models.DeviceEvent{
		DeviceID:    deviceID,
		Type:        models.EventActivityChange,
		Description: fmt.Sprintf("Device became %s", activityLabel(active)),
		Metadata:    map[string]any{"active": active, "source": source, "thermal_state": status.ThermalState},
	})
}

func activityLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func (p *Poller) record(ev models.DeviceEvent) {
	if p.events == nil {
		return
	}
	ev.EventID = uuid.NewString()
	ev.OccurredAt = p.now().UTC()
	if err := p.events.Append(context.Background(), ev); err != nil {
		p.log.Errorw("event_append_failed", "device_id", ev.DeviceID, "type", ev.Type, "error", err)
	}
}

func (p *Poller) deviceIDs(match func(*pollDevice) bool) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.devices))
	for _, d := range p.devices {
		if match(d) {
			ids = append(ids, d.id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (p *Poller) flushJoinersLocked(d *pollDevice, err error, status ...models.DeviceStatus) {
	res := joinResult{err: err}
	if err == nil && len(status) > 0 {
		res.status = status[0]
	}
	for _, ch := range d.joiners {
		ch <- res
	}
	d.joiners = nil
}

func (p *Poller) removeJoiner(deviceID string, ch chan joinResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[deviceID]
	if !ok {
		return
	}
	for i, c := range d.joiners {
		if c == ch {
			d.joiners = append(d.joiners[:i], d.joiners[i+1:]...)
			return
		}
	}
}

func (p *Poller) wakeFast() {
	select {
	case p.fastWake <- struct{}{}:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
