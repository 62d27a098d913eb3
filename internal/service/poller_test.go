package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"thermal_client/internal/models"
	"thermal_client/internal/ratelimit"
)

type readCall struct {
	id    string
	force bool
	prio  models.Priority
}

type fakeReader struct {
	mu     sync.Mutex
	status map[string]models.DeviceStatus
	err    error
	calls  []readCall
}

func (r *fakeReader) GetDeviceStatusWithPriority(_ context.Context, id string, force bool, p models.Priority) (models.DeviceStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, readCall{id, force, p})
	if r.err != nil {
		return models.DeviceStatus{}, r.err
	}
	return r.status[id], nil
}

func (r *fakeReader) set(id string, st models.DeviceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == nil {
		r.status = map[string]models.DeviceStatus{}
	}
	r.status[id] = st
}

func (r *fakeReader) snapshot() []readCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]readCall(nil), r.calls...)
}

type fixedRefill time.Duration

func (f fixedRefill) RefillInterval() time.Duration { return time.Duration(f) }

var standbyStatus = models.DeviceStatus{
	CurrentTemperature: 20,
	TargetTemperature:  21,
	ThermalState:       models.ThermalStandby,
	PowerState:         models.PowerOff,
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func quickPollerConfig() PollerConfig {
	return PollerConfig{
		SlowInterval:      time.Hour,
		MinActiveInterval: 20 * time.Millisecond,
		RefillInterval:    time.Millisecond,
		PacingDelay:       0,
		MaxActiveDuration: time.Hour,
		JoinThreshold:     time.Second,
		JoinWait:          time.Second,
	}
}

func TestPoller_FastIntervalMatchesRefill(t *testing.T) {
	cfg := PollerConfig{MinActiveInterval: 30 * time.Second, RefillInterval: 12 * time.Second}

	tests := []struct {
		name   string
		refill RefillSource
		count  int
		want   time.Duration
	}{
		{"floor applies", fixedRefill(10 * time.Second), 1, 30 * time.Second},
		{"scales with active devices", fixedRefill(10 * time.Second), 5, 50 * time.Second},
		{"config refill without limiter", nil, 4, 48 * time.Second},
		{"zero limiter refill falls back", fixedRefill(0), 3, 36 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPoller(cfg, &fakeReader{}, tt.refill, nil, nil)
			if got := p.FastInterval(tt.count); got != tt.want {
				t.Fatalf("FastInterval(%d) = %v, want %v", tt.count, got, tt.want)
			}
		})
	}
}

func TestPoller_DefaultRefillMatchesLimiter(t *testing.T) {
	if got := DefaultPollerConfig().RefillInterval; got != ratelimit.DefaultRefillInterval {
		t.Fatalf("default RefillInterval = %v, want limiter default %v", got, ratelimit.DefaultRefillInterval)
	}

	p := NewPoller(PollerConfig{MinActiveInterval: time.Second}, &fakeReader{}, nil, nil, nil)
	if got, want := p.FastInterval(2), 2*ratelimit.DefaultRefillInterval; got != want {
		t.Fatalf("FastInterval(2) = %v, want %v", got, want)
	}
}

func TestPoller_SlowPassForcesEveryOtherCycle(t *testing.T) {
	reader := &fakeReader{}
	reader.set("d1", standbyStatus)
	p := NewPoller(quickPollerConfig(), reader, nil, nil, nil)
	p.RegisterDevice("d1", Callbacks{})

	for i := 0; i < 4; i++ {
		p.slowPass(context.Background())
	}

	calls := reader.snapshot()
	if len(calls) != 4 {
		t.Fatalf("calls = %d, want 4", len(calls))
	}
	wantForce := []bool{true, false, true, false}
	for i, c := range calls {
		if c.force != wantForce[i] || c.prio != models.PriorityLow {
			t.Fatalf("call %d = %+v, want force=%v at low", i, c, wantForce[i])
		}
	}
}

func TestPoller_PollPromotesAndDemotes(t *testing.T) {
	reader := &fakeReader{}
	reader.set("d1", heatingStatus(18, 22))
	events := &fakeEventRepo{}
	p := NewPoller(quickPollerConfig(), reader, nil, events, nil)

	var mu sync.Mutex
	var seen []models.ThermalState
	p.RegisterDevice("d1", Callbacks{OnStatus: func(_ string, st models.DeviceStatus) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st.ThermalState)
	}})

	p.slowPass(context.Background())
	if st := p.PollStates(); len(st) != 1 || !st[0].Active || st[0].ActiveSince == nil {
		t.Fatalf("PollStates() = %+v, want active", st)
	}

	// Active devices are skipped by the slow cadence.
	p.slowPass(context.Background())
	if n := len(reader.snapshot()); n != 1 {
		t.Fatalf("slow pass polled an active device, calls = %d", n)
	}

	reader.set("d1", standbyStatus)
	p.pollOne(context.Background(), "d1", models.PriorityNormal, true)
	if st := p.PollStates(); st[0].Active {
		t.Fatalf("PollStates() = %+v, want inactive", st)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != models.ThermalHeating || seen[1] != models.ThermalStandby {
		t.Fatalf("callbacks saw %v", seen)
	}
	types := events.appendedTypes()
	if len(types) != 2 || types[0] != models.EventActivityChange {
		t.Fatalf("events = %v, want two ACTIVITY_CHANGE", types)
	}
}

func TestPoller_StaleActiveDemotedAndSuppressed(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{}
	reader.set("d1", heatingStatus(20, 40))
	cfg := quickPollerConfig()
	cfg.MaxActiveDuration = 8 * time.Hour
	p := NewPoller(cfg, reader, nil, nil, nil)
	p.now = func() time.Time { return now }
	p.RegisterDevice("d1", Callbacks{})

	p.NotifyCommand("d1", heatingStatus(20, 40))
	if !p.PollStates()[0].Active {
		t.Fatalf("command should activate the device")
	}

	now = now.Add(8*time.Hour + time.Minute)
	p.expireStale()
	st := p.PollStates()[0]
	if st.Active || !st.Suppressed {
		t.Fatalf("state = %+v, want demoted and suppressed", st)
	}

	// Still reporting heating: stays inactive.
	p.pollOne(context.Background(), "d1", models.PriorityLow, true)
	if p.PollStates()[0].Active {
		t.Fatalf("suppressed device re-promoted by a poll")
	}

	reader.set("d1", standbyStatus)
	p.pollOne(context.Background(), "d1", models.PriorityLow, true)
	if p.PollStates()[0].Suppressed {
		t.Fatalf("inactive poll should clear suppression")
	}

	reader.set("d1", heatingStatus(20, 40))
	p.pollOne(context.Background(), "d1", models.PriorityLow, true)
	if !p.PollStates()[0].Active {
		t.Fatalf("device should be promoted again after suppression cleared")
	}
}

func TestPoller_CommandClearsSuppression(t *testing.T) {
	now := time.Now()
	p := NewPoller(quickPollerConfig(), &fakeReader{}, nil, nil, nil)
	p.now = func() time.Time { return now }
	p.RegisterDevice("d1", Callbacks{})
	p.NotifyCommand("d1", heatingStatus(20, 30))

	now = now.Add(2 * time.Hour)
	p.expireStale()
	p.NotifyCommand("d1", heatingStatus(20, 30))

	if st := p.PollStates()[0]; !st.Active || st.Suppressed {
		t.Fatalf("state = %+v, want active after command", st)
	}
}

func TestPoller_NotifyCommandIgnoresUnknownDevice(t *testing.T) {
	p := NewPoller(quickPollerConfig(), &fakeReader{}, nil, nil, nil)
	p.NotifyCommand("ghost", heatingStatus(20, 30))
	if len(p.PollStates()) != 0 {
		t.Fatalf("unknown device must not be registered by a command")
	}
}

func TestPoller_JoinImminent(t *testing.T) {
	reader := &fakeReader{}
	reader.set("d1", heatingStatus(22, 24))
	p := NewPoller(quickPollerConfig(), reader, nil, nil, nil)
	p.RegisterDevice("d1", Callbacks{})
	p.RegisterDevice("idle", Callbacks{})
	p.NotifyCommand("d1", heatingStatus(21, 24))

	p.mu.Lock()
	p.nextFast = time.Now().Add(time.Hour)
	p.mu.Unlock()
	if _, ok := p.JoinImminent(context.Background(), "d1"); ok {
		t.Fatalf("poll an hour away must not be joined")
	}
	if _, ok := p.JoinImminent(context.Background(), "idle"); ok {
		t.Fatalf("inactive device must not be joined")
	}

	p.mu.Lock()
	p.nextFast = time.Now().Add(100 * time.Millisecond)
	p.mu.Unlock()

	type joined struct {
		st models.DeviceStatus
		ok bool
	}
	out := make(chan joined, 1)
	go func() {
		st, ok := p.JoinImminent(context.Background(), "d1")
		out <- joined{st, ok}
	}()

	waitFor(t, "joiner registration", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.devices["d1"].joiners) == 1
	})
	p.pollOne(context.Background(), "d1", models.PriorityNormal, true)

	select {
	case j := <-out:
		if !j.ok || j.st.CurrentTemperature != 22 {
			t.Fatalf("JoinImminent() = %+v, %v", j.st, j.ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("joiner never resolved")
	}
}

func TestPoller_JoinFailsWhenPollFails(t *testing.T) {
	reader := &fakeReader{err: errors.New("boom")}
	p := NewPoller(quickPollerConfig(), reader, nil, nil, nil)
	p.RegisterDevice("d1", Callbacks{})
	p.NotifyCommand("d1", heatingStatus(21, 24))
	p.mu.Lock()
	p.nextFast = time.Now().Add(50 * time.Millisecond)
	p.mu.Unlock()

	out := make(chan bool, 1)
	go func() {
		_, ok := p.JoinImminent(context.Background(), "d1")
		out <- ok
	}()
	waitFor(t, "joiner registration", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.devices["d1"].joiners) == 1
	})
	p.pollOne(context.Background(), "d1", models.PriorityNormal, true)

	if ok := <-out; ok {
		t.Fatalf("failed poll must not satisfy a joiner")
	}
}

func TestPoller_OnErrorCallback(t *testing.T) {
	reader := &fakeReader{err: errors.New("offline")}
	p := NewPoller(quickPollerConfig(), reader, nil, nil, nil)

	var got error
	p.RegisterDevice("d1", Callbacks{OnError: func(_ string, err error) { got = err }})
	p.pollOne(context.Background(), "d1", models.PriorityLow, true)

	if got == nil || got.Error() != "offline" {
		t.Fatalf("OnError got %v", got)
	}
	if st := p.PollStates()[0]; st.LastError != "offline" || st.LastPoll == nil {
		t.Fatalf("state = %+v", st)
	}
}

func TestPoller_RunDrivesFastCadence(t *testing.T) {
	reader := &fakeReader{}
	reader.set("d1", heatingStatus(19, 24))
	reader.set("d2", standbyStatus)
	p := NewPoller(quickPollerConfig(), reader, fixedRefill(time.Millisecond), nil, nil)
	p.RegisterDevice("d1", Callbacks{})
	p.RegisterDevice("d2", Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, "fast poll of the active device", func() bool {
		for _, c := range reader.snapshot() {
			if c.id == "d1" && c.prio == models.PriorityNormal && c.force {
				return true
			}
		}
		return false
	})
	for _, c := range reader.snapshot() {
		if c.id == "d2" && c.prio != models.PriorityLow {
			t.Fatalf("inactive device polled at %v", c.prio)
		}
	}

	if err := p.Run(ctx); !errors.Is(err, errPollerRunning) {
		t.Fatalf("second Run() err = %v, want errPollerRunning", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not stop")
	}
}

func TestPoller_TriggerImmediatePoll(t *testing.T) {
	reader := &fakeReader{}
	reader.set("d1", standbyStatus)
	p := NewPoller(quickPollerConfig(), reader, nil, nil, nil)
	p.RegisterDevice("d1", Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	waitFor(t, "initial slow pass", func() bool { return len(reader.snapshot()) == 1 })
	p.TriggerImmediatePoll()
	waitFor(t, "triggered pass", func() bool { return len(reader.snapshot()) == 2 })

	if c := reader.snapshot()[1]; !c.force {
		t.Fatalf("triggered poll must be forced: %+v", c)
	}
}

func TestPoller_UnregisterDevice(t *testing.T) {
	p := NewPoller(quickPollerConfig(), &fakeReader{}, nil, nil, nil)
	p.RegisterDevice("d1", Callbacks{})
	p.RegisterDevice("d2", Callbacks{})
	p.UnregisterDevice("d1")
	p.UnregisterDevice("missing")

	st := p.PollStates()
	if len(st) != 1 || st[0].DeviceID != "d2" {
		t.Fatalf("PollStates() = %+v", st)
	}
}
