package sink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thermal_client/internal/models"
)

type recordingSink struct {
	mu      sync.Mutex
	name    string
	err     error
	entries []models.CacheEntry
	closed  bool
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Write(_ context.Context, e models.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return r.err
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func entry(id string, origin models.Origin) models.CacheEntry {
	return models.CacheEntry{
		DeviceID: id,
		Status: models.DeviceStatus{
			CurrentTemperature: 19.5,
			TargetTemperature:  22,
			ThermalState:       models.ThermalHeating,
			PowerState:         models.PowerOn,
		},
		CapturedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Origin:     origin,
		Confidence: models.ConfidenceHigh,
	}
}

func TestFanout_DeliversToEverySinkAndClosesOnStop(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b", err: errors.New("down")}
	f := NewFanout(8, nil, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	f.Publish(entry("d1", models.OriginVerifiedRead))
	f.Publish(entry("d2", models.OriginCommandDerived))

	require.Eventually(t, func() bool { return a.count() == 2 && b.count() == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), f.Failed())

	cancel()
	<-done
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestFanout_DropsWhenFull(t *testing.T) {
	s := &recordingSink{name: "s"}
	f := NewFanout(1, nil, s)

	f.Publish(entry("d1", models.OriginVerifiedRead))
	f.Publish(entry("d2", models.OriginVerifiedRead))
	f.Publish(entry("d3", models.OriginVerifiedRead))
	assert.Equal(t, uint64(2), f.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.Run(ctx)
	assert.Equal(t, 1, s.count(), "queued entry is drained on shutdown")
}

func TestFanout_NoSinksIsNoop(t *testing.T) {
	f := NewFanout(1, nil)
	f.Publish(entry("d1", models.OriginVerifiedRead))
	f.Publish(entry("d2", models.OriginVerifiedRead))
	assert.Zero(t, f.Dropped())
}

func TestBroadcast_DeliversToSubscribersUntilCancelled(t *testing.T) {
	b := NewBroadcast()
	first, cancelFirst := b.Subscribe(4)
	second, cancelSecond := b.Subscribe(1)
	defer cancelSecond()
	require.Equal(t, 2, b.Subscribers())

	require.NoError(t, b.Write(context.Background(), entry("d1", models.OriginVerifiedRead)))
	require.NoError(t, b.Write(context.Background(), entry("d2", models.OriginVerifiedRead)))

	assert.Equal(t, "d1", (<-first).DeviceID)
	assert.Equal(t, "d2", (<-first).DeviceID)
	// the full subscriber misses d2 instead of blocking the writer
	assert.Equal(t, "d1", (<-second).DeviceID)
	assert.Len(t, second, 0)

	cancelFirst()
	cancelFirst()
	_, open := <-first
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroadcast_CloseEndsSubscriptions(t *testing.T) {
	b := NewBroadcast()
	ch, cancel := b.Subscribe(1)

	require.NoError(t, b.Close())
	_, open := <-ch
	assert.False(t, open)
	cancel()

	late, _ := b.Subscribe(1)
	_, open = <-late
	assert.False(t, open, "subscribing after close yields a closed channel")
	assert.NoError(t, b.Write(context.Background(), entry("d1", models.OriginVerifiedRead)))
}

func TestFanout_FeedsBroadcast(t *testing.T) {
	b := NewBroadcast()
	updates, cancelSub := b.Subscribe(4)
	defer cancelSub()
	f := NewFanout(4, nil, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	f.Publish(entry("d7", models.OriginCommandDerived))
	select {
	case e := <-updates:
		assert.Equal(t, "d7", e.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast did not receive the published entry")
	}

	cancel()
	<-done
	_, open := <-updates
	assert.False(t, open, "fanout shutdown closes the broadcast")
}

type fakeStatusRepo struct {
	saved []models.StatusSnapshot
}

func (r *fakeStatusRepo) Save(_ context.Context, s models.StatusSnapshot) error {
	r.saved = append(r.saved, s)
	return nil
}
func (r *fakeStatusRepo) LoadAll(context.Context) ([]models.StatusSnapshot, error) { return nil, nil }
func (r *fakeStatusRepo) Delete(context.Context, string) error { return nil }

func TestSnapshotSink_StoresVerifiedOnly(t *testing.T) {
	repo := &fakeStatusRepo{}
	s := NewSnapshotSink(repo)

	for _, o := range []models.Origin{models.OriginVerifiedRead, models.OriginCommandDerived, models.OriginInferred} {
		require.NoError(t, s.Write(context.Background(), entry("d1", o)))
	}
	require.Len(t, repo.saved, 1)
	assert.Equal(t, "d1", repo.saved[0].DeviceID)
	assert.Equal(t, 22.0, repo.saved[0].Status.TargetTemperature)
}

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	connected    bool
	token        *fakeToken
	msgs         []published
	disconnected bool
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	p.msgs = append(p.msgs, published{topic, qos, retained, payload.([]byte)})
	if p.token != nil {
		return p.token
	}
	return &fakeToken{}
}

func (p *fakePublisher) IsConnected() bool { return p.connected }
func (p *fakePublisher) Disconnect(uint) { p.disconnected = true }

func TestMQTTSink_PublishesRetainedState(t *testing.T) {
	pub := &fakePublisher{connected: true}
	s := newMQTTSink(pub, "/home/thermal/", 1)

	require.NoError(t, s.Write(context.Background(), entry("dev-1", models.OriginVerifiedRead)))
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "home/thermal/dev-1/state", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.True(t, msg.retained)

	var got statePayload
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, "dev-1", got.DeviceID)
	assert.Equal(t, models.ThermalHeating, got.Status.ThermalState)
	assert.Equal(t, models.OriginVerifiedRead, got.Origin)
}

func TestMQTTSink_Errors(t *testing.T) {
	s := newMQTTSink(&fakePublisher{connected: false}, "", 0)
	assert.ErrorIs(t, s.Write(context.Background(), entry("d", models.OriginVerifiedRead)), ErrNotConnected)

	s = newMQTTSink(&fakePublisher{connected: true, token: &fakeToken{err: errors.New("refused")}}, "", 0)
	err := s.Write(context.Background(), entry("d", models.OriginVerifiedRead))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thermal/d/state")

	s = newMQTTSink(&fakePublisher{connected: true, token: &fakeToken{timeout: true}}, "", 0)
	assert.Error(t, s.Write(context.Background(), entry("d", models.OriginVerifiedRead)))
}

func TestMQTTSink_ClosePublishesOffline(t *testing.T) {
	pub := &fakePublisher{connected: true}
	s := newMQTTSink(pub, "t", 0)
	require.NoError(t, s.Close())

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "t/availability", pub.msgs[0].topic)
	assert.Equal(t, "offline", string(pub.msgs[0].payload))
	assert.True(t, pub.disconnected)
}

type fakeWriter struct {
	points  []*write.Point
	flushed int
}

func (w *fakeWriter) WritePoint(p *write.Point) { w.points = append(w.points, p) }
func (w *fakeWriter) Flush() { w.flushed++ }

func TestInfluxSink_WritesStatusPoint(t *testing.T) {
	w := &fakeWriter{}
	s := newInfluxSink(w)

	e := entry("dev-1", models.OriginCommandDerived)
	level := 40.0
	e.Status.WaterLevel = &level
	require.NoError(t, s.Write(context.Background(), e))
	require.Len(t, w.points, 1)

	line := write.PointToLineProtocol(w.points[0], time.Second)
	assert.True(t, strings.HasPrefix(line, "device_status,"), line)
	assert.Contains(t, line, "device_id=dev-1")
	assert.Contains(t, line, "origin=command-derived")
	assert.Contains(t, line, "thermal_state=heating")
	assert.Contains(t, line, "current_c=19.5")
	assert.Contains(t, line, "water_level=40")
	assert.Contains(t, line, "active=true")
}

func TestInfluxSink_CloseFlushesOnce(t *testing.T) {
	w := &fakeWriter{}
	s := newInfluxSink(w)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, w.flushed)
	assert.ErrorIs(t, s.Write(context.Background(), entry("d", models.OriginVerifiedRead)), ErrNotConnected)
}
