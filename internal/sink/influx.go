package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"thermal_client/internal/logger"
	"thermal_client/internal/models"
)

const (
	influxPingTimeout   = 5 * time.Second
	influxMeasurement   = "device_status"
	defaultInfluxBatch  = 100
	defaultInfluxFlushS = 10
)

// InfluxConfig describes the InfluxDB v2 target.
type InfluxConfig struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// pointWriter is the non-blocking write API.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// InfluxSink records temperatures and states as time series points. Writes
// are batched by the client and never block.
type InfluxSink struct {
	writer pointWriter
	closer func()

	mu     sync.Mutex
	closed bool
}

// ConnectInflux pings the server and opens a batching write API. Async write
// errors are logged.
func ConnectInflux(cfg InfluxConfig, log *logger.Logger) (*InfluxSink, error) {
	if log == nil {
		log = logger.Nop()
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = defaultInfluxBatch
	}
	flush := uint(defaultInfluxFlushS * 1000)
	if cfg.FlushInterval > 0 {
		flush = uint(cfg.FlushInterval.Milliseconds())
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(batch).SetFlushInterval(flush))

	ctx, cancel := context.WithTimeout(context.Background(), influxPingTimeout)
	defer cancel()
	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx: ping: %w", err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("influx: server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warnw("influx_write_failed", "error", err)
		}
	}()

	s := newInfluxSink(writeAPI)
	s.closer = client.Close
	return s, nil
}

func newInfluxSink(w pointWriter) *InfluxSink {
	return &InfluxSink{writer: w}
}

func (s *InfluxSink) Name() string { return "influxdb" }

func (s *InfluxSink) Write(_ context.Context, e models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	s.writer.WritePoint(statusPoint(e))
	return nil
}

func statusPoint(e models.CacheEntry) *write.Point {
	fields := map[string]interface{}{
		"current_c": e.Status.CurrentTemperature,
		"target_c":  e.Status.TargetTemperature,
		"active":    e.Status.IsActive(),
	}
	if e.Status.WaterLevel != nil {
		fields["water_level"] = *e.Status.WaterLevel
	}
	return write.NewPoint(
		influxMeasurement,
		map[string]string{
			"device_id":     e.DeviceID,
			"thermal_state": string(e.Status.ThermalState),
			"power_state":   string(e.Status.PowerState),
			"origin":        string(e.Origin),
		},
		fields,
		e.CapturedAt,
	)
}

// Close flushes pending points and closes the client.
func (s *InfluxSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.writer.Flush()
	if s.closer != nil {
		s.closer()
	}
	return nil
}
