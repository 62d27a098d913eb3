// Package sink forwards cache updates to external stores without blocking
// the code path that produced them.
package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"thermal_client/internal/logger"
	"thermal_client/internal/models"
)

var ErrNotConnected = errors.New("sink: not connected")

// Sink receives every stored cache entry.
type Sink interface {
	Name() string
	Write(ctx context.Context, entry models.CacheEntry) error
	Close() error
}

const defaultBuffer = 256

// Fanout queues entries and delivers them to each sink from one worker.
// Publish never blocks; entries are dropped when the buffer is full.
type Fanout struct {
	sinks []Sink
	queue chan models.CacheEntry
	log   *logger.Logger

	dropped atomic.Uint64
	failed  atomic.Uint64
	once    sync.Once
}

func NewFanout(buffer int, log *logger.Logger, sinks ...Sink) *Fanout {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Fanout{
		sinks: sinks,
		queue: make(chan models.CacheEntry, buffer),
		log:   log,
	}
}

// Publish is shaped to be used as the cache's update hook.
func (f *Fanout) Publish(entry models.CacheEntry) {
	if len(f.sinks) == 0 {
		return
	}
	select {
	case f.queue <- entry:
	default:
		if n := f.dropped.Add(1); n == 1 || n%100 == 0 {
			f.log.Warnw("sink_queue_full", "device_id", entry.DeviceID, "dropped_total", n)
		}
	}
}

// Run delivers queued entries until ctx is done, then drains what is left
// and closes every sink.
func (f *Fanout) Run(ctx context.Context) {
	defer f.close()
	for {
		select {
		case <-ctx.Done():
			f.drain()
			return
		case e := <-f.queue:
			f.deliver(ctx, e)
		}
	}
}

func (f *Fanout) drain() {
	ctx := context.Background()
	for {
		select {
		case e := <-f.queue:
			f.deliver(ctx, e)
		default:
			return
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, e models.CacheEntry) {
	for _, s := range f.sinks {
		if err := s.Write(ctx, e); err != nil {
			f.failed.Add(1)
			f.log.Warnw("sink_write_failed", "sink", s.Name(), "device_id", e.DeviceID, "error", err)
		}
	}
}

func (f *Fanout) close() {
	f.once.Do(func() {
		for _, s := range f.sinks {
			if err := s.Close(); err != nil {
				f.log.Warnw("sink_close_failed", "sink", s.Name(), "error", err)
			}
		}
	})
}

// Dropped reports entries discarded because the buffer was full.
func (f *Fanout) Dropped() uint64 { return f.dropped.Load() }

// Failed reports individual sink write failures.
func (f *Fanout) Failed() uint64 { return f.failed.Load() }
