package handlers

import (
	"net/http"
	"strconv"
	"time"

	"thermal_client/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMsgSize       = 1 << 12 // 4 KB
	defaultInterval  = 1 * time.Second
	maxInterval      = 10 * time.Second
	maxIntervalMilli = 10_000
	updateBuffer     = 32
)

// Stream message types.
const (
	msgSnapshot = "snapshot"
	msgUpdate   = "update"
)

type wsEnvelope struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// UpdateSource pushes cache entries as they are stored.
type UpdateSource interface {
	Subscribe(buffer int) (<-chan models.CacheEntry, func())
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamSession is one /ws client: a periodic snapshot, plus one update
// message per stored cache entry when an UpdateSource is configured.
type streamSession struct {
	h        *Handler
	conn     *websocket.Conn
	filter   deviceFilter
	interval time.Duration
}

func (h *Handler) wsConnect(c *gin.Context) {
	interval := h.parseInterval(c)
	filter := parseDeviceFilter(c.Query("device_id"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("ws_upgrade_failed", "err", err)
		}
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var updates <-chan models.CacheEntry
	if h.updates != nil {
		ch, cancel := h.updates.Subscribe(updateBuffer)
		defer cancel()
		updates = ch
	}

	s := &streamSession{h: h, conn: conn, filter: filter, interval: interval}
	s.serve(c.Request.Context().Done(), updates)
}

func (s *streamSession) serve(stop <-chan struct{}, updates <-chan models.CacheEntry) {
	closed := make(chan struct{})
	go s.drainReads(closed)

	snapshot := time.NewTicker(s.interval)
	ping := time.NewTicker(pingPeriod)
	defer snapshot.Stop()
	defer ping.Stop()

	if err := s.sendSnapshot(); err != nil {
		s.h.logInfo("ws_write_failed_initial", "err", err)
		return
	}

	for {
		var err error
		select {
		case <-closed:
			return
		case <-stop:
			return
		case e, ok := <-updates:
			if !ok {
				// source closed; snapshots continue on the ticker
				updates = nil
				continue
			}
			if s.filter.match(e.DeviceID) {
				err = s.write(wsEnvelope{Type: msgUpdate, Data: e})
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = s.conn.WriteMessage(websocket.PingMessage, nil)
		case <-snapshot.C:
			err = s.sendSnapshot()
		}
		if err != nil {
			s.h.logInfo("ws_write_failed", "err", err)
			return
		}
	}
}

// drainReads consumes client frames so control frames are handled and a
// disconnect is noticed.
func (s *streamSession) drainReads(closed chan<- struct{}) {
	defer close(closed)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.h.logInfo("ws_read_closed", "err", err)
			return
		}
	}
}

// sendSnapshot reads the cache from memory only and never triggers a remote call.
func (s *streamSession) sendSnapshot() error {
	return s.write(wsEnvelope{Type: msgSnapshot, Data: s.filter.apply(s.h.services.Devices.Snapshot())})
}

func (s *streamSession) write(msg wsEnvelope) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// parseInterval reads ?interval=2s or ?interval_ms=2000, bounded by maxInterval.
func (h *Handler) parseInterval(c *gin.Context) time.Duration {
	interval := h.wsInterval
	if interval <= 0 {
		interval = defaultInterval
	}

	if s := c.Query("interval"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 && d <= maxInterval {
			return d
		}
	}

	if ms := c.Query("interval_ms"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 && v <= maxIntervalMilli {
			return time.Duration(v) * time.Millisecond
		}
	}

	return interval
}

func (h *Handler) logInfo(msg string, kv ...interface{}) {
	if h.log != nil {
		h.log.Infow(msg, kv...)
	}
}
