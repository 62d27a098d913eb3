package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"thermal_client/internal/models"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttKeepAlive      = 30 * time.Second
	mqttMaxQoS         = 2
)

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// publisher is the part of the paho client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTTSink publishes each device's state as a retained message on
// <prefix>/<device_id>/state, plus an online/offline availability topic.
type MQTTSink struct {
	client publisher
	prefix string
	qos    byte
}

type statePayload struct {
	DeviceID     string              `json:"device_id"`
	Status       models.DeviceStatus `json:"status"`
	CapturedAt   time.Time           `json:"captured_at"`
	Origin       models.Origin       `json:"origin"`
	Confidence   models.Confidence   `json:"confidence"`
	IsOptimistic bool                `json:"is_optimistic"`
}

// ConnectMQTT dials the broker with auto-reconnect and a retained
// last-will on the availability topic.
func ConnectMQTT(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.QoS > mqttMaxQoS {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	prefix := topicPrefix(cfg.TopicPrefix)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(mqttKeepAlive)
	opts.SetWill(prefix+"/availability", "offline", 1, true)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect timeout after %v", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}

	s := newMQTTSink(client, prefix, cfg.QoS)
	if err := s.publish(prefix+"/availability", []byte("online")); err != nil {
		client.Disconnect(250)
		return nil, err
	}
	return s, nil
}

func newMQTTSink(client publisher, prefix string, qos byte) *MQTTSink {
	return &MQTTSink{client: client, prefix: topicPrefix(prefix), qos: qos}
}

func topicPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "thermal"
	}
	return p
}

func (s *MQTTSink) Name() string { return "mqtt" }

// StateTopic returns the retained state topic of a device.
func (s *MQTTSink) StateTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/state", s.prefix, deviceID)
}

func (s *MQTTSink) Write(_ context.Context, e models.CacheEntry) error {
	payload, err := json.Marshal(statePayload{
		DeviceID:     e.DeviceID,
		Status:       e.Status,
		CapturedAt:   e.CapturedAt.UTC(),
		Origin:       e.Origin,
		Confidence:   e.Confidence,
		IsOptimistic: e.IsOptimistic,
	})
	if err != nil {
		return fmt.Errorf("mqtt: marshal state: %w", err)
	}
	return s.publish(s.StateTopic(e.DeviceID), payload)
}

func (s *MQTTSink) publish(topic string, payload []byte) error {
	if !s.client.IsConnected() {
		return ErrNotConnected
	}
	token := s.client.Publish(topic, s.qos, true, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("mqtt: publish %s: timeout after %v", topic, mqttPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Close marks the client offline and disconnects.
func (s *MQTTSink) Close() error {
	if s.client.IsConnected() {
		_ = s.publish(s.prefix+"/availability", []byte("offline"))
	}
	s.client.Disconnect(250)
	return nil
}
