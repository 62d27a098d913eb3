// Package config loads runtime settings from configs/config.yml and
// THERMAL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"thermal_client/internal/cache"
	"thermal_client/internal/models"
	"thermal_client/internal/ratelimit"
	"thermal_client/internal/scheduler"
	"thermal_client/internal/service"
	"thermal_client/internal/sink"
	"thermal_client/internal/upstream"
)

const envPrefix = "THERMAL"

var (
	ErrMissingAPIToken  = errors.New("config: api.token is required (THERMAL_API_TOKEN)")
	ErrMissingJWTSecret = errors.New("config: auth.jwt_secret is required (THERMAL_AUTH_JWT_SECRET)")
)

type Config struct {
	Port      string          `mapstructure:"port"`
	LogLevel  string          `mapstructure:"log_level"`
	DB        DBConfig        `mapstructure:"db"`
	Auth      AuthConfig      `mapstructure:"auth"`
	API       APIConfig       `mapstructure:"api"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Sinks     SinksConfig     `mapstructure:"sinks"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Token     string        `mapstructure:"token"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig picks a preset; non-zero fields override it.
type RateLimitConfig struct {
	Preset              string        `mapstructure:"preset"`
	Capacity            float64       `mapstructure:"capacity"`
	RefillInterval      time.Duration `mapstructure:"refill_interval"`
	SafetyMargin        float64       `mapstructure:"safety_margin"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff"`
	CriticalBypassLimit int           `mapstructure:"critical_bypass_limit"`
}

type CacheConfig struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	ActiveTTL       time.Duration `mapstructure:"active_ttl"`
	RecentUserTTL   time.Duration `mapstructure:"recent_user_ttl"`
	IdleTTL         time.Duration `mapstructure:"idle_ttl"`
	BackoffTTL      time.Duration `mapstructure:"backoff_ttl"`
	EmergencyWindow time.Duration `mapstructure:"emergency_window"`
	JitterFraction  float64       `mapstructure:"jitter_fraction"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

type SchedulerConfig struct {
	RequeueBackoff time.Duration `mapstructure:"requeue_backoff"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	StuckCeiling   time.Duration `mapstructure:"stuck_ceiling"`
}

type PollerConfig struct {
	SlowInterval      time.Duration `mapstructure:"slow_interval"`
	MinActiveInterval time.Duration `mapstructure:"min_active_interval"`
	PacingDelay       time.Duration `mapstructure:"pacing_delay"`
	MaxActiveDuration time.Duration `mapstructure:"max_active_duration"`
	JoinThreshold     time.Duration `mapstructure:"join_threshold"`
	// StartupGrace keeps discovery at LOW priority after boot.
	StartupGrace      time.Duration `mapstructure:"startup_grace"`
}

type SinksConfig struct {
	Buffer int          `mapstructure:"buffer"`
	SQLite bool         `mapstructure:"sqlite"`
	MQTT   MQTTConfig   `mapstructure:"mqtt"`
	Influx InfluxConfig `mapstructure:"influx"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

type InfluxConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	Org           string        `mapstructure:"org"`
	Bucket        string        `mapstructure:"bucket"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type HTTPConfig struct {
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	WSInterval        time.Duration `mapstructure:"ws_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("db.path", "app.db")
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("api.base_url", "https://api.example.com/v1")
	v.SetDefault("api.token", "")
	v.SetDefault("api.user_agent", "thermal-client")
	v.SetDefault("api.timeout", 35*time.Second)

	v.SetDefault("rate_limit.preset", ratelimit.PresetEmpirical)
	v.SetDefault("rate_limit.capacity", 0)
	v.SetDefault("rate_limit.refill_interval", 0)
	v.SetDefault("rate_limit.safety_margin", 0)
	v.SetDefault("rate_limit.max_backoff", 0)
	v.SetDefault("rate_limit.critical_bypass_limit", 0)

	v.SetDefault("cache.default_ttl", cache.DefaultTTL)
	v.SetDefault("cache.active_ttl", cache.DefaultActiveTTL)
	v.SetDefault("cache.recent_user_ttl", cache.DefaultRecentUserTTL)
	v.SetDefault("cache.idle_ttl", cache.DefaultIdleTTL)
	v.SetDefault("cache.backoff_ttl", cache.DefaultBackoffTTL)
	v.SetDefault("cache.emergency_window", cache.DefaultEmergency)
	v.SetDefault("cache.jitter_fraction", cache.DefaultJitterFraction)
	v.SetDefault("cache.sweep_interval", time.Minute)

	sd := scheduler.DefaultConfig()
	v.SetDefault("scheduler.requeue_backoff", sd.RequeueBackoff)
	v.SetDefault("scheduler.retry_delay", sd.RetryDelay)
	v.SetDefault("scheduler.stuck_ceiling", sd.StuckCeiling)

	pd := service.DefaultPollerConfig()
	v.SetDefault("poller.slow_interval", pd.SlowInterval)
	v.SetDefault("poller.min_active_interval", pd.MinActiveInterval)
	v.SetDefault("poller.pacing_delay", pd.PacingDelay)
	v.SetDefault("poller.max_active_duration", pd.MaxActiveDuration)
	v.SetDefault("poller.join_threshold", pd.JoinThreshold)
	v.SetDefault("poller.startup_grace", service.DefaultStartupGrace)

	v.SetDefault("sinks.buffer", 256)
	v.SetDefault("sinks.sqlite", true)
	v.SetDefault("sinks.mqtt.enabled", false)
	v.SetDefault("sinks.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("sinks.mqtt.client_id", "thermal-client")
	v.SetDefault("sinks.mqtt.username", "")
	v.SetDefault("sinks.mqtt.password", "")
	v.SetDefault("sinks.mqtt.topic_prefix", "thermal")
	v.SetDefault("sinks.mqtt.qos", 1)
	v.SetDefault("sinks.influx.enabled", false)
	v.SetDefault("sinks.influx.url", "http://localhost:8086")
	v.SetDefault("sinks.influx.token", "")
	v.SetDefault("sinks.influx.org", "")
	v.SetDefault("sinks.influx.bucket", "thermal")
	v.SetDefault("sinks.influx.batch_size", 100)
	v.SetDefault("sinks.influx.flush_interval", 10*time.Second)

	v.SetDefault("http.read_header_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.ws_interval", 2*time.Second)
}

// Load reads config.yml from dir when present, applies THERMAL_* overrides
// and validates the result.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.Token) == "" {
		return ErrMissingAPIToken
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return ErrMissingJWTSecret
	}
	if _, err := ratelimit.ConfigForPreset(c.RateLimit.Preset); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Sinks.MQTT.QoS < 0 || c.Sinks.MQTT.QoS > 2 {
		return fmt.Errorf("config: sinks.mqtt.qos must be 0, 1 or 2, got %d", c.Sinks.MQTT.QoS)
	}
	return nil
}

// Limiter resolves the preset and applies overrides.
func (c *Config) Limiter() (ratelimit.Config, error) {
	rc, err := ratelimit.ConfigForPreset(c.RateLimit.Preset)
	if err != nil {
		return ratelimit.Config{}, err
	}
	o := c.RateLimit
	if o.Capacity > 0 {
		rc.Capacity = o.Capacity
	}
	if o.RefillInterval > 0 {
		rc.RefillInterval = o.RefillInterval
	}
	if o.SafetyMargin > 0 {
		rc.SafetyMargin = o.SafetyMargin
	}
	if o.MaxBackoff > 0 {
		rc.MaxBackoff = o.MaxBackoff
	}
	if o.CriticalBypassLimit > 0 {
		rc.CriticalBypassLimit = o.CriticalBypassLimit
	}
	return rc, nil
}

func (c *Config) StatusCache() cache.Config {
	d := cache.DefaultConfig()
	d.DefaultTTL = c.Cache.DefaultTTL
	d.ActiveTTL = c.Cache.ActiveTTL
	d.RecentUserTTL = c.Cache.RecentUserTTL
	d.IdleTTL = c.Cache.IdleTTL
	d.BackoffTTL = c.Cache.BackoffTTL
	d.EmergencyWindow = c.Cache.EmergencyWindow
	d.JitterFraction = c.Cache.JitterFraction
	return d
}

func (c *Config) Dispatch() scheduler.Config {
	d := scheduler.DefaultConfig()
	d.RequeueBackoff = c.Scheduler.RequeueBackoff
	d.RetryDelay = c.Scheduler.RetryDelay
	d.StuckCeiling = c.Scheduler.StuckCeiling
	return d
}

func (c *Config) Polling(refill time.Duration) service.PollerConfig {
	d := service.DefaultPollerConfig()
	d.SlowInterval = c.Poller.SlowInterval
	d.MinActiveInterval = c.Poller.MinActiveInterval
	d.PacingDelay = c.Poller.PacingDelay
	d.MaxActiveDuration = c.Poller.MaxActiveDuration
	d.JoinThreshold = c.Poller.JoinThreshold
	if refill > 0 {
		d.RefillInterval = refill
	}
	// A joined read waits no longer than the poll's own timeout.
	d.JoinWait = scheduler.DefaultConfig().Timeouts[models.PriorityNormal]
	return d
}

func (c *Config) Upstream() upstream.Config {
	return upstream.Config{
		BaseURL:    c.API.BaseURL,
		Token:      c.API.Token,
		UserAgent:  c.API.UserAgent,
		HTTPClient: &http.Client{Timeout: c.API.Timeout},
	}
}

func (c *Config) MQTT() sink.MQTTConfig {
	return sink.MQTTConfig{
		Broker:      c.Sinks.MQTT.Broker,
		ClientID:    c.Sinks.MQTT.ClientID,
		Username:    c.Sinks.MQTT.Username,
		Password:    c.Sinks.MQTT.Password,
		TopicPrefix: c.Sinks.MQTT.TopicPrefix,
		QoS:         byte(c.Sinks.MQTT.QoS),
	}
}

func (c *Config) Influx() sink.InfluxConfig {
	batch := c.Sinks.Influx.BatchSize
	if batch < 0 {
		batch = 0
	}
	return sink.InfluxConfig{
		URL:           c.Sinks.Influx.URL,
		Token:         c.Sinks.Influx.Token,
		Org:           c.Sinks.Influx.Org,
		Bucket:        c.Sinks.Influx.Bucket,
		BatchSize:     uint(batch),
		FlushInterval: c.Sinks.Influx.FlushInterval,
	}
}
