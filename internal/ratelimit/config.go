package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Preset names. Each one is a tuning of the same token bucket; the historical
// fixed-window and ultra-conservative limiters survive only as these presets.
const (
	PresetEmpirical    = "empirical"
	PresetConservative = "conservative"
	PresetMinuteWindow = "minute-window"
)

// Defaults for the empirical preset. The remote service does not document its
// limits; these come from observation and are expected to be retuned.
const (
	DefaultCapacity            = 10.0
	DefaultRefillInterval      = 15 * time.Second
	DefaultSafetyMargin        = 0.10
	DefaultBaseRecovery        = 30 * time.Second
	DefaultBackoffMultiplier   = 2.0
	DefaultMaxBackoff          = 5 * time.Minute
	DefaultCriticalBypassLimit = 3
	DefaultBypassWindow        = 35 * time.Second
)

// Config tunes the limiter.
type Config struct {
	// Capacity is the measured burst size in tokens.
	Capacity float64
	// RefillInterval is the time to regain one token.
	RefillInterval time.Duration
	// SafetyMargin is the fraction of Capacity held back (0 <= m < 1).
	// It never slows the refill.
	SafetyMargin float64

	BaseRecovery      time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration

	// CriticalBypassLimit caps CRITICAL bypasses per BypassWindow.
	CriticalBypassLimit int
	BypassWindow        time.Duration
}

// DefaultConfig returns the empirical preset.
func DefaultConfig() Config {
	return Config{
		Capacity:            DefaultCapacity,
		RefillInterval:      DefaultRefillInterval,
		SafetyMargin:        DefaultSafetyMargin,
		BaseRecovery:        DefaultBaseRecovery,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		MaxBackoff:          DefaultMaxBackoff,
		CriticalBypassLimit: DefaultCriticalBypassLimit,
		BypassWindow:        DefaultBypassWindow,
	}
}

// ConfigForPreset returns the configuration registered under name.
func ConfigForPreset(name string) (Config, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PresetEmpirical:
		return DefaultConfig(), nil
	case PresetConservative:
		return Config{
			Capacity:            5,
			RefillInterval:      30 * time.Second,
			SafetyMargin:        0.20,
			BaseRecovery:        60 * time.Second,
			BackoffMultiplier:   2,
			MaxBackoff:          10 * time.Minute,
			CriticalBypassLimit: 2,
			BypassWindow:        60 * time.Second,
		}, nil
	case PresetMinuteWindow:
		return Config{
			Capacity:            4,
			RefillInterval:      15 * time.Second,
			SafetyMargin:        0,
			BaseRecovery:        60 * time.Second,
			BackoffMultiplier:   1.5,
			MaxBackoff:          5 * time.Minute,
			CriticalBypassLimit: DefaultCriticalBypassLimit,
			BypassWindow:        DefaultBypassWindow,
		}, nil
	default:
		return Config{}, fmt.Errorf("unknown rate limit preset %q", name)
	}
}

// withDefaults fills zero or out-of-range values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = d.RefillInterval
	}
	if c.SafetyMargin < 0 || c.SafetyMargin >= 1 {
		c.SafetyMargin = d.SafetyMargin
	}
	if c.BaseRecovery <= 0 {
		c.BaseRecovery = d.BaseRecovery
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxBackoff < c.BaseRecovery {
		c.MaxBackoff = max(d.MaxBackoff, c.BaseRecovery)
	}
	if c.CriticalBypassLimit < 0 {
		c.CriticalBypassLimit = 0
	}
	if c.BypassWindow <= 0 {
		c.BypassWindow = d.BypassWindow
	}
	return c
}

// EffectiveCapacity is the capacity after the safety margin, never below one token.
func (c Config) EffectiveCapacity() float64 {
	return max(c.Capacity*(1-c.SafetyMargin), 1)
}
