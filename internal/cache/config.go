package cache

import "time"

// Default validity windows.
const (
	DefaultTTL            = 90 * time.Second
	DefaultActiveTTL      = 45 * time.Second
	DefaultRecentUserTTL  = 30 * time.Second
	DefaultRecentUserSpan = 2 * time.Minute
	DefaultIdleAfter      = 30 * time.Minute
	DefaultIdleTTL        = 15 * time.Minute
	DefaultBackoffTTL     = 5 * time.Minute
	DefaultEmergency      = 10 * time.Minute
	DefaultJitterFraction = 0.10
)

// Config holds the validity windows used by TTL selection.
type Config struct {
	// DefaultTTL applies when nothing else does.
	DefaultTTL time.Duration
	// ActiveTTL applies to devices heating or cooling.
	ActiveTTL time.Duration
	// RecentUserTTL caps the window while a user interacted within RecentUserSpan.
	RecentUserTTL  time.Duration
	RecentUserSpan time.Duration
	// IdleTTL applies once a device saw no activity for IdleAfter.
	IdleAfter time.Duration
	IdleTTL   time.Duration
	// BackoffTTL is the minimum window while the rate limiter backs off.
	BackoffTTL time.Duration
	// EmergencyWindow bounds how stale a fallback entry may be.
	EmergencyWindow time.Duration
	// JitterFraction spreads expiries by +/- this fraction, per device.
	JitterFraction float64
}

// DefaultConfig returns the stock windows.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      DefaultTTL,
		ActiveTTL:       DefaultActiveTTL,
		RecentUserTTL:   DefaultRecentUserTTL,
		RecentUserSpan:  DefaultRecentUserSpan,
		IdleAfter:       DefaultIdleAfter,
		IdleTTL:         DefaultIdleTTL,
		BackoffTTL:      DefaultBackoffTTL,
		EmergencyWindow: DefaultEmergency,
		JitterFraction:  DefaultJitterFraction,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.ActiveTTL <= 0 {
		c.ActiveTTL = d.ActiveTTL
	}
	if c.RecentUserTTL <= 0 {
		c.RecentUserTTL = d.RecentUserTTL
	}
	if c.RecentUserSpan <= 0 {
		c.RecentUserSpan = d.RecentUserSpan
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = d.IdleAfter
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	if c.BackoffTTL <= 0 {
		c.BackoffTTL = d.BackoffTTL
	}
	if c.EmergencyWindow <= 0 {
		c.EmergencyWindow = d.EmergencyWindow
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		c.JitterFraction = d.JitterFraction
	}
	return c
}
