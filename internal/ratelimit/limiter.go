package ratelimit

import (
	"math"
	"sync"
	"time"

	"thermal_client/internal/models"
)

// Decision reasons.
const (
	ReasonToken           = "token"
	ReasonCriticalBypass  = "critical-bypass"
	ReasonBackoff         = "backoff"
	ReasonBucketEmpty     = "bucket-empty"
	ReasonBypassExhausted = "bypass-exhausted"
)

// Decision is the answer to "may this request go now?".
type Decision struct {
	Allowed bool
	Wait    time.Duration
	Reason  string
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	Tokens              float64       `json:"tokens"`
	Capacity            float64       `json:"capacity"`
	RefillInterval      time.Duration `json:"refill_interval"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	InBackoff           bool          `json:"in_backoff"`
	BackoffRemaining    time.Duration `json:"backoff_remaining"`
	BypassesInWindow    int           `json:"bypasses_in_window"`
	BypassLimit         int           `json:"bypass_limit"`
	Allowed             uint64        `json:"allowed"`
	Denied              uint64        `json:"denied"`
	Bypassed            uint64        `json:"bypassed"`
	RateLimited         uint64        `json:"rate_limited"`
	// SustainableRPM is the steady-state request rate the bucket grants (0 while backing off).
	SustainableRPM float64 `json:"sustainable_rpm"`
}

// Limiter is a continuous-refill token bucket with adaptive backoff and a
// bounded CRITICAL bypass. Safe for concurrent use; Decide reserves the token
// it grants inside the same critical section.
type Limiter struct {
	mu sync.Mutex

	cfg      Config
	capacity float64
	rate     float64 // tokens per second

	tokens       float64
	lastRefill   time.Time
	failures     int
	backoffUntil time.Time
	bypasses     []time.Time // CRITICAL bypass timestamps inside the rolling window

	allowed, denied, bypassed, rateLimited uint64

	now func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a limiter with a full bucket.
func New(cfg Config, opts ...Option) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:      cfg,
		capacity: cfg.EffectiveCapacity(),
		rate:     1 / cfg.RefillInterval.Seconds(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.tokens = l.capacity
	l.lastRefill = l.now()
	return l
}

// Decide reports whether a request of priority p may proceed now. An allowed
// decision has already consumed its token (or bypass slot).
func (l *Limiter) Decide(p models.Priority) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refill(now)
	l.pruneBypasses(now)

	if now.Before(l.backoffUntil) {
		remaining := l.backoffUntil.Sub(now)
		if p != models.PriorityCritical {
			return l.deny(remaining, ReasonBackoff)
		}
		if l.bypassAvailable() {
			return l.bypass(now)
		}
		return l.deny(min(remaining, l.untilBypass(now)), ReasonBypassExhausted)
	}

	if l.tokens >= 1 {
		l.tokens--
		l.allowed++
		return Decision{Allowed: true, Reason: ReasonToken}
	}

	wait := l.untilToken()
	if p == models.PriorityCritical {
		if l.bypassAvailable() {
			return l.bypass(now)
		}
		return l.deny(min(wait, l.untilBypass(now)), ReasonBypassExhausted)
	}
	return l.deny(wait, ReasonBucketEmpty)
}

// RecordOutcome adapts the limiter to what the remote service answered.
// Tokens are not touched on success; they were consumed by Decide.
func (l *Limiter) RecordOutcome(p models.Priority, succeeded, wasRateLimited bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if wasRateLimited {
		l.refill(now)
		l.tokens = 0
		l.lastRefill = now
		l.failures++
		l.rateLimited++
		l.backoffUntil = now.Add(l.backoffFor(l.failures))
		return
	}
	if succeeded {
		l.failures = 0
	}
}

// InBackoff reports whether an adaptive backoff window is active.
func (l *Limiter) InBackoff() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.backoffUntil)
}

// RefillInterval is the time the bucket needs to regain one token.
func (l *Limiter) RefillInterval() time.Duration {
	return l.cfg.RefillInterval
}

// Stats returns a snapshot of the limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refill(now)
	l.pruneBypasses(now)

	st := Stats{
		Tokens:              l.tokens,
		Capacity:            l.capacity,
		RefillInterval:      l.cfg.RefillInterval,
		ConsecutiveFailures: l.failures,
		BypassesInWindow:    len(l.bypasses),
		BypassLimit:         l.cfg.CriticalBypassLimit,
		Allowed:             l.allowed,
		Denied:              l.denied,
		Bypassed:            l.bypassed,
		RateLimited:         l.rateLimited,
		SustainableRPM:      l.rate * 60,
	}
	if now.Before(l.backoffUntil) {
		st.InBackoff = true
		st.BackoffRemaining = l.backoffUntil.Sub(now)
		st.SustainableRPM = 0
	}
	return st
}

func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens = math.Min(l.capacity, l.tokens+elapsed*l.rate)
	l.lastRefill = now
}

func (l *Limiter) pruneBypasses(now time.Time) {
	cutoff := now.Add(-l.cfg.BypassWindow)
	i := 0
	for i < len(l.bypasses) && !l.bypasses[i].After(cutoff) {
		i++
	}
	l.bypasses = l.bypasses[i:]
}

func (l *Limiter) bypassAvailable() bool {
	return len(l.bypasses) < l.cfg.CriticalBypassLimit
}

func (l *Limiter) bypass(now time.Time) Decision {
	l.bypasses = append(l.bypasses, now)
	l.bypassed++
	l.allowed++
	return Decision{Allowed: true, Reason: ReasonCriticalBypass}
}

func (l *Limiter) deny(wait time.Duration, reason string) Decision {
	l.denied++
	return Decision{Wait: max(wait, time.Millisecond), Reason: reason}
}

// untilToken is the time until one whole token is available.
func (l *Limiter) untilToken() time.Duration {
	need := 1 - l.tokens
	if need <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(need / l.rate * float64(time.Second)))
}

// untilBypass is the time until the oldest bypass leaves the window.
// With no bypass allowance at all it falls back to a full window.
func (l *Limiter) untilBypass(now time.Time) time.Duration {
	if len(l.bypasses) == 0 {
		return l.cfg.BypassWindow
	}
	return l.bypasses[0].Add(l.cfg.BypassWindow).Sub(now)
}

// backoffFor returns min(base * mult^(failures-1), max).
func (l *Limiter) backoffFor(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	d := float64(l.cfg.BaseRecovery) * math.Pow(l.cfg.BackoffMultiplier, float64(failures-1))
	if d > float64(l.cfg.MaxBackoff) || math.IsInf(d, 0) {
		return l.cfg.MaxBackoff
	}
	return time.Duration(d)
}
