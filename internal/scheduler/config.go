package scheduler

import (
	"time"

	"thermal_client/internal/models"
)

// Config tunes the dispatch loop.
type Config struct {
	// Timeouts bound one execution per priority.
	Timeouts map[models.Priority]time.Duration
	// RetryBudgets is the number of retries after the first attempt.
	RetryBudgets map[models.Priority]int
	// RequeueBackoff pauses the whole loop after a 429.
	RequeueBackoff time.Duration
	// RetryDelay is multiplied by the attempt count before a transient retry.
	RetryDelay time.Duration
	// StuckCeiling force-resolves an execution that outlives it. It should
	// exceed the longest timeout so only executions ignoring their context trip it.
	StuckCeiling time.Duration
}

// DefaultConfig returns the stock dispatch settings.
func DefaultConfig() Config {
	return Config{
		Timeouts: map[models.Priority]time.Duration{
			models.PriorityCritical: 30 * time.Second,
			models.PriorityHigh:     20 * time.Second,
			models.PriorityNormal:   15 * time.Second,
			models.PriorityLow:      10 * time.Second,
		},
		RetryBudgets: map[models.Priority]int{
			models.PriorityCritical: 5,
			models.PriorityHigh:     3,
			models.PriorityNormal:   2,
			models.PriorityLow:      1,
		},
		RequeueBackoff: 5 * time.Second,
		RetryDelay:     time.Second,
		StuckCeiling:   45 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	timeouts := make(map[models.Priority]time.Duration, len(models.Priorities))
	budgets := make(map[models.Priority]int, len(models.Priorities))
	for _, p := range models.Priorities {
		timeouts[p] = d.Timeouts[p]
		if v, ok := c.Timeouts[p]; ok && v > 0 {
			timeouts[p] = v
		}
		budgets[p] = d.RetryBudgets[p]
		if v, ok := c.RetryBudgets[p]; ok && v >= 0 {
			budgets[p] = v
		}
	}
	c.Timeouts = timeouts
	c.RetryBudgets = budgets
	if c.RequeueBackoff < 0 {
		c.RequeueBackoff = d.RequeueBackoff
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.StuckCeiling <= 0 {
		c.StuckCeiling = d.StuckCeiling
	}
	return c
}
