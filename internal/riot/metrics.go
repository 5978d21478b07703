package riot

import (
	"sync/atomic"
	"time"
)

// Metrics is a snapshot of the client's request counters.
type Metrics struct {
	Requests    uint64    `json:"requests"`
	RateLimited uint64    `json:"rate_limited"`
	Failures    uint64    `json:"failures"`
	Since       time.Time `json:"since"`
}

// PerMinute is the average request rate since the client was created.
func (m Metrics) PerMinute(now time.Time) float64 {
	mins := now.Sub(m.Since).Minutes()
	if mins <= 0 {
		return 0
	}
	return float64(m.Requests) / mins
}

type counters struct {
	since       time.Time
	requests    atomic.Uint64
	rateLimited atomic.Uint64
	failures    atomic.Uint64
}

func (c *Client) Metrics() Metrics {
	return Metrics{
		Requests:    c.stats.requests.Load(),
		RateLimited: c.stats.rateLimited.Load(),
		Failures:    c.stats.failures.Load(),
		Since:       c.stats.since,
	}
}
