package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the scheduler service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Options tune one schedule.
type Options struct {
	// Timeout bounds a single run. 0 means unbounded.
	Timeout time.Duration
	// RunOnStart triggers one run as soon as the schedule is active.
	RunOnStart bool
}

type scheduleDef struct {
	name    string
	spec    string
	sched   cron.Schedule
	opt     Options
	job     Job
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
	fails   atomic.Uint64

	// last* are guarded by Service.mu.
	lastStart time.Time
	lastTook  time.Duration
	lastErr   string
}

type ScheduleInfo struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Next      time.Time     `json:"next,omitempty"`
	Running   bool          `json:"running"`
	Runs      uint64        `json:"runs"`
	Skips     uint64        `json:"skips"`
	Fails     uint64        `json:"fails"`
	LastStart time.Time     `json:"last_start,omitempty"`
	LastTook  time.Duration `json:"last_took"`
	LastErr   string        `json:"last_err,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
