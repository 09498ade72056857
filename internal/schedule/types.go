package schedule

import (
	"strings"
	"time"

	"dashbot/internal/eventbus"
)

// StoreName is the storage document holding the queue.
const StoreName = "ScheduleService"

// Entry is one pending event.
type Entry struct {
	Timestamp int64           `json:"timestamp"` // epoch millis
	Event     *eventbus.Event `json:"event"`
	Owner     string          `json:"owner"`
	// Attempts counts failed dispatches under the requeue policy.
	Attempts int `json:"attempts,omitempty"`
}

// Due returns the entry timestamp as a time.
func (e Entry) Due() time.Time { return time.UnixMilli(e.Timestamp) }

// Document is the persisted shape of the queue.
type Document struct {
	Events []Entry `json:"events"`
}

// Policy decides what happens to a drained entry whose dispatch failed.
type Policy string

const (
	PolicyDrop    Policy = "drop"
	PolicyRequeue Policy = "requeue"
)

// ParsePolicy maps a config value to a Policy; unknown values drop.
func ParsePolicy(s string) Policy {
	if strings.EqualFold(strings.TrimSpace(s), string(PolicyRequeue)) {
		return PolicyRequeue
	}
	return PolicyDrop
}

// Config controls the service.
//
// MaxTimersPerPerson caps the entries one owner may hold; 0 disables the cap.
// RetryDelay and RetryMax only apply to PolicyRequeue.
type Config struct {
	Interval           time.Duration
	MaxTimersPerPerson int
	OnDispatchError    Policy
	RetryDelay         time.Duration
	RetryMax           int
}

const (
	defaultInterval   = 5000 * time.Millisecond
	defaultRetryDelay = time.Minute
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.MaxTimersPerPerson < 0 {
		c.MaxTimersPerPerson = 0
	}
	if c.OnDispatchError == "" {
		c.OnDispatchError = PolicyDrop
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}
