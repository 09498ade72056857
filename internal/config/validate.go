package config

import (
	"fmt"
	"strings"
	"time"
)

// Defaults for the schedule section.
const (
	DefaultScheduleInterval   = 5000 * time.Millisecond
	DefaultMaxTimersPerPerson = 5
	DefaultRetryDelay         = time.Minute
	DefaultRetryMax           = 3
)

// Validate checks a parsed config before it is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required when telegram.enabled (or set %s)", EnvTelegramToken)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.debounce", cfg.Storage.Debounce); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3", "redis", "memory", "none":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	s := cfg.Schedule
	if _, err := ParseDurationField("schedule.interval", string(s.Interval)); err != nil {
		return err
	}
	if s.MaxTimersPerPerson != nil && *s.MaxTimersPerPerson < 0 {
		return fmt.Errorf("schedule.max_timers_per_person must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(s.OnDispatchError)) {
	case "", "drop", "requeue":
	default:
		return fmt.Errorf("schedule.on_dispatch_error must be drop or requeue, got %q", s.OnDispatchError)
	}
	if _, err := ParseDurationField("schedule.retry_delay", s.RetryDelay); err != nil {
		return err
	}
	if s.RetryMax < 0 {
		return fmt.Errorf("schedule.retry_max must be >= 0")
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}

	if cfg.Commands.RatePerMinute < 0 {
		return fmt.Errorf("commands.rate_per_minute must be >= 0")
	}
	if _, err := ParseDurationField("commands.timeout", cfg.Commands.Timeout); err != nil {
		return err
	}
	return nil
}

// ScheduleInterval returns the poll interval, defaulting to 5s.
func (s ScheduleConfig) ScheduleInterval() time.Duration {
	d, err := ParseDurationOrDefault("schedule.interval", string(s.Interval), DefaultScheduleInterval)
	if err != nil {
		return DefaultScheduleInterval
	}
	return d
}

// MaxTimers returns the per-owner quota; 0 means unlimited.
func (s ScheduleConfig) MaxTimers() int {
	if s.MaxTimersPerPerson == nil {
		return DefaultMaxTimersPerPerson
	}
	return *s.MaxTimersPerPerson
}
