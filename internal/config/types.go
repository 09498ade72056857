package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Config struct {
	BotName       string `json:"bot_name,omitempty"`
	CommandPrefix string `json:"command_prefix,omitempty"`

	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Schedule      ScheduleConfig      `json:"schedule"`
	Commands      CommandsConfig      `json:"commands,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// ServerID names this chat server in reminder payloads. Default "telegram".
	ServerID string `json:"server_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the document store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/dashbot.json", "watch": true }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path"`
	Watch       bool        `json:"watch,omitempty"`
	Debounce    string      `json:"debounce,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// ScheduleConfig controls the scheduled-event queue.
//
// Interval accepts a Go duration string ("5s") or a bare number of
// milliseconds (5000). MaxTimersPerPerson is a pointer so an explicit 0
// (quota disabled) differs from an omitted value (default 5).
type ScheduleConfig struct {
	Interval           Millis `json:"interval,omitempty"`
	MaxTimersPerPerson *int   `json:"max_timers_per_person,omitempty"`
	OnDispatchError    string `json:"on_dispatch_error,omitempty"` // drop | requeue
	RetryDelay         string `json:"retry_delay,omitempty"`
	RetryMax           int    `json:"retry_max,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
}

// CommandsConfig controls the command router.
type CommandsConfig struct {
	// RatePerMinute limits commands per user. 0 disables the limit.
	RatePerMinute int    `json:"rate_per_minute,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

// ObservabilityConfig controls the optional HTTP server (/healthz, /metrics, pprof).
//
// Prefer binding to localhost. A non-loopback address needs a token or
// allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:9090"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default "/debug/pprof/"
}

// Millis is a duration given either as a Go duration string or as an integer
// number of milliseconds. It is kept as the raw string and parsed on use.
type Millis string

func (m *Millis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*m = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*m = Millis(strings.TrimSpace(s))
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("interval: expected duration string or milliseconds, got %s", b)
	}
	*m = Millis(strconv.FormatInt(n, 10) + "ms")
	return nil
}
