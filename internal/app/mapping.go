package app

import (
	"strings"
	"time"

	"dashbot/internal/config"
	"dashbot/internal/observability"
	"dashbot/internal/schedule"
	"dashbot/internal/storage"
	"dashbot/internal/transport/telegram"
	logx "dashbot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			ChannelID:  l.Chat.ChannelID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	debounce, err := config.ParseDurationOrDefault("storage.debounce", sc.Debounce, 2*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./data/dashbot.json"
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        path,
		BusyTimeout: busy,
		Watch:       sc.Watch,
		Debounce:    debounce,
		Redis: storage.RedisConfig{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		},
	}, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	s := cfg.Schedule
	retryDelay, err := config.ParseDurationOrDefault("schedule.retry_delay", s.RetryDelay, config.DefaultRetryDelay)
	if err != nil {
		return schedule.Config{}, err
	}
	retryMax := s.RetryMax
	if retryMax == 0 {
		retryMax = config.DefaultRetryMax
	}
	return schedule.Config{
		Interval:           s.ScheduleInterval(),
		MaxTimersPerPerson: s.MaxTimers(),
		OnDispatchError:    schedule.ParsePolicy(s.OnDispatchError),
		RetryDelay:         retryDelay,
		RetryMax:           retryMax,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	t := cfg.Telegram
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: t.Token, ServerID: t.ServerID, PollTimeout: poll}, nil
}

func mapObservabilityConfig(cfg *config.Config) observability.Config {
	o := cfg.Observability
	return observability.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		PprofPrefix:   o.PprofPrefix,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  60 * time.Second,
	}
}

func mapRouterTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("commands.timeout", cfg.Commands.Timeout, 30*time.Second)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// location resolves schedule.timezone, falling back to the local zone.
func location(cfg *config.Config) *time.Location {
	tz := strings.TrimSpace(cfg.Schedule.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
