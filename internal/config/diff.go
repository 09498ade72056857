package config

import (
	"strings"

	logx "dashbot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log fields
// describing them. Secrets (tokens, passwords) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	fields := make([]logx.Field, 0, 12)

	if oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		changed = append(changed, "telegram")
		fields = append(fields, logx.Bool("telegram.enabled", newCfg.Telegram.Enabled))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	if oldCfg.Storage.Driver != newCfg.Storage.Driver || oldCfg.Storage.Path != newCfg.Storage.Path ||
		oldCfg.Storage.Watch != newCfg.Storage.Watch || oldCfg.Storage.Redis.Addr != newCfg.Storage.Redis.Addr {
		// Storage changes need a restart; still surface them.
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Schedule.ScheduleInterval() != newCfg.Schedule.ScheduleInterval() ||
		oldCfg.Schedule.MaxTimers() != newCfg.Schedule.MaxTimers() ||
		oldCfg.Schedule.OnDispatchError != newCfg.Schedule.OnDispatchError ||
		oldCfg.Schedule.RetryDelay != newCfg.Schedule.RetryDelay ||
		oldCfg.Schedule.RetryMax != newCfg.Schedule.RetryMax ||
		oldCfg.Schedule.Timezone != newCfg.Schedule.Timezone {
		changed = append(changed, "schedule")
		fields = append(fields,
			logx.Duration("schedule.interval", newCfg.Schedule.ScheduleInterval()),
			logx.Int("schedule.max_timers_per_person", newCfg.Schedule.MaxTimers()),
			logx.String("schedule.on_dispatch_error", newCfg.Schedule.OnDispatchError),
		)
	}
	if oldCfg.Commands != newCfg.Commands || oldCfg.CommandPrefix != newCfg.CommandPrefix {
		changed = append(changed, "commands")
		fields = append(fields, logx.Int("commands.rate_per_minute", newCfg.Commands.RatePerMinute))
	}
	if oldCfg.Observability.Enabled != newCfg.Observability.Enabled ||
		oldCfg.Observability.Addr != newCfg.Observability.Addr ||
		oldCfg.Observability.Pprof != newCfg.Observability.Pprof ||
		oldCfg.Observability.PprofPrefix != newCfg.Observability.PprofPrefix ||
		oldCfg.Observability.AllowInsecure != newCfg.Observability.AllowInsecure ||
		(oldCfg.Observability.Token != "") != (newCfg.Observability.Token != "") {
		changed = append(changed, "observability")
		fields = append(fields,
			logx.Bool("observability.enabled", newCfg.Observability.Enabled),
			logx.String("observability.addr", newCfg.Observability.Addr),
		)
	}
	return changed, fields
}
