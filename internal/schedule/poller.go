package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	logx "dashbot/pkg/logx"
)

// every fires at a fixed period with millisecond precision. cron's own
// ConstantDelaySchedule rounds to whole seconds.
type every time.Duration

func (d every) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// cronLogger routes cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	if l.log.Enabled(logx.LevelTrace) {
		l.log.Trace(msg, kvFields(kv)...)
	}
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

// Start begins polling every Interval. A tick that finds the previous drain
// still running is skipped. Calling Start on a running service does nothing.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.c != nil {
		return
	}
	cfg := s.config()
	s.parent = ctx
	ctx, cancel := context.WithCancel(ctx)
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(every(cfg.Interval), cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.CheckForEvents(ctx); err != nil {
			s.log.Warn("poll failed", logx.Err(err))
		}
	}))
	c.Start()
	s.c = c
	s.cancel = cancel
	s.log.Info("poller started", logx.Duration("interval", cfg.Interval))
}

// Stop halts polling and waits for an in-flight drain, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.runMu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.runMu.Unlock()
	if c == nil {
		return
	}
	start := time.Now()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	cancel()
	s.log.Info("poller stopped", logx.Duration("took", time.Since(start)))
}

// restart re-creates the poller under the context Start was given, so a new
// interval takes effect.
func (s *Service) restart(ctx context.Context) {
	s.runMu.Lock()
	parent := s.parent
	running := s.c != nil
	s.runMu.Unlock()
	if !running {
		return
	}
	s.Stop(ctx)
	s.Start(parent)
}

// Running reports whether the poller is active.
func (s *Service) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.c != nil
}
