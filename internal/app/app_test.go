package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashbot/internal/config"
	"dashbot/internal/eventbus"
	"dashbot/internal/transport"
	"dashbot/internal/transport/transporttest"
)

const testConfig = `
command_prefix: "!"
telegram:
  enabled: false
logging:
  level: error
storage:
  driver: memory
schedule:
  interval: 20
  max_timers_per_person: 2
commands:
  rate_per_minute: 0
`

func startApp(t *testing.T, server *transporttest.Server, before func(a *App)) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))
	cfgm := config.NewConfigManager(path)
	_, err := cfgm.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfgm, WithChatServer(server))
	require.NoError(t, err)
	if before != nil {
		before(a)
	}
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = a.Stop(stopCtx, StopAppStop)
		cancel()
	})
	return a
}

func sentTexts(s *transporttest.Server) []string {
	var out []string
	for _, m := range s.Sent() {
		out = append(out, m.Text)
	}
	return out
}

func TestReminderRoundTrip(t *testing.T) {
	server := transporttest.NewServer("S").AddChannel("C", true)
	startApp(t, server, nil)

	ctx := context.Background()
	require.NoError(t, server.Deliver(ctx, transport.Message{ChannelID: "C", FromID: "U1", Text: "!remind in 1s stretch"}))

	require.Eventually(t, func() bool { return len(server.Sent()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, strings.HasPrefix(server.Sent()[0].Text, `"stretch" at `), server.Sent()[0].Text)

	require.Eventually(t, func() bool {
		for _, s := range sentTexts(server) {
			if s == "Reminder: stretch" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestConnectedEventAndMessageCancel(t *testing.T) {
	server := transporttest.NewServer("S").AddChannel("C", true)

	var (
		mu        sync.Mutex
		connected []string
		seen      int
	)
	startApp(t, server, func(a *App) {
		eventbus.On(a.Bus(), EventConnected, func(_ context.Context, _ *eventbus.Event, p ServerEvent) error {
			mu.Lock()
			connected = append(connected, p.ServerID)
			mu.Unlock()
			return nil
		})
		a.Bus().On(EventMessage, func(_ context.Context, e *eventbus.Event) error {
			mu.Lock()
			seen++
			mu.Unlock()
			e.Cancel()
			return nil
		})
	})

	mu.Lock()
	assert.Equal(t, []string{"S"}, connected)
	mu.Unlock()

	require.NoError(t, server.Deliver(context.Background(), transport.Message{ChannelID: "C", FromID: "U1", Text: "!remind"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, server.Sent())
}

func TestQuotaFromConfig(t *testing.T) {
	server := transporttest.NewServer("S").AddChannel("C", true)
	a := startApp(t, server, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, server.Deliver(ctx, transport.Message{ChannelID: "C", FromID: "U1", Text: "!remind in 1h tea"}))
	}
	require.Eventually(t, func() bool { return len(server.Sent()) == 3 }, 2*time.Second, 10*time.Millisecond)

	n, err := a.Schedule().CountOwner(ctx, "S:U1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, server.Sent()[2].Text, "2")

	h := a.health()
	assert.Equal(t, 2, h["queue"])
	assert.Contains(t, h["commands"], "remind")
}
