// Package router turns chat messages into command invocations.
//
// Every invocation is bracketed by EventBeforeRunCommand and
// EventAfterRunCommand on the application bus. A beforeRunCommand handler
// that cancels the event stops the command from running.
package router

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dashbot/internal/eventbus"
	"dashbot/internal/transport"
	logx "dashbot/pkg/logx"
)

const DefaultPrefix = "/"

type Option func(*Router)

func WithPrefix(p string) Option {
	return func(r *Router) { r.SetPrefix(p) }
}

func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithRegisterer exports per-command counters.
func WithRegisterer(reg prometheus.Registerer, namespace string) Option {
	return func(r *Router) {
		r.runs = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Command invocations by command and result",
		}, []string{"command", "result"})
	}
}

type Router struct {
	bus *eventbus.Bus
	log logx.Logger

	mu       sync.RWMutex
	prefix   string
	timeout  time.Duration
	commands map[string]Command

	runs *prometheus.CounterVec
	now  func() time.Time
}

func New(bus *eventbus.Bus, log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.NewBus(eventbus.WithLogger(log))
	}
	r := &Router{
		bus:      bus,
		log:      log,
		prefix:   DefaultPrefix,
		commands: map[string]Command{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) Bus() *eventbus.Bus { return r.bus }

// SetPrefix changes the command prefix; empty restores the default.
func (r *Router) SetPrefix(p string) {
	p = strings.TrimSpace(p)
	if p == "" {
		p = DefaultPrefix
	}
	r.mu.Lock()
	r.prefix = p
	r.mu.Unlock()
}

func (r *Router) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Register binds name (case-insensitive) to cmd, replacing any previous binding.
func (r *Router) Register(name string, cmd Command) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || cmd == nil {
		return
	}
	r.mu.Lock()
	r.commands[name] = cmd
	r.mu.Unlock()
	r.log.Debug("command registered", logx.String("command", name))
}

func (r *Router) Unregister(name string) {
	r.mu.Lock()
	delete(r.commands, strings.ToLower(strings.TrimSpace(name)))
	r.mu.Unlock()
}

// Commands returns the registered command names, sorted.
func (r *Router) Commands() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.commands))
	for n := range r.commands {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Handle runs the command in msg, if any. It reports whether msg addressed a
// registered command; err is the command's (or a beforeRunCommand handler's)
// error.
func (r *Router) Handle(ctx context.Context, server transport.ChatServer, msg *transport.Message) (bool, error) {
	if msg == nil {
		return false, nil
	}
	r.mu.RLock()
	prefix, timeout := r.prefix, r.timeout
	r.mu.RUnlock()

	name, args, ok := parseCommand(prefix, msg.Text)
	if !ok {
		return false, nil
	}
	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		r.log.Debug("unknown command", logx.String("command", name), logx.String("from", msg.FromID))
		return false, nil
	}

	id := uuid.NewString()
	req := &Request{
		ID:       id,
		Server:   server,
		Message:  msg,
		Command:  name,
		Args:     args,
		Received: r.now(),
		Logger:   r.log.With(logx.String("req", id), logx.String("command", name)),
	}

	before, err := r.bus.Emit(ctx, eventbus.New(EventBeforeRunCommand, &CommandEvent{Request: req}))
	if err != nil {
		r.count(name, "error")
		return true, err
	}
	if before.Cancelled() {
		r.count(name, "cancelled")
		req.Logger.Debug("command cancelled before run")
		return true, nil
	}

	h := Chain(cmd.Run, PanicRecover(), RequestLog(), Timeout(timeout))
	runErr := h(ctx, req)
	if runErr != nil {
		r.count(name, "error")
	} else {
		r.count(name, "ok")
	}

	if _, err := r.bus.Emit(ctx, eventbus.New(EventAfterRunCommand, &CommandEvent{Request: req, Err: runErr})); err != nil {
		req.Logger.Warn("afterRunCommand handler failed", logx.Err(err))
	}
	return true, runErr
}

func (r *Router) count(command, result string) {
	if r.runs == nil {
		return
	}
	r.runs.WithLabelValues(command, result).Inc()
}
