package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dashbot/internal/eventbus"
	logx "dashbot/pkg/logx"
)

// EventLoaded is published on the register bus after a (re)load, once per
// bound document that has data. The payload is a Loaded.
const EventLoaded = "storage.loaded"

const defaultDebounce = 2 * time.Second

// Loaded is the payload of EventLoaded.
type Loaded struct {
	Store string `json:"store"`
}

// Register keeps every named document in memory and writes through to the
// backend on each mutation.
type Register struct {
	backend  Backend
	log      logx.Logger
	events   *eventbus.Bus
	debounce time.Duration

	mu     sync.RWMutex
	data   map[string]json.RawMessage
	bound  map[string]bool
	closed bool
}

// NewRegister loads backend into memory. debounce applies to Watch; 0 uses 2s.
func NewRegister(ctx context.Context, backend Backend, log logx.Logger, debounce time.Duration) (*Register, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	r := &Register{
		backend:  backend,
		log:      log,
		events:   eventbus.NewBus(eventbus.WithLogger(log)),
		debounce: debounce,
		data:     map[string]json.RawMessage{},
		bound:    map[string]bool{},
	}
	if err := r.Load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Events returns the bus EventLoaded is published on.
func (r *Register) Events() *eventbus.Bus { return r.events }

// Bind marks name as a store that wants EventLoaded notifications.
func (r *Register) Bind(name string) {
	r.mu.Lock()
	r.bound[name] = true
	r.mu.Unlock()
}

// Load replaces the in-memory contents with the backend contents and notifies
// bound stores. In-memory state is replaced without reconciliation.
func (r *Register) Load(ctx context.Context) error {
	data, err := r.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("storage load: %w", err)
	}
	if data == nil {
		data = map[string]json.RawMessage{}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.data = data
	notify := make([]string, 0, len(r.bound))
	for name := range r.bound {
		if _, ok := data[name]; ok {
			notify = append(notify, name)
		}
	}
	r.mu.Unlock()

	r.log.Debug("storage loaded", logx.Int("documents", len(data)))
	for _, name := range notify {
		if _, err := r.events.Emit(ctx, eventbus.New(EventLoaded, Loaded{Store: name})); err != nil {
			r.log.Error("store reload handler failed", logx.String("store", name), logx.Err(err))
		}
	}
	return nil
}

// Get returns a copy of the raw document.
func (r *Register) Get(name string) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, ok := r.data[name]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), raw...), true
}

// Set replaces the document and persists the register.
func (r *Register) Set(ctx context.Context, name string, raw json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.commitLocked(ctx, name, append(json.RawMessage(nil), raw...), true)
}

// Clear removes the document and persists the register.
func (r *Register) Clear(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.commitLocked(ctx, name, nil, false)
}

// commitLocked applies one change and persists it. The in-memory document is
// restored when the backend refuses the write, so memory never runs ahead of
// what is stored.
func (r *Register) commitLocked(ctx context.Context, name string, raw json.RawMessage, present bool) error {
	prev, had := r.data[name]
	if present {
		r.data[name] = raw
	} else {
		delete(r.data, name)
	}
	if err := r.backend.Save(ctx, name, r.data); err != nil {
		if had {
			r.data[name] = prev
		} else {
			delete(r.data, name)
		}
		return fmt.Errorf("storage save %q: %w", name, err)
	}
	return nil
}

// Watch reloads the register whenever the backend reports an external change.
// Bursts of changes are collapsed into one reload after the debounce window.
// It returns immediately (nil) for backends that cannot be watched.
func (r *Register) Watch(ctx context.Context) error {
	w, ok := r.backend.(Watcher)
	if !ok {
		return nil
	}
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	return w.Watch(ctx, func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(r.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			if err := r.Load(ctx); err != nil {
				r.log.Warn("storage reload failed", logx.Err(err))
				return
			}
			r.log.Info("storage reloaded after external change")
		})
	})
}

func (r *Register) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.backend.Close()
}
