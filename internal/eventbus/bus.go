package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	logx "dashbot/pkg/logx"
)

// Handler is invoked for every emitted event whose name it subscribed to.
//
// A handler may call e.Cancel() to stop delivery to later handlers. A non-nil
// error also stops delivery and is returned to the emitter.
type Handler func(ctx context.Context, e *Event) error

// HandlerOption configures a registration.
type HandlerOption func(*registration)

// WithKey tags a registration so it can later be replaced or removed with Off.
// Registering again with the same key replaces the handler in place, keeping
// its position in the delivery order.
func WithKey(key string) HandlerOption {
	return func(r *registration) { r.key = key }
}

type registration struct {
	key string
	fn  Handler
}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(log logx.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// Bus delivers named events to registered handlers in registration order.
//
// There is no package-level instance: components that publish or subscribe
// receive a *Bus explicitly.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]registration

	log logx.Logger
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{handlers: map[string][]registration{}}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	return b
}

// On registers fn for events named name.
//
// Unkeyed registrations are append-only and may be duplicated; each copy fires.
func (b *Bus) On(name string, fn Handler, opts ...HandlerOption) {
	if fn == nil {
		return
	}
	r := registration{fn: fn}
	for _, o := range opts {
		o(&r)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[name]
	if r.key != "" {
		for i := range regs {
			if regs[i].key == r.key {
				// Copy-on-write: in-flight dispatches keep their snapshot.
				next := append([]registration(nil), regs...)
				next[i] = r
				b.handlers[name] = next
				return
			}
		}
	}
	b.handlers[name] = append(append([]registration(nil), regs...), r)
}

// Off removes the handler registered under key for name.
// It reports whether a registration was removed.
func (b *Bus) Off(name, key string) bool {
	if key == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[name]
	for i := range regs {
		if regs[i].key != key {
			continue
		}
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, name)
		} else {
			b.handlers[name] = next
		}
		return true
	}
	return false
}

// Len returns the number of handlers registered for name.
func (b *Bus) Len(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

func (b *Bus) snapshot(name string) []registration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlers[name]
}

// Emit delivers e synchronously to the handlers of e.Name, in registration
// order, and stops after the first handler that cancels the event.
//
// Handler errors are not swallowed: delivery stops and the error is returned
// together with the event. Panics propagate to the caller.
func (b *Bus) Emit(ctx context.Context, e *Event) (*Event, error) {
	if e == nil {
		return nil, nil
	}
	for i, r := range b.snapshot(e.Name) {
		if e.Cancelled() {
			break
		}
		if err := r.fn(ctx, e); err != nil {
			return e, fmt.Errorf("%s handler #%d: %w", e.Name, i, err)
		}
	}
	if e.Cancelled() {
		b.log.Trace("event cancelled", logx.String("event", e.Name))
	}
	return e, nil
}

// Dispatch is the outcome of EmitAsync.
type Dispatch struct {
	Event *Event
	Err   error
}

// EmitAsync runs the same ordered, cancellable dispatch as Emit on a separate
// goroutine. Handlers still run one at a time; each completes before the next
// starts. The returned channel yields exactly one Dispatch and is then closed.
//
// If ctx is done between two handlers, the dispatch stops with ctx.Err().
// A handler panic is recovered and reported as Dispatch.Err.
func (b *Bus) EmitAsync(ctx context.Context, e *Event) <-chan Dispatch {
	out := make(chan Dispatch, 1)
	regs := []registration(nil)
	if e != nil {
		regs = b.snapshot(e.Name)
	}
	go func() {
		defer close(out)
		out <- b.dispatchSeq(ctx, e, regs)
	}()
	return out
}

func (b *Bus) dispatchSeq(ctx context.Context, e *Event, regs []registration) (d Dispatch) {
	d.Event = e
	if e == nil {
		return d
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				logx.String("event", e.Name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			d.Err = fmt.Errorf("%s handler panic: %v", e.Name, r)
		}
	}()
	for i, r := range regs {
		if e.Cancelled() {
			return d
		}
		if err := ctx.Err(); err != nil {
			d.Err = err
			return d
		}
		if err := r.fn(ctx, e); err != nil {
			d.Err = fmt.Errorf("%s handler #%d: %w", e.Name, i, err)
			return d
		}
	}
	return d
}

// Await blocks until the dispatch started by EmitAsync finishes or ctx is done.
func Await(ctx context.Context, ch <-chan Dispatch) (*Event, error) {
	select {
	case d := <-ch:
		return d.Event, d.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
