package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"dashbot/internal/eventbus"
	logx "dashbot/pkg/logx"
)

// Document is a typed view of one named document in a Register.
type Document[T any] struct {
	name string
	reg  *Register
}

// NewDocument returns the typed store name. When bind is true the document
// receives OnLoaded notifications on every register (re)load.
func NewDocument[T any](reg *Register, name string, bind bool) *Document[T] {
	if bind {
		reg.Bind(name)
	}
	return &Document[T]{name: name, reg: reg}
}

func (d *Document[T]) Name() string { return d.name }

// Get decodes the document. ok is false when it does not exist.
func (d *Document[T]) Get() (v T, ok bool, err error) {
	raw, ok := d.reg.Get(d.name)
	if !ok {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, true, fmt.Errorf("decode %q: %w", d.name, err)
	}
	return v, true, nil
}

// GetOrInit returns the document, or writes and returns def() when the
// document is absent or does not decode as T.
func (d *Document[T]) GetOrInit(ctx context.Context, def func() T) (T, error) {
	v, ok, err := d.Get()
	if ok && err == nil {
		return v, nil
	}
	if err != nil {
		d.reg.log.Warn("document corrupt; replacing with default", logx.String("store", d.name), logx.Err(err))
	}
	v = def()
	if err := d.Set(ctx, v); err != nil {
		return v, err
	}
	return v, nil
}

// Set encodes v and persists it.
func (d *Document[T]) Set(ctx context.Context, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", d.name, err)
	}
	return d.reg.Set(ctx, d.name, raw)
}

func (d *Document[T]) Clear(ctx context.Context) error {
	return d.reg.Clear(ctx, d.name)
}

// OnLoaded calls fn after each register (re)load that contains this document.
// The document must have been created with bind=true.
func (d *Document[T]) OnLoaded(fn func(ctx context.Context) error) {
	d.reg.Events().On(EventLoaded, func(ctx context.Context, e *eventbus.Event) error {
		l, err := eventbus.Decode[Loaded](e)
		if err != nil || l.Store != d.name {
			return nil
		}
		return fn(ctx)
	}, eventbus.WithKey("document:"+d.name))
}
