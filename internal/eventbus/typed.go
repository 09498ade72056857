package eventbus

import "context"

// On registers a handler that receives the event payload decoded as T.
// A payload that cannot be decoded into T is reported as the handler's error.
func On[T any](b *Bus, name string, fn func(ctx context.Context, e *Event, data T) error, opts ...HandlerOption) {
	if b == nil || fn == nil {
		return
	}
	b.On(name, func(ctx context.Context, e *Event) error {
		data, err := Decode[T](e)
		if err != nil {
			return err
		}
		return fn(ctx, e, data)
	}, opts...)
}
