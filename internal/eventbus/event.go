package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoPayload is returned by Decode when the event carries no data.
var ErrNoPayload = errors.New("eventbus: event has no payload")

// Event is a named payload delivered to every handler registered for Name.
//
// Contract:
//   - Name and Data are set by the producer and treated as read-only by handlers.
//   - Cancel is one-way. Once an event is cancelled, the remaining handlers of
//     the current dispatch are skipped.
//
// Events persisted as JSON round-trip as {"name": ..., "data": ...}; after a
// decode, Data holds a json.RawMessage until a typed reader calls Decode.
type Event struct {
	Name string
	Data any

	cancelled bool
}

// New returns a fresh, non-cancelled event.
func New(name string, data any) *Event {
	return &Event{Name: name, Data: data}
}

// Cancel stops delivery to the handlers that have not run yet.
func (e *Event) Cancel() { e.cancelled = true }

// Cancelled reports whether a handler cancelled the event.
func (e *Event) Cancelled() bool { return e.cancelled }

type wireEvent struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Name: e.Name}
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("event %q data: %w", e.Name, err)
		}
		w.Data = b
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.Name = w.Name
	e.Data = nil
	if len(w.Data) > 0 && string(w.Data) != "null" {
		e.Data = w.Data
	}
	e.cancelled = false
	return nil
}

// Decode returns the event payload as T.
//
// The payload may be a T, a *T, raw JSON (events loaded from storage) or any
// value that JSON-encodes into T.
func Decode[T any](e *Event) (T, error) {
	var zero T
	if e == nil || e.Data == nil {
		return zero, ErrNoPayload
	}
	switch v := e.Data.(type) {
	case T:
		return v, nil
	case *T:
		if v == nil {
			return zero, ErrNoPayload
		}
		return *v, nil
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(v, &out); err != nil {
			return zero, fmt.Errorf("decode %q payload: %w", e.Name, err)
		}
		return out, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return zero, fmt.Errorf("decode %q payload: %w", e.Name, err)
		}
		var out T
		if err := json.Unmarshal(b, &out); err != nil {
			return zero, fmt.Errorf("decode %q payload: %w", e.Name, err)
		}
		return out, nil
	}
}
