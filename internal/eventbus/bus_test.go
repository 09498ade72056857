package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	b := NewBus()
	var got []int
	for i := 0; i < 3; i++ {
		i := i
		b.On("x", func(ctx context.Context, e *Event) error {
			got = append(got, i)
			return nil
		})
	}
	_, err := b.Emit(context.Background(), New("x", nil))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestEmitStopsAfterCancel(t *testing.T) {
	b := NewBus()
	var got []string
	b.On("x", func(ctx context.Context, e *Event) error { got = append(got, "a"); return nil })
	b.On("x", func(ctx context.Context, e *Event) error { got = append(got, "b"); e.Cancel(); return nil })
	b.On("x", func(ctx context.Context, e *Event) error { got = append(got, "c"); return nil })

	e, err := b.Emit(context.Background(), New("x", nil))
	require.NoError(t, err)
	assert.True(t, e.Cancelled())
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestEmitReturnsHandlerError(t *testing.T) {
	b := NewBus()
	boom := errors.New("boom")
	called := false
	b.On("x", func(ctx context.Context, e *Event) error { return boom })
	b.On("x", func(ctx context.Context, e *Event) error { called = true; return nil })

	_, err := b.Emit(context.Background(), New("x", nil))
	require.ErrorIs(t, err, boom)
	assert.False(t, called)
}

func TestEmitWithoutHandlers(t *testing.T) {
	e, err := NewBus().Emit(context.Background(), New("nobody", 1))
	require.NoError(t, err)
	assert.False(t, e.Cancelled())
}

func TestKeyedRegistrationReplacesInPlace(t *testing.T) {
	b := NewBus()
	var got []string
	b.On("x", func(ctx context.Context, e *Event) error { got = append(got, "old"); return nil }, WithKey("k"))
	b.On("x", func(ctx context.Context, e *Event) error { got = append(got, "tail"); return nil })
	b.On("x", func(ctx context.Context, e *Event) error { got = append(got, "new"); return nil }, WithKey("k"))

	assert.Equal(t, 2, b.Len("x"))
	_, err := b.Emit(context.Background(), New("x", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "tail"}, got)

	assert.True(t, b.Off("x", "k"))
	assert.False(t, b.Off("x", "k"))
	assert.Equal(t, 1, b.Len("x"))
}

func TestEmitAsyncRunsSequentially(t *testing.T) {
	b := NewBus()
	var got []int
	b.On("x", func(ctx context.Context, e *Event) error {
		time.Sleep(5 * time.Millisecond)
		got = append(got, 1)
		return nil
	})
	b.On("x", func(ctx context.Context, e *Event) error { got = append(got, 2); return nil })

	e, err := Await(context.Background(), b.EmitAsync(context.Background(), New("x", nil)))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []int{1, 2}, got)
}

func TestEmitAsyncStopsAfterCancel(t *testing.T) {
	b := NewBus()
	var ran []int
	b.On("x", func(ctx context.Context, e *Event) error { ran = append(ran, 1); return nil })
	b.On("x", func(ctx context.Context, e *Event) error {
		ran = append(ran, 2)
		e.Cancel()
		return nil
	})
	b.On("x", func(ctx context.Context, e *Event) error { ran = append(ran, 3); return nil })

	e, err := Await(context.Background(), b.EmitAsync(context.Background(), New("x", nil)))
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.Cancelled())
	assert.Equal(t, []int{1, 2}, ran)
}

func TestEmitAsyncRecoversPanic(t *testing.T) {
	b := NewBus()
	b.On("x", func(ctx context.Context, e *Event) error { panic("nope") })
	_, err := Await(context.Background(), b.EmitAsync(context.Background(), New("x", nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestEmitAsyncHonoursContext(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	second := false
	b.On("x", func(ctx context.Context, e *Event) error { cancel(); return nil })
	b.On("x", func(ctx context.Context, e *Event) error { second = true; return nil })

	d := <-b.EmitAsync(ctx, New("x", nil))
	require.ErrorIs(t, d.Err, context.Canceled)
	assert.False(t, second)
}

func TestTypedOn(t *testing.T) {
	type payload struct {
		Text string `json:"text"`
	}
	b := NewBus()
	var got []string
	On(b, "x", func(ctx context.Context, e *Event, p payload) error {
		got = append(got, p.Text)
		return nil
	})

	_, err := b.Emit(context.Background(), New("x", payload{Text: "value"}))
	require.NoError(t, err)
	_, err = b.Emit(context.Background(), New("x", &payload{Text: "pointer"}))
	require.NoError(t, err)
	_, err = b.Emit(context.Background(), New("x", json.RawMessage(`{"text":"raw"}`)))
	require.NoError(t, err)
	_, err = b.Emit(context.Background(), New("x", map[string]any{"text": "map"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"value", "pointer", "raw", "map"}, got)
}

func TestEventJSONRoundTripKeepsRawPayload(t *testing.T) {
	in := New("reminder", map[string]string{"reminder": "tea"})
	in.Cancel()
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"reminder","data":{"reminder":"tea"}}`, string(b))

	var out Event
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "reminder", out.Name)
	assert.False(t, out.Cancelled())
	_, isRaw := out.Data.(json.RawMessage)
	assert.True(t, isRaw)

	v, err := Decode[map[string]string](&out)
	require.NoError(t, err)
	assert.Equal(t, "tea", v["reminder"])
}

func TestDecodeWithoutPayload(t *testing.T) {
	_, err := Decode[string](New("x", nil))
	assert.ErrorIs(t, err, ErrNoPayload)
}
