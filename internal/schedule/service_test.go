package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashbot/internal/eventbus"
	"dashbot/internal/storage"
	logx "dashbot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) handler(ctx context.Context, e *eventbus.Event, data string) error {
	r.mu.Lock()
	r.seen = append(r.seen, data)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func newTestService(t *testing.T, cfg Config, opts ...Option) (*Service, *storage.MemoryBackend, *fakeClock) {
	t.Helper()
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	reg, err := storage.NewRegister(ctx, backend, logx.Nop(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc := New(cfg, reg, nil, logx.Nop(), opts...)
	_, err = svc.Pending(ctx)
	require.NoError(t, err)
	return svc, backend, clock
}

func TestQueueEventKeepsTimestampOrderAndFIFOTies(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, Config{})
	now := clock.Now()

	for _, tc := range []struct {
		at   time.Time
		data string
	}{
		{now.Add(2 * time.Minute), "late"},
		{now.Add(time.Minute), "tie-1"},
		{now.Add(time.Minute), "tie-2"},
		{now.Add(30 * time.Second), "early"},
	} {
		ok, err := svc.QueueEvent(ctx, tc.at, eventbus.New("ping", tc.data), "u1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	q, err := svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, q, 4)

	var order []string
	for _, e := range q {
		s, err := eventbus.Decode[string](e.Event)
		require.NoError(t, err)
		order = append(order, s)
	}
	assert.Equal(t, []string{"early", "tie-1", "tie-2", "late"}, order)
}

func TestQueueEventRejectsEmptyName(t *testing.T) {
	svc, _, clock := newTestService(t, Config{})
	_, err := svc.QueueEvent(context.Background(), clock.Now(), eventbus.New("", nil), "u1")
	assert.Error(t, err)
}

func TestQueueEventOwnerCap(t *testing.T) {
	ctx := context.Background()
	svc, backend, clock := newTestService(t, Config{MaxTimersPerPerson: 5})
	at := clock.Now().Add(time.Hour)

	for i := 0; i < 5; i++ {
		ok, err := svc.QueueEvent(ctx, at, eventbus.New("ping", i), "u1")
		require.NoError(t, err)
		require.True(t, ok, "call %d", i+1)
	}

	writes := backend.Saves()
	for i := 0; i < 2; i++ {
		ok, err := svc.QueueEvent(ctx, at, eventbus.New("ping", i), "u1")
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, writes, backend.Saves(), "refused admissions must not write")

	ok, err := svc.QueueEvent(ctx, at, eventbus.New("ping", 0), "u2")
	require.NoError(t, err)
	assert.True(t, ok, "cap is per owner")

	n, err := svc.CountOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestQueueEventZeroCapIsUnlimited(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, Config{MaxTimersPerPerson: 0})
	for i := 0; i < 20; i++ {
		ok, err := svc.QueueEvent(ctx, clock.Now(), eventbus.New("ping", i), "u1")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestCheckForEventsDrainsDueInOrderWithOneWrite(t *testing.T) {
	ctx := context.Background()
	svc, backend, clock := newTestService(t, Config{})
	rec := &recorder{}
	eventbus.On(svc.Bus(), "ping", rec.handler)

	now := clock.Now()
	_, err := svc.QueueEvent(ctx, now.Add(100*time.Second), eventbus.New("ping", "future"), "u1")
	require.NoError(t, err)
	_, err = svc.QueueEvent(ctx, now.Add(-5*time.Second), eventbus.New("ping", "second"), "u1")
	require.NoError(t, err)
	_, err = svc.QueueEvent(ctx, now.Add(-10*time.Second), eventbus.New("ping", "first"), "u1")
	require.NoError(t, err)

	before := backend.Saves()
	n, err := svc.CheckForEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"first", "second"}, rec.Seen())
	assert.Equal(t, before+1, backend.Saves())

	q, err := svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, now.Add(100*time.Second).UnixMilli(), q[0].Timestamp)

	before = backend.Saves()
	n, err = svc.CheckForEvents(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, before, backend.Saves(), "idle poll must not write")
}

func TestCheckForEventsEntryDueExactlyNow(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, Config{})
	rec := &recorder{}
	eventbus.On(svc.Bus(), "ping", rec.handler)

	_, err := svc.QueueEvent(ctx, clock.Now(), eventbus.New("ping", "now"), "u1")
	require.NoError(t, err)
	n, err := svc.CheckForEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"now"}, rec.Seen())
}

func TestCheckForEventsHandlerMayQueue(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, Config{})

	svc.Bus().On("ping", func(ctx context.Context, e *eventbus.Event) error {
		_, err := svc.QueueEvent(ctx, clock.Now().Add(time.Minute), eventbus.New("pong", nil), "u1")
		return err
	})
	_, err := svc.QueueEvent(ctx, clock.Now(), eventbus.New("ping", nil), "u1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err = svc.CheckForEvents(ctx)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CheckForEvents deadlocked")
	}
	require.NoError(t, err)

	q, err := svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, "pong", q[0].Event.Name)
}

func TestCheckForEventsCancelledEventStopsHandlers(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, Config{})
	called := false
	svc.Bus().On("ping", func(ctx context.Context, e *eventbus.Event) error {
		e.Cancel()
		return nil
	})
	svc.Bus().On("ping", func(ctx context.Context, e *eventbus.Event) error {
		called = true
		return nil
	})
	_, err := svc.QueueEvent(ctx, clock.Now(), eventbus.New("ping", nil), "u1")
	require.NoError(t, err)
	_, err = svc.CheckForEvents(ctx)
	require.NoError(t, err)
	assert.False(t, called)
}

func TestCheckForEventsDropPolicy(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, Config{OnDispatchError: PolicyDrop})
	svc.Bus().On("ping", func(ctx context.Context, e *eventbus.Event) error {
		return errors.New("boom")
	})
	_, err := svc.QueueEvent(ctx, clock.Now(), eventbus.New("ping", nil), "u1")
	require.NoError(t, err)

	n, err := svc.CheckForEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	q, err := svc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, q)
}

func TestCheckForEventsRequeuePolicy(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, Config{
		OnDispatchError: PolicyRequeue,
		RetryDelay:      time.Minute,
		RetryMax:        1,
	})
	calls := 0
	svc.Bus().On("ping", func(ctx context.Context, e *eventbus.Event) error {
		calls++
		return errors.New("boom")
	})
	_, err := svc.QueueEvent(ctx, clock.Now(), eventbus.New("ping", nil), "u1")
	require.NoError(t, err)

	_, err = svc.CheckForEvents(ctx)
	require.NoError(t, err)
	q, err := svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, 1, q[0].Attempts)
	assert.Equal(t, clock.Now().Add(time.Minute).UnixMilli(), q[0].Timestamp)

	clock.Advance(time.Minute)
	_, err = svc.CheckForEvents(ctx)
	require.NoError(t, err)
	q, err = svc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, q, "retry budget exhausted")
	assert.Equal(t, 2, calls)
}

func TestCheckForEventsRecoversHandlerPanic(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, Config{})
	rec := &recorder{}
	svc.Bus().On("boom", func(ctx context.Context, e *eventbus.Event) error {
		panic("handler exploded")
	})
	eventbus.On(svc.Bus(), "ping", rec.handler)

	_, err := svc.QueueEvent(ctx, clock.Now().Add(-time.Second), eventbus.New("boom", nil), "u1")
	require.NoError(t, err)
	_, err = svc.QueueEvent(ctx, clock.Now(), eventbus.New("ping", "after"), "u1")
	require.NoError(t, err)

	n, err := svc.CheckForEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"after"}, rec.Seen())
}

func TestMalformedDocumentIsReset(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	reg, err := storage.NewRegister(ctx, backend, logx.Nop(), 0)
	require.NoError(t, err)
	require.NoError(t, reg.Set(ctx, StoreName, []byte(`"not a queue"`)))

	svc := New(Config{}, reg, nil, logx.Nop())
	q, err := svc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, q)

	raw, ok := reg.Get(StoreName)
	require.True(t, ok)
	assert.JSONEq(t, `{"events":[]}`, string(raw))
}

func TestUnsortedDocumentIsReordered(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	reg, err := storage.NewRegister(ctx, backend, logx.Nop(), 0)
	require.NoError(t, err)
	require.NoError(t, reg.Set(ctx, StoreName, []byte(`{"events":[
		{"timestamp":3000,"event":{"name":"c"},"owner":"u"},
		{"timestamp":1000,"event":{"name":"a"},"owner":"u"},
		{"timestamp":2000,"event":null,"owner":"u"},
		{"timestamp":2000,"event":{"name":"b"},"owner":"u"}
	]}`)))

	svc := New(Config{}, reg, nil, logx.Nop())
	q, err := svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, q, 3)
	assert.Equal(t, "a", q[0].Event.Name)
	assert.Equal(t, "b", q[1].Event.Name)
	assert.Equal(t, "c", q[2].Event.Name)
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "storage.json")}
	at := time.Now().Add(-time.Second)

	reg, err := storage.Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	svc := New(Config{}, reg, nil, logx.Nop())
	ok, err := svc.QueueEvent(ctx, at, eventbus.New("ping", "persisted"), "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, reg.Close())

	reg, err = storage.Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	defer reg.Close()
	svc = New(Config{}, reg, nil, logx.Nop())
	rec := &recorder{}
	eventbus.On(svc.Bus(), "ping", rec.handler)

	n, err := svc.CheckForEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"persisted"}, rec.Seen())
}

func TestPollerDrainsAndStopsIdempotently(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, Config{Interval: 10 * time.Millisecond})
	rec := &recorder{}
	eventbus.On(svc.Bus(), "ping", rec.handler)

	_, err := svc.QueueEvent(ctx, clock.Now().Add(time.Second), eventbus.New("ping", "tick"), "u1")
	require.NoError(t, err)

	svc.Start(ctx)
	svc.Start(ctx)
	assert.True(t, svc.Running())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(rec.Seen()) == 1 }, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	svc.Stop(stopCtx)
	svc.Stop(stopCtx)
	assert.False(t, svc.Running())
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric %s", m.Desc())
	return 0
}

func TestMetricsTrackAdmissionsAndDispatches(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	svc, _, clock := newTestService(t, Config{MaxTimersPerPerson: 1}, WithMetrics(m))
	svc.Bus().On("ping", func(ctx context.Context, e *eventbus.Event) error { return nil })

	_, err := svc.QueueEvent(ctx, clock.Now(), eventbus.New("ping", nil), "u1")
	require.NoError(t, err)
	_, err = svc.QueueEvent(ctx, clock.Now(), eventbus.New("ping", nil), "u1")
	require.NoError(t, err)
	_, err = svc.CheckForEvents(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1.0, metricValue(t, m.Admissions.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, metricValue(t, m.Admissions.WithLabelValues("refused")))
	assert.Equal(t, 1.0, metricValue(t, m.Dispatches.WithLabelValues("ok")))
	assert.Equal(t, 0.0, metricValue(t, m.QueueSize))
}

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, PolicyRequeue, ParsePolicy(" Requeue "))
	assert.Equal(t, PolicyDrop, ParsePolicy("drop"))
	assert.Equal(t, PolicyDrop, ParsePolicy("whatever"))
}

var errDiskFull = errors.New("disk full")

// flakyBackend fails every Save while failing is set.
type flakyBackend struct {
	*storage.MemoryBackend
	mu      sync.Mutex
	failing bool
}

func (b *flakyBackend) setFailing(v bool) {
	b.mu.Lock()
	b.failing = v
	b.mu.Unlock()
}

func (b *flakyBackend) Save(ctx context.Context, changed string, all map[string]json.RawMessage) error {
	b.mu.Lock()
	failing := b.failing
	b.mu.Unlock()
	if failing {
		return errDiskFull
	}
	return b.MemoryBackend.Save(ctx, changed, all)
}

func newFlakyService(t *testing.T, cfg Config) (*Service, *flakyBackend, *fakeClock) {
	t.Helper()
	ctx := context.Background()
	backend := &flakyBackend{MemoryBackend: storage.NewMemoryBackend()}
	reg, err := storage.NewRegister(ctx, backend, logx.Nop(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	clock := newFakeClock()
	svc := New(cfg, reg, nil, logx.Nop(), WithClock(clock.Now))
	_, err = svc.Pending(ctx)
	require.NoError(t, err)
	return svc, backend, clock
}

func TestFailedDrainWriteKeepsEntriesForNextPoll(t *testing.T) {
	ctx := context.Background()
	svc, backend, clock := newFlakyService(t, Config{})
	rec := &recorder{}
	eventbus.On(svc.Bus(), "ping", rec.handler)

	ok, err := svc.QueueEvent(ctx, clock.Now().Add(time.Second), eventbus.New("ping", "a"), "u1")
	require.NoError(t, err)
	require.True(t, ok)
	clock.Advance(2 * time.Second)

	backend.setFailing(true)
	n, err := svc.CheckForEvents(ctx)
	require.ErrorIs(t, err, errDiskFull)
	assert.Zero(t, n)
	assert.Empty(t, rec.Seen(), "nothing is emitted before the drain is stored")

	q, err := svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, q, 1)

	backend.setFailing(false)
	n, err = svc.CheckForEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, rec.Seen())
}

func TestFailedAdmissionWriteIsNotDispatched(t *testing.T) {
	ctx := context.Background()
	svc, backend, clock := newFlakyService(t, Config{MaxTimersPerPerson: 1})
	rec := &recorder{}
	eventbus.On(svc.Bus(), "ping", rec.handler)

	backend.setFailing(true)
	ok, err := svc.QueueEvent(ctx, clock.Now().Add(time.Second), eventbus.New("ping", "b"), "u1")
	require.ErrorIs(t, err, errDiskFull)
	assert.False(t, ok)

	backend.setFailing(false)
	n, err := svc.CountOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n, "a refused entry must not count against the quota")

	clock.Advance(2 * time.Second)
	drained, err := svc.CheckForEvents(ctx)
	require.NoError(t, err)
	assert.Zero(t, drained)
	assert.Empty(t, rec.Seen())
}
