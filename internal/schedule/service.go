package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dashbot/internal/eventbus"
	"dashbot/internal/storage"
	logx "dashbot/pkg/logx"
)

type Option func(*Service)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service owns the scheduled-event queue. No other component writes the
// ScheduleService document.
type Service struct {
	// mu guards cfg and every read-modify-write of the queue.
	mu  sync.Mutex
	cfg Config

	// drainMu serializes CheckForEvents; held across dispatch so handlers may
	// call QueueEvent without deadlocking.
	drainMu sync.Mutex

	bus     *eventbus.Bus
	doc     *storage.Document[Document]
	log     logx.Logger
	metrics *Metrics
	now     func() time.Time

	runMu  sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
	parent context.Context
}

// New creates the service on top of reg. Due events are emitted on bus; a nil
// bus gives the service a private one (see Bus).
func New(cfg Config, reg *storage.Register, bus *eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.NewBus(eventbus.WithLogger(log))
	}
	s := &Service{
		cfg: cfg.withDefaults(),
		bus: bus,
		doc: storage.NewDocument[Document](reg, StoreName, true),
		log: log,
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.doc.OnLoaded(func(ctx context.Context) error {
		q, err := s.Pending(ctx)
		if err != nil {
			return err
		}
		s.log.Info("queue reloaded from storage", logx.Int("pending", len(q)))
		if s.metrics != nil {
			s.metrics.QueueSize.Set(float64(len(q)))
		}
		return nil
	})
	return s
}

// Bus returns the bus due events are emitted on.
func (s *Service) Bus() *eventbus.Bus { return s.bus }

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the config. A running poller picks up a new interval.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if prev.Interval != cfg.Interval {
		s.restart(ctx)
	}
}

// loadLocked returns the queue in ascending timestamp order. A missing or
// malformed document is replaced by an empty queue and written back.
func (s *Service) loadLocked(ctx context.Context) ([]Entry, error) {
	doc, err := s.doc.GetOrInit(ctx, func() Document { return Document{Events: []Entry{}} })
	if err != nil {
		return nil, err
	}
	q := doc.Events[:0:0]
	for _, e := range doc.Events {
		if e.Event == nil || e.Event.Name == "" {
			s.log.Warn("dropping malformed queue entry", logx.Int64("timestamp", e.Timestamp), logx.String("owner", e.Owner))
			continue
		}
		q = append(q, e)
	}
	if !sort.SliceIsSorted(q, func(i, j int) bool { return q[i].Timestamp < q[j].Timestamp }) {
		s.log.Warn("persisted queue out of order; re-sorting", logx.Int("entries", len(q)))
		sort.SliceStable(q, func(i, j int) bool { return q[i].Timestamp < q[j].Timestamp })
	}
	return q, nil
}

func (s *Service) saveLocked(ctx context.Context, q []Entry) error {
	if q == nil {
		q = []Entry{}
	}
	if err := s.doc.Set(ctx, Document{Events: q}); err != nil {
		return err
	}
	s.metrics.wrote(len(q))
	return nil
}

// insertSorted inserts e after every entry with a timestamp <= e.Timestamp.
func insertSorted(q []Entry, e Entry) []Entry {
	i := sort.Search(len(q), func(i int) bool { return q[i].Timestamp > e.Timestamp })
	q = append(q, Entry{})
	copy(q[i+1:], q[i:])
	q[i] = e
	return q
}

// QueueEvent admits ev for dispatch at at on behalf of owner.
//
// It returns false without touching the store when owner already holds
// MaxTimersPerPerson entries (the cap is inclusive: an owner never holds more
// than the configured maximum). Otherwise the entry is inserted in timestamp
// order, the whole queue is persisted and true is returned.
func (s *Service) QueueEvent(ctx context.Context, at time.Time, ev *eventbus.Event, owner string) (bool, error) {
	if ev == nil || ev.Name == "" {
		return false, errors.New("schedule: event name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.loadLocked(ctx)
	if err != nil {
		s.metrics.admission("error")
		return false, err
	}

	if limit := s.cfg.MaxTimersPerPerson; limit > 0 {
		if n := countOwner(q, owner); n >= limit {
			s.metrics.admission("refused")
			s.log.Debug("admission refused", logx.String("owner", owner), logx.Int("held", n), logx.Int("max", limit))
			return false, nil
		}
	}

	entry := Entry{Timestamp: at.UnixMilli(), Event: eventbus.New(ev.Name, ev.Data), Owner: owner}
	q = insertSorted(q, entry)
	if err := s.saveLocked(ctx, q); err != nil {
		s.metrics.admission("error")
		return false, err
	}
	s.metrics.admission("accepted")
	s.log.Debug("event queued",
		logx.String("event", ev.Name),
		logx.String("owner", owner),
		logx.Time("due", entry.Due()),
		logx.Int("pending", len(q)),
	)
	return true, nil
}

func countOwner(q []Entry, owner string) int {
	n := 0
	for _, e := range q {
		if e.Owner == owner {
			n++
		}
	}
	return n
}

// CountOwner returns how many pending entries owner holds.
func (s *Service) CountOwner(ctx context.Context, owner string) (int, error) {
	q, err := s.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return countOwner(q, owner), nil
}

// Pending returns a copy of the queue in dispatch order.
func (s *Service) Pending(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	return append([]Entry(nil), q...), nil
}

// CheckForEvents removes every entry due at or before now, persists the
// shortened queue once, then emits the removed events in queue order.
//
// Nothing is written when no entry is due. Dispatch errors never reach the
// caller: they are logged and handled by the OnDispatchError policy. The
// returned count is the number of entries drained.
func (s *Service) CheckForEvents(ctx context.Context) (int, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	start := s.now()
	nowMs := start.UnixMilli()

	s.mu.Lock()
	q, err := s.loadLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	n := 0
	for n < len(q) && q[n].Timestamp <= nowMs {
		n++
	}
	if n == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	due := append([]Entry(nil), q[:n]...)
	if err := s.saveLocked(ctx, q[n:]); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	cfg := s.cfg
	s.mu.Unlock()

	var retry []Entry
	for _, e := range due {
		err := s.dispatch(ctx, e)
		if err == nil {
			continue
		}
		if cfg.OnDispatchError == PolicyRequeue && e.Attempts < cfg.RetryMax {
			s.metrics.dispatch("requeued")
			e.Attempts++
			e.Timestamp = s.now().Add(cfg.RetryDelay).UnixMilli()
			retry = append(retry, e)
			s.log.Warn("scheduled event failed; requeued",
				logx.String("event", e.Event.Name), logx.String("owner", e.Owner),
				logx.Int("attempt", e.Attempts), logx.Err(err))
			continue
		}
		s.log.Warn("scheduled event failed; dropped",
			logx.String("event", e.Event.Name), logx.String("owner", e.Owner),
			logx.Int("attempts", e.Attempts), logx.Err(err))
	}

	if len(retry) > 0 {
		if err := s.requeue(ctx, retry); err != nil {
			s.log.Error("requeue failed; events lost", logx.Int("events", len(retry)), logx.Err(err))
		}
	}
	s.metrics.observeDrain(s.now().Sub(start).Seconds())
	s.log.Debug("drained due events", logx.Int("drained", n), logx.Int("requeued", len(retry)))
	return n, nil
}

// dispatch emits one drained entry. Panics are converted into errors so one
// bad handler cannot stop the poll cycle.
func (s *Service) dispatch(ctx context.Context, e Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled event handler panicked",
				logx.String("event", e.Event.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			s.metrics.dispatch("failed")
		}
	}()
	ev := eventbus.New(e.Event.Name, e.Event.Data)
	if _, err := s.bus.Emit(ctx, ev); err != nil {
		return err
	}
	if ev.Cancelled() {
		s.metrics.dispatch("cancelled")
	} else {
		s.metrics.dispatch("ok")
	}
	return nil
}

// requeue re-admits failed entries, bypassing the owner cap.
func (s *Service) requeue(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		q = insertSorted(q, e)
	}
	return s.saveLocked(ctx, q)
}
