package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/events"
	"github.com/ifuryst/crosspost/internal/metrics"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

// Snapshot is an immutable view of every destination's login state.
type Snapshot struct {
	At        time.Time                        `json:"at"`
	Statuses  map[string]publisher.LoginStatus `json:"statuses"`
	Usernames map[string]string                `json:"usernames"`
}

type Options struct {
	DefaultInterval time.Duration
	Debounce        time.Duration
}

type entry struct {
	checker  publisher.Checker
	interval time.Duration
}

// bucket groups destinations refreshed on the same interval.
type bucket struct {
	names  []string
	ticker *time.Ticker
}

// Monitor keeps login state for every registered destination fresh and
// tells subscribers when it changes.
type Monitor struct {
	logger *zap.Logger
	bus    events.Bus
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	entries   map[string]entry
	buckets   map[time.Duration]*bucket
	statuses  map[string]publisher.LoginStatus
	usernames map[string]string
	pending   *time.Timer
	subs      map[uint64]chan Snapshot
	subSeq    atomic.Uint64
	stopped   bool
}

func NewMonitor(logger *zap.Logger, bus events.Bus, opts Options) *Monitor {
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = config.DefaultRefreshInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = config.DefaultHealthDebounce
	}
	if bus == nil {
		bus = events.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		logger:    logger,
		bus:       bus,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]entry),
		buckets:   make(map[time.Duration]*bucket),
		statuses:  make(map[string]publisher.LoginStatus),
		usernames: make(map[string]string),
		subs:      make(map[uint64]chan Snapshot),
	}
}

// Register starts tracking name. A zero interval uses the default. The
// first check runs right away in the background.
func (m *Monitor) Register(name string, checker publisher.Checker, interval time.Duration) error {
	if interval <= 0 {
		interval = m.opts.DefaultInterval
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("health monitor stopped")
	}
	if _, exists := m.entries[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("destination %s already monitored", name)
	}
	m.entries[name] = entry{checker: checker, interval: interval}

	b, exists := m.buckets[interval]
	if !exists {
		b = &bucket{ticker: time.NewTicker(interval)}
		m.buckets[interval] = b
		m.wg.Add(1)
		go m.runBucket(interval, b)
	}
	b.names = append(b.names, name)
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("Destination health registered",
		zap.String("destination", name),
		zap.Duration("refresh_interval", interval))

	go func() {
		defer m.wg.Done()
		_, _ = m.Check(m.ctx, name)
	}()
	return nil
}

func (m *Monitor) runBucket(interval time.Duration, b *bucket) {
	defer m.wg.Done()
	for {
		select {
		case <-b.ticker.C:
			m.mu.Lock()
			names := append([]string(nil), b.names...)
			m.mu.Unlock()

			m.logger.Debug("Refreshing destinations",
				zap.Duration("interval", interval),
				zap.Strings("destinations", names))
			for _, name := range names {
				_, _ = m.Check(m.ctx, name)
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// Check probes name now and returns its status.
func (m *Monitor) Check(ctx context.Context, name string) (publisher.LoginStatus, error) {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", publisher.ErrUnknownDestination, name)
	}

	status, username := m.probe(ctx, name, e.checker)

	m.mu.Lock()
	prevStatus, known := m.statuses[name]
	changed := !known || prevStatus != status || m.usernames[name] != username
	m.statuses[name] = status
	m.usernames[name] = username
	if changed {
		m.scheduleNotifyLocked()
	}
	m.mu.Unlock()

	loggedIn := 0.0
	if status == publisher.LoggedIn {
		loggedIn = 1
	}
	metrics.DestinationLoggedIn.WithLabelValues(name).Set(loggedIn)

	if changed {
		m.logger.Info("Destination login state changed",
			zap.String("destination", name),
			zap.String("status", string(status)),
			zap.String("username", username))
	}
	return status, nil
}

// probe never fails: errors and panics from the adapter degrade to LoggedOut.
func (m *Monitor) probe(ctx context.Context, name string, c publisher.Checker) (status publisher.LoginStatus, username string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Destination health probe panicked",
				zap.String("destination", name),
				zap.Any("panic", r))
			status, username = publisher.LoggedOut, ""
		}
	}()

	if err := c.Refresh(ctx); err != nil {
		m.logger.Warn("Destination refresh failed",
			zap.String("destination", name),
			zap.Error(err))
	}

	status = c.Status(ctx)
	if status == "" {
		status = publisher.LoggedOut
	}

	if u, err := c.User(ctx); err == nil {
		username = u
	}
	return status, username
}

func (m *Monitor) scheduleNotifyLocked() {
	if m.stopped || m.pending != nil {
		return
	}
	m.pending = time.AfterFunc(m.opts.Debounce, m.flush)
}

func (m *Monitor) flush() {
	m.mu.Lock()
	m.pending = nil
	if m.stopped {
		m.mu.Unlock()
		return
	}
	snap := m.snapshotLocked()
	subs := make([]chan Snapshot, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	m.bus.Publish(events.Event{Type: events.TypeHealth, Time: snap.At, Data: snap})
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			m.logger.Warn("Dropping health snapshot for slow subscriber")
		}
	}
}

func (m *Monitor) snapshotLocked() Snapshot {
	snap := Snapshot{
		At:        time.Now(),
		Statuses:  make(map[string]publisher.LoginStatus, len(m.statuses)),
		Usernames: make(map[string]string, len(m.usernames)),
	}
	for k, v := range m.statuses {
		snap.Statuses[k] = v
	}
	for k, v := range m.usernames {
		snap.Usernames[k] = v
	}
	return snap
}

// Subscribe delivers a snapshot after every debounced change.
func (m *Monitor) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan Snapshot, buffer)
	id := m.subSeq.Add(1)

	m.mu.Lock()
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Status returns Offline for destinations that have not been checked yet.
func (m *Monitor) Status(name string) publisher.LoginStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[name]; ok {
		return s
	}
	return publisher.Offline
}

func (m *Monitor) Username(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usernames[name]
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for _, b := range m.buckets {
		b.ticker.Stop()
	}
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.logger.Info("Health monitor stopped")
}
