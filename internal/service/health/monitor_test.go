package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/events"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

type fakeChecker struct {
	mu         sync.Mutex
	status     publisher.LoginStatus
	user       string
	refreshErr error
	panicOn    bool
	checks     int
}

func (f *fakeChecker) set(status publisher.LoginStatus, user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.user = status, user
}

func (f *fakeChecker) Status(context.Context) publisher.LoginStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.panicOn {
		panic("boom")
	}
	return f.status
}

func (f *fakeChecker) User(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.user == "" {
		return "", errors.New("unknown")
	}
	return f.user, nil
}

func (f *fakeChecker) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshErr
}

func (f *fakeChecker) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func newTestMonitor(t *testing.T, bus events.Bus) *Monitor {
	t.Helper()
	m := NewMonitor(zap.NewNop(), bus, Options{Debounce: 50 * time.Millisecond})
	t.Cleanup(m.Stop)
	return m
}

func receive(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no health snapshot delivered")
		return Snapshot{}
	}
}

func assertQuiet(t *testing.T, ch <-chan Snapshot, d time.Duration) {
	t.Helper()
	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot: %+v", snap.Statuses)
	case <-time.After(d):
	}
}

func TestRegisterChecksImmediately(t *testing.T) {
	bus := events.NewBus()
	busCh, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()

	m := newTestMonitor(t, bus)
	ch, cancel := m.Subscribe(4)
	defer cancel()

	a := &fakeChecker{status: publisher.LoggedIn, user: "alice"}
	b := &fakeChecker{status: publisher.LoggedOut}
	require.NoError(t, m.Register("a", a, 0))
	require.NoError(t, m.Register("b", b, 0))

	snap := receive(t, ch)
	assert.Equal(t, map[string]publisher.LoginStatus{
		"a": publisher.LoggedIn,
		"b": publisher.LoggedOut,
	}, snap.Statuses)
	assert.Equal(t, "alice", m.Username("a"))
	assert.Equal(t, "", m.Username("b"))

	select {
	case e := <-busCh:
		assert.Equal(t, events.TypeHealth, e.Type)
		_, ok := e.Data.(Snapshot)
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("no bus event")
	}

	assertQuiet(t, ch, 150*time.Millisecond)
	assert.Error(t, m.Register("a", a, 0))
}

func TestCheckEmitsOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	m := newTestMonitor(t, nil)
	ch, cancel := m.Subscribe(4)
	defer cancel()

	c := &fakeChecker{status: publisher.LoggedIn, user: "alice"}
	require.NoError(t, m.Register("a", c, 0))
	receive(t, ch)

	t.Run("unchanged", func(t *testing.T) {
		status, err := m.Check(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, publisher.LoggedIn, status)
		assertQuiet(t, ch, 150*time.Millisecond)
	})

	t.Run("username only", func(t *testing.T) {
		c.set(publisher.LoggedIn, "bob")
		_, err := m.Check(ctx, "a")
		require.NoError(t, err)
		snap := receive(t, ch)
		assert.Equal(t, "bob", snap.Usernames["a"])
		assert.Equal(t, publisher.LoggedIn, snap.Statuses["a"])
	})

	t.Run("burst is coalesced", func(t *testing.T) {
		c.set(publisher.Offline, "bob")
		_, _ = m.Check(ctx, "a")
		c.set(publisher.LoggedOut, "")
		_, _ = m.Check(ctx, "a")
		snap := receive(t, ch)
		assert.Equal(t, publisher.LoggedOut, snap.Statuses["a"])
		assertQuiet(t, ch, 150*time.Millisecond)
	})
}

func TestProbeFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("refresh error still consults status", func(t *testing.T) {
		m := newTestMonitor(t, nil)
		c := &fakeChecker{status: publisher.LoggedIn, refreshErr: errors.New("expired")}
		require.NoError(t, m.Register("a", c, 0))

		status, err := m.Check(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, publisher.LoggedIn, status)
	})

	t.Run("panic maps to logged out", func(t *testing.T) {
		m := newTestMonitor(t, nil)
		c := &fakeChecker{status: publisher.LoggedIn, panicOn: true}
		require.NoError(t, m.Register("a", c, 0))

		status, err := m.Check(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, publisher.LoggedOut, status)
		assert.Equal(t, publisher.LoggedOut, m.Status("a"))
	})

	t.Run("unknown destination", func(t *testing.T) {
		m := newTestMonitor(t, nil)
		_, err := m.Check(ctx, "nope")
		assert.ErrorIs(t, err, publisher.ErrUnknownDestination)
		assert.Equal(t, publisher.Offline, m.Status("nope"))
	})
}

func TestBucketTickerRefreshes(t *testing.T) {
	m := newTestMonitor(t, nil)
	fast := &fakeChecker{status: publisher.LoggedIn}
	slow := &fakeChecker{status: publisher.LoggedIn}
	require.NoError(t, m.Register("fast", fast, 20*time.Millisecond))
	require.NoError(t, m.Register("slow", slow, time.Hour))

	assert.Eventually(t, func() bool { return fast.checkCount() >= 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return slow.checkCount() == 1 }, time.Second, 10*time.Millisecond)

	m.mu.Lock()
	assert.Len(t, m.buckets, 2)
	m.mu.Unlock()
}

func TestStop(t *testing.T) {
	m := NewMonitor(zap.NewNop(), nil, Options{})
	require.NoError(t, m.Register("a", &fakeChecker{status: publisher.LoggedIn}, 10*time.Millisecond))
	m.Stop()
	m.Stop()
	assert.Error(t, m.Register("b", &fakeChecker{}, 0))
}
