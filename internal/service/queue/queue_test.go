package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/events"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/repository"
	"github.com/ifuryst/crosspost/internal/service/poster"
)

type fakeRunner struct {
	mu         sync.Mutex
	running    int
	maxRunning int
	order      []string
	startedAt  map[string]time.Time
	finishedAt map[string]time.Time
	block      map[string]chan struct{}
	fail       map[string]bool
	started    chan string
	runs       []*models.Submission

	// A cancelled run of id waits on drain[id] before returning
	// onCancel[id], standing in for a post still on the wire.
	drain    map[string]chan struct{}
	onCancel map[string]poster.Result
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		startedAt:  map[string]time.Time{},
		finishedAt: map[string]time.Time{},
		block:      map[string]chan struct{}{},
		fail:       map[string]bool{},
		started:    make(chan string, 32),
		drain:      map[string]chan struct{}{},
		onCancel:   map[string]poster.Result{},
	}
}

func (r *fakeRunner) hold(id string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.block[id] = ch
	return ch
}

func (r *fakeRunner) Run(ctx context.Context, sub *models.Submission) (*poster.Result, error) {
	r.mu.Lock()
	r.running++
	if r.running > r.maxRunning {
		r.maxRunning = r.running
	}
	r.order = append(r.order, sub.ID)
	r.runs = append(r.runs, sub.Clone())
	r.startedAt[sub.ID] = time.Now()
	block := r.block[sub.ID]
	fail := r.fail[sub.ID]
	drain := r.drain[sub.ID]
	cancelled, hasCancelled := r.onCancel[sub.ID]
	r.mu.Unlock()

	r.started <- sub.ID

	res := &poster.Result{SubmissionID: sub.ID, Status: models.StatusPosted}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			if drain != nil {
				<-drain
			}
			res.Status = models.StatusInterrupted
			res.Remaining = append([]string(nil), sub.Destinations...)
			if hasCancelled {
				cancelled.SubmissionID = sub.ID
				res = &cancelled
			}
		}
	}
	if fail && res.Status == models.StatusPosted {
		res.Status = models.StatusFailed
		res.Failed = append([]string(nil), sub.Destinations...)
	}

	r.mu.Lock()
	r.running--
	r.finishedAt[sub.ID] = time.Now()
	r.mu.Unlock()
	return res, nil
}

func (r *fakeRunner) startOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *fakeRunner) received() []*models.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Submission(nil), r.runs...)
}

func (r *fakeRunner) peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxRunning
}

type fakePolicy struct {
	stop     bool
	interval time.Duration
}

func (p fakePolicy) StopOnFailure() bool         { return p.stop }
func (p fakePolicy) PostInterval() time.Duration { return p.interval }

type recordingNotifier struct {
	mu    sync.Mutex
	items []events.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note events.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, note)
}

func (n *recordingNotifier) all() []events.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]events.Notification(nil), n.items...)
}

type fixture struct {
	q        *Queue
	runner   *fakeRunner
	repo     *repository.MemorySubmissions
	notifier *recordingNotifier
}

func newFixture(t *testing.T, policy fakePolicy) *fixture {
	t.Helper()
	f := &fixture{
		runner:   newFakeRunner(),
		repo:     repository.NewMemorySubmissions(),
		notifier: &recordingNotifier{},
	}
	f.q = New(f.runner, f.repo, policy, f.notifier, zap.NewNop())
	t.Cleanup(f.q.Stop)
	return f
}

func (f *fixture) create(t *testing.T, id string, order int, schedule *time.Time) *models.Submission {
	t.Helper()
	sub := &models.Submission{ID: id, Order: order, Schedule: schedule, Destinations: []string{"A", "B"}}
	require.NoError(t, f.repo.Create(context.Background(), sub))
	return sub
}

func (f *fixture) status(t *testing.T, id string) models.SubmissionStatus {
	t.Helper()
	sub, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return sub.Status
}

func (f *fixture) waitStatus(t *testing.T, id string, want models.SubmissionStatus) {
	t.Helper()
	assert.Eventually(t, func() bool { return f.status(t, id) == want }, 2*time.Second, 5*time.Millisecond,
		"submission %s never reached %s", id, want)
}

func waitStarted(t *testing.T, r *fakeRunner, id string) {
	t.Helper()
	select {
	case got := <-r.started:
		require.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("submission %s never started", id)
	}
}

func ids(subs []*models.Submission) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.ID
	}
	return out
}

func TestQueueOrderAndSingleFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakePolicy{})
	release := f.runner.hold("a")

	soon := time.Now().Add(-time.Minute)
	later := time.Now().Add(-time.Second)
	a := f.create(t, "a", 0, nil)
	c := f.create(t, "c", 2, nil)
	b := f.create(t, "b", 1, nil)
	s2 := f.create(t, "s2", 9, &later)
	s1 := f.create(t, "s1", 9, &soon)

	require.True(t, f.q.Enqueue(ctx, a))
	waitStarted(t, f.runner, "a")
	for _, sub := range []*models.Submission{c, b, s2, s1} {
		require.True(t, f.q.Enqueue(ctx, sub))
	}

	assert.Equal(t, []string{"s1", "s2", "b", "c"}, ids(f.q.Waiting()))
	assert.Equal(t, "a", f.q.Posting().ID)
	assert.True(t, f.q.IsPosting())
	assert.Equal(t, models.StatusPosting, f.status(t, "a"))
	assert.Equal(t, models.StatusQueued, f.status(t, "b"))

	close(release)
	for _, id := range []string{"a", "s1", "s2", "b", "c"} {
		f.waitStatus(t, id, models.StatusPosted)
	}

	assert.Equal(t, []string{"a", "s1", "s2", "b", "c"}, f.runner.startOrder())
	assert.Equal(t, 1, f.runner.peak())
	assert.Eventually(t, func() bool { return !f.q.IsPosting() }, time.Second, 5*time.Millisecond)

	stored, err := f.repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, stored.Schedule)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakePolicy{})
	release := f.runner.hold("a")
	defer close(release)

	a := f.create(t, "a", 0, nil)
	b := f.create(t, "b", 0, nil)

	assert.True(t, f.q.Enqueue(ctx, a))
	waitStarted(t, f.runner, "a")
	assert.False(t, f.q.Enqueue(ctx, a))

	assert.True(t, f.q.Enqueue(ctx, b))
	assert.False(t, f.q.Enqueue(ctx, b))
	assert.Equal(t, []string{"b"}, ids(f.q.Waiting()))
	assert.Equal(t, []string{"a"}, f.runner.startOrder())
}

func TestDequeueWaiting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakePolicy{})
	release := f.runner.hold("a")
	defer close(release)

	a := f.create(t, "a", 0, nil)
	b := f.create(t, "b", 0, nil)
	c := f.create(t, "c", 0, nil)
	f.q.Enqueue(ctx, a)
	waitStarted(t, f.runner, "a")
	f.q.Enqueue(ctx, b)
	f.q.Enqueue(ctx, c)

	assert.True(t, f.q.Dequeue(ctx, "b", false))
	assert.True(t, f.q.Dequeue(ctx, "c", true))
	assert.False(t, f.q.Dequeue(ctx, "missing", false))

	assert.Empty(t, f.q.Waiting())
	assert.Equal(t, models.StatusUnposted, f.status(t, "b"))
	assert.Equal(t, models.StatusInterrupted, f.status(t, "c"))
}

func TestDequeuePostingPromotesNext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakePolicy{})
	f.runner.hold("a")

	a := f.create(t, "a", 0, nil)
	b := f.create(t, "b", 0, nil)
	f.q.Enqueue(ctx, a)
	waitStarted(t, f.runner, "a")
	f.q.Enqueue(ctx, b)

	require.True(t, f.q.Dequeue(ctx, "a", true))
	waitStarted(t, f.runner, "b")
	f.waitStatus(t, "b", models.StatusPosted)

	assert.Equal(t, models.StatusInterrupted, f.status(t, "a"))
	stored, err := f.repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, []string(stored.Remaining))
	assert.Equal(t, 1, f.runner.peak())
}

func TestDequeueAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakePolicy{})
	f.runner.hold("a")

	a := f.create(t, "a", 0, nil)
	b := f.create(t, "b", 0, nil)
	c := f.create(t, "c", 0, nil)
	f.q.Enqueue(ctx, a)
	waitStarted(t, f.runner, "a")
	f.q.Enqueue(ctx, b)
	f.q.Enqueue(ctx, c)

	f.q.DequeueAll(ctx)

	assert.Nil(t, f.q.Posting())
	assert.Empty(t, f.q.Waiting())
	assert.Eventually(t, func() bool { return !f.q.IsPosting() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusInterrupted, f.status(t, "a"))
	assert.Equal(t, models.StatusUnposted, f.status(t, "b"))
	assert.Equal(t, models.StatusUnposted, f.status(t, "c"))
	assert.Equal(t, []string{"a"}, f.runner.startOrder())
}

func TestFailureHandling(t *testing.T) {
	t.Run("stop on failure clears the queue", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t, fakePolicy{stop: true})
		release := f.runner.hold("a")
		f.runner.fail["a"] = true

		a := f.create(t, "a", 0, nil)
		b := f.create(t, "b", 0, nil)
		f.q.Enqueue(ctx, a)
		waitStarted(t, f.runner, "a")
		f.q.Enqueue(ctx, b)
		close(release)

		f.waitStatus(t, "a", models.StatusFailed)
		f.waitStatus(t, "b", models.StatusUnposted)
		assert.Equal(t, []string{"a"}, f.runner.startOrder())

		notes := f.notifier.all()
		require.Len(t, notes, 1)
		assert.Equal(t, "a", notes[0].SubmissionID)
		assert.Contains(t, notes[0].Message, "A, B")
	})

	t.Run("keep going", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t, fakePolicy{stop: false})
		release := f.runner.hold("a")
		f.runner.fail["a"] = true

		a := f.create(t, "a", 0, nil)
		b := f.create(t, "b", 0, nil)
		f.q.Enqueue(ctx, a)
		waitStarted(t, f.runner, "a")
		f.q.Enqueue(ctx, b)
		close(release)

		f.waitStatus(t, "a", models.StatusFailed)
		f.waitStatus(t, "b", models.StatusPosted)
	})
}

func TestPostIntervalDelaysNext(t *testing.T) {
	ctx := context.Background()
	interval := 150 * time.Millisecond
	f := newFixture(t, fakePolicy{interval: interval})
	release := f.runner.hold("a")

	a := f.create(t, "a", 0, nil)
	b := f.create(t, "b", 0, nil)
	f.q.Enqueue(ctx, a)
	waitStarted(t, f.runner, "a")
	f.q.Enqueue(ctx, b)
	close(release)

	waitStarted(t, f.runner, "b")
	f.runner.mu.Lock()
	gap := f.runner.startedAt["b"].Sub(f.runner.finishedAt["a"])
	f.runner.mu.Unlock()
	assert.GreaterOrEqual(t, gap, interval-10*time.Millisecond)
}

func TestDequeuePendingStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakePolicy{interval: time.Hour})
	release := f.runner.hold("a")

	a := f.create(t, "a", 0, nil)
	b := f.create(t, "b", 0, nil)
	f.q.Enqueue(ctx, a)
	waitStarted(t, f.runner, "a")
	f.q.Enqueue(ctx, b)
	close(release)
	f.waitStatus(t, "a", models.StatusPosted)

	require.Eventually(t, func() bool {
		p := f.q.Posting()
		return p != nil && p.ID == "b"
	}, time.Second, 5*time.Millisecond)

	assert.True(t, f.q.Dequeue(ctx, "b", false))
	assert.False(t, f.q.IsPosting())
	assert.Equal(t, models.StatusUnposted, f.status(t, "b"))
	assert.Equal(t, []string{"a"}, f.runner.startOrder())
}

func TestRestoreAndStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakePolicy{})
	f.runner.hold("a")

	f.create(t, "a", 0, nil)
	f.create(t, "b", 1, nil)
	f.create(t, "idle", 0, nil)
	require.NoError(t, f.repo.UpdateStatus(ctx, "a", models.StatusPosting))
	require.NoError(t, f.repo.UpdateStatus(ctx, "b", models.StatusQueued))

	require.NoError(t, f.q.Restore(ctx))
	waitStarted(t, f.runner, "a")
	assert.Equal(t, []string{"b"}, ids(f.q.Waiting()))

	f.q.Stop()
	assert.Equal(t, models.StatusQueued, f.status(t, "a"))
	assert.Equal(t, models.StatusQueued, f.status(t, "b"))
	assert.Equal(t, models.StatusUnposted, f.status(t, "idle"))
	assert.False(t, f.q.Enqueue(ctx, &models.Submission{ID: "idle"}))
}

func TestRequeueWhileDrainingResumesFromSavedOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakePolicy{})
	release := f.runner.hold("a")
	drain := make(chan struct{})
	f.runner.drain["a"] = drain
	f.runner.onCancel["a"] = poster.Result{Status: models.StatusInterrupted, Remaining: []string{"B"}}

	a := f.create(t, "a", 0, nil)
	require.True(t, f.q.Enqueue(ctx, a))
	waitStarted(t, f.runner, "a")

	require.True(t, f.q.Dequeue(ctx, "a", true))
	stale, err := f.repo.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, f.q.Enqueue(ctx, stale))

	f.runner.mu.Lock()
	delete(f.runner.onCancel, "a")
	delete(f.runner.drain, "a")
	f.runner.mu.Unlock()
	close(drain)

	waitStarted(t, f.runner, "a")
	close(release)
	f.waitStatus(t, "a", models.StatusPosted)

	runs := f.runner.received()
	require.Len(t, runs, 2)
	assert.Equal(t, []string{"B"}, []string(runs[1].Remaining))
	assert.Equal(t, []string{"B"}, poster.Destinations(runs[1]))
	assert.Equal(t, 1, f.runner.peak())
}

func TestRequeueWhileDrainingSkipsFinishedRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fakePolicy{})
	f.runner.hold("a")
	drain := make(chan struct{})
	f.runner.drain["a"] = drain
	f.runner.onCancel["a"] = poster.Result{Status: models.StatusPosted}

	a := f.create(t, "a", 0, nil)
	b := f.create(t, "b", 0, nil)
	require.True(t, f.q.Enqueue(ctx, a))
	waitStarted(t, f.runner, "a")

	require.True(t, f.q.Dequeue(ctx, "a", true))
	require.True(t, f.q.Enqueue(ctx, a))
	require.True(t, f.q.Enqueue(ctx, b))
	close(drain)

	waitStarted(t, f.runner, "b")
	f.waitStatus(t, "b", models.StatusPosted)
	assert.Equal(t, models.StatusPosted, f.status(t, "a"))
	assert.Equal(t, []string{"a", "b"}, f.runner.startOrder())
}
