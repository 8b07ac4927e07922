package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/events"
	"github.com/ifuryst/crosspost/internal/metrics"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/repository"
	"github.com/ifuryst/crosspost/internal/service/poster"
)

type Runner interface {
	Run(ctx context.Context, sub *models.Submission) (*poster.Result, error)
}

type Policy interface {
	StopOnFailure() bool
	PostInterval() time.Duration
}

type Notifier interface {
	Notify(ctx context.Context, n events.Notification)
}

// active is the submission holding the posting slot. Until started is set
// it is only waiting on timer.
type active struct {
	sub           *models.Submission
	timer         *time.Timer
	cancel        context.CancelFunc
	started       bool
	awaitingDrain bool
}

type entry struct {
	sub *models.Submission
	seq uint64
}

// Queue serialises posting: at most one submission runs at a time and the
// rest wait in priority order.
type Queue struct {
	runner   Runner
	repo     repository.SubmissionRepository
	policy   Policy
	notifier Notifier
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	posting  *active
	draining *active
	waiting  []entry
	seq      uint64
	stopped  bool
}

func New(runner Runner, repo repository.SubmissionRepository, policy Policy, notifier Notifier, logger *zap.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		runner:   runner,
		repo:     repo,
		policy:   policy,
		notifier: notifier,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Restore re-enqueues everything that was queued or posting when the
// process last stopped.
func (q *Queue) Restore(ctx context.Context) error {
	subs, err := q.repo.ListByStatus(ctx, models.StatusQueued, models.StatusPosting)
	if err != nil {
		return fmt.Errorf("failed to list queued submissions: %w", err)
	}
	for _, sub := range subs {
		q.Enqueue(ctx, sub)
	}
	if len(subs) > 0 {
		q.logger.Info("Restored posting queue", zap.Int("submissions", len(subs)))
	}
	return nil
}

// Enqueue adds sub to the queue and reports whether anything changed. A
// submission already waiting or posting is left alone.
func (q *Queue) Enqueue(ctx context.Context, sub *models.Submission) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}
	if q.posting != nil && q.posting.sub.ID == sub.ID {
		return false
	}
	if q.indexLocked(sub.ID) >= 0 {
		return false
	}

	sub = sub.Clone()
	sub.Status = models.StatusQueued
	q.setStatusLocked(ctx, sub.ID, models.StatusQueued)

	if q.posting == nil {
		q.startLocked(sub, 0)
	} else {
		q.seq++
		e := entry{sub: sub, seq: q.seq}
		i := sort.Search(len(q.waiting), func(i int) bool { return before(e, q.waiting[i]) })
		q.waiting = append(q.waiting, entry{})
		copy(q.waiting[i+1:], q.waiting[i:])
		q.waiting[i] = e
	}

	q.logger.Info("Submission queued",
		zap.String("submission_id", sub.ID),
		zap.Int("waiting", len(q.waiting)))
	q.updateGaugesLocked()
	return true
}

// before orders scheduled submissions ahead of unscheduled ones, then by
// schedule time, explicit order and finally arrival.
func before(a, b entry) bool {
	as, bs := a.sub.Schedule, b.sub.Schedule
	if (as != nil) != (bs != nil) {
		return as != nil
	}
	if as != nil && !as.Equal(*bs) {
		return as.Before(*bs)
	}
	if a.sub.Order != b.sub.Order {
		return a.sub.Order < b.sub.Order
	}
	return a.seq < b.seq
}

// Dequeue removes id from the queue. If it holds the posting slot its run
// is cancelled and the next submission starts after the post interval.
func (q *Queue) Dequeue(ctx context.Context, id string, interrupted bool) bool {
	status := models.StatusUnposted
	if interrupted {
		status = models.StatusInterrupted
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.indexLocked(id); i >= 0 {
		q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
		q.setStatusLocked(ctx, id, status)
		q.updateGaugesLocked()
		q.logger.Info("Submission dequeued", zap.String("submission_id", id))
		return true
	}

	if q.posting == nil || q.posting.sub.ID != id {
		return false
	}

	q.releaseLocked(q.posting)
	q.posting = nil
	q.setStatusLocked(ctx, id, status)
	q.logger.Info("Active submission dequeued",
		zap.String("submission_id", id),
		zap.Bool("interrupted", interrupted))

	q.promoteLocked(q.policy.PostInterval())
	q.updateGaugesLocked()
	return true
}

// DequeueAll cancels the active run and empties the queue.
func (q *Queue) DequeueAll(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if a := q.posting; a != nil {
		status := models.StatusUnposted
		if a.started {
			status = models.StatusInterrupted
		}
		q.releaseLocked(a)
		q.posting = nil
		q.setStatusLocked(ctx, a.sub.ID, status)
	}
	q.clearWaitingLocked(ctx)
	q.updateGaugesLocked()
	q.logger.Info("Posting queue cleared")
}

// releaseLocked gives up the posting slot held by a. A run that already
// started keeps draining in the background until the engine returns.
func (q *Queue) releaseLocked(a *active) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.started {
		a.cancel()
		q.draining = a
	}
}

func (q *Queue) clearWaitingLocked(ctx context.Context) {
	for _, e := range q.waiting {
		q.setStatusLocked(ctx, e.sub.ID, models.StatusUnposted)
	}
	q.waiting = nil
}

func (q *Queue) promoteLocked(delay time.Duration) {
	if q.stopped || q.posting != nil || len(q.waiting) == 0 {
		return
	}
	next := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.startLocked(next.sub, delay)
}

func (q *Queue) startLocked(sub *models.Submission, delay time.Duration) {
	a := &active{sub: sub}
	q.posting = a

	if delay <= 0 {
		q.launchLocked(a)
		return
	}

	q.logger.Debug("Next submission starts after post interval",
		zap.String("submission_id", sub.ID),
		zap.Duration("delay", delay))
	a.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.posting != a || a.started || q.stopped {
			return
		}
		a.timer = nil
		q.launchLocked(a)
	})
}

// launchLocked hands a to the engine, unless a cancelled run is still
// draining, in which case the start waits for it.
func (q *Queue) launchLocked(a *active) {
	if q.draining != nil {
		a.awaitingDrain = true
		return
	}
	a.awaitingDrain = false
	a.started = true

	ctx, cancel := context.WithCancel(q.ctx)
	a.cancel = cancel

	// The copy taken at enqueue time may predate the outcome of a run that
	// drained since, so post from the stored record.
	if fresh, err := q.repo.Get(ctx, a.sub.ID); err == nil {
		a.sub = fresh
	} else {
		q.logger.Warn("Failed to reload submission, posting the queued copy",
			zap.String("submission_id", a.sub.ID),
			zap.Error(err))
	}
	a.sub.Status = models.StatusPosting
	a.sub.Schedule = nil
	q.setStatusLocked(ctx, a.sub.ID, models.StatusPosting)
	if err := q.repo.ClearSchedule(ctx, a.sub.ID); err != nil {
		q.logger.Error("Failed to clear schedule",
			zap.String("submission_id", a.sub.ID),
			zap.Error(err))
	}

	q.logger.Info("Starting posting run", zap.String("submission_id", a.sub.ID))
	q.wg.Add(1)
	go q.execute(ctx, a)
}

func (q *Queue) execute(ctx context.Context, a *active) {
	defer q.wg.Done()

	res, err := q.runner.Run(ctx, a.sub)
	if err != nil {
		q.logger.Error("Posting run could not start",
			zap.String("submission_id", a.sub.ID),
			zap.Error(err))
		res = &poster.Result{
			SubmissionID: a.sub.ID,
			Status:       models.StatusFailed,
			Remaining:    poster.Destinations(a.sub),
			Err:          err,
			Error:        err.Error(),
		}
	}
	a.cancel()
	q.onComplete(a, res)
}

func (q *Queue) onComplete(a *active, res *poster.Result) {
	// Persist with a fresh context: the run context may already be cancelled.
	ctx := context.WithoutCancel(q.ctx)

	q.mu.Lock()
	defer q.mu.Unlock()

	outcome := repository.Outcome{
		SubmissionID: res.SubmissionID,
		Status:       res.Status,
		Remaining:    res.Remaining,
		Failed:       res.Failed,
		Error:        res.Error,
		Jobs:         res.Jobs(),
	}

	if q.draining == a {
		q.draining = nil
		// The dequeue already recorded a status; only a run that managed
		// to post everything overrides it.
		if res.Status != models.StatusPosted {
			outcome.Status = ""
		}
		q.saveLocked(ctx, outcome)
		if next := q.posting; next != nil && next.awaitingDrain && !q.stopped {
			if next.sub.ID == a.sub.ID && res.Status == models.StatusPosted {
				// Re-enqueued while draining, but the drained run finished
				// every destination.
				q.logger.Info("Drained run already posted the re-queued submission",
					zap.String("submission_id", a.sub.ID))
				q.posting = nil
				q.promoteLocked(q.policy.PostInterval())
			} else {
				q.launchLocked(next)
			}
		}
		q.updateGaugesLocked()
		return
	}

	if q.posting == a {
		q.posting = nil
	}
	if q.stopped && res.Status == models.StatusInterrupted {
		outcome.Status = models.StatusQueued
	}
	q.saveLocked(ctx, outcome)

	if res.Status == models.StatusFailed {
		q.notifier.Notify(ctx, events.Notification{
			Level:        events.LevelError,
			Source:       "queue",
			Title:        "Submission failed",
			Message:      fmt.Sprintf("Not posted to: %s", strings.Join(res.Unposted(), ", ")),
			SubmissionID: res.SubmissionID,
			Context:      map[string]any{"error": res.Error},
		})
	}

	switch {
	case q.stopped, res.Status == models.StatusInterrupted:
	case res.Status == models.StatusFailed && q.policy.StopOnFailure():
		q.logger.Info("Stopping queue after failed submission",
			zap.String("submission_id", res.SubmissionID),
			zap.Int("dequeued", len(q.waiting)))
		q.clearWaitingLocked(ctx)
	default:
		q.promoteLocked(q.policy.PostInterval())
	}
	q.updateGaugesLocked()
}

func (q *Queue) saveLocked(ctx context.Context, outcome repository.Outcome) {
	if err := q.repo.SaveOutcome(ctx, outcome); err != nil {
		q.logger.Error("Failed to save posting outcome",
			zap.String("submission_id", outcome.SubmissionID),
			zap.Error(err))
	}
}

func (q *Queue) setStatusLocked(ctx context.Context, id string, status models.SubmissionStatus) {
	if err := q.repo.UpdateStatus(ctx, id, status); err != nil {
		q.logger.Error("Failed to update submission status",
			zap.String("submission_id", id),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (q *Queue) indexLocked(id string) int {
	for i, e := range q.waiting {
		if e.sub.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) updateGaugesLocked() {
	metrics.QueueWaiting.Set(float64(len(q.waiting)))
	if q.posting != nil {
		metrics.QueuePosting.Set(1)
	} else {
		metrics.QueuePosting.Set(0)
	}
}

// Posting returns the submission holding the posting slot.
func (q *Queue) Posting() *models.Submission {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.posting == nil {
		return nil
	}
	return q.posting.sub.Clone()
}

// Waiting returns the waiting submissions in the order they will run.
func (q *Queue) Waiting() []*models.Submission {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Submission, len(q.waiting))
	for i, e := range q.waiting {
		out[i] = e.sub.Clone()
	}
	return out
}

// IsPosting is true while a run is active, pending or still draining.
func (q *Queue) IsPosting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.posting != nil || q.draining != nil
}

// Stop cancels the active run and pending timers and waits for the engine
// to return. The interrupted submission and everything waiting stay queued
// so Restore resumes them on the next start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	if a := q.posting; a != nil && a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	q.logger.Info("Posting queue stopped")
}
