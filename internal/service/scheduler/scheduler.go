package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/metrics"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/repository"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, sub *models.Submission) bool
	IsPosting() bool
}

type Settings interface {
	AutoScheduleCheck() bool
}

// Scheduler moves submissions into the queue once their schedule passes.
type Scheduler struct {
	repo     repository.SubmissionRepository
	queue    Enqueuer
	settings Settings
	logger   *zap.Logger
	tick     time.Duration
	delay    time.Duration
	now      func() time.Time

	mu        sync.Mutex
	scheduled []*models.Submission
	ticker    *time.Ticker
	timer     *time.Timer
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewScheduler(repo repository.SubmissionRepository, queue Enqueuer, settings Settings, tick time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = config.DefaultSchedulerTick
	}
	return &Scheduler{
		repo:     repo,
		queue:    queue,
		settings: settings,
		logger:   logger,
		tick:     tick,
		delay:    config.DefaultHeadlessDelay,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.settings.AutoScheduleCheck() {
		s.logger.Info("Starting scheduler in one-shot mode", zap.Duration("delay", s.delay))
		s.mu.Lock()
		s.wg.Add(1)
		s.timer = time.AfterFunc(s.delay, func() {
			defer s.wg.Done()
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logger.Info("Running one-shot schedule check")
			s.Tick(ctx)
		})
		s.mu.Unlock()
		return nil
	}

	s.logger.Info("Starting scheduler", zap.Duration("tick", s.tick))

	s.mu.Lock()
	s.ticker = time.NewTicker(s.tick)
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-s.stopCh:
				s.logger.Info("Scheduler stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Scheduler context cancelled")
				return
			}
		}
	}()

	return nil
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		if s.timer != nil && s.timer.Stop() {
			// The check never fired, so its Done never will.
			s.wg.Done()
		}
		s.mu.Unlock()
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("Scheduler shutdown completed")
}

// Tick reloads scheduled submissions and enqueues the ones that are due,
// oldest first. It does nothing while the queue is posting.
func (s *Scheduler) Tick(ctx context.Context) int {
	subs, err := s.repo.ListScheduled(ctx)
	if err != nil {
		s.logger.Error("Failed to load scheduled submissions", zap.Error(err))
		return 0
	}

	s.mu.Lock()
	s.scheduled = subs
	s.mu.Unlock()

	if s.queue.IsPosting() {
		s.logger.Debug("Skipping schedule check while posting")
		return 0
	}

	now := s.now()
	enqueued := 0
	for _, sub := range subs {
		if sub.Schedule.After(now) {
			break
		}
		if sub.Status.IsActive() {
			continue
		}
		if s.queue.Enqueue(ctx, sub) {
			enqueued++
			metrics.ScheduledEnqueued.Inc()
			s.logger.Info("Scheduled submission enqueued",
				zap.String("submission_id", sub.ID),
				zap.Time("schedule", *sub.Schedule))
		}
	}
	return enqueued
}

// Scheduled returns the submissions seen on the last tick, soonest first.
func (s *Scheduler) Scheduled() []*models.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Submission, len(s.scheduled))
	for i, sub := range s.scheduled {
		out[i] = sub.Clone()
	}
	return out
}
