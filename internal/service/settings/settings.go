package settings

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/repository"
)

const (
	keyStopOnFailure     = "settings:stopOnFailure"
	keyPostInterval      = "settings:postInterval"
	keyAutoScheduleCheck = "settings:autoScheduleCheck"
)

// Values are the user-tunable posting settings.
type Values struct {
	StopOnFailure       bool `json:"stop_on_failure"`
	PostIntervalMinutes int  `json:"post_interval_minutes"`
	AutoScheduleCheck   bool `json:"auto_schedule_check"`
}

// Service serves settings from memory, seeded from config and overridden by
// whatever was last saved in the key-value table.
type Service struct {
	kv     repository.KVRepository
	logger *zap.Logger

	mu     sync.RWMutex
	values Values
}

func NewService(ctx context.Context, cfg config.PostingConfig, kv repository.KVRepository, logger *zap.Logger) *Service {
	s := &Service{
		kv:     kv,
		logger: logger,
		values: Values{
			StopOnFailure:       cfg.StopOnFailure == nil || *cfg.StopOnFailure,
			PostIntervalMinutes: cfg.PostIntervalMinutes,
			AutoScheduleCheck:   cfg.AutoScheduleCheck,
		},
	}
	s.load(ctx)
	return s
}

func (s *Service) load(ctx context.Context) {
	if v, ok := s.read(ctx, keyStopOnFailure); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.values.StopOnFailure = b
		}
	}
	if v, ok := s.read(ctx, keyPostInterval); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			s.values.PostIntervalMinutes = n
		}
	}
	if v, ok := s.read(ctx, keyAutoScheduleCheck); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.values.AutoScheduleCheck = b
		}
	}
	s.logger.Info("Posting settings loaded",
		zap.Bool("stop_on_failure", s.values.StopOnFailure),
		zap.Int("post_interval_minutes", s.values.PostIntervalMinutes),
		zap.Bool("auto_schedule_check", s.values.AutoScheduleCheck))
}

func (s *Service) read(ctx context.Context, key string) (string, bool) {
	v, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Failed to read setting", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return v, ok
}

func (s *Service) StopOnFailure() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.StopOnFailure
}

// PostInterval is the pause between two submissions in the queue.
func (s *Service) PostInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.values.PostIntervalMinutes) * time.Minute
}

func (s *Service) AutoScheduleCheck() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.AutoScheduleCheck
}

func (s *Service) Values() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

// Update persists v and applies it. Nothing changes in memory if a write
// fails.
func (s *Service) Update(ctx context.Context, v Values) error {
	if v.PostIntervalMinutes < 0 {
		return fmt.Errorf("post interval must not be negative: %d", v.PostIntervalMinutes)
	}

	for _, kv := range []struct{ key, value string }{
		{keyStopOnFailure, strconv.FormatBool(v.StopOnFailure)},
		{keyPostInterval, strconv.Itoa(v.PostIntervalMinutes)},
		{keyAutoScheduleCheck, strconv.FormatBool(v.AutoScheduleCheck)},
	} {
		if err := s.kv.Set(ctx, kv.key, kv.value); err != nil {
			return fmt.Errorf("failed to save setting %s: %w", kv.key, err)
		}
	}

	s.mu.Lock()
	s.values = v
	s.mu.Unlock()

	s.logger.Info("Posting settings updated",
		zap.Bool("stop_on_failure", v.StopOnFailure),
		zap.Int("post_interval_minutes", v.PostIntervalMinutes),
		zap.Bool("auto_schedule_check", v.AutoScheduleCheck))
	return nil
}
