package cooldown

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/repository"
)

const keyPrefix = "lastPosted:"

// Store remembers when each destination last received a post. Entries
// survive restarts so a fresh process still honours the cooldown.
type Store struct {
	kv     repository.KVRepository
	logger *zap.Logger
}

func NewStore(kv repository.KVRepository, logger *zap.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// LastPosted returns the zero time when destination has never been posted
// to or its entry cannot be read.
func (s *Store) LastPosted(ctx context.Context, destination string) time.Time {
	raw, ok, err := s.kv.Get(ctx, keyPrefix+destination)
	if err != nil {
		s.logger.Warn("Failed to read last posted time",
			zap.String("destination", destination),
			zap.Error(err))
		return time.Time{}
	}
	if !ok {
		return time.Time{}
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		s.logger.Warn("Ignoring malformed last posted time",
			zap.String("destination", destination),
			zap.String("value", raw))
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Touch records at as the last post time. Failures are logged only; a lost
// write just means the next run may post slightly early.
func (s *Store) Touch(ctx context.Context, destination string, at time.Time) {
	value := strconv.FormatInt(at.UnixMilli(), 10)
	if err := s.kv.Set(ctx, keyPrefix+destination, value); err != nil {
		s.logger.Error("Failed to record last posted time",
			zap.String("destination", destination),
			zap.Error(err))
	}
}
