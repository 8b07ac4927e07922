package repository

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/models"
)

type ErrorLogRepository interface {
	Create(ctx context.Context, entry *models.ErrorLog) error
	Recent(ctx context.Context, limit int) ([]models.ErrorLog, error)
}

type GormErrorLogs struct {
	db *gorm.DB
}

func NewGormErrorLogs(db *gorm.DB) *GormErrorLogs {
	return &GormErrorLogs{db: db}
}

func (r *GormErrorLogs) Create(ctx context.Context, entry *models.ErrorLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *GormErrorLogs) Recent(ctx context.Context, limit int) ([]models.ErrorLog, error) {
	var logs []models.ErrorLog
	err := r.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

type MemoryErrorLogs struct {
	mu   sync.Mutex
	logs []models.ErrorLog
	seq  uint
}

func NewMemoryErrorLogs() *MemoryErrorLogs {
	return &MemoryErrorLogs{}
}

func (r *MemoryErrorLogs) Create(_ context.Context, entry *models.ErrorLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	entry.ID = r.seq
	entry.CreatedAt = time.Now()
	r.logs = append(r.logs, *entry)
	return nil
}

func (r *MemoryErrorLogs) Recent(_ context.Context, limit int) ([]models.ErrorLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ErrorLog
	for i := len(r.logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, r.logs[i])
	}
	return out, nil
}
