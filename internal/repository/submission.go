package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/models"
)

// Outcome is what a finished posting run leaves behind.
type Outcome struct {
	SubmissionID string
	Status       models.SubmissionStatus
	Remaining    []string
	Failed       []string
	Error        string
	Jobs         []models.DistributionJob
}

type SubmissionRepository interface {
	Create(ctx context.Context, sub *models.Submission) error
	Get(ctx context.Context, id string) (*models.Submission, error)
	List(ctx context.Context) ([]*models.Submission, error)
	ListByStatus(ctx context.Context, statuses ...models.SubmissionStatus) ([]*models.Submission, error)
	// ListScheduled returns submissions carrying a schedule, oldest first.
	ListScheduled(ctx context.Context) ([]*models.Submission, error)
	UpdateStatus(ctx context.Context, id string, status models.SubmissionStatus) error
	ClearSchedule(ctx context.Context, id string) error
	// SaveOutcome records a run. An empty Status leaves the stored status alone.
	SaveOutcome(ctx context.Context, outcome Outcome) error
	Jobs(ctx context.Context, id string) ([]*models.DistributionJob, error)
}

type GormSubmissions struct {
	db *gorm.DB
}

func NewGormSubmissions(db *gorm.DB) *GormSubmissions {
	return &GormSubmissions{db: db}
}

func (r *GormSubmissions) Create(ctx context.Context, sub *models.Submission) error {
	if sub.Status == "" {
		sub.Status = models.StatusUnposted
	}
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *GormSubmissions) Get(ctx context.Context, id string) (*models.Submission, error) {
	var sub models.Submission
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *GormSubmissions) List(ctx context.Context) ([]*models.Submission, error) {
	var subs []*models.Submission
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&subs).Error
	return subs, err
}

func (r *GormSubmissions) ListByStatus(ctx context.Context, statuses ...models.SubmissionStatus) ([]*models.Submission, error) {
	var subs []*models.Submission
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("sort_order ASC, created_at ASC").
		Find(&subs).Error
	return subs, err
}

func (r *GormSubmissions) ListScheduled(ctx context.Context) ([]*models.Submission, error) {
	var subs []*models.Submission
	err := r.db.WithContext(ctx).
		Where("schedule IS NOT NULL").
		Order("schedule ASC").
		Find(&subs).Error
	return subs, err
}

func (r *GormSubmissions) UpdateStatus(ctx context.Context, id string, status models.SubmissionStatus) error {
	res := r.db.WithContext(ctx).Model(&models.Submission{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormSubmissions) ClearSchedule(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&models.Submission{}).Where("id = ?", id).Update("schedule", nil).Error
}

func (r *GormSubmissions) SaveOutcome(ctx context.Context, outcome Outcome) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"remaining":           models.StringArray(outcome.Remaining),
			"failed_destinations": models.StringArray(outcome.Failed),
			"last_error":          outcome.Error,
		}
		if outcome.Status != "" {
			updates["status"] = outcome.Status
		}
		if outcome.Status == models.StatusPosted {
			updates["posted_at"] = time.Now()
		}
		if err := tx.Model(&models.Submission{}).Where("id = ?", outcome.SubmissionID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update submission: %w", err)
		}
		if len(outcome.Jobs) > 0 {
			if err := tx.Create(&outcome.Jobs).Error; err != nil {
				return fmt.Errorf("failed to record distribution jobs: %w", err)
			}
		}
		return nil
	})
}

func (r *GormSubmissions) Jobs(ctx context.Context, id string) ([]*models.DistributionJob, error) {
	var jobs []*models.DistributionJob
	err := r.db.WithContext(ctx).
		Where("submission_id = ?", id).
		Order("created_at DESC").
		Find(&jobs).Error
	return jobs, err
}

// MemorySubmissions is the in-process SubmissionRepository.
type MemorySubmissions struct {
	mu    sync.RWMutex
	subs  map[string]*models.Submission
	jobs  map[string][]*models.DistributionJob
	jobID uint
}

func NewMemorySubmissions() *MemorySubmissions {
	return &MemorySubmissions{
		subs: make(map[string]*models.Submission),
		jobs: make(map[string][]*models.DistributionJob),
	}
}

func (r *MemorySubmissions) Create(_ context.Context, sub *models.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subs[sub.ID]; exists {
		return fmt.Errorf("submission %s already exists", sub.ID)
	}
	if sub.Status == "" {
		sub.Status = models.StatusUnposted
	}
	now := time.Now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	r.subs[sub.ID] = sub.Clone()
	return nil
}

func (r *MemorySubmissions) Get(_ context.Context, id string) (*models.Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

func (r *MemorySubmissions) List(_ context.Context) ([]*models.Submission, error) {
	r.mu.RLock()
	out := make([]*models.Submission, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub.Clone())
	}
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemorySubmissions) ListByStatus(_ context.Context, statuses ...models.SubmissionStatus) ([]*models.Submission, error) {
	want := make(map[models.SubmissionStatus]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	r.mu.RLock()
	var out []*models.Submission
	for _, sub := range r.subs {
		if _, ok := want[sub.Status]; ok {
			out = append(out, sub.Clone())
		}
	}
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemorySubmissions) ListScheduled(_ context.Context) ([]*models.Submission, error) {
	r.mu.RLock()
	var out []*models.Submission
	for _, sub := range r.subs {
		if sub.Schedule != nil {
			out = append(out, sub.Clone())
		}
	}
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Schedule.Before(*out[j].Schedule) })
	return out, nil
}

func (r *MemorySubmissions) UpdateStatus(_ context.Context, id string, status models.SubmissionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.Status = status
	sub.UpdatedAt = time.Now()
	return nil
}

func (r *MemorySubmissions) ClearSchedule(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.Schedule = nil
	return nil
}

func (r *MemorySubmissions) SaveOutcome(_ context.Context, outcome Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[outcome.SubmissionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	if outcome.Status != "" {
		sub.Status = outcome.Status
	}
	if outcome.Status == models.StatusPosted {
		sub.PostedAt = &now
	}
	sub.Remaining = models.StringArray(outcome.Remaining).Clone()
	sub.FailedDestinations = models.StringArray(outcome.Failed).Clone()
	sub.LastError = outcome.Error
	sub.UpdatedAt = now
	for i := range outcome.Jobs {
		job := outcome.Jobs[i]
		r.jobID++
		job.ID = r.jobID
		job.CreatedAt = now
		r.jobs[outcome.SubmissionID] = append(r.jobs[outcome.SubmissionID], &job)
	}
	return nil
}

func (r *MemorySubmissions) Jobs(_ context.Context, id string) ([]*models.DistributionJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.jobs[id]
	out := make([]*models.DistributionJob, len(src))
	for i, j := range src {
		job := *j
		out[len(src)-1-i] = &job
	}
	return out, nil
}
