package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// DistributionJob records one post attempt to one destination.
type DistributionJob struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	SubmissionID string         `gorm:"size:36;not null;index" json:"submission_id"`
	Destination  string         `gorm:"size:100;not null;index" json:"destination"`
	Status       string         `gorm:"size:50;default:'completed'" json:"status"`
	PostID       string         `gorm:"size:255" json:"post_id,omitempty"`
	URL          string         `gorm:"size:1000" json:"url,omitempty"`
	Error        string         `gorm:"type:text" json:"error,omitempty"`
	PublishedAt  *time.Time     `json:"published_at,omitempty"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}
