package models

import (
	"time"

	"gorm.io/gorm"
)

type SubmissionStatus string

const (
	StatusUnposted    SubmissionStatus = "unposted"
	StatusQueued      SubmissionStatus = "queued"
	StatusPosting     SubmissionStatus = "posting"
	StatusPosted      SubmissionStatus = "posted"
	StatusFailed      SubmissionStatus = "failed"
	StatusInterrupted SubmissionStatus = "interrupted"
)

// IsTerminal reports whether a posting run can end in this status.
func (s SubmissionStatus) IsTerminal() bool {
	return s == StatusPosted || s == StatusFailed || s == StatusInterrupted
}

// IsActive reports whether the submission is owned by the queue.
func (s SubmissionStatus) IsActive() bool {
	return s == StatusQueued || s == StatusPosting
}

// Submission is one file plus metadata broadcast to an ordered list of
// destinations.
type Submission struct {
	ID           string           `gorm:"primaryKey;size:36" json:"id"`
	Title        string           `gorm:"size:500" json:"title"`
	Description  string           `gorm:"type:text" json:"description"`
	Tags         StringArray      `gorm:"type:text[]" json:"tags"`
	Files        StringArray      `gorm:"type:text[]" json:"files"`
	Destinations StringArray      `gorm:"type:text[]" json:"destinations"`
	Status       SubmissionStatus `gorm:"size:50;default:'unposted';index" json:"status"`
	Order        int              `gorm:"column:sort_order;default:0" json:"order"`
	Schedule     *time.Time       `gorm:"index" json:"schedule,omitempty"`

	// Outcome of the last posting run.
	Remaining          StringArray `gorm:"type:text[]" json:"remaining"`
	FailedDestinations StringArray `gorm:"type:text[]" json:"failed_destinations"`
	LastError          string      `gorm:"type:text" json:"last_error,omitempty"`
	PostedAt           *time.Time  `json:"posted_at,omitempty"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	out := *s
	out.Tags = s.Tags.Clone()
	out.Files = s.Files.Clone()
	out.Destinations = s.Destinations.Clone()
	out.Remaining = s.Remaining.Clone()
	out.FailedDestinations = s.FailedDestinations.Clone()
	if s.Schedule != nil {
		t := *s.Schedule
		out.Schedule = &t
	}
	if s.PostedAt != nil {
		t := *s.PostedAt
		out.PostedAt = &t
	}
	return &out
}
