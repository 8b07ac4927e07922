package events

import "time"

// Progress is published each time the poster selects a destination.
type Progress struct {
	SubmissionID string    `json:"submission_id"`
	Percent      float64   `json:"percent"`
	Destination  string    `json:"destination"`
	WaitingUntil time.Time `json:"waiting_until"`
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notification is something a user should see.
type Notification struct {
	Level        Level          `json:"level"`
	Source       string         `json:"source"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	SubmissionID string         `json:"submission_id,omitempty"`
	Destination  string         `json:"destination,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}
