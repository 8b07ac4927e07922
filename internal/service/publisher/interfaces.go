package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LoginStatus is what a destination reports about its session.
type LoginStatus string

const (
	LoggedIn  LoginStatus = "logged_in"
	LoggedOut LoginStatus = "logged_out"
	Offline   LoginStatus = "offline"
)

// File is one loaded submission file.
type File struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data []byte `json:"-"`
}

// Payload is everything an adapter needs to build its post.
type Payload struct {
	SubmissionID string            `json:"submission_id"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Tags         []string          `json:"tags"`
	Files        []File            `json:"files"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Response is what a destination hands back for a successful post.
type Response struct {
	PostID   string            `json:"post_id,omitempty"`
	URL      string            `json:"url,omitempty"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	PostedAt time.Time         `json:"posted_at"`
}

// PostError is the rejection shape adapters return from Post. Notify asks
// for the failure to be surfaced to the user.
type PostError struct {
	Err     error
	Notify  bool
	Message string
}

func (e *PostError) Error() string {
	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *PostError) Unwrap() error { return e.Err }

// AsPostError extracts a PostError; plain errors come back wrapped with
// Notify unset.
func AsPostError(err error) *PostError {
	var pe *PostError
	if errors.As(err, &pe) {
		return pe
	}
	return &PostError{Err: err}
}

// Checker is the read-only part of an adapter the health monitor uses.
type Checker interface {
	// Status never fails; anything unexpected maps to LoggedOut or Offline.
	Status(ctx context.Context) LoginStatus
	User(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// Adapter knows how to talk to one external destination.
type Adapter interface {
	Checker
	Name() string
	Post(ctx context.Context, payload Payload) (*Response, error)
}
