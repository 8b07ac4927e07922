package poster

import (
	"time"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

// DestinationResponse is the outcome of one post call.
type DestinationResponse struct {
	Destination string              `json:"destination"`
	Success     bool                `json:"success"`
	Response    *publisher.Response `json:"response,omitempty"`
	Error       string              `json:"error,omitempty"`
	At          time.Time           `json:"at"`
}

// Result is what a posting run terminates with.
type Result struct {
	SubmissionID string                  `json:"submission_id"`
	Status       models.SubmissionStatus `json:"status"`
	Remaining    []string                `json:"remaining"`
	Failed       []string                `json:"failed"`
	Responses    []DestinationResponse   `json:"responses"`
	Error        string                  `json:"error,omitempty"`
	Err          error                   `json:"-"`
}

// Unposted lists every destination that did not receive the submission.
func (r *Result) Unposted() []string {
	out := make([]string, 0, len(r.Failed)+len(r.Remaining))
	out = append(out, r.Failed...)
	return append(out, r.Remaining...)
}

// Jobs turns the responses into distribution job records.
func (r *Result) Jobs() []models.DistributionJob {
	jobs := make([]models.DistributionJob, 0, len(r.Responses))
	for _, resp := range r.Responses {
		job := models.DistributionJob{
			SubmissionID: r.SubmissionID,
			Destination:  resp.Destination,
			Status:       models.JobStatusFailed,
			Error:        resp.Error,
		}
		if resp.Success {
			job.Status = models.JobStatusCompleted
			if resp.Response != nil {
				job.PostID = resp.Response.PostID
				job.URL = resp.Response.URL
				postedAt := resp.Response.PostedAt
				if postedAt.IsZero() {
					postedAt = resp.At
				}
				job.PublishedAt = &postedAt
			}
		}
		jobs = append(jobs, job)
	}
	return jobs
}
