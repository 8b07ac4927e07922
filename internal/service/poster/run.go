package poster

import (
	"context"
	"sync"
	"time"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

type stepKind int

const (
	stepSkip stepKind = iota
	stepPost
	stepTerminate
)

// step is what the run wants to do next.
type step struct {
	kind        stepKind
	destination string
	status      models.SubmissionStatus
}

// run is the state of one in-flight submission. Only the goroutine
// executing Engine.Run touches the slices.
type run struct {
	sub           *models.Submission
	stopOnFailure bool
	original      int

	remaining []string
	attempted []string
	failed    []string
	responses []DestinationResponse
	payload   *publisher.Payload

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func newRun(sub *models.Submission, destinations []string, stopOnFailure bool) *run {
	return &run{
		sub:           sub,
		stopOnFailure: stopOnFailure,
		original:      len(destinations),
		remaining:     append([]string(nil), destinations...),
		cancelCh:      make(chan struct{}),
	}
}

func (r *run) cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (r *run) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// next pops the following destination or decides how the run ends. The
// stop-on-failure check happens only after the failing destination has been
// attempted, so it always lands in failed rather than remaining. A run with
// nothing left ends Posted or Failed even if a cancel arrived during the
// last post.
func (r *run) next() step {
	if len(r.remaining) == 0 {
		if len(r.failed) > 0 {
			return step{kind: stepTerminate, status: models.StatusFailed}
		}
		return step{kind: stepTerminate, status: models.StatusPosted}
	}
	if r.cancelled() {
		return step{kind: stepTerminate, status: models.StatusInterrupted}
	}
	if len(r.failed) > 0 && r.stopOnFailure {
		return step{kind: stepTerminate, status: models.StatusFailed}
	}

	d := r.remaining[0]
	r.remaining = r.remaining[1:]
	if contains(r.attempted, d) {
		return step{kind: stepSkip, destination: d}
	}
	r.attempted = append(r.attempted, d)
	return step{kind: stepPost, destination: d}
}

// requeue puts d back at the head of remaining as if it was never attempted.
func (r *run) requeue(d string) {
	r.remaining = append([]string{d}, r.remaining...)
	for i, a := range r.attempted {
		if a == d {
			r.attempted = append(r.attempted[:i], r.attempted[i+1:]...)
			break
		}
	}
}

func (r *run) percent() float64 {
	if r.original == 0 {
		return 100
	}
	return (1 - float64(len(r.remaining))/float64(r.original)) * 100
}

// sleep waits for d and reports false if the run was cancelled first.
func (r *run) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !r.cancelled()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-r.cancelCh:
		return false
	case <-ctx.Done():
		r.cancel()
		return false
	}
}

func (r *run) result(status models.SubmissionStatus, err error) *Result {
	res := &Result{
		SubmissionID: r.sub.ID,
		Status:       status,
		Remaining:    append([]string{}, r.remaining...),
		Failed:       append([]string{}, r.failed...),
		Responses:    append([]DestinationResponse{}, r.responses...),
		Err:          err,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
