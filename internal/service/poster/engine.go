package poster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/events"
	"github.com/ifuryst/crosspost/internal/metrics"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/pkg/util"
)

// SkewFloor is the wait applied when a destination's last post lies in the
// future.
const SkewFloor = 3000 * time.Millisecond

var ErrAlreadyPosting = errors.New("a posting run is already in flight")

type CooldownStore interface {
	LastPosted(ctx context.Context, destination string) time.Time
	Touch(ctx context.Context, destination string, at time.Time)
}

type Policy interface {
	StopOnFailure() bool
}

type Notifier interface {
	Notify(ctx context.Context, n events.Notification)
}

// Engine posts one submission at a time to each of its destinations,
// honouring per-destination cooldowns.
type Engine struct {
	registry  *publisher.Registry
	cooldowns CooldownStore
	loader    FileLoader
	notifier  Notifier
	policy    Policy
	bus       events.Bus
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	active *run
}

func NewEngine(
	registry *publisher.Registry,
	cooldowns CooldownStore,
	loader FileLoader,
	notifier Notifier,
	policy Policy,
	bus events.Bus,
	logger *zap.Logger,
) *Engine {
	if bus == nil {
		bus = events.Nop()
	}
	return &Engine{
		registry:  registry,
		cooldowns: cooldowns,
		loader:    loader,
		notifier:  notifier,
		policy:    policy,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
}

// Run posts sub and blocks until the run terminates. Cancelling ctx has the
// same effect as Cancel. It returns ErrAlreadyPosting without touching any
// state if another run is active; every other failure is reported through
// the Result.
func (e *Engine) Run(ctx context.Context, sub *models.Submission) (*Result, error) {
	r := newRun(sub, Destinations(sub), e.policy.StopOnFailure())

	e.mu.Lock()
	if e.active != nil {
		activeID := e.active.sub.ID
		e.mu.Unlock()
		e.logger.Error("Refusing to start a second posting run",
			zap.String("submission_id", sub.ID),
			zap.String("active_submission_id", activeID))
		return &Result{SubmissionID: sub.ID, Status: sub.Status, Err: ErrAlreadyPosting, Error: ErrAlreadyPosting.Error()}, ErrAlreadyPosting
	}
	e.active = r
	e.mu.Unlock()

	e.logger.Info("Posting submission",
		zap.String("submission_id", sub.ID),
		zap.Strings("destinations", r.remaining),
		zap.Bool("stop_on_failure", r.stopOnFailure))

	res := e.loop(ctx, r)

	e.mu.Lock()
	e.active = nil
	e.mu.Unlock()

	e.finish(res)
	return res, nil
}

func (e *Engine) loop(ctx context.Context, r *run) *Result {
	for {
		if ctx.Err() != nil {
			r.cancel()
		}

		st := r.next()
		switch st.kind {
		case stepTerminate:
			return r.result(st.status, nil)
		case stepSkip:
			e.logger.Error("Destination already attempted in this run, skipping",
				zap.String("submission_id", r.sub.ID),
				zap.String("destination", st.destination))
			continue
		}

		d := st.destination
		adapter, err := e.registry.Get(d)
		if err != nil {
			e.recordFailure(ctx, r, d, &publisher.PostError{Err: err, Notify: true})
			continue
		}

		wait := e.cooldownWait(ctx, d)
		e.bus.Publish(events.Event{Type: events.TypeProgress, Data: events.Progress{
			SubmissionID: r.sub.ID,
			Percent:      r.percent(),
			Destination:  d,
			WaitingUntil: e.now().Add(wait),
		}})

		if wait > 0 {
			e.logger.Debug("Waiting for destination cooldown",
				zap.String("destination", d),
				zap.Duration("wait", wait))
			metrics.CooldownWait.WithLabelValues(d).Observe(wait.Seconds())
		}
		if !r.sleep(ctx, wait) {
			r.requeue(d)
			return r.result(models.StatusInterrupted, nil)
		}

		payload, err := e.loadPayload(ctx, r)
		if err != nil {
			r.requeue(d)
			if ctx.Err() != nil {
				return r.result(models.StatusInterrupted, nil)
			}
			e.notifier.Notify(ctx, events.Notification{
				Level:        events.LevelError,
				Source:       "poster",
				Title:        "Failed to load submission files",
				Message:      err.Error(),
				SubmissionID: r.sub.ID,
			})
			return r.result(models.StatusFailed, err)
		}

		// Cancelling the run must not abort a post already on the wire.
		postCtx := context.WithoutCancel(ctx)
		start := e.now()
		resp, err := adapter.Post(postCtx, *payload)
		metrics.PostDuration.WithLabelValues(d).Observe(e.now().Sub(start).Seconds())
		e.cooldowns.Touch(postCtx, d, e.now())

		if err != nil {
			e.recordFailure(postCtx, r, d, publisher.AsPostError(err))
			continue
		}

		metrics.PostAttempts.WithLabelValues(d, "success").Inc()
		r.responses = append(r.responses, DestinationResponse{
			Destination: d,
			Success:     true,
			Response:    resp,
			At:          e.now(),
		})
		e.logger.Info("Posted to destination",
			zap.String("submission_id", r.sub.ID),
			zap.String("destination", d))
	}
}

func (e *Engine) recordFailure(ctx context.Context, r *run, d string, pe *publisher.PostError) {
	metrics.PostAttempts.WithLabelValues(d, "failure").Inc()
	r.failed = append(r.failed, d)
	r.responses = append(r.responses, DestinationResponse{
		Destination: d,
		Error:       pe.Error(),
		At:          e.now(),
	})

	e.logger.Warn("Failed to post to destination",
		zap.String("submission_id", r.sub.ID),
		zap.String("destination", d),
		zap.Error(pe))

	if pe.Notify {
		e.notifier.Notify(ctx, events.Notification{
			Level:        events.LevelWarn,
			Source:       "poster",
			Title:        fmt.Sprintf("Failed to post to %s", d),
			Message:      pe.Error(),
			SubmissionID: r.sub.ID,
			Destination:  d,
		})
	}
}

// cooldownWait is how long to hold off before posting to d.
func (e *Engine) cooldownWait(ctx context.Context, d string) time.Duration {
	last := e.cooldowns.LastPosted(ctx, d)
	if last.IsZero() {
		return 0
	}
	now := e.now()
	if last.After(now) {
		return SkewFloor
	}
	wait := last.Add(e.registry.Cooldown(d)).Sub(now)
	if wait <= 0 {
		return 0
	}
	return wait
}

// loadPayload reads the submission files once per run.
func (e *Engine) loadPayload(ctx context.Context, r *run) (*publisher.Payload, error) {
	if r.payload != nil {
		return r.payload, nil
	}
	files, err := e.loader.Load(ctx, r.sub.Files)
	if err != nil {
		return nil, err
	}
	r.payload = &publisher.Payload{
		SubmissionID: r.sub.ID,
		Title:        r.sub.Title,
		Description:  r.sub.Description,
		Tags:         append([]string(nil), r.sub.Tags...),
		Files:        files,
	}
	return r.payload, nil
}

func (e *Engine) finish(res *Result) {
	metrics.RunsCompleted.WithLabelValues(string(res.Status)).Inc()

	fields := []zap.Field{
		zap.String("submission_id", res.SubmissionID),
		zap.String("status", string(res.Status)),
		zap.Strings("failed", res.Failed),
		zap.Strings("remaining", res.Remaining),
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	e.logger.Info("Posting run finished", fields...)

	e.bus.Publish(events.Event{Type: events.TypeCompleted, Data: res})
}

// Cancel interrupts the active run and reports whether there was one. A
// post call already in flight is allowed to complete.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return false
	}
	e.logger.Info("Cancelling posting run", zap.String("submission_id", e.active.sub.ID))
	e.active.cancel()
	return true
}

// Active returns the id of the submission being posted, if any.
func (e *Engine) Active() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return "", false
	}
	return e.active.sub.ID, true
}

// Destinations picks up where the previous run left off: after a Failed or
// Interrupted run only the destinations that were not posted are tried,
// in their original order.
func Destinations(sub *models.Submission) []string {
	pending := make(map[string]struct{}, len(sub.FailedDestinations)+len(sub.Remaining))
	for _, d := range sub.FailedDestinations {
		pending[d] = struct{}{}
	}
	for _, d := range sub.Remaining {
		pending[d] = struct{}{}
	}

	var out []string
	for _, d := range util.Dedupe(sub.Destinations) {
		if len(pending) > 0 {
			if _, ok := pending[d]; !ok {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}
