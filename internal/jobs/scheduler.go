package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelpkg "github.com/42atom/msgcode/internal/otel"
	"github.com/42atom/msgcode/internal/routing"
	"github.com/42atom/msgcode/internal/shared"
)

const (
	defaultStuckTimeout  = 2 * time.Hour
	defaultMaxTimerDelay = 6 * time.Hour

	truncationMarker = "… [truncated]"
)

// Dispatcher pushes a job's execution through the per-conversation lane so a
// scheduled run can never race a live message for the same conversation.
type Dispatcher interface {
	EnqueueExternal(ctx context.Context, conversationID string, run func(ctx context.Context) error) error
}

// Deliverer runs the job's payload in the route's workspace.
type Deliverer interface {
	Deliver(ctx context.Context, route routing.Route, text string) (string, error)
}

// Sender relays a job's output back into its conversation.
type Sender interface {
	SendReply(ctx context.Context, conversationID, text string) error
}

// Options configures a Scheduler.
type Options struct {
	Store   *Store
	Runs    *RunLog
	Routes  routing.Resolver
	Lanes   Dispatcher
	Deliver Deliverer
	Send    Sender

	StuckTimeout  time.Duration
	MaxTimerDelay time.Duration

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

// Scheduler arms a single timer for the soonest deadline across all jobs and
// executes due jobs strictly serially. It never uses a recurring interval;
// the timer is recomputed after every tick and clamped so arbitrarily distant
// deadlines are reached in chunks.
type Scheduler struct {
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelpkg.Metrics
	now     func() time.Time

	rearm chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Store == nil || opts.Runs == nil || opts.Routes == nil || opts.Lanes == nil || opts.Deliver == nil || opts.Send == nil {
		return nil, fmt.Errorf("jobs: store, runs, routes, lanes, deliver and send are all required")
	}
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = defaultStuckTimeout
	}
	if opts.MaxTimerDelay <= 0 {
		opts.MaxTimerDelay = defaultMaxTimerDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	return &Scheduler{
		opts:    opts,
		logger:  logger.With("component", "scheduler"),
		tracer:  tracer,
		metrics: opts.Metrics,
		now:     time.Now,
		rearm:   make(chan struct{}, 1),
	}, nil
}

// Start runs the startup sequence (route resolution, stuck-job sweep, next-run
// computation) and then arms the timer loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.startup(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop halts the timer loop. A job currently executing finishes its lane task.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Jobs returns a snapshot of every job for status queries.
func (s *Scheduler) Jobs() []*Job {
	return s.opts.Store.List()
}

// RunHistory returns the most recent execution records, oldest first.
func (s *Scheduler) RunHistory(n int) ([]Run, error) {
	return s.opts.Runs.Tail(n)
}

// AddJob validates, stores and schedules a new job.
func (s *Scheduler) AddJob(j *Job) error {
	if err := Validate(j); err != nil {
		return err
	}
	now := s.now()
	j.CreatedAtMs = now.UnixMilli()
	j.UpdatedAtMs = j.CreatedAtMs
	j.State = State{RouteStatus: s.resolveRoute(j.Route.ConversationID)}
	if j.Enabled && j.State.RouteStatus == RouteValid {
		next, err := NextRun(j.Schedule, now)
		if err != nil {
			return err
		}
		if !next.IsZero() {
			j.State.NextRunAtMs = next.UnixMilli()
		}
	}
	if err := s.opts.Store.Add(j); err != nil {
		return err
	}
	s.logger.Info("job added", "job_id", j.ID, "next_run_at_ms", j.State.NextRunAtMs)
	s.kick()
	return nil
}

// RemoveJob deletes a job and its pending deadline.
func (s *Scheduler) RemoveJob(id string) error {
	if err := s.opts.Store.Remove(id); err != nil {
		return err
	}
	s.logger.Info("job removed", "job_id", id)
	s.kick()
	return nil
}

// SetEnabled toggles a job and recomputes its deadline.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	now := s.now()
	err := s.opts.Store.Update(id, func(j *Job) error {
		j.Enabled = enabled
		j.UpdatedAtMs = now.UnixMilli()
		j.State.NextRunAtMs = 0
		if enabled && j.State.RouteStatus == RouteValid {
			next, err := NextRun(j.Schedule, now)
			if err != nil {
				return err
			}
			if !next.IsZero() {
				j.State.NextRunAtMs = next.UnixMilli()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("job toggled", "job_id", id, "enabled", enabled)
	s.kick()
	return nil
}

func (s *Scheduler) resolveRoute(conversationID string) RouteStatus {
	route, ok := s.opts.Routes.Lookup(conversationID)
	switch {
	case !ok:
		return RouteOrphaned
	case route.Status != routing.StatusActive:
		return RouteInvalid
	default:
		return RouteValid
	}
}

// errUnchanged aborts a store update whose reconcile pass found nothing to
// persist, so reconciliation never rewrites an already-correct file.
var errUnchanged = errors.New("jobs: no state change")

// Reload picks up external edits to the job file and reconciles the result.
// The config watcher calls this when jobs.json changes on disk.
func (s *Scheduler) Reload() error {
	if err := s.opts.Store.Reload(); err != nil {
		return err
	}
	if err := s.startup(); err != nil {
		return err
	}
	s.kick()
	return nil
}

// startup reconciles persisted job state with reality before any timer fires.
func (s *Scheduler) startup() error {
	now := s.now()
	stuckBefore := now.Add(-s.opts.StuckTimeout).UnixMilli()

	for _, snapshot := range s.opts.Store.List() {
		id := snapshot.ID
		var stuckRun *Run

		err := s.opts.Store.Update(id, func(j *Job) error {
			before := j.State
			j.State.RouteStatus = s.resolveRoute(j.Route.ConversationID)

			if j.State.RunningAtMs > 0 && j.State.RunningAtMs < stuckBefore {
				age := now.Sub(time.UnixMilli(j.State.RunningAtMs))
				s.logger.Warn("clearing stuck job", "job_id", id, "running_for", age)
				j.State.RunningAtMs = 0
				j.State.LastStatus = RunStuck
				j.State.LastErrorCode = CodeStuckCleared
				j.State.LastError = fmt.Sprintf("run marker survived %s, assuming a crash during execution", age.Round(time.Second))
				stuckRun = &Run{
					Timestamp:      now,
					RunID:          shared.NewRunID(),
					JobID:          id,
					ConversationID: j.Route.ConversationID,
					Status:         RunStuck,
					ErrorCode:      CodeStuckCleared,
					Error:          j.State.LastError,
				}
			}

			j.State.NextRunAtMs = 0
			if j.Enabled && j.State.RouteStatus == RouteValid && j.State.RunningAtMs == 0 {
				next, nerr := NextRun(j.Schedule, now)
				if nerr != nil {
					s.logger.Error("job has an uncomputable schedule", "job_id", id, "error", nerr)
					return nil
				}
				if !next.IsZero() {
					j.State.NextRunAtMs = next.UnixMilli()
				}
			}
			if j.State == before {
				return errUnchanged
			}
			return nil
		})
		if err != nil && !errors.Is(err, errUnchanged) {
			return fmt.Errorf("reconcile job %s: %w", id, err)
		}
		if stuckRun != nil {
			if err := s.opts.Runs.Append(*stuckRun); err != nil {
				s.logger.Error("run log append failed", "job_id", id, "error", err)
			}
		}
	}
	return nil
}

func (s *Scheduler) kick() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		timer := time.NewTimer(s.nextDelay())
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.rearm:
			timer.Stop()
		case <-timer.C:
			s.tick()
		}
	}
}

// nextDelay is the time until the soonest deadline, clamped to the chunk size
// so far-future deadlines are approached in re-armed steps.
func (s *Scheduler) nextDelay() time.Duration {
	now := s.now()
	var soonest int64
	for _, j := range s.opts.Store.List() {
		if !j.Enabled || j.State.NextRunAtMs <= 0 {
			continue
		}
		if soonest == 0 || j.State.NextRunAtMs < soonest {
			soonest = j.State.NextRunAtMs
		}
	}
	if soonest == 0 {
		return s.opts.MaxTimerDelay
	}
	delay := time.UnixMilli(soonest).Sub(now)
	if delay < 0 {
		delay = 0
	}
	if delay > s.opts.MaxTimerDelay {
		delay = s.opts.MaxTimerDelay
	}
	return delay
}

// tick executes every due job, one after another.
func (s *Scheduler) tick() {
	now := s.now()
	for _, j := range s.opts.Store.List() {
		if !j.Enabled || j.State.NextRunAtMs <= 0 || j.State.NextRunAtMs > now.UnixMilli() {
			continue
		}
		s.executeJob(j)
	}
}

// executeJob runs one due job through its conversation's lane and persists the
// outcome. The next deadline is always computed from "now", never from the
// missed one, so a long suspend produces a single catch-up run.
func (s *Scheduler) executeJob(j *Job) {
	started := s.now()
	runID := shared.NewRunID()
	ctx := shared.WithJobID(s.ctx, j.ID)
	ctx = shared.WithRunID(ctx, runID)
	ctx, span := otelpkg.StartSpan(ctx, s.tracer, "jobs.run",
		otelpkg.AttrJobID.String(j.ID),
		otelpkg.AttrRunID.String(runID),
		otelpkg.AttrConversationID.String(j.Route.ConversationID))
	defer span.End()

	run := Run{
		Timestamp:      started,
		RunID:          runID,
		JobID:          j.ID,
		ConversationID: j.Route.ConversationID,
	}

	route, ok := s.opts.Routes.Lookup(j.Route.ConversationID)
	switch {
	case !ok:
		run.Status = RunSkipped
		run.ErrorCode = CodeRouteNotFound
		run.Error = "no route configured for conversation"
		s.finishRun(j.ID, RouteOrphaned, run, started)
		return
	case route.Status != routing.StatusActive:
		run.Status = RunSkipped
		run.ErrorCode = CodeRouteInactive
		run.Error = "route is inactive"
		s.finishRun(j.ID, RouteInvalid, run, started)
		return
	}

	if err := s.opts.Store.Update(j.ID, func(job *Job) error {
		job.State.RunningAtMs = started.UnixMilli()
		return nil
	}); err != nil {
		s.logger.Error("cannot mark job running", "job_id", j.ID, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.JobsFired.Add(ctx, 1)
	}
	s.logger.Info("job firing", "job_id", j.ID, "run_id", runID, "conversation_id", j.Route.ConversationID)

	text := j.Payload.Text
	if j.Delivery.MaxChars > 0 {
		if r := []rune(text); len(r) > j.Delivery.MaxChars {
			text = string(r[:j.Delivery.MaxChars]) + truncationMarker
			run.Detail = fmt.Sprintf("payload truncated to %d chars", j.Delivery.MaxChars)
		}
	}

	var response string
	deliverErr := s.opts.Lanes.EnqueueExternal(ctx, j.Route.ConversationID, func(taskCtx context.Context) error {
		out, err := s.opts.Deliver.Deliver(taskCtx, route, text)
		response = out
		return err
	})
	if deliverErr == nil && j.Delivery.Mode == DeliveryReply && response != "" {
		deliverErr = s.opts.Send.SendReply(ctx, j.Route.ConversationID, response)
	}

	switch {
	case deliverErr == nil:
		run.Status = RunOK
	case j.Delivery.BestEffort:
		// Delivery failed but the job itself counts as done.
		run.Status = RunOK
		run.ErrorCode = CodeDeliveryFailed
		run.Error = deliverErr.Error()
	default:
		run.Status = RunError
		run.ErrorCode = CodeDeliveryFailed
		run.Error = deliverErr.Error()
	}
	if s.metrics != nil {
		s.metrics.JobRunDuration.Record(ctx, s.now().Sub(started).Seconds())
	}
	s.finishRun(j.ID, RouteValid, run, started)
}

// finishRun persists the outcome, appends the run record and recomputes the
// job's next deadline from the current time.
func (s *Scheduler) finishRun(id string, routeStatus RouteStatus, run Run, started time.Time) {
	now := s.now()
	run.DurationMs = now.Sub(started).Milliseconds()

	err := s.opts.Store.Update(id, func(j *Job) error {
		j.State.RouteStatus = routeStatus
		j.State.RunningAtMs = 0
		j.State.LastStatus = run.Status
		j.State.LastErrorCode = run.ErrorCode
		j.State.LastError = run.Error
		j.State.LastDurationMs = run.DurationMs
		j.State.LastRunAtMs = started.UnixMilli()

		j.State.NextRunAtMs = 0
		if j.Enabled {
			next, nerr := NextRun(j.Schedule, now)
			if nerr != nil {
				return nerr
			}
			if !next.IsZero() {
				j.State.NextRunAtMs = next.UnixMilli()
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("cannot persist run outcome", "job_id", id, "error", err)
	}
	if err := s.opts.Runs.Append(run); err != nil {
		s.logger.Error("run log append failed", "job_id", id, "error", err)
	}
	s.logger.Info("job finished", "job_id", id, "run_id", run.RunID, "status", run.Status,
		"duration_ms", run.DurationMs, "error_code", run.ErrorCode)
}
