// Package jobs persists scheduled job definitions and runs them through the
// same per-conversation lanes live messages use.
package jobs

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ScheduleKind selects how a job computes its next run.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"    // one absolute time
	ScheduleEvery ScheduleKind = "every" // fixed interval from an anchor
	ScheduleCron  ScheduleKind = "cron"  // cron expression plus mandatory timezone
)

type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	AtMs     int64        `json:"atMs,omitempty"`
	EveryMs  int64        `json:"everyMs,omitempty"`
	AnchorMs int64        `json:"anchorMs,omitempty"`
	Expr     string       `json:"expr,omitempty"`
	TZ       string       `json:"tz,omitempty"`
}

// DeliveryMode controls whether the session's output is relayed back.
type DeliveryMode string

const (
	DeliveryReply DeliveryMode = "reply"
	DeliveryNone  DeliveryMode = "none"
)

type Delivery struct {
	Mode       DeliveryMode `json:"mode"`
	BestEffort bool         `json:"bestEffort,omitempty"`
	MaxChars   int          `json:"maxChars,omitempty"`
}

type RouteRef struct {
	ConversationID string `json:"conversationId"`
}

type Payload struct {
	Text string `json:"text"`
}

// RouteStatus is the job's view of its route, refreshed at startup and on
// every tick that touches the job.
type RouteStatus string

const (
	RouteValid    RouteStatus = "valid"
	RouteInvalid  RouteStatus = "invalid"
	RouteOrphaned RouteStatus = "orphaned"
)

// RunStatus is the outcome of one execution attempt.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunOK      RunStatus = "ok"
	RunError   RunStatus = "error"
	RunStuck   RunStatus = "stuck"
	RunSkipped RunStatus = "skipped"
)

// Error codes surfaced in job state and run history.
const (
	CodeRouteNotFound  = "ROUTE_NOT_FOUND"
	CodeRouteInactive  = "ROUTE_INACTIVE"
	CodeStuckCleared   = "JOB_STUCK_CLEARED"
	CodeDeliveryFailed = "DELIVERY_FAILED"
	CodeBadSchedule    = "BAD_SCHEDULE"
)

// State is the mutable part of a job, owned by the scheduler.
type State struct {
	RouteStatus    RouteStatus `json:"routeStatus"`
	NextRunAtMs    int64       `json:"nextRunAtMs,omitempty"`
	RunningAtMs    int64       `json:"runningAtMs,omitempty"`
	LastStatus     RunStatus   `json:"lastStatus,omitempty"`
	LastErrorCode  string      `json:"lastErrorCode,omitempty"`
	LastError      string      `json:"lastError,omitempty"`
	LastDurationMs int64       `json:"lastDurationMs,omitempty"`
	LastRunAtMs    int64       `json:"lastRunAtMs,omitempty"`
}

// Job is one persisted schedule.
type Job struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Enabled     bool     `json:"enabled"`
	Schedule    Schedule `json:"schedule"`
	Route       RouteRef `json:"route"`
	Payload     Payload  `json:"payload"`
	Delivery    Delivery `json:"delivery"`
	State       State    `json:"state"`
	CreatedAtMs int64    `json:"createdAtMs,omitempty"`
	UpdatedAtMs int64    `json:"updatedAtMs,omitempty"`
}

// Validate rejects malformed jobs at creation time. A cron schedule without
// an explicit timezone is refused outright rather than silently assuming
// host-local time.
func Validate(j *Job) error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Route.ConversationID == "" {
		return fmt.Errorf("job %s: route.conversationId is required", j.ID)
	}
	if j.Payload.Text == "" {
		return fmt.Errorf("job %s: payload.text is required", j.ID)
	}
	switch j.Delivery.Mode {
	case DeliveryReply, DeliveryNone:
	case "":
		return fmt.Errorf("job %s: delivery.mode is required", j.ID)
	default:
		return fmt.Errorf("job %s: unknown delivery.mode %q", j.ID, j.Delivery.Mode)
	}
	if j.Delivery.MaxChars < 0 {
		return fmt.Errorf("job %s: delivery.maxChars must not be negative", j.ID)
	}
	return validateSchedule(j.ID, j.Schedule)
}

func validateSchedule(id string, s Schedule) error {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("job %s: %s: at schedule needs atMs", id, CodeBadSchedule)
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("job %s: %s: every schedule needs a positive everyMs", id, CodeBadSchedule)
		}
	case ScheduleCron:
		if s.TZ == "" {
			return fmt.Errorf("job %s: %s: cron schedule requires an explicit timezone", id, CodeBadSchedule)
		}
		if _, err := time.LoadLocation(s.TZ); err != nil {
			return fmt.Errorf("job %s: %s: bad timezone %q: %w", id, CodeBadSchedule, s.TZ, err)
		}
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("job %s: %s: bad cron expression %q: %w", id, CodeBadSchedule, s.Expr, err)
		}
	default:
		return fmt.Errorf("job %s: %s: unknown schedule kind %q", id, CodeBadSchedule, s.Kind)
	}
	return nil
}

// NextRun computes the next fire time strictly after now. A zero time means
// the schedule has nothing further to do (a spent one-shot).
func NextRun(s Schedule, now time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleAt:
		at := time.UnixMilli(s.AtMs)
		if at.After(now) {
			return at, nil
		}
		return time.Time{}, nil
	case ScheduleEvery:
		every := time.Duration(s.EveryMs) * time.Millisecond
		anchor := time.UnixMilli(s.AnchorMs)
		if s.AnchorMs <= 0 || anchor.After(now) {
			return now.Add(every), nil
		}
		elapsed := now.Sub(anchor)
		steps := elapsed/every + 1
		return anchor.Add(steps * every), nil
	case ScheduleCron:
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", CodeBadSchedule, err)
		}
		loc, err := time.LoadLocation(s.TZ)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", CodeBadSchedule, err)
		}
		return sched.Next(now.In(loc)), nil
	default:
		return time.Time{}, fmt.Errorf("%s: unknown schedule kind %q", CodeBadSchedule, s.Kind)
	}
}
