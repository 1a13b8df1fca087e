// Package scheduler drives recurring and one-shot research tasks
// against the engine.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loopworks/loopd/internal/session"
)

// Task is the definition of a scheduled research run.
type Task struct {
	ID        string         `json:"id"` // UUIDv7
	Name      string         `json:"name"`
	Schedule  Schedule       `json:"schedule"`
	Owner     string         `json:"owner"`  // Tenant the sessions run under
	Prompt    string         `json:"prompt"` // Seed prompt for each run
	Config    session.Config `json:"config"` // Session config for each run
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Schedule defines when a task should run.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	At       *time.Time   `json:"at,omitempty"`       // For "at" kind
	Every    *Duration    `json:"every,omitempty"`    // For "every" kind
	Cron     string       `json:"cron,omitempty"`     // For "cron" kind
	Timezone string       `json:"timezone,omitempty"` // IANA timezone, cron only
}

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"    // One-shot at specific time
	ScheduleEvery ScheduleKind = "every" // Recurring interval
	ScheduleCron  ScheduleKind = "cron"  // Cron expression
)

// Duration wraps time.Duration for JSON serialization.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Validate checks that the schedule is internally consistent, including
// parsing cron expressions up front so bad tasks are rejected at
// creation rather than at fire time.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleAt:
		if s.At == nil {
			return fmt.Errorf("schedule kind %q requires \"at\"", s.Kind)
		}
	case ScheduleEvery:
		if s.Every == nil || s.Every.Duration <= 0 {
			return fmt.Errorf("schedule kind %q requires a positive \"every\"", s.Kind)
		}
	case ScheduleCron:
		if _, err := s.cronSchedule(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

func (s Schedule) cronSchedule() (cron.Schedule, error) {
	if s.Cron == "" {
		return nil, fmt.Errorf("schedule kind %q requires \"cron\"", s.Kind)
	}
	spec := s.Cron
	if s.Timezone != "" {
		spec = "CRON_TZ=" + s.Timezone + " " + spec
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", s.Cron, err)
	}
	return sched, nil
}

// NextRun calculates the next fire time strictly after the given
// instant. For recurring tasks the caller passes the completion time of
// the previous run, so overlapping executions cannot be scheduled.
func (t *Task) NextRun(after time.Time) (time.Time, bool) {
	switch t.Schedule.Kind {
	case ScheduleAt:
		if t.Schedule.At != nil && t.Schedule.At.After(after) {
			return *t.Schedule.At, true
		}
		return time.Time{}, false // One-shot already passed

	case ScheduleEvery:
		if t.Schedule.Every == nil || t.Schedule.Every.Duration <= 0 {
			return time.Time{}, false
		}
		interval := t.Schedule.Every.Duration
		base := t.CreatedAt
		if base.IsZero() {
			base = after
		}
		elapsed := after.Sub(base)
		if elapsed < 0 {
			return base, true
		}
		intervals := int64(elapsed/interval) + 1
		return base.Add(time.Duration(intervals) * interval), true

	case ScheduleCron:
		sched, err := t.Schedule.cronSchedule()
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(after), true

	default:
		return time.Time{}, false
	}
}

// Execution represents a single run of a task.
type Execution struct {
	ID          string          `json:"id"`      // UUIDv7
	TaskID      string          `json:"task_id"` // FK to Task
	SessionID   string          `json:"session_id,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at"` // When it was supposed to run
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"` // Final answer or error
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped" // Missed window, chose not to catch up
)
