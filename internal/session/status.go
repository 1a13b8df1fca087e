// Package session manages agent session lifecycle: the status machine,
// per-session state (history, config, progress channel, cancel flag),
// the manager that owns all live sessions, and snapshot persistence.
package session

import "fmt"

// Status is a session lifecycle state.
type Status string

const (
	// StatusPending is the state between creation and the first loop
	// tick.
	StatusPending Status = "pending"
	// StatusRunning means the loop is actively ticking.
	StatusRunning Status = "running"
	// StatusAwaitingUser means a tool or policy requires user input;
	// LLM calls are blocked until a user message is posted.
	StatusAwaitingUser Status = "awaiting_user"
	// StatusCompleted means the loop signalled sufficiency.
	StatusCompleted Status = "completed"
	// StatusTerminated means the session was explicitly cancelled.
	StatusTerminated Status = "terminated"
	// StatusFailed means the session hit an unrecoverable error.
	StatusFailed Status = "failed"
)

// FailReason qualifies a Failed status.
type FailReason string

const (
	FailTimeout  FailReason = "timeout"
	FailVendor   FailReason = "vendor"
	FailBudget   FailReason = "budget"
	FailIdle     FailReason = "idle"
	FailInternal FailReason = "internal"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTerminated, StatusFailed:
		return true
	}
	return false
}

// legal enumerates the allowed transitions. Terminated and Failed are
// reachable from every non-terminal state.
var legal = map[Status][]Status{
	StatusPending:      {StatusRunning, StatusTerminated, StatusFailed},
	StatusRunning:      {StatusAwaitingUser, StatusCompleted, StatusTerminated, StatusFailed},
	StatusAwaitingUser: {StatusRunning, StatusTerminated, StatusFailed},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, t := range legal[s] {
		if t == next {
			return true
		}
	}
	return false
}

// TransitionError reports an attempted move outside the status
// diagram.
type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.From, e.To)
}
