package engine

import "fmt"

// ErrOwnerNotFound is returned when a session is started for an owner
// the engine does not know.
type ErrOwnerNotFound struct {
	Owner string
}

func (e *ErrOwnerNotFound) Error() string {
	return fmt.Sprintf("owner %q not found", e.Owner)
}

// InvalidConfigError wraps a session config rejection.
type InvalidConfigError struct {
	Err error
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid session config: %v", e.Err)
}

func (e *InvalidConfigError) Unwrap() error { return e.Err }
