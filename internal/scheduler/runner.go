package scheduler

import (
	"context"
	"fmt"

	"github.com/loopworks/loopd/internal/engine"
	"github.com/loopworks/loopd/internal/session"
)

// EngineRunFunc adapts an engine to the scheduler: each fire starts a
// session with the task's prompt and owner config, streams its progress
// into the sink, and reports the session's final answer.
func EngineRunFunc(e *engine.Engine) RunFunc {
	return func(ctx context.Context, task *Task, exec *Execution, sink ProgressSink) error {
		id, err := e.StartSession(task.Owner, task.Config, task.Prompt)
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		exec.SessionID = id

		ch, err := e.SubscribeProgress(id)
		if err != nil {
			return fmt.Errorf("subscribe progress: %w", err)
		}
		defer e.UnsubscribeProgress(id, ch)

		for {
			select {
			case <-ctx.Done():
				// Run budget exhausted; tear the session down rather
				// than leaving it to burn tokens unattended.
				_ = e.Terminate(id)
				return ctx.Err()
			case u, ok := <-ch:
				if !ok {
					return finalResult(e, id, exec)
				}
				if sink != nil {
					sink(u)
				}
				if u.Final {
					return finalResult(e, id, exec)
				}
			}
		}
	}
}

func finalResult(e *engine.Engine, id string, exec *Execution) error {
	s, err := e.GetSession(id)
	if err != nil {
		return err
	}
	switch s.Status() {
	case session.StatusCompleted:
		exec.Result = s.Answer()
		return nil
	case session.StatusFailed:
		return fmt.Errorf("session %s failed: %s", id, s.FailReason())
	default:
		return fmt.Errorf("session %s ended %s", id, s.Status())
	}
}
