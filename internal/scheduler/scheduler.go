package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loopworks/loopd/internal/progress"
)

// ProgressSink receives progress updates from a running execution.
type ProgressSink func(u progress.Update)

// RunFunc executes one research run for a task. Implementations set
// exec.SessionID once known and exec.Result on success, and feed every
// progress update to sink.
type RunFunc func(ctx context.Context, task *Task, exec *Execution, sink ProgressSink) error

const (
	defaultLeaseTTL   = 10 * time.Minute
	defaultRunTimeout = 5 * time.Minute
)

// Options tunes scheduler behavior. Zero values get defaults.
type Options struct {
	LeaseTTL   time.Duration // How long a claimed execution excludes others
	RunTimeout time.Duration // Upper bound for a single run
	Logger     *slog.Logger
}

// Scheduler manages task scheduling and execution.
type Scheduler struct {
	logger   *slog.Logger
	store    *Store
	run      RunFunc
	holder   string // Lease holder identity for this process
	leaseTTL time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer // taskID -> timer
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler backed by store. Fired tasks are executed
// through run.
func New(store *Store, run RunFunc, opts Options) *Scheduler {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger,
		store:    store,
		run:      run,
		holder:   NewID(),
		leaseTTL: opts.LeaseTTL,
		timeout:  opts.RunTimeout,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}
}

// Start loads enabled tasks and arms their timers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	tasks, err := s.store.ListTasks(true)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		s.scheduleTask(task)
	}

	s.logger.Info("scheduler started", "tasks", len(tasks))

	s.checkMissedExecutions(ctx)

	return nil
}

// Stop halts the scheduler and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}

	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// CreateTask validates, persists and arms a new task.
func (s *Scheduler) CreateTask(task *Task) error {
	if err := task.Schedule.Validate(); err != nil {
		return err
	}
	if err := task.Config.Validate(); err != nil {
		return err
	}
	if err := s.store.CreateTask(task); err != nil {
		return err
	}

	if task.Enabled {
		s.scheduleTask(task)
	}

	s.logger.Info("task created",
		"id", task.ID,
		"name", task.Name,
		"schedule", task.Schedule.Kind,
	)

	return nil
}

// UpdateTask modifies a task and reschedules it.
func (s *Scheduler) UpdateTask(task *Task) error {
	if err := task.Schedule.Validate(); err != nil {
		return err
	}
	if err := s.store.UpdateTask(task); err != nil {
		return err
	}

	s.cancelTimer(task.ID)
	if task.Enabled {
		s.scheduleTask(task)
	}

	s.logger.Info("task updated", "id", task.ID, "name", task.Name)

	return nil
}

// DeleteTask removes a task.
func (s *Scheduler) DeleteTask(id string) error {
	s.cancelTimer(id)

	if err := s.store.DeleteTask(id); err != nil {
		return err
	}

	s.logger.Info("task deleted", "id", id)
	return nil
}

// GetTask retrieves a task by ID.
func (s *Scheduler) GetTask(id string) (*Task, error) {
	return s.store.GetTask(id)
}

// ListTasks returns all tasks.
func (s *Scheduler) ListTasks(enabledOnly bool) ([]*Task, error) {
	return s.store.ListTasks(enabledOnly)
}

// GetTaskExecutions returns execution history for a task.
func (s *Scheduler) GetTaskExecutions(taskID string, limit int) ([]*Execution, error) {
	return s.store.ListExecutions(taskID, limit)
}

// ProgressLog returns the persisted progress lines for an execution.
func (s *Scheduler) ProgressLog(executionID string) ([]string, error) {
	return s.store.ProgressLog(executionID)
}

// TriggerTask immediately executes a task, bypassing its schedule but
// not its lease.
func (s *Scheduler) TriggerTask(ctx context.Context, taskID string) (*Execution, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	return s.executeTask(ctx, task, time.Now())
}

// scheduleTask arms a timer for the next fire time.
func (s *Scheduler) scheduleTask(task *Task) {
	next, ok := task.NextRun(time.Now())
	if !ok {
		s.logger.Debug("task has no future runs", "id", task.ID, "name", task.Name)
		return
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	if timer, exists := s.timers[task.ID]; exists {
		timer.Stop()
	}

	s.timers[task.ID] = time.AfterFunc(delay, func() {
		s.onTaskFire(task.ID)
	})

	s.logger.Debug("task scheduled",
		"id", task.ID,
		"name", task.Name,
		"next", next,
		"delay", delay,
	)
}

// onTaskFire is called when a task's timer fires.
func (s *Scheduler) onTaskFire(taskID string) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, taskID)
	s.mu.Unlock()

	// Fresh task data; the definition may have changed since arming.
	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.logger.Error("load task for execution", "id", taskID, "error", err)
		return
	}
	if !task.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err = s.executeTask(ctx, task, time.Now())
	if err != nil {
		s.logger.Error("task execution failed", "id", taskID, "error", err)
	}

	// Next fire computes off the completion time so runs never overlap.
	if task.Schedule.Kind != ScheduleAt {
		s.scheduleTask(task)
	}
}

// executeTask claims the task lease, runs it and records the execution
// with its progress log.
func (s *Scheduler) executeTask(ctx context.Context, task *Task, scheduledAt time.Time) (*Execution, error) {
	ok, err := s.store.AcquireLease(task.ID, s.holder, s.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Warn("task lease held elsewhere, skipping run", "id", task.ID, "name", task.Name)
		return nil, nil
	}
	defer func() {
		if err := s.store.ReleaseLease(task.ID, s.holder); err != nil {
			s.logger.Error("release lease", "id", task.ID, "error", err)
		}
	}()

	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		ScheduledAt: scheduledAt,
		Status:      StatusRunning,
	}
	now := time.Now()
	exec.StartedAt = &now

	if err := s.store.CreateExecution(exec); err != nil {
		return nil, err
	}

	s.logger.Info("executing task",
		"task_id", task.ID,
		"task_name", task.Name,
		"execution_id", exec.ID,
	)

	// Progress updates persist incrementally as JSON lines, so a
	// crashed run still leaves its trail behind.
	seq := 0
	sink := func(u progress.Update) {
		line, err := json.Marshal(u)
		if err != nil {
			return
		}
		if err := s.store.AppendProgress(exec.ID, seq, string(line)); err != nil {
			s.logger.Error("append progress", "execution_id", exec.ID, "error", err)
			return
		}
		seq++
	}

	var runErr error
	if s.run != nil {
		runErr = s.run(ctx, task, exec, sink)
	}

	completed := time.Now()
	exec.CompletedAt = &completed

	if runErr != nil {
		exec.Status = StatusFailed
		exec.Result = runErr.Error()
	} else {
		exec.Status = StatusCompleted
	}

	if err := s.store.UpdateExecution(exec); err != nil {
		s.logger.Error("update execution", "id", exec.ID, "error", err)
	}

	s.logger.Info("task execution completed",
		"task_id", task.ID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration", completed.Sub(*exec.StartedAt),
	)

	return exec, runErr
}

// cancelTimer stops and removes a task's timer.
func (s *Scheduler) cancelTimer(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[taskID]; exists {
		timer.Stop()
		delete(s.timers, taskID)
	}
}

// checkMissedExecutions handles runs that should have fired while the
// process was down.
func (s *Scheduler) checkMissedExecutions(ctx context.Context) {
	stale, err := s.staleRunning()
	if err != nil {
		s.logger.Error("scan stale executions", "error", err)
		return
	}

	for _, exec := range stale {
		// A Running execution from a dead process can never finish.
		exec.Status = StatusSkipped
		exec.Result = "orphaned by process restart"
		if err := s.store.UpdateExecution(exec); err != nil {
			s.logger.Error("update stale execution", "id", exec.ID, "error", err)
			continue
		}
		s.logger.Info("skipped orphaned execution", "id", exec.ID, "task_id", exec.TaskID)
	}
}

func (s *Scheduler) staleRunning() ([]*Execution, error) {
	tasks, err := s.store.ListTasks(false)
	if err != nil {
		return nil, err
	}
	var out []*Execution
	for _, t := range tasks {
		exec, err := s.store.RunningExecution(t.ID)
		if err != nil {
			return nil, err
		}
		if exec != nil {
			out = append(out, exec)
		}
	}
	return out, nil
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, _ := s.store.ListTasks(false)
	enabled := 0
	for _, t := range tasks {
		if t.Enabled {
			enabled++
		}
	}

	return map[string]any{
		"running":       s.running,
		"total_tasks":   len(tasks),
		"enabled_tasks": enabled,
		"active_timers": len(s.timers),
	}
}
