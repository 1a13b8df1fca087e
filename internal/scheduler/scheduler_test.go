package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/loopworks/loopd/internal/progress"
)

func TestScheduleValidate(t *testing.T) {
	at := time.Now().Add(time.Hour)
	tests := []struct {
		name    string
		sched   Schedule
		wantErr bool
	}{
		{"at ok", Schedule{Kind: ScheduleAt, At: &at}, false},
		{"at missing time", Schedule{Kind: ScheduleAt}, true},
		{"every ok", Schedule{Kind: ScheduleEvery, Every: &Duration{Duration: time.Minute}}, false},
		{"every zero", Schedule{Kind: ScheduleEvery, Every: &Duration{}}, true},
		{"cron ok", Schedule{Kind: ScheduleCron, Cron: "0 9 * * 1-5"}, false},
		{"cron with timezone", Schedule{Kind: ScheduleCron, Cron: "30 6 * * *", Timezone: "Europe/Berlin"}, false},
		{"cron garbage", Schedule{Kind: ScheduleCron, Cron: "not a cron"}, true},
		{"cron empty", Schedule{Kind: ScheduleCron}, true},
		{"unknown kind", Schedule{Kind: "sometimes"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sched.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name     string
		task     Task
		wantTime time.Time
		wantOK   bool
	}{
		{
			name:     "one-shot in the future",
			task:     Task{Schedule: Schedule{Kind: ScheduleAt, At: &future}},
			wantTime: future,
			wantOK:   true,
		},
		{
			name:   "one-shot already passed",
			task:   Task{Schedule: Schedule{Kind: ScheduleAt, At: &past}},
			wantOK: false,
		},
		{
			name: "interval from creation",
			task: Task{
				Schedule:  Schedule{Kind: ScheduleEvery, Every: &Duration{Duration: 30 * time.Minute}},
				CreatedAt: now.Add(-45 * time.Minute),
			},
			wantTime: now.Add(15 * time.Minute),
			wantOK:   true,
		},
		{
			name:     "cron daily",
			task:     Task{Schedule: Schedule{Kind: ScheduleCron, Cron: "0 9 * * *"}},
			wantTime: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
			wantOK:   true,
		},
		{
			name:   "cron invalid",
			task:   Task{Schedule: Schedule{Kind: ScheduleCron, Cron: "nope"}},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.task.NextRun(now)
			if ok != tt.wantOK {
				t.Fatalf("NextRun ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !got.Equal(tt.wantTime) {
				t.Errorf("NextRun = %v, want %v", got, tt.wantTime)
			}
		})
	}
}

func TestTriggerTaskRecordsExecutionAndProgress(t *testing.T) {
	store := newTestStore(t)
	task := testTask("digest")
	if err := store.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	run := func(ctx context.Context, task *Task, exec *Execution, sink ProgressSink) error {
		exec.SessionID = "sess-42"
		sink(progress.Update{Sender: progress.SenderAgent, Message: "working"})
		sink(progress.Update{Sender: progress.SenderSystem, Message: "completed", Final: true})
		exec.Result = "the digest"
		return nil
	}
	sched := New(store, run, Options{})

	exec, err := sched.TriggerTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("TriggerTask: %v", err)
	}
	if exec.Status != StatusCompleted || exec.Result != "the digest" {
		t.Errorf("execution = %+v", exec)
	}
	if exec.SessionID != "sess-42" {
		t.Errorf("SessionID = %q", exec.SessionID)
	}

	lines, err := store.ProgressLog(exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Fatalf("progress lines = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "working") || !strings.Contains(lines[1], `"final":true`) {
		t.Errorf("progress lines = %v", lines)
	}

	// The lease releases after the run.
	ok, err := store.AcquireLease(task.ID, "someone-else", time.Hour)
	if err != nil || !ok {
		t.Errorf("lease not released: %v, %v", ok, err)
	}
}

func TestTriggerTaskRunFailure(t *testing.T) {
	store := newTestStore(t)
	task := testTask("flaky")
	if err := store.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	run := func(ctx context.Context, task *Task, exec *Execution, sink ProgressSink) error {
		return errors.New("vendor down")
	}
	sched := New(store, run, Options{})

	exec, err := sched.TriggerTask(context.Background(), task.ID)
	if err == nil {
		t.Fatal("expected run error")
	}
	if exec.Status != StatusFailed || exec.Result != "vendor down" {
		t.Errorf("execution = %+v", exec)
	}
}

func TestTriggerTaskSkipsWhenLeaseHeld(t *testing.T) {
	store := newTestStore(t)
	task := testTask("contended")
	if err := store.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AcquireLease(task.ID, "other-process", time.Hour); err != nil {
		t.Fatal(err)
	}

	ran := false
	run := func(ctx context.Context, task *Task, exec *Execution, sink ProgressSink) error {
		ran = true
		return nil
	}
	sched := New(store, run, Options{})

	exec, err := sched.TriggerTask(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if exec != nil {
		t.Errorf("execution = %+v, want nil", exec)
	}
	if ran {
		t.Error("run callback fired despite held lease")
	}
}

func TestCreateTaskRejectsBadSchedule(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, nil, Options{})

	task := testTask("broken")
	task.Schedule = Schedule{Kind: ScheduleCron, Cron: "* * bogus"}
	if err := sched.CreateTask(task); err == nil {
		t.Error("expected schedule validation error")
	}

	task = testTask("no model")
	task.Config.Model = ""
	if err := sched.CreateTask(task); err == nil {
		t.Error("expected config validation error")
	}
}

func TestStartSkipsOrphanedRunning(t *testing.T) {
	store := newTestStore(t)
	task := testTask("orphan")
	if err := store.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	started := time.Now().Add(-time.Hour)
	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		ScheduledAt: started,
		StartedAt:   &started,
		Status:      StatusRunning,
	}
	if err := store.CreateExecution(exec); err != nil {
		t.Fatal(err)
	}

	sched := New(store, nil, Options{})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	got, err := store.GetExecution(exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSkipped {
		t.Errorf("orphaned execution status = %s, want skipped", got.Status)
	}
}
