package session

import (
	"errors"
	"testing"

	"github.com/loopworks/loopd/internal/conversation"
	"github.com/loopworks/loopd/internal/progress"
)

func testManager() *Manager {
	return NewManager(ProgressOptions{BufferSize: 8, Overflow: progress.DropOldest}, nil)
}

func testConfig() Config {
	return Config{Model: "default", Instructions: "research the topic"}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid minimal", Config{Model: "default"}, false},
		{"missing model", Config{}, true},
		{"bad sufficiency", Config{Model: "m", Sufficiency: "telepathy"}, true},
		{"field mode without schema", Config{Model: "m", Sufficiency: SufficiencyField}, true},
		{"field mode with schema", Config{
			Model:       "m",
			Sufficiency: SufficiencyField,
			OutputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"answer": map[string]any{"type": "string"}},
			},
		}, false},
		{"schema without type", Config{Model: "m", OutputSchema: map[string]any{"properties": map[string]any{}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusTerminated, true},
		{StatusPending, StatusAwaitingUser, false},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusAwaitingUser, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusAwaitingUser, StatusRunning, true},
		{StatusAwaitingUser, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusTerminated, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestSessionStartsWithInstructions(t *testing.T) {
	m := testManager()
	s, err := m.Create("acme", testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Status() != StatusPending {
		t.Errorf("Status() = %s, want pending", s.Status())
	}
	hist := s.History()
	if len(hist) != 1 || hist[0].Kind != conversation.KindSystem {
		t.Errorf("history = %+v, want one system entry", hist)
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	m := testManager()
	s, _ := m.Create("acme", testConfig())

	err := s.Transition(StatusCompleted)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TransitionError", err)
	}
	if s.Status() != StatusPending {
		t.Errorf("failed transition changed status to %s", s.Status())
	}
}

func TestPostUserMessage(t *testing.T) {
	m := testManager()
	s, _ := m.Create("acme", testConfig())

	if err := s.PostUserMessage("hello"); err == nil {
		t.Error("posting while Pending should fail")
	}

	if err := s.Transition(StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.PostUserMessage("first"); err != nil {
		t.Fatalf("post while Running: %v", err)
	}

	if err := s.Transition(StatusAwaitingUser); err != nil {
		t.Fatal(err)
	}
	if err := s.PostUserMessage("second"); err != nil {
		t.Fatalf("post while AwaitingUser: %v", err)
	}
	if s.Status() != StatusRunning {
		t.Errorf("posting while AwaitingUser left status %s, want running", s.Status())
	}
}

func TestTerminateIdempotent(t *testing.T) {
	m := testManager()
	s, _ := m.Create("acme", testConfig())

	s.Terminate()
	s.Terminate()

	if s.Status() != StatusTerminated {
		t.Errorf("Status() = %s, want terminated", s.Status())
	}
	if !s.Cancelled() {
		t.Error("cancel flag not set")
	}
	select {
	case <-s.Ctx().Done():
	default:
		t.Error("session context not cancelled")
	}
}

func TestTerminateDoesNotOverrideCompleted(t *testing.T) {
	m := testManager()
	s, _ := m.Create("acme", testConfig())
	if err := s.Transition(StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete("the answer"); err != nil {
		t.Fatal(err)
	}

	s.Terminate()
	if s.Status() != StatusCompleted {
		t.Errorf("Status() = %s, want completed", s.Status())
	}
	if s.Answer() != "the answer" {
		t.Errorf("Answer() = %q", s.Answer())
	}
}

func TestFailRecordsReason(t *testing.T) {
	m := testManager()
	s, _ := m.Create("acme", testConfig())
	if err := s.Transition(StatusRunning); err != nil {
		t.Fatal(err)
	}

	s.Fail(FailTimeout)
	if s.Status() != StatusFailed || s.FailReason() != FailTimeout {
		t.Errorf("status %s reason %s, want failed/timeout", s.Status(), s.FailReason())
	}

	// Failing again must not clobber the first reason.
	s.Fail(FailVendor)
	if s.FailReason() != FailTimeout {
		t.Errorf("FailReason() = %s, want timeout", s.FailReason())
	}
}

func TestManagerGetAndRemove(t *testing.T) {
	m := testManager()
	s, _ := m.Create("acme", testConfig())

	got, err := m.Get(s.ID)
	if err != nil || got != s {
		t.Fatalf("Get() = %v, %v", got, err)
	}

	m.Remove(s.ID)
	if _, err := m.Get(s.ID); err == nil {
		t.Error("Get after Remove should fail")
	}
	var nf *ErrNotFound
	if _, err := m.Get("nope"); !errors.As(err, &nf) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestUpdateBatchIsAtomic(t *testing.T) {
	m := testManager()
	s, _ := m.Create("acme", testConfig())

	s.Update(func(st *conversation.Store) {
		st.Append(conversation.User("q"))
		st.Append(conversation.Assistant("a"))
	})
	if got := s.HistoryLen(); got != 3 {
		t.Errorf("HistoryLen() = %d, want 3", got)
	}
}
