package evaluator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loopworks/loopd/internal/config"
	"github.com/loopworks/loopd/internal/conversation"
	"github.com/loopworks/loopd/internal/llm"
	"github.com/loopworks/loopd/internal/session"
)

type managerLister struct {
	m *session.Manager
}

func (l managerLister) ListSessions() []*session.Session { return l.m.List() }

type summarizerStub struct {
	calls int
}

func (s *summarizerStub) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	s.calls++
	return &llm.Response{Text: "short summary"}, nil
}

func (s *summarizerStub) Ping(ctx context.Context) error { return nil }

func newRunningSession(t *testing.T, m *session.Manager) *session.Session {
	t.Helper()
	s, err := m.Create("acme", session.Config{Model: "default"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(session.StatusRunning); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSweepFailsIdleSession(t *testing.T) {
	m := session.NewManager(session.ProgressOptions{BufferSize: 16}, nil)
	s := newRunningSession(t, m)

	w := New(managerLister{m}, nil, nil, Config{
		Interval:      time.Hour,
		IdleThreshold: time.Nanosecond,
	})
	time.Sleep(time.Millisecond)
	w.Sweep(context.Background())

	if got := s.Status(); got != session.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if got := s.FailReason(); got != session.FailIdle {
		t.Errorf("fail reason = %s, want idle", got)
	}

	var sawNotice bool
	for _, u := range s.Progress().Log() {
		if strings.Contains(u.Message, "idle past threshold") {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Error("no idle notice on the progress channel")
	}
}

func TestSweepLeavesActiveSessionAlone(t *testing.T) {
	m := session.NewManager(session.ProgressOptions{BufferSize: 16}, nil)
	s := newRunningSession(t, m)

	w := New(managerLister{m}, nil, nil, Config{
		Interval:      time.Hour,
		IdleThreshold: time.Hour,
	})
	w.Sweep(context.Background())

	if got := s.Status(); got != session.StatusRunning {
		t.Errorf("status = %s, want running", got)
	}
}

func TestSweepSkipsTerminalSessions(t *testing.T) {
	m := session.NewManager(session.ProgressOptions{BufferSize: 16}, nil)
	s := newRunningSession(t, m)
	s.Complete("done")

	w := New(managerLister{m}, nil, nil, Config{
		Interval:      time.Hour,
		IdleThreshold: time.Nanosecond,
	})
	time.Sleep(time.Millisecond)
	w.Sweep(context.Background())

	if got := s.Status(); got != session.StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestSweepCompactsIdleOverBudgetSession(t *testing.T) {
	m := session.NewManager(session.ProgressOptions{BufferSize: 16}, nil)
	s := newRunningSession(t, m)

	long := strings.Repeat("research notes ", 50)
	s.Update(func(st *conversation.Store) {
		st.Append(conversation.System("instructions"))
		for i := 0; i < 10; i++ {
			st.Append(conversation.User(long))
			st.Append(conversation.Assistant(long))
		}
	})
	before := s.TotalTokens()

	stub := &summarizerStub{}
	w := New(managerLister{m}, stub, nil, Config{
		Interval:      time.Nanosecond,
		IdleThreshold: time.Hour,
		Compaction: config.CompactionConfig{
			KeepLast:        2,
			SummaryLength:   50,
			SoftLimitTokens: 100,
		},
	})
	time.Sleep(time.Millisecond)
	w.Sweep(context.Background())

	if stub.calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", stub.calls)
	}
	if after := s.TotalTokens(); after >= before {
		t.Errorf("tokens after compaction = %d, want < %d", after, before)
	}
	if got := s.Status(); got != session.StatusRunning {
		t.Errorf("status = %s, want running", got)
	}
}

func TestSweepDoesNotCompactUnderBudget(t *testing.T) {
	m := session.NewManager(session.ProgressOptions{BufferSize: 16}, nil)
	s := newRunningSession(t, m)
	s.Update(func(st *conversation.Store) {
		st.Append(conversation.User("tiny"))
	})

	stub := &summarizerStub{}
	w := New(managerLister{m}, stub, nil, Config{
		Interval:      time.Nanosecond,
		IdleThreshold: time.Hour,
		Compaction: config.CompactionConfig{
			KeepLast:        2,
			SummaryLength:   50,
			SoftLimitTokens: 100000,
		},
	})
	time.Sleep(time.Millisecond)
	w.Sweep(context.Background())

	if stub.calls != 0 {
		t.Errorf("summarizer calls = %d, want 0", stub.calls)
	}
}

func TestStartStop(t *testing.T) {
	m := session.NewManager(session.ProgressOptions{BufferSize: 16}, nil)
	s := newRunningSession(t, m)

	w := New(managerLister{m}, nil, nil, Config{
		Interval:      time.Millisecond,
		IdleThreshold: time.Nanosecond,
	})
	w.Start(context.Background())
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status() == session.StatusFailed {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never failed, status %s", s.Status())
}
