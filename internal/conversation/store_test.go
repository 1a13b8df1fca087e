package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/loopworks/loopd/internal/llm"
)

func TestAppendTracksTokens(t *testing.T) {
	s := NewStore()
	s.Append(User("aaaa bbbb cccc dddd"))
	s.Append(Assistant("eeee ffff"))

	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	want := llm.EstimateTokens("aaaa bbbb cccc dddd") + llm.EstimateTokens("eeee ffff")
	if s.TotalTokens() != want {
		t.Errorf("TotalTokens() = %d, want %d", s.TotalTokens(), want)
	}
}

func TestViewKeepsSuffixWithinBudget(t *testing.T) {
	s := NewStore()
	// Each entry is 40 chars = 10 tokens.
	for range 5 {
		s.Append(User(strings.Repeat("x", 40)))
	}

	view := s.View(25)
	if len(view) != 2 {
		t.Fatalf("len(view) = %d, want 2", len(view))
	}
}

func TestViewAlwaysKeepsLeadingSystem(t *testing.T) {
	s := NewStore()
	s.Append(System(strings.Repeat("s", 400))) // 100 tokens
	for range 5 {
		s.Append(User(strings.Repeat("x", 40))) // 10 tokens each
	}

	view := s.View(25)
	if len(view) != 3 {
		t.Fatalf("len(view) = %d, want 3 (system + 2 users)", len(view))
	}
	if view[0].Kind != KindSystem {
		t.Errorf("view[0].Kind = %v, want system", view[0].Kind)
	}
	if view[1].Kind != KindUser {
		t.Errorf("view[1].Kind = %v, want user", view[1].Kind)
	}
}

func TestViewEmptyStore(t *testing.T) {
	if got := NewStore().View(100); got != nil {
		t.Errorf("View() on empty store = %v, want nil", got)
	}
}

func TestRestoreRecomputesTokens(t *testing.T) {
	s := NewStore()
	entries := []Entry{User("aaaa"), Assistant("bbbbbbbb")}
	s.Restore(entries)
	if s.TotalTokens() != 1+2 {
		t.Errorf("TotalTokens() = %d, want 3", s.TotalTokens())
	}
}

// summarizerStub is an llm.Client returning a fixed summary.
type summarizerStub struct {
	text string
	err  error
	reqs int
}

func (s *summarizerStub) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	s.reqs++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.text}, nil
}

func (s *summarizerStub) Ping(ctx context.Context) error { return nil }

func fillStore(n int) *Store {
	s := NewStore()
	s.Append(System("instructions"))
	for i := 0; i < n; i++ {
		s.Append(User(strings.Repeat("u", 200)))
		s.Append(Assistant(strings.Repeat("a", 200)))
	}
	return s
}

func TestCompactReplacesMiddle(t *testing.T) {
	s := fillStore(5) // 1 system + 10 entries
	pre := s.TotalTokens()

	c := NewCompactor(&summarizerStub{text: "short summary"}, "test", Policy{KeepLast: 2, SummaryLength: 50}, nil)
	if err := c.Compact(context.Background(), s); err != nil {
		t.Fatalf("Compact() error: %v", err)
	}

	entries := s.Entries()
	// system + summary + 2 kept
	if len(entries) != 4 {
		t.Fatalf("len = %d, want 4", len(entries))
	}
	if entries[0].Kind != KindSystem || entries[0].Text != "instructions" {
		t.Errorf("entries[0] = %+v, want original system entry", entries[0])
	}
	if entries[1].Kind != KindSystem || !strings.Contains(entries[1].Text, "short summary") {
		t.Errorf("entries[1] = %+v, want summary entry", entries[1])
	}
	if s.TotalTokens() > pre {
		t.Errorf("tokens after = %d, want ≤ %d", s.TotalTokens(), pre)
	}
}

func TestApplyRejectsStalePlan(t *testing.T) {
	s := fillStore(5)

	c := NewCompactor(&summarizerStub{text: "short summary"}, "test", Policy{KeepLast: 2, SummaryLength: 50}, nil)

	// Two plans computed from the same history, as when the loop and
	// the idle sweeper both decide to compact.
	first, err := c.Plan(context.Background(), s.Entries())
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	second, err := c.Plan(context.Background(), s.Entries())
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}

	if err := first.Apply(s); err != nil {
		t.Fatalf("first Apply() error: %v", err)
	}
	want := s.Entries()

	if err := second.Apply(s); !errors.Is(err, ErrPlanStale) {
		t.Fatalf("second Apply() error = %v, want ErrPlanStale", err)
	}
	got := s.Entries()
	if len(got) != len(want) {
		t.Fatalf("stale Apply mutated store: len = %d, want %d", len(got), len(want))
	}
}

func TestApplySurvivesTailAppends(t *testing.T) {
	s := fillStore(5)

	c := NewCompactor(&summarizerStub{text: "short summary"}, "test", Policy{KeepLast: 2, SummaryLength: 50}, nil)
	plan, err := c.Plan(context.Background(), s.Entries())
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}

	// Appends only extend the tail past the planned region.
	s.Append(User("follow-up"))
	s.Append(Assistant("reply"))

	if err := plan.Apply(s); err != nil {
		t.Fatalf("Apply() after appends error: %v", err)
	}
	entries := s.Entries()
	if last := entries[len(entries)-1]; last.Kind != KindAssistant || last.Text != "reply" {
		t.Errorf("tail entry = %+v, want appended reply", last)
	}
}

func TestCompactPreservesTailOrder(t *testing.T) {
	s := NewStore()
	s.Append(System("sys"))
	s.Append(User(strings.Repeat("1", 100)))
	s.Append(Assistant(strings.Repeat("2", 100)))
	s.Append(User("tail-first"))
	s.Append(Assistant("tail-second"))

	c := NewCompactor(&summarizerStub{text: "sum"}, "test", Policy{KeepLast: 2, SummaryLength: 50}, nil)
	if err := c.Compact(context.Background(), s); err != nil {
		t.Fatalf("Compact() error: %v", err)
	}

	entries := s.Entries()
	if entries[len(entries)-2].Text != "tail-first" || entries[len(entries)-1].Text != "tail-second" {
		t.Errorf("tail order not preserved: %+v", entries)
	}
}

func TestCompactShortHistoryNoop(t *testing.T) {
	s := NewStore()
	s.Append(System("sys"))
	s.Append(User("hello"))

	stub := &summarizerStub{text: "sum"}
	c := NewCompactor(stub, "test", Policy{KeepLast: 2, SummaryLength: 50}, nil)
	err := c.Compact(context.Background(), s)
	if !errors.Is(err, ErrNothingToCompact) {
		t.Errorf("error = %v, want ErrNothingToCompact", err)
	}
	if stub.reqs != 0 {
		t.Errorf("LLM called %d times on short history, want 0", stub.reqs)
	}
}

func TestCompactFailureLeavesHistoryUnchanged(t *testing.T) {
	s := fillStore(5)
	before := s.Entries()

	c := NewCompactor(&summarizerStub{err: errors.New("vendor down")}, "test", Policy{KeepLast: 2, SummaryLength: 50}, nil)
	if err := c.Compact(context.Background(), s); err == nil {
		t.Fatal("Compact() should propagate LLM failure")
	}

	after := s.Entries()
	if len(after) != len(before) {
		t.Fatalf("history changed on failed compaction: %d → %d entries", len(before), len(after))
	}
}

func TestCompactRejectsOversizedSummary(t *testing.T) {
	s := fillStore(2)
	big := strings.Repeat("w", 10000)

	c := NewCompactor(&summarizerStub{text: big}, "test", Policy{KeepLast: 1, SummaryLength: 50}, nil)
	err := c.Compact(context.Background(), s)
	if !errors.Is(err, ErrSummaryTooLarge) {
		t.Errorf("error = %v, want ErrSummaryTooLarge", err)
	}
}
