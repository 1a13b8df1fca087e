package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loopworks/loopd/internal/conversation"
	"github.com/loopworks/loopd/internal/llm"
	"github.com/loopworks/loopd/internal/progress"
)

// SufficiencyMode selects how a session declares its result. Exactly
// one mode applies per session.
type SufficiencyMode string

const (
	// SufficiencyTool completes the session when the model calls
	// final_answer. The default.
	SufficiencyTool SufficiencyMode = "final_answer_tool"
	// SufficiencyField completes the session when the typed output
	// carries a non-empty "answer" field.
	SufficiencyField SufficiencyMode = "answer_field"
)

// Config is the per-session configuration supplied at start.
type Config struct {
	// Model is the alias routed through the multi-vendor client.
	Model string `json:"model"`
	// Instructions are the owner-supplied system instructions.
	Instructions string `json:"instructions,omitempty"`
	// Sufficiency selects the completion contract. Empty means
	// SufficiencyTool.
	Sufficiency SufficiencyMode `json:"sufficiency,omitempty"`
	// OutputFormat requests typed output for the final answer when
	// Sufficiency is SufficiencyField.
	OutputFormat llm.OutputFormat `json:"output_format,omitempty"`
	// OutputSchema is the JSON schema the typed output must satisfy.
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	// Gen overrides the engine's LLM defaults where non-zero.
	Gen llm.GenConfig `json:"gen,omitempty"`
	// MaxConversationLength caps history entries; zero uses the
	// engine default.
	MaxConversationLength int `json:"max_conversation_length,omitempty"`
	// Timeout caps session wall clock; zero uses the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Validate checks config coherence at session start.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	switch c.Sufficiency {
	case "", SufficiencyTool, SufficiencyField:
	default:
		return fmt.Errorf("unknown sufficiency mode %q", c.Sufficiency)
	}
	if c.Sufficiency == SufficiencyField && c.OutputSchema == nil {
		return fmt.Errorf("answer_field sufficiency requires an output schema")
	}
	if c.OutputSchema != nil {
		if _, ok := c.OutputSchema["type"]; !ok {
			return fmt.Errorf("output schema missing root \"type\"")
		}
	}
	return nil
}

// Mode returns the effective sufficiency mode.
func (c *Config) Mode() SufficiencyMode {
	if c.Sufficiency == "" {
		return SufficiencyTool
	}
	return c.Sufficiency
}

// Session is one agent loop instance. All mutable state is guarded by
// the manager-issued lock embedded here; the conversation store itself
// is not safe for concurrent use.
type Session struct {
	ID    string
	Owner string

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	status       Status
	failReason   FailReason
	answer       string
	store        *conversation.Store
	config       Config
	progressCh   *progress.Channel
	createdAt    time.Time
	lastActivity time.Time

	// resume wakes the loop runner when a user message arrives while
	// the session is awaiting user input.
	resume chan struct{}

	// snapshotExtra holds unknown snapshot fields from a restored
	// record so the next Snapshot writes them back.
	snapshotExtra map[string]json.RawMessage
}

func newSession(id, owner string, cfg Config, ch *progress.Channel) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	s := &Session{
		ID:           id,
		Owner:        owner,
		ctx:          ctx,
		cancel:       cancel,
		status:       StatusPending,
		resume:       make(chan struct{}, 1),
		store:        conversation.NewStore(),
		config:       cfg,
		progressCh:   ch,
		createdAt:    now,
		lastActivity: now,
	}
	if cfg.Instructions != "" {
		s.store.Append(conversation.System(cfg.Instructions))
	}
	return s
}

// Ctx returns the session context, cancelled on termination.
func (s *Session) Ctx() context.Context { return s.ctx }

// Config returns the session configuration.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Progress returns the session's progress channel.
func (s *Session) Progress() *progress.Channel { return s.progressCh }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// FailReason returns the failure qualifier, empty unless Failed.
func (s *Session) FailReason() FailReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReason
}

// Answer returns the final answer once the session completed.
func (s *Session) Answer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answer
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Age returns wall clock time since creation.
func (s *Session) Age() time.Duration { return time.Since(s.createdAt) }

// LastActivity returns the time of the most recent entry or user
// interaction.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Transition moves the session to next, enforcing the status diagram.
func (s *Session) Transition(next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next)
}

func (s *Session) transitionLocked(next Status) error {
	if s.status == next {
		return nil
	}
	if !s.status.CanTransition(next) {
		return &TransitionError{From: s.status, To: next}
	}
	s.status = next
	return nil
}

// Fail moves the session to Failed with the given reason and sets the
// cancel flag so a runner parked on the session context (awaiting user
// input, or mid LLM call) observes the terminal state. Failing a
// terminal session is a no-op.
func (s *Session) Fail(reason FailReason) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = StatusFailed
	s.failReason = reason
	s.mu.Unlock()
	s.cancel()
}

// Complete records the final answer and moves to Completed.
func (s *Session) Complete(answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StatusCompleted); err != nil {
		return err
	}
	s.answer = answer
	return nil
}

// Terminate sets the cancel flag and moves to Terminated. Idempotent;
// in-flight LLM and tool calls observe the context at their next
// suspension point.
func (s *Session) Terminate() {
	s.mu.Lock()
	if !s.status.Terminal() {
		s.status = StatusTerminated
	}
	s.mu.Unlock()
	s.cancel()
}

// Cancelled reports whether the cancel flag is set.
func (s *Session) Cancelled() bool {
	return s.ctx.Err() != nil
}

// PostUserMessage appends a user entry. Legal only while Running or
// AwaitingUser; posting while AwaitingUser resumes the loop.
func (s *Session) PostUserMessage(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusRunning:
	case StatusAwaitingUser:
		s.status = StatusRunning
	default:
		return fmt.Errorf("cannot post message in status %s", s.status)
	}
	s.store.Append(conversation.User(text))
	s.lastActivity = time.Now()
	select {
	case s.resume <- struct{}{}:
	default:
	}
	return nil
}

// Resume signals when a user message arrives. The loop runner selects
// on it while the session awaits user input.
func (s *Session) Resume() <-chan struct{} { return s.resume }

// History returns a copy of the conversation entries.
func (s *Session) History() []conversation.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Entries()
}

// HistoryLen returns the number of entries without copying.
func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Len()
}

// TotalTokens returns the history's cumulative token estimate.
func (s *Session) TotalTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.TotalTokens()
}

// View returns the token-bounded history view used for LLM turns.
func (s *Session) View(budgetTokens int) []conversation.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.View(budgetTokens)
}

// Update runs fn with exclusive access to the conversation store.
// Appends made inside one Update call are atomic with respect to
// readers. fn must not block on the session's own lock.
func (s *Session) Update(fn func(st *conversation.Store)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.store)
	s.lastActivity = time.Now()
}
