// Package engine runs agent sessions: it owns the research loop, the
// session manager, and the facade the HTTP layer and scheduler consume.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopworks/loopd/internal/config"
	"github.com/loopworks/loopd/internal/conversation"
	"github.com/loopworks/loopd/internal/llm"
	"github.com/loopworks/loopd/internal/progress"
	"github.com/loopworks/loopd/internal/prompts"
	"github.com/loopworks/loopd/internal/schema"
	"github.com/loopworks/loopd/internal/session"
	"github.com/loopworks/loopd/internal/tools"
)

// Options configures an Engine. Client is required; everything else
// has a usable zero value.
type Options struct {
	Client   llm.Client
	Registry *tools.Registry
	Config   config.EngineConfig
	// Owners restricts session creation to known tenants. Empty
	// means any owner is accepted.
	Owners []string
	// Snapshots persists session snapshots when set.
	Snapshots *session.SnapshotStore
	Logger    *slog.Logger
}

// Engine is the process-wide loop driver. Vendor clients, the tool
// registry, and config are immutable after New.
type Engine struct {
	client    llm.Client
	registry  *tools.Registry
	cfg       config.EngineConfig
	owners    map[string]bool
	sessions  *session.Manager
	snapshots *session.SnapshotStore
	logger    *slog.Logger

	wg sync.WaitGroup
}

// New builds an engine from options.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	overflow := progress.DropOldest
	if opts.Config.Progress.Overflow == string(progress.Block) {
		overflow = progress.Block
	}
	mgr := session.NewManager(session.ProgressOptions{
		BufferSize: opts.Config.Progress.BufferSize,
		Overflow:   overflow,
	}, logger)

	var owners map[string]bool
	if len(opts.Owners) > 0 {
		owners = make(map[string]bool, len(opts.Owners))
		for _, o := range opts.Owners {
			owners[o] = true
		}
	}

	return &Engine{
		client:    opts.Client,
		registry:  opts.Registry,
		cfg:       opts.Config,
		owners:    owners,
		sessions:  mgr,
		snapshots: opts.Snapshots,
		logger:    logger.With("component", "engine"),
	}
}

// StartSession creates a Pending session for the owner, seeds it with
// the prompt, and schedules its first tick.
func (e *Engine) StartSession(owner string, cfg session.Config, prompt string) (string, error) {
	if e.owners != nil && !e.owners[owner] {
		return "", &ErrOwnerNotFound{Owner: owner}
	}

	if cfg.OutputSchema != nil {
		if _, err := schema.Compile(cfg.OutputSchema); err != nil {
			return "", &InvalidConfigError{Err: fmt.Errorf("output schema: %w", err)}
		}
	}

	cfg.Instructions = e.composeInstructions(cfg)
	s, err := e.sessions.Create(owner, cfg)
	if err != nil {
		return "", &InvalidConfigError{Err: err}
	}
	if prompt != "" {
		s.Update(func(st *conversation.Store) {
			st.Append(conversation.User(prompt))
		})
		s.Progress().Publish(progress.Update{Sender: progress.SenderUser, Message: prompt})
	}

	e.spawn(s)
	return s.ID, nil
}

// composeInstructions wraps the owner instructions with the research
// framing and the sufficiency contract for the session's mode.
func (e *Engine) composeInstructions(cfg session.Config) string {
	instr := prompts.ResearchSystem(cfg.Instructions)
	switch cfg.Mode() {
	case session.SufficiencyField:
		return instr + "\n\n" + prompts.FinalAnswerFieldInstruction
	default:
		if e.registry != nil && e.registry.Get(tools.FinalAnswerTool) != nil {
			return instr + "\n\n" + prompts.FinalAnswerToolInstruction
		}
		return instr
	}
}

func (e *Engine) spawn(s *session.Session) {
	e.wg.Add(1)
	go e.run(s)
}

// PostMessage appends a user entry to a live session.
func (e *Engine) PostMessage(id, text string) error {
	s, err := e.sessions.Get(id)
	if err != nil {
		return err
	}
	if err := s.PostUserMessage(text); err != nil {
		return err
	}
	s.Progress().Publish(progress.Update{Sender: progress.SenderUser, Message: text})
	return nil
}

// GetStatus returns the session's lifecycle state.
func (e *Engine) GetStatus(id string) (session.Status, error) {
	s, err := e.sessions.Get(id)
	if err != nil {
		return "", err
	}
	return s.Status(), nil
}

// GetSession resolves a live session.
func (e *Engine) GetSession(id string) (*session.Session, error) {
	return e.sessions.Get(id)
}

// ListSessions returns all live sessions.
func (e *Engine) ListSessions() []*session.Session {
	return e.sessions.List()
}

// GetHistory returns a copy of the session's conversation entries.
func (e *Engine) GetHistory(id string) ([]conversation.Entry, error) {
	s, err := e.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return s.History(), nil
}

// SubscribeProgress streams the session's progress updates. The
// channel closes after the terminal sentinel.
func (e *Engine) SubscribeProgress(id string) (<-chan progress.Update, error) {
	s, err := e.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Progress().Subscribe(), nil
}

// UnsubscribeProgress drops a progress subscription early.
func (e *Engine) UnsubscribeProgress(id string, ch <-chan progress.Update) {
	s, err := e.sessions.Get(id)
	if err != nil {
		return
	}
	s.Progress().Unsubscribe(ch)
}

// Terminate sets the session's cancel flag. Idempotent.
func (e *Engine) Terminate(id string) error {
	s, err := e.sessions.Get(id)
	if err != nil {
		return err
	}
	s.Terminate()
	return nil
}

// Snapshot serializes the session; when a snapshot store is configured
// the snapshot is also persisted.
func (e *Engine) Snapshot(ctx context.Context, id string) ([]byte, error) {
	s, err := e.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	data, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	if e.snapshots != nil {
		if _, err := e.snapshots.Save(ctx, s); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Load restores a session from snapshot bytes and resumes its loop if
// the snapshot was not terminal.
func (e *Engine) Load(data []byte) (string, error) {
	rec, err := session.DecodeRecord(data)
	if err != nil {
		return "", err
	}
	if e.owners != nil && !e.owners[rec.Owner] {
		return "", &ErrOwnerNotFound{Owner: rec.Owner}
	}
	s, err := e.sessions.Restore(rec)
	if err != nil {
		return "", err
	}
	if !s.Status().Terminal() {
		e.spawn(s)
	}
	return s.ID, nil
}

// Close terminates every live session and waits for their runners.
func (e *Engine) Close() {
	for _, s := range e.sessions.List() {
		s.Terminate()
	}
	e.wg.Wait()
}

// run drives one session to a terminal status. Ticks run sequentially;
// all history mutation for the session happens here or in
// PostUserMessage.
func (e *Engine) run(s *session.Session) {
	defer e.wg.Done()
	logger := e.logger.With("session", s.ID)

	// A session restored from a snapshot taken while awaiting user
	// input stays parked until the owner posts a message; moving it to
	// Running here would trigger an LLM turn without the awaited
	// input.
	if s.Status() != session.StatusAwaitingUser {
		if err := s.Transition(session.StatusRunning); err != nil {
			// Terminated before the first tick.
			s.Progress().Close(string(s.Status()))
			return
		}
	}

	st := e.newLoopState(s)
	for {
		status := s.Status()
		if status.Terminal() {
			break
		}
		if status == session.StatusAwaitingUser {
			e.awaitUser(s)
			continue
		}
		e.tick(s, st)
	}

	s.Progress().Close(string(s.Status()))
	logger.Info("session finished",
		"status", s.Status(),
		"reason", s.FailReason(),
		"entries", s.HistoryLen(),
	)
}

// awaitUser parks the runner until a message arrives, the session is
// cancelled, or the session times out.
func (e *Engine) awaitUser(s *session.Session) {
	timeout := e.sessionTimeout(s)
	var deadline <-chan time.Time
	if timeout > 0 {
		remaining := timeout - s.Age()
		if remaining <= 0 {
			e.failSession(s, session.FailTimeout, "session timed out while awaiting user input")
			return
		}
		t := time.NewTimer(remaining)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-s.Resume():
	case <-s.Ctx().Done():
	case <-deadline:
		e.failSession(s, session.FailTimeout, "session timed out while awaiting user input")
	}
}

func (e *Engine) sessionTimeout(s *session.Session) time.Duration {
	if t := s.Config().Timeout; t > 0 {
		return t
	}
	return e.cfg.SessionTimeout()
}

func (e *Engine) maxConversationLength(s *session.Session) int {
	if n := s.Config().MaxConversationLength; n > 0 {
		return n
	}
	return e.cfg.MaxConversationLength
}

// failSession reports the reason on the progress channel before the
// terminal sentinel, then fails the session.
func (e *Engine) failSession(s *session.Session, reason session.FailReason, msg string) {
	s.Progress().Publish(progress.Update{Sender: progress.SenderSystem, Message: msg})
	s.Fail(reason)
}

// notifySystem publishes a non-terminal system notice.
func notifySystem(s *session.Session, msg string) {
	s.Progress().Publish(progress.Update{Sender: progress.SenderSystem, Message: msg})
}

// genConfig merges engine LLM defaults with per-session overrides.
func (e *Engine) genConfig(cfg session.Config) llm.GenConfig {
	gen := llm.GenConfig{
		Temperature:     e.cfg.Defaults.Temperature,
		MaxOutputTokens: e.cfg.Defaults.MaxOutputTokens,
		TopP:            e.cfg.Defaults.TopP,
		Seed:            e.cfg.Defaults.Seed,
	}
	if cfg.Gen.Temperature != 0 {
		gen.Temperature = cfg.Gen.Temperature
	}
	if cfg.Gen.MaxOutputTokens != 0 {
		gen.MaxOutputTokens = cfg.Gen.MaxOutputTokens
	}
	if cfg.Gen.TopP != 0 {
		gen.TopP = cfg.Gen.TopP
	}
	if cfg.Gen.Seed != 0 {
		gen.Seed = cfg.Gen.Seed
	}
	return gen
}
