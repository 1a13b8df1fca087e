package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loopworks/loopd/internal/conversation"
	"github.com/loopworks/loopd/internal/llm"
	"github.com/loopworks/loopd/internal/progress"
	"github.com/loopworks/loopd/internal/schema"
	"github.com/loopworks/loopd/internal/session"
	"github.com/loopworks/loopd/internal/tools"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// errEmptyResponse marks a completion with neither text nor tool
// calls. Treated as transient and retried within the error budget.
var errEmptyResponse = errors.New("empty LLM response")

// loopState is the per-session state the runner carries across ticks.
// It never outlives the runner goroutine.
type loopState struct {
	// errStreak counts consecutive failed LLM turns.
	errStreak int
	// formatErrStreak counts consecutive typed-output parse failures.
	formatErrStreak int
	compactor       *conversation.Compactor
	tctx            *tools.Context
	// outSchema is the compiled typed-output schema for answer_field
	// sessions, nil otherwise.
	outSchema *jsonschema.Schema
}

func (e *Engine) newLoopState(s *session.Session) *loopState {
	cfg := s.Config()
	policy := conversation.Policy{
		KeepLast:      e.cfg.Compaction.KeepLast,
		SummaryLength: e.cfg.Compaction.SummaryLength,
	}
	var outSchema *jsonschema.Schema
	if cfg.Mode() == session.SufficiencyField && cfg.OutputSchema != nil {
		// StartSession rejects schemas that fail to compile; a restored
		// snapshot can still carry one. Validation is skipped then, but
		// parse errors still apply.
		var err error
		outSchema, err = schema.Compile(cfg.OutputSchema)
		if err != nil {
			e.logger.Warn("output schema failed to compile, skipping validation",
				"session", s.ID, "error", err)
		}
	}
	return &loopState{
		outSchema: outSchema,
		compactor: conversation.NewCompactor(e.client, cfg.Model, policy, e.logger),
		tctx: &tools.Context{
			SessionID: s.ID,
			Owner:     s.Owner,
			Progress:  s.Progress(),
			Spawn: func(ctx context.Context, owner, instructions string) (string, error) {
				sub := cfg
				sub.Instructions = ""
				return e.StartSession(owner, sub, instructions)
			},
		},
	}
}

// tick is one iteration of the research loop: termination check,
// compaction check, LLM turn, response interpretation, sufficiency
// check. All appends of a tick land in a single atomic batch.
func (e *Engine) tick(s *session.Session, st *loopState) {
	ctx := s.Ctx()

	// 1. Termination check.
	if s.Cancelled() {
		s.Terminate()
		return
	}
	if timeout := e.sessionTimeout(s); timeout > 0 && s.Age() > timeout {
		e.failSession(s, session.FailTimeout, "session timed out")
		return
	}
	if max := e.maxAttempts(); st.errStreak >= max {
		e.failSession(s, session.FailVendor, "LLM error budget exhausted")
		return
	}
	if maxLen := e.maxConversationLength(s); maxLen > 0 && s.HistoryLen() >= maxLen {
		if !e.compact(ctx, s, st) || s.HistoryLen() >= maxLen {
			e.failSession(s, session.FailBudget, "conversation length budget exhausted")
			return
		}
	}

	// 2. Compaction check.
	soft := e.cfg.Compaction.SoftLimitTokens
	hard := e.cfg.Compaction.HardLimitTokens
	if soft > 0 && s.TotalTokens() > soft {
		e.compact(ctx, s, st)
	}
	if hard > 0 && s.TotalTokens() > hard {
		e.failSession(s, session.FailBudget, "token budget exhausted")
		return
	}

	// 3. LLM turn.
	resp, err := e.llmTurn(ctx, s, st)
	if err != nil {
		if ctx.Err() != nil {
			s.Terminate()
			return
		}
		if llm.IsTransient(err) || errors.Is(err, errEmptyResponse) {
			st.errStreak++
			notifySystem(s, "vendor error, retrying: "+err.Error())
			return
		}
		e.failSession(s, session.FailVendor, "vendor error: "+err.Error())
		return
	}
	st.errStreak = 0

	// 4. Interpret response.
	e.interpret(ctx, s, st, resp)
}

// compact tries to shrink the history. Failure is surfaced as a
// progress event; the loop carries on against the original budget.
func (e *Engine) compact(ctx context.Context, s *session.Session, st *loopState) bool {
	plan, err := st.compactor.Plan(ctx, s.History())
	if err != nil {
		if !errors.Is(err, conversation.ErrNothingToCompact) {
			notifySystem(s, "compaction failed: "+err.Error())
		}
		return false
	}
	var applyErr error
	s.Update(func(store *conversation.Store) {
		applyErr = plan.Apply(store)
	})
	if applyErr != nil {
		notifySystem(s, "compaction failed: "+applyErr.Error())
		return false
	}
	return true
}

func (e *Engine) maxAttempts() int {
	if e.cfg.Retry.MaxAttempts > 0 {
		return e.cfg.Retry.MaxAttempts
	}
	return 3
}

// llmTurn assembles the request and calls the vendor with retries.
// Transient errors back off exponentially with jitter up to the retry
// budget; permanent errors return immediately.
func (e *Engine) llmTurn(ctx context.Context, s *session.Session, st *loopState) (*llm.Response, error) {
	cfg := s.Config()

	budget := e.cfg.Compaction.SoftLimitTokens
	if budget <= 0 {
		budget = 24000
	}
	view := s.View(budget)
	conv := conversation.Conversation(view)

	req := &llm.Request{
		Model:        cfg.Model,
		Conversation: conv,
		Gen:          e.genConfig(cfg),
	}
	if e.registry != nil {
		req.Tools = e.registry.Schemas()
	}
	if cfg.Mode() == session.SufficiencyField {
		format := cfg.OutputFormat
		if format == "" {
			format = llm.FormatJSON
		}
		req.Conversation = append(req.Conversation,
			llm.TextMessage(llm.RoleUser, llm.FormatInstruction(format, cfg.OutputSchema)))
	}

	bo := backoff.NewExponentialBackOff()
	if e.cfg.Retry.BaseBackoffMs > 0 {
		bo.InitialInterval = time.Duration(e.cfg.Retry.BaseBackoffMs) * time.Millisecond
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.maxAttempts()-1)), ctx)

	var resp *llm.Response
	op := func() error {
		r, err := e.client.Complete(ctx, req)
		if err != nil {
			if llm.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if r.Empty() {
			return errEmptyResponse
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// interpret appends the turn's entries atomically, dispatches tool
// calls sequentially, emits progress, and runs the sufficiency check.
func (e *Engine) interpret(ctx context.Context, s *session.Session, st *loopState, resp *llm.Response) {
	cfg := s.Config()

	var entries []conversation.Entry
	var updates []progress.Update
	var answer string
	var await, fatal bool
	var fatalMsg string

	if resp.Text != "" {
		entries = append(entries, conversation.Assistant(resp.Text))
		updates = append(updates, progress.Update{Sender: progress.SenderAgent, Message: resp.Text})
	}

	for _, call := range resp.ToolCalls {
		if s.Cancelled() {
			break
		}
		entries = append(entries, conversation.ToolCall(call))

		tr := e.dispatch(ctx, call, st)
		result := llm.ToolResult{CallID: call.ID, Name: call.Name}
		if tr.Err != nil {
			result.Content = tr.Err.Error()
			result.IsError = true
			if tr.Fatal {
				fatal = true
				fatalMsg = tr.Err.Error()
			}
		} else {
			result.Content = tr.Full
			if tr.UserVisible != "" {
				updates = append(updates, progress.Update{Sender: progress.SenderTool, Message: tr.UserVisible})
			}
			if tr.AwaitUser {
				await = true
			}
			if call.Name == tools.FinalAnswerTool && cfg.Mode() == session.SufficiencyTool {
				answer = tr.Full
			}
		}
		entries = append(entries, conversation.ToolResult(result))
	}

	if len(entries) > 0 {
		s.Update(func(store *conversation.Store) {
			for _, entry := range entries {
				store.Append(entry)
			}
		})
	}
	for _, u := range updates {
		s.Progress().Publish(u)
	}

	if fatal {
		e.failSession(s, session.FailInternal, "fatal tool error: "+fatalMsg)
		return
	}
	if s.Cancelled() {
		s.Terminate()
		return
	}

	// 5. Sufficiency check.
	switch cfg.Mode() {
	case session.SufficiencyTool:
		if answer != "" {
			e.complete(s, answer)
			return
		}
		// With no tools offered there is no final_answer to call; a
		// plain text turn is the answer.
		if len(resp.ToolCalls) == 0 && resp.Text != "" && !e.hasTools() {
			e.complete(s, resp.Text)
		}
	case session.SufficiencyField:
		// Tool-call turns mean the model is still working; only
		// text-only turns are expected to carry the typed answer.
		if resp.Text == "" || len(resp.ToolCalls) > 0 {
			return
		}
		if ans, err := e.extractAnswer(st, cfg, resp.Text); err != nil {
			st.formatErrStreak++
			if st.formatErrStreak >= e.maxAttempts() {
				e.failSession(s, session.FailVendor, "repeated output format errors: "+err.Error())
				return
			}
			notifySystem(s, "output format error: "+err.Error())
		} else if ans != "" {
			st.formatErrStreak = 0
			e.complete(s, ans)
		}
	}

	if await && !s.Status().Terminal() {
		if err := s.Transition(session.StatusAwaitingUser); err == nil {
			notifySystem(s, "waiting for user input")
		}
	}
}

func (e *Engine) hasTools() bool {
	return e.registry != nil && len(e.registry.Names()) > 0
}

func (e *Engine) dispatch(ctx context.Context, call llm.ToolCall, st *loopState) *tools.Response {
	if e.registry == nil {
		return &tools.Response{Err: &tools.UnknownToolError{Name: call.Name}}
	}
	return e.registry.Dispatch(ctx, call.Name, call.Arguments, st.tctx)
}

func (e *Engine) complete(s *session.Session, answer string) {
	if err := s.Complete(answer); err != nil {
		return
	}
	s.Progress().Publish(progress.Update{Sender: progress.SenderAgent, Message: answer})
}

// extractAnswer parses the assistant text under the session's typed
// output contract and pulls the "answer" field. An empty answer with
// no parse error means the model is not done yet.
func (e *Engine) extractAnswer(st *loopState, cfg session.Config, text string) (string, error) {
	format := cfg.OutputFormat
	if format == "" {
		format = llm.FormatJSON
	}
	v, err := llm.ParseTyped(text, format, cfg.OutputSchema)
	if err != nil {
		return "", err
	}
	if st.outSchema != nil {
		if err := schema.Validate(st.outSchema, v); err != nil {
			return "", &llm.SchemaValidationError{Err: err}
		}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", &llm.OutputFormatError{Format: format, Reason: "expected an object"}
	}
	answer, _ := obj["answer"].(string)
	return answer, nil
}
