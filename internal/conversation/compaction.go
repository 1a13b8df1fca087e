package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loopworks/loopd/internal/llm"
	"github.com/loopworks/loopd/internal/prompts"
)

// Policy controls compaction behavior.
type Policy struct {
	// KeepLast is the number of trailing entries never summarized.
	KeepLast int

	// SummaryLength is the target summary size in tokens.
	SummaryLength int
}

// ErrNothingToCompact is returned when the history is too short to
// benefit from compaction.
var ErrNothingToCompact = errors.New("history too short to compact")

// ErrSummaryTooLarge is returned when the synthesized summary would
// not reduce the history's token estimate. The history is left
// unchanged.
var ErrSummaryTooLarge = errors.New("compaction summary did not reduce history size")

// ErrPlanStale is returned by Apply when the store no longer contains
// the planned region, typically because another compaction applied
// first. The history is left unchanged.
var ErrPlanStale = errors.New("compaction plan no longer matches history")

// Compactor replaces the middle of a history with an LLM-synthesized
// System summary entry.
type Compactor struct {
	client llm.Client
	model  string
	policy Policy
	logger *slog.Logger
}

// NewCompactor creates a compactor bound to a model and policy.
func NewCompactor(client llm.Client, model string, policy Policy, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		client: client,
		model:  model,
		policy: policy,
		logger: logger.With("component", "compactor"),
	}
}

// Plan holds a computed compaction: entries [From:To) are replaced by
// Summary. Planning involves an LLM call; Apply is a pure in-memory
// mutation, so callers holding a lock over the store can plan first
// and apply while locked.
type Plan struct {
	From    int
	To      int
	Summary Entry

	// Replaced is the number of middle entries the summary stands in
	// for.
	Replaced int

	// anchor is the first entry of the planned region, kept so Apply
	// can detect a store that changed underneath the plan.
	anchor Entry
}

// Plan computes a compaction for the given history.
//
// The history partitions into prefix (a leading System entry, if
// present), middle, and the last KeepLast entries. The middle is
// rendered as a transcript and summarized by the LLM into a single
// System entry. On any failure no plan is returned; callers surface
// the error as a progress event and carry on with the uncompacted
// history.
func (c *Compactor) Plan(ctx context.Context, entries []Entry) (*Plan, error) {
	k := len(entries)
	if k <= c.policy.KeepLast+1 {
		return nil, ErrNothingToCompact
	}

	prefixLen := 0
	if entries[0].Kind == KindSystem {
		prefixLen = 1
	}
	tailStart := k - c.policy.KeepLast
	if tailStart <= prefixLen {
		return nil, ErrNothingToCompact
	}
	middle := entries[prefixLen:tailStart]
	if len(middle) == 0 {
		return nil, ErrNothingToCompact
	}

	transcript := buildTranscript(middle)
	prompt := prompts.CompactionPrompt(transcript, c.policy.SummaryLength)

	resp, err := c.client.Complete(ctx, &llm.Request{
		Model: c.model,
		Conversation: llm.Conversation{
			llm.TextMessage(llm.RoleUser, prompt),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("compaction summary: %w", err)
	}
	if resp.Text == "" {
		return nil, fmt.Errorf("compaction summary: empty response")
	}

	summary := System(prompts.CompactionSummaryPrefix + strings.TrimSpace(resp.Text))

	// The whole point is shrinking the history. A summary that fails
	// to shrink it counts as a failed compaction.
	middleTokens := 0
	for _, e := range middle {
		middleTokens += e.Tokens
	}
	if summary.Tokens >= middleTokens {
		return nil, ErrSummaryTooLarge
	}

	return &Plan{
		From:     prefixLen,
		To:       tailStart,
		Summary:  summary,
		Replaced: len(middle),
		anchor:   middle[0],
	}, nil
}

// Apply executes the plan. Appends after planning are fine — they
// only extend the tail past the planned region — but a compaction
// applied in the meantime invalidates the indices; Apply detects that
// and returns ErrPlanStale with the store untouched.
func (p *Plan) Apply(store *Store) error {
	if p.From < 0 || p.From >= p.To || p.To > store.Len() {
		return ErrPlanStale
	}
	got := store.entries[p.From]
	if got.Kind != p.anchor.Kind || got.Text != p.anchor.Text || !got.Timestamp.Equal(p.anchor.Timestamp) {
		return ErrPlanStale
	}
	store.replaceRange(p.From, p.To, p.Summary)
	return nil
}

// Compact plans and applies in one step, for callers with exclusive
// ownership of the store.
func (c *Compactor) Compact(ctx context.Context, store *Store) error {
	preTokens := store.TotalTokens()
	plan, err := c.Plan(ctx, store.Entries())
	if err != nil {
		return err
	}
	if err := plan.Apply(store); err != nil {
		return err
	}

	c.logger.Info("history compacted",
		"replaced_entries", plan.Replaced,
		"tokens_before", preTokens,
		"tokens_after", store.TotalTokens(),
	)
	return nil
}

// buildTranscript renders entries as a plain transcript for the
// summarizer.
func buildTranscript(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.transcriptLine())
		b.WriteByte('\n')
	}
	return b.String()
}
