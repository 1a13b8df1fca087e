// Package evaluator provides a background worker that watches running
// sessions for abandonment. Sessions nobody has touched past the idle
// threshold are failed so they stop holding resources, and idle
// histories over the soft token limit are compacted while nothing else
// is happening to them.
package evaluator

import (
	"context"
	"log/slog"
	"time"

	"github.com/loopworks/loopd/internal/config"
	"github.com/loopworks/loopd/internal/conversation"
	"github.com/loopworks/loopd/internal/llm"
	"github.com/loopworks/loopd/internal/progress"
	"github.com/loopworks/loopd/internal/session"
)

// SessionLister yields the live sessions to inspect. The engine facade
// satisfies this.
type SessionLister interface {
	ListSessions() []*session.Session
}

// Config controls the evaluator worker behavior.
type Config struct {
	// Interval between sweeps. Default: 30 seconds.
	Interval time.Duration

	// IdleThreshold is how long a session may go without activity
	// before it is failed. Default: 10 minutes.
	IdleThreshold time.Duration

	// Compaction bounds opportunistic compaction of idle sessions.
	Compaction config.CompactionConfig

	// CompactTimeout bounds each compaction LLM call.
	// Default: 60 seconds.
	CompactTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 10 * time.Minute
	}
	if c.CompactTimeout <= 0 {
		c.CompactTimeout = 60 * time.Second
	}
}

// Worker periodically sweeps live sessions for stalls.
type Worker struct {
	sessions SessionLister
	client   llm.Client
	logger   *slog.Logger
	config   Config

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an evaluator worker. Call Start to begin sweeping.
func New(sessions SessionLister, client llm.Client, logger *slog.Logger, cfg Config) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		sessions: sessions,
		client:   client,
		logger:   logger.With("component", "evaluator"),
		config:   cfg,
		done:     make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (w *Worker) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(workerCtx)
}

// Stop cancels the worker and waits for its goroutine to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("evaluator stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep inspects every live session once. Exported so callers and
// tests can force a sweep without waiting for the ticker.
func (w *Worker) Sweep(ctx context.Context) {
	now := time.Now()
	for _, s := range w.sessions.ListSessions() {
		if ctx.Err() != nil {
			return
		}
		status := s.Status()
		if status.Terminal() || status == session.StatusPending {
			continue
		}

		idle := now.Sub(s.LastActivity())
		if idle <= w.config.IdleThreshold {
			continue
		}

		// An abandoned session fails rather than lingers; the runner
		// observes the terminal status and closes the progress channel.
		w.logger.Warn("failing idle session",
			"session_id", s.ID,
			"owner", s.Owner,
			"idle", idle,
		)
		s.Progress().Publish(progress.Update{
			Sender:  progress.SenderSystem,
			Message: "session idle past threshold, giving up",
		})
		s.Fail(session.FailIdle)
	}

	w.compactIdle(ctx, now)
}

// compactIdle shrinks over-budget histories of sessions that are idle
// but not yet past the failure threshold, so their next turn does not
// pay the compaction latency.
func (w *Worker) compactIdle(ctx context.Context, now time.Time) {
	soft := w.config.Compaction.SoftLimitTokens
	if soft <= 0 || w.client == nil {
		return
	}

	for _, s := range w.sessions.ListSessions() {
		if ctx.Err() != nil {
			return
		}
		// Only Running sessions compact here. A session awaiting user
		// input keeps its history verbatim for when the owner returns.
		if s.Status() != session.StatusRunning {
			continue
		}
		if now.Sub(s.LastActivity()) < w.config.Interval {
			continue
		}
		if s.TotalTokens() <= soft {
			continue
		}

		w.compactOne(ctx, s)
	}
}

func (w *Worker) compactOne(ctx context.Context, s *session.Session) {
	policy := conversation.Policy{
		KeepLast:      w.config.Compaction.KeepLast,
		SummaryLength: w.config.Compaction.SummaryLength,
	}
	compactor := conversation.NewCompactor(w.client, s.Config().Model, policy, w.logger)

	cctx, cancel := context.WithTimeout(ctx, w.config.CompactTimeout)
	defer cancel()

	plan, err := compactor.Plan(cctx, s.History())
	if err != nil {
		if err != conversation.ErrNothingToCompact {
			w.logger.Warn("idle compaction failed", "session_id", s.ID, "error", err)
		}
		return
	}

	// The plan region is untouched by concurrent appends, which only
	// extend the tail; Apply rejects the plan if the loop's own
	// compactor got there first. A session that terminated in the
	// meantime keeps its history as-is.
	if s.Status() != session.StatusRunning {
		return
	}
	var applyErr error
	s.Update(func(st *conversation.Store) {
		applyErr = plan.Apply(st)
	})
	if applyErr != nil {
		w.logger.Warn("idle compaction skipped", "session_id", s.ID, "error", applyErr)
		return
	}

	w.logger.Info("compacted idle session",
		"session_id", s.ID,
		"replaced", plan.Replaced,
		"tokens", s.TotalTokens(),
	)
}
