package conversation

import (
	"github.com/loopworks/loopd/internal/llm"
)

// Store holds an ordered history with a running token estimate.
// Store is not safe for concurrent use; the session manager serializes
// access through the session lock.
type Store struct {
	entries     []Entry
	totalTokens int
}

// NewStore creates an empty history.
func NewStore() *Store {
	return &Store{}
}

// Append adds an entry to the end of the history. O(1); keeps the
// cumulative token estimate current.
func (s *Store) Append(e Entry) {
	s.entries = append(s.entries, e)
	s.totalTokens += e.Tokens
}

// Len returns the number of entries.
func (s *Store) Len() int {
	return len(s.entries)
}

// TotalTokens returns the cumulative token estimate for the whole
// history.
func (s *Store) TotalTokens() int {
	return s.totalTokens
}

// Entries returns a copy of the full history in order.
func (s *Store) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Last returns the most recent entry, or false when empty.
func (s *Store) Last() (Entry, bool) {
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// View returns the longest suffix of the history whose total token
// estimate fits the budget. If the first entry is a System entry and
// falls outside that suffix, it is prepended anyway: sessions keep
// their instructions regardless of budget pressure.
func (s *Store) View(budgetTokens int) []Entry {
	if len(s.entries) == 0 {
		return nil
	}

	total := 0
	start := len(s.entries)
	for i := len(s.entries) - 1; i >= 0; i-- {
		if total+s.entries[i].Tokens > budgetTokens {
			break
		}
		total += s.entries[i].Tokens
		start = i
	}

	var out []Entry
	if start > 0 && s.entries[0].Kind == KindSystem {
		out = append(out, s.entries[0])
	}
	out = append(out, s.entries[start:]...)
	return out
}

// Conversation renders entries as a unified LLM conversation.
func Conversation(entries []Entry) llm.Conversation {
	conv := make(llm.Conversation, 0, len(entries))
	for _, e := range entries {
		conv = append(conv, e.Message())
	}
	return conv
}

// replaceRange substitutes entries[from:to] with replacement,
// recomputing the token total. Used only by compaction.
func (s *Store) replaceRange(from, to int, replacement ...Entry) {
	rebuilt := make([]Entry, 0, len(s.entries)-(to-from)+len(replacement))
	rebuilt = append(rebuilt, s.entries[:from]...)
	rebuilt = append(rebuilt, replacement...)
	rebuilt = append(rebuilt, s.entries[to:]...)
	s.entries = rebuilt

	s.totalTokens = 0
	for _, e := range s.entries {
		s.totalTokens += e.Tokens
	}
}

// Restore replaces the whole history, used when loading snapshots.
func (s *Store) Restore(entries []Entry) {
	s.entries = append([]Entry(nil), entries...)
	s.totalTokens = 0
	for _, e := range s.entries {
		s.totalTokens += e.Tokens
	}
}
