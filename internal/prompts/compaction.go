package prompts

import "fmt"

// compactionTemplate is the prompt sent to an LLM to summarize the
// middle of a conversation during history compaction. The format verbs
// are the token budget and the transcript text.
const compactionTemplate = `Summarize this conversation segment. Preserve, in order of importance:
1. Decisions made and their reasons
2. Open questions and unresolved threads
3. Tool calls issued and what they returned
4. Facts gathered that later turns may depend on

Keep the summary under %d tokens. Use terse bullet points. Do not add
commentary about the summarization itself.

Conversation segment:
%s

Summary:`

// CompactionPrompt returns the fully interpolated compaction prompt.
// transcript is the formatted "role: content" rendering of the entries
// being replaced; maxTokens is the summary budget.
func CompactionPrompt(transcript string, maxTokens int) string {
	return fmt.Sprintf(compactionTemplate, maxTokens, transcript)
}

// CompactionSummaryPrefix marks a history entry as a compaction
// summary so later compactions and readers can recognize it.
const CompactionSummaryPrefix = "[Conversation summary] "
