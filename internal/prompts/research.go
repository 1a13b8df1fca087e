package prompts

import "fmt"

// researchSystemTemplate frames a research session for the model. The
// format verb receives the owner-supplied instructions.
const researchSystemTemplate = `You are a research agent working through a task step by step.
Use the available tools to gather evidence before concluding. Cite tool
results rather than guessing. When a tool fails, read the error and
decide whether to retry with different parameters or take another path.

%s`

// ResearchSystem returns the system instructions for a research
// session, wrapping the owner-supplied instruction text.
func ResearchSystem(ownerInstructions string) string {
	return fmt.Sprintf(researchSystemTemplate, ownerInstructions)
}

// FinalAnswerToolInstruction tells the model how to end a session when
// the final-answer contract is the final_answer tool.
const FinalAnswerToolInstruction = `When you have enough evidence to answer, call the final_answer tool
exactly once with your complete answer. Do not call it before the
answer is complete.`

// FinalAnswerFieldInstruction tells the model how to end a session when
// the final-answer contract is a structured answer field.
const FinalAnswerFieldInstruction = `When you have enough evidence to answer, respond with a JSON object
containing a single "answer" field holding your complete answer. Until
then, keep working with tools or plain text.`
