package llm

import "context"

// Client is the interface every LLM provider implements.
type Client interface {
	// Complete sends a completion request and returns the unified
	// response. Implementations honor ctx cancellation and deadlines.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// EstimateTokens provides a rough token count estimate.
// Rule of thumb: ~4 characters per token for English. The conversation
// store uses the same estimator so budgets line up with requests.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// EstimateMessageTokens sums the estimate over a message's parts,
// charging blobs a flat overhead since they are not text.
func EstimateMessageTokens(m Message) int {
	const blobOverhead = 256
	total := 0
	for _, p := range m.Parts {
		switch p.Kind {
		case PartText:
			total += EstimateTokens(p.Text)
		case PartInlineBlob, PartRemoteBlob:
			total += blobOverhead
		case PartToolCall:
			if p.Call != nil {
				total += EstimateTokens(p.Call.Name)
				for k, v := range p.Call.Arguments {
					total += EstimateTokens(k) + estimateValueTokens(v)
				}
			}
		case PartToolResult:
			if p.Result != nil {
				total += EstimateTokens(p.Result.Content)
			}
		}
	}
	return total
}

func estimateValueTokens(v any) int {
	switch t := v.(type) {
	case string:
		return EstimateTokens(t)
	case map[string]any:
		total := 0
		for k, vv := range t {
			total += EstimateTokens(k) + estimateValueTokens(vv)
		}
		return total
	case []any:
		total := 0
		for _, vv := range t {
			total += estimateValueTokens(vv)
		}
		return total
	default:
		return 1
	}
}
