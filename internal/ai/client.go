// Package ai provides the diagnostics assistant's AI provider client: a
// small interface the turn orchestrator depends on, an OpenAI-compatible
// HTTP implementation, token estimation, and cost calculation.
package ai

import "context"

// Message is one entry of the prompt sent to the provider.
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// Completion is the provider's response with exact token accounting.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// TotalTokens returns prompt plus completion tokens.
func (c *Completion) TotalTokens() int64 {
	return c.PromptTokens + c.CompletionTokens
}

// Client is the seam the turn orchestrator calls through. Implementations
// must be safe for concurrent use and must not hold any database state; the
// caller never holds locks across a Complete call.
type Client interface {
	Complete(ctx context.Context, messages []Message) (*Completion, error)
}

// estimateBuffer pads the pre-flight estimate to cover the system prompt,
// conversation history, and a typical response.
const estimateBuffer = 200

// EstimateTokens approximates the token cost of a turn before the provider
// is called: roughly one token per four bytes of the new message, plus a
// fixed buffer. Used only for the advisory quota check; the debit uses the
// provider's exact counts.
func EstimateTokens(content string) int64 {
	return int64(len(content)/4) + estimateBuffer
}
