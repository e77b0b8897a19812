// Package llm defines the model collaborator contracts consumed by the
// session engine and relay, and provides the OpenAI-backed implementation.
//
// The engine only depends on the two small interfaces here; tests inject
// deterministic doubles from internal/testutil.
package llm

import "context"

// Message is one role-tagged entry of a completion prompt.
type Message struct {
	Role    string
	Content string
}

// Embedder converts text into a fixed-length vector. A failure must be
// returned as an error, never as a zero-ish vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CompletionRequest describes a single chat completion call.
type CompletionRequest struct {
	Model     string
	Messages  []Message
	MaxTokens int // 0 = provider default
}

// CompletionResult carries the reply text and the provider's token usage,
// which feeds per-user token accounting.
type CompletionResult struct {
	Text        string
	TotalTokens int
}

// Completer produces a chat completion for an ordered message list.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}
