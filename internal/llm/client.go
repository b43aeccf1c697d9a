// Package llm provides the language-model client used for chat turns
// and for summary generation during compaction.
package llm

import "context"

// StreamCallback is called for each streamed token.
type StreamCallback func(token string)

// Client is the interface all model providers implement. The context
// window manager never calls a provider directly; it sees only this
// interface (for chat) and a summarize closure built on top of it.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is
	// non-nil, tokens are streamed to it as they arrive.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks whether the provider is reachable.
	Ping(ctx context.Context) error
}
