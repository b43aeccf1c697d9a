// Package memory implements the context window manager: the data model
// for conversation messages, the durable per-conversation store, the
// token budget allocator that assembles each model call, and the
// compactor that folds older messages into a running summary.
package memory

import "time"

// Kind tags a message's structural role in the working set. The
// allocator and compactor switch on Kind rather than sniffing content
// prefixes, so an empty or localized summary message is still handled
// correctly.
type Kind int

const (
	// KindOrdinary is a regular conversation message.
	KindOrdinary Kind = iota

	// KindSystemPrompt marks the fixed system prompt. Never folded,
	// never dropped by the allocator.
	KindSystemPrompt

	// KindSummary marks the synthetic message carrying the running
	// summary of folded history. Excluded from compaction partitioning.
	KindSummary
)

// Message is a single conversation message. Immutable once created;
// ordering within a conversation is significant and is only ever
// filtered, never reordered.
type Message struct {
	Role       string    `json:"role"` // user, assistant, system, tool
	Content    string    `json:"content"`
	Name       string    `json:"name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Kind       Kind      `json:"kind,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemPrompt builds the fixed system prompt message.
func SystemPrompt(content string) Message {
	return Message{
		Role:      "system",
		Content:   content,
		Kind:      KindSystemPrompt,
		Timestamp: time.Now().UTC(),
	}
}

// SummaryMessage wraps merged summary text as a synthetic system
// message for inclusion in the working set.
func SummaryMessage(summary string) Message {
	return Message{
		Role:      "system",
		Content:   summary,
		Kind:      KindSummary,
		Timestamp: time.Now().UTC(),
	}
}

// UserMessage builds an ordinary user message.
func UserMessage(content string) Message {
	return Message{
		Role:      "user",
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// AssistantMessage builds an ordinary assistant message.
func AssistantMessage(content string) Message {
	return Message{
		Role:      "assistant",
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// TokenCounter estimates the token cost of a piece of text. The
// estimator is injected; it does not need tokenizer fidelity, only
// consistency within a process.
type TokenCounter func(text string) int

// DefaultTokenCounter is the ceil(len/4) heuristic: roughly four
// characters per token for English prose.
func DefaultTokenCounter(text string) int {
	return (len(text) + 3) / 4
}

// TotalCost returns the estimated token cost of a message list.
func TotalCost(count TokenCounter, msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += count(m.Content)
	}
	return total
}
