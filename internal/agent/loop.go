// Package agent implements the turn loop that drives the context
// window manager: allocate a window, call the model, record the turn,
// compact if needed, persist.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/skald-org/skald-agent/internal/llm"
	"github.com/skald-org/skald-agent/internal/memory"
	"github.com/skald-org/skald-agent/internal/tools"
)

// TurnRequest is one incoming user turn.
type TurnRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
	Model          string `json:"model,omitempty"`

	// Stream, when non-nil, receives response tokens as they arrive.
	Stream llm.StreamCallback `json:"-"`
}

// TurnResponse is the agent's reply for one turn.
type TurnResponse struct {
	Content        string           `json:"content"`
	Model          string           `json:"model"`
	ConversationID string           `json:"conversation_id"`
	Compacted      bool             `json:"compacted"`
	PlanStats      memory.PlanStats `json:"plan_stats"`
}

// TurnState is the mutable view of a conversation handed to turn
// hooks. Hooks may filter or rewrite the message list; they must not
// retain the pointer past their call.
type TurnState struct {
	ConversationID string
	State          *memory.ConversationState
}

// TurnHook is an extension point invoked before or after each turn.
type TurnHook func(ctx context.Context, ts *TurnState) error

// Loop runs the fixed per-turn sequence. All operations on one
// conversation id are serialized by a per-id mutex; two concurrent
// runs against different ids proceed independently.
type Loop struct {
	logger    *slog.Logger
	store     *memory.ConversationStore
	allocator *memory.Allocator
	compactor *memory.Compactor
	registry  *tools.Registry
	client    llm.Client

	model        string
	systemPrompt string

	beforeTurn []TurnHook
	afterTurn  []TurnHook

	mu        sync.Mutex
	convLocks map[string]*sync.Mutex
}

// maxToolIterations bounds the tool-call loop within a single turn.
const maxToolIterations = 8

// NewLoop creates the turn loop.
func NewLoop(logger *slog.Logger, store *memory.ConversationStore, allocator *memory.Allocator, compactor *memory.Compactor, registry *tools.Registry, client llm.Client, model, systemPrompt string) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger:    logger,
		store:     store,
		allocator: allocator,
		compactor: compactor,
		registry:  registry,
		client:    client,
		model:     model,
		systemPrompt: systemPrompt,
		convLocks: make(map[string]*sync.Mutex),
	}
}

// AddBeforeTurn registers a hook run after state load, before window
// allocation.
func (l *Loop) AddBeforeTurn(h TurnHook) {
	l.beforeTurn = append(l.beforeTurn, h)
}

// AddAfterTurn registers a hook run after the model response is
// recorded, before the compaction check.
func (l *Loop) AddAfterTurn(h TurnHook) {
	l.afterTurn = append(l.afterTurn, h)
}

// lockConversation returns the mutex serializing one conversation id,
// creating it on first use.
func (l *Loop) lockConversation(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.convLocks[id]
	if !ok {
		m = &sync.Mutex{}
		l.convLocks[id] = m
	}
	return m
}

// Run executes one turn: load state, beforeTurn hooks, allocate the
// window, call the model (dispatching tool calls), record the
// exchange, afterTurn hooks, compact if over threshold, save.
//
// A summarize failure during compaction fails the whole turn and
// persists nothing; the caller retries. Other persistence errors are
// logged but do not abort the turn.
func (l *Loop) Run(ctx context.Context, req *TurnRequest) (*TurnResponse, error) {
	convID := req.ConversationID
	if convID == "" {
		convID = "default"
	}

	lock := l.lockConversation(convID)
	lock.Lock()
	defer lock.Unlock()

	// Re-synchronize from the store every run; in-memory state from a
	// prior run may be stale after a restart.
	state, err := l.store.Load(convID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if state == nil {
		state = &memory.ConversationState{}
	}

	ts := &TurnState{ConversationID: convID, State: state}
	for _, h := range l.beforeTurn {
		if err := h(ctx, ts); err != nil {
			return nil, fmt.Errorf("before-turn hook: %w", err)
		}
	}

	userTurn := memory.UserMessage(req.Content)
	systemPrompt := memory.SystemPrompt(l.systemPrompt)

	window, stats, err := l.allocator.Plan(convID, systemPrompt, state, &userTurn)
	if err != nil {
		return nil, fmt.Errorf("allocate window: %w", err)
	}

	model := req.Model
	if model == "" {
		model = l.model
	}

	content, err := l.converse(ctx, convID, model, window, req.Stream)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}

	// Record the turn as submitted: if the user turn was truncated,
	// the truncated form enters the live history (the full text is
	// already in the archive).
	recorded := window[len(window)-1]
	state.Recent = append(state.Recent, recorded, memory.AssistantMessage(content))

	for _, h := range l.afterTurn {
		if err := h(ctx, ts); err != nil {
			return nil, fmt.Errorf("after-turn hook: %w", err)
		}
	}

	// Without a compactor (one-shot CLI mode) the window just grows.
	var result memory.CompactionResult
	if l.compactor != nil {
		working := l.workingSet(systemPrompt, state)
		result, err = l.compactor.Compact(ctx, convID, working, state.Summary)
		if err != nil {
			// Hard failure: the triggering turn fails, no partial
			// summary is persisted, and the caller retries.
			return nil, fmt.Errorf("compaction: %w", err)
		}
	}
	if result.Compacted {
		state.Summary = result.Summary
		state.Recent = ordinaryMessages(result.WorkingSet)
		if err := l.store.Save(convID, state); err != nil {
			return nil, fmt.Errorf("save compacted state: %w", err)
		}
	} else if err := l.store.Save(convID, state); err != nil {
		// Outside the compaction write path, persistence failures do
		// not abort the turn; the conversation continues degraded.
		l.logger.Error("conversation save failed", "conversation", convID, "error", err)
	}

	l.logger.Info("turn completed",
		"conversation", convID,
		"model", model,
		"window_tokens", stats.TotalTokens,
		"compacted", result.Compacted,
	)

	return &TurnResponse{
		Content:        content,
		Model:          model,
		ConversationID: convID,
		Compacted:      result.Compacted,
		PlanStats:      stats,
	}, nil
}

// converse calls the model and dispatches tool calls until the model
// produces a plain response or the iteration bound is hit.
func (l *Loop) converse(ctx context.Context, convID, model string, window []memory.Message, stream llm.StreamCallback) (string, error) {
	msgs := toWire(window)

	var toolDefs []map[string]any
	if l.registry != nil {
		toolDefs = l.registry.List()
	}
	toolCtx := tools.WithConversationID(ctx, convID)

	for i := 0; i < maxToolIterations; i++ {
		resp, err := l.client.ChatStream(ctx, model, msgs, toolDefs, stream)
		if err != nil {
			return "", err
		}

		if len(resp.Message.ToolCalls) == 0 {
			return resp.Message.Content, nil
		}

		msgs = append(msgs, resp.Message)
		for _, tc := range resp.Message.ToolCalls {
			args, _ := json.Marshal(tc.Function.Arguments)
			out, err := l.registry.Execute(toolCtx, tc.Function.Name, string(args))
			if err != nil {
				out = fmt.Sprintf("tool error: %v", err)
			}
			msgs = append(msgs, llm.Message{Role: "tool", Content: out})
		}
	}
	return "", fmt.Errorf("tool loop exceeded %d iterations", maxToolIterations)
}

// workingSet builds the full post-turn message list for the
// compaction check: system prompt, summary marker if present, then
// the recent tail.
func (l *Loop) workingSet(systemPrompt memory.Message, state *memory.ConversationState) []memory.Message {
	working := []memory.Message{systemPrompt}
	if state.Summary != "" {
		working = append(working, memory.SummaryMessage(state.Summary))
	}
	return append(working, state.Recent...)
}

// ordinaryMessages filters a working set down to the plain
// conversation tail, dropping the system prompt and summary marker.
func ordinaryMessages(working []memory.Message) []memory.Message {
	var out []memory.Message
	for _, m := range working {
		if m.Kind == memory.KindOrdinary {
			out = append(out, m)
		}
	}
	return out
}

// toWire converts window messages to provider wire format.
func toWire(window []memory.Message) []llm.Message {
	msgs := make([]llm.Message, len(window))
	for i, m := range window {
		msgs[i] = llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
	}
	return msgs
}
