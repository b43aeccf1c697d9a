package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/skald-org/skald-agent/internal/llm"
	"github.com/skald-org/skald-agent/internal/memory"
	"github.com/skald-org/skald-agent/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient replays scripted responses and records every request.
type fakeClient struct {
	responses []llm.ChatResponse
	requests  [][]llm.Message
	err       error
}

func (f *fakeClient) Chat(ctx context.Context, model string, msgs []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	return f.ChatStream(ctx, model, msgs, toolDefs, nil)
}

func (f *fakeClient) ChatStream(ctx context.Context, model string, msgs []llm.Message, toolDefs []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, msgs)
	if len(f.responses) == 0 {
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "ok"}, Done: true}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	if cb != nil && len(resp.Message.ToolCalls) == 0 {
		cb(resp.Message.Content)
	}
	return &resp, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func assistantReply(content string) llm.ChatResponse {
	return llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: content}, Done: true}
}

func toolCallReply(name string, args map[string]any) llm.ChatResponse {
	var tc llm.ToolCall
	tc.Function.Name = name
	tc.Function.Arguments = args
	return llm.ChatResponse{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{tc}}}
}

// newTestLoop wires a loop with in-memory state, a generous budget,
// and a compactor that never needs to summarize.
func newTestLoop(t *testing.T, client llm.Client, registry *tools.Registry) (*Loop, *memory.ConversationStore) {
	t.Helper()

	store, err := memory.NewConversationStore("", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	cfg := memory.BudgetConfig{
		ActiveBufferTokens: 10000,
		SummaryThreshold:   100000,
	}
	alloc := memory.NewAllocator(cfg, nil, testLogger())
	summarize := func(ctx context.Context, msgs []memory.Message) (string, error) {
		return "summary", nil
	}
	compactor := memory.NewCompactor(cfg, summarize, nil, testLogger())
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return NewLoop(testLogger(), store, alloc, compactor, registry, client, "test-model", "You are helpful."), store
}

func TestRun_BasicTurn(t *testing.T) {
	client := &fakeClient{responses: []llm.ChatResponse{assistantReply("hi there")}}
	loop, store := newTestLoop(t, client, nil)

	resp, err := loop.Run(context.Background(), &TurnRequest{ConversationID: "c1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hi there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.ConversationID != "c1" || resp.Model != "test-model" {
		t.Errorf("response metadata wrong: %+v", resp)
	}

	// The model saw [systemPrompt, userTurn].
	if len(client.requests) != 1 {
		t.Fatalf("model called %d times, want 1", len(client.requests))
	}
	sent := client.requests[0]
	if len(sent) != 2 || sent[0].Role != "system" || sent[1].Content != "hello" {
		t.Errorf("unexpected window: %+v", sent)
	}

	// Both sides of the turn were persisted.
	state, err := store.Load("c1")
	if err != nil {
		t.Fatal(err)
	}
	if state == nil || len(state.Recent) != 2 {
		t.Fatalf("persisted state wrong: %+v", state)
	}
	if state.Recent[0].Content != "hello" || state.Recent[1].Content != "hi there" {
		t.Errorf("recorded turn wrong: %+v", state.Recent)
	}
}

func TestRun_SecondTurnSeesHistory(t *testing.T) {
	client := &fakeClient{responses: []llm.ChatResponse{
		assistantReply("first answer"),
		assistantReply("second answer"),
	}}
	loop, _ := newTestLoop(t, client, nil)

	ctx := context.Background()
	if _, err := loop.Run(ctx, &TurnRequest{ConversationID: "c1", Content: "first question"}); err != nil {
		t.Fatal(err)
	}
	if _, err := loop.Run(ctx, &TurnRequest{ConversationID: "c1", Content: "second question"}); err != nil {
		t.Fatal(err)
	}

	sent := client.requests[1]
	var contents []string
	for _, m := range sent {
		contents = append(contents, m.Content)
	}
	joined := strings.Join(contents, "\n")
	for _, want := range []string{"first question", "first answer", "second question"} {
		if !strings.Contains(joined, want) {
			t.Errorf("second window missing %q", want)
		}
	}
}

func TestRun_ToolDispatch(t *testing.T) {
	registry := tools.NewRegistry()
	var gotConv string
	registry.Register(&tools.Tool{
		Name:        "lookup",
		Description: "test tool",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			gotConv = tools.ConversationIDFromContext(ctx)
			return "tool says 42", nil
		},
	})

	client := &fakeClient{responses: []llm.ChatResponse{
		toolCallReply("lookup", map[string]any{"query": "answer"}),
		assistantReply("the answer is 42"),
	}}
	loop, _ := newTestLoop(t, client, registry)

	resp, err := loop.Run(context.Background(), &TurnRequest{ConversationID: "c7", Content: "what is the answer?"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "the answer is 42" {
		t.Errorf("Content = %q", resp.Content)
	}
	if gotConv != "c7" {
		t.Errorf("tool saw conversation %q, want c7", gotConv)
	}

	// Second model call includes the tool result.
	if len(client.requests) != 2 {
		t.Fatalf("model called %d times, want 2", len(client.requests))
	}
	second := client.requests[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "tool says 42" {
		t.Errorf("tool result not appended: %+v", last)
	}
}

func TestRun_ModelErrorFailsTurn(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	loop, store := newTestLoop(t, client, nil)

	if _, err := loop.Run(context.Background(), &TurnRequest{ConversationID: "c1", Content: "hello"}); err == nil {
		t.Fatal("expected model error to fail the turn")
	}
	state, _ := store.Load("c1")
	if state != nil {
		t.Error("failed turn must not persist state")
	}
}

func TestRun_DefaultConversationID(t *testing.T) {
	client := &fakeClient{responses: []llm.ChatResponse{assistantReply("ok")}}
	loop, store := newTestLoop(t, client, nil)

	resp, err := loop.Run(context.Background(), &TurnRequest{Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ConversationID != "default" {
		t.Errorf("ConversationID = %q, want default", resp.ConversationID)
	}
	if state, _ := store.Load("default"); state == nil {
		t.Error("default conversation not persisted")
	}
}

func TestRun_Hooks(t *testing.T) {
	client := &fakeClient{responses: []llm.ChatResponse{assistantReply("ok")}}
	loop, _ := newTestLoop(t, client, nil)

	var order []string
	loop.AddBeforeTurn(func(ctx context.Context, ts *TurnState) error {
		order = append(order, "before:"+ts.ConversationID)
		return nil
	})
	loop.AddAfterTurn(func(ctx context.Context, ts *TurnState) error {
		order = append(order, "after:"+ts.ConversationID)
		// afterTurn runs once the exchange is recorded.
		if len(ts.State.Recent) != 2 {
			t.Errorf("afterTurn saw %d recent messages, want 2", len(ts.State.Recent))
		}
		return nil
	})

	if _, err := loop.Run(context.Background(), &TurnRequest{ConversationID: "c1", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "before:c1" || order[1] != "after:c1" {
		t.Errorf("hook order = %v", order)
	}
}

func TestRun_BeforeHookErrorAborts(t *testing.T) {
	client := &fakeClient{responses: []llm.ChatResponse{assistantReply("ok")}}
	loop, _ := newTestLoop(t, client, nil)
	loop.AddBeforeTurn(func(ctx context.Context, ts *TurnState) error {
		return errors.New("nope")
	})

	if _, err := loop.Run(context.Background(), &TurnRequest{ConversationID: "c1", Content: "hi"}); err == nil {
		t.Fatal("expected hook error to abort the turn")
	}
	if len(client.requests) != 0 {
		t.Error("model called despite hook failure")
	}
}

func TestRun_CompactionTriggeredAndPersisted(t *testing.T) {
	client := &fakeClient{responses: []llm.ChatResponse{assistantReply(strings.Repeat("a", 400))}}

	store, err := memory.NewConversationStore("", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	// Tiny thresholds so one long exchange forces a fold.
	cfg := memory.BudgetConfig{
		ActiveBufferTokens: 120,
		SummaryThreshold:   60,
	}
	alloc := memory.NewAllocator(cfg, nil, testLogger())
	summarize := func(ctx context.Context, msgs []memory.Message) (string, error) {
		return "what came before", nil
	}
	compactor := memory.NewCompactor(cfg, summarize, nil, testLogger())
	loop := NewLoop(testLogger(), store, alloc, compactor, tools.NewRegistry(), client, "m", "sys")

	// Seed enough prior history that the post-turn working set is over
	// threshold and the oldest messages do not fit the active buffer.
	seed := &memory.ConversationState{Recent: []memory.Message{
		memory.UserMessage(strings.Repeat("x", 200)),
		memory.AssistantMessage(strings.Repeat("y", 200)),
	}}
	if err := store.Save("c1", seed); err != nil {
		t.Fatal(err)
	}

	resp, err := loop.Run(context.Background(), &TurnRequest{ConversationID: "c1", Content: "and now?"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Compacted {
		t.Fatal("expected compaction")
	}

	state, err := store.Load("c1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Summary != "what came before" {
		t.Errorf("Summary = %q", state.Summary)
	}
	// The folded messages are gone from the live tail.
	for _, m := range state.Recent {
		if strings.HasPrefix(m.Content, "xxx") {
			t.Error("folded message still in the live tail")
		}
	}
}

func TestRun_SummarizeFailureFailsTurn(t *testing.T) {
	client := &fakeClient{responses: []llm.ChatResponse{assistantReply(strings.Repeat("a", 400))}}

	store, err := memory.NewConversationStore("", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	cfg := memory.BudgetConfig{ActiveBufferTokens: 120, SummaryThreshold: 60}
	alloc := memory.NewAllocator(cfg, nil, testLogger())
	summarize := func(ctx context.Context, msgs []memory.Message) (string, error) {
		return "", errors.New("summarizer down")
	}
	compactor := memory.NewCompactor(cfg, summarize, nil, testLogger())
	loop := NewLoop(testLogger(), store, alloc, compactor, tools.NewRegistry(), client, "m", "sys")

	seed := &memory.ConversationState{Recent: []memory.Message{
		memory.UserMessage(strings.Repeat("x", 200)),
		memory.AssistantMessage(strings.Repeat("y", 200)),
	}}
	if err := store.Save("c1", seed); err != nil {
		t.Fatal(err)
	}

	if _, err := loop.Run(context.Background(), &TurnRequest{ConversationID: "c1", Content: "and now?"}); err == nil {
		t.Fatal("expected summarize failure to fail the turn")
	}

	// Nothing from the failed turn was committed.
	state, _ := store.Load("c1")
	if state.Summary != "" {
		t.Error("partial summary persisted after failure")
	}
	if len(state.Recent) != 2 {
		t.Errorf("failed turn mutated the stored tail: %d messages", len(state.Recent))
	}
}
