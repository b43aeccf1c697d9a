package memory

import (
	"fmt"
	"log/slog"
)

// BudgetConfig controls how much of the model context the window
// manager may use. Fixed per agent instance; never mutated at runtime.
type BudgetConfig struct {
	// MaxTokens is the descriptive ceiling of the model context.
	MaxTokens int

	// ActiveBufferTokens is the target size of the uncompressed tail
	// after compaction, and the history budget for each assembled call.
	ActiveBufferTokens int

	// SummaryThreshold is the working-set token count that triggers
	// compaction after a turn.
	SummaryThreshold int

	// Counter estimates token costs. Defaults to DefaultTokenCounter.
	Counter TokenCounter
}

// DefaultBudgetConfig returns the stock budget.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MaxTokens:          8000,
		ActiveBufferTokens: 4000,
		SummaryThreshold:   6000,
		Counter:            DefaultTokenCounter,
	}
}

func (c *BudgetConfig) applyDefaults() {
	d := DefaultBudgetConfig()
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.ActiveBufferTokens <= 0 {
		c.ActiveBufferTokens = d.ActiveBufferTokens
	}
	if c.SummaryThreshold <= 0 {
		c.SummaryThreshold = d.SummaryThreshold
	}
	if c.Counter == nil {
		c.Counter = DefaultTokenCounter
	}
}

// truncationReserve is held back from the history budget when an
// oversized turn is cut down, leaving room for the truncation notice.
const truncationReserve = 32

// ArchiveWriter is the slice of the history archive the allocator
// needs: preserving oversized turns verbatim before truncating them.
type ArchiveWriter interface {
	Append(conversationID string, msgs []Message, folded bool) error
}

// PlanStats reports what the allocator kept and dropped for one turn.
// Dropping is intentional lossy behavior, not an error, but it is the
// primary source of "the agent forgot something", so it is surfaced
// here and logged.
type PlanStats struct {
	TotalTokens    int
	SummaryKept    bool
	SummaryDropped bool
	DroppedRecent  int
	TurnTruncated  bool
}

// Allocator assembles the message list for one model call under the
// configured budget.
type Allocator struct {
	config  BudgetConfig
	archive ArchiveWriter
	logger  *slog.Logger
}

// NewAllocator creates an allocator. archive may be nil, in which case
// oversized turns are truncated without verbatim preservation (only
// sensible in non-persistent mode).
func NewAllocator(config BudgetConfig, archive ArchiveWriter, logger *slog.Logger) *Allocator {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{config: config, archive: archive, logger: logger}
}

// Config returns the allocator's budget configuration.
func (a *Allocator) Config() BudgetConfig {
	return a.config
}

// Plan produces the message list to submit to the model. The system
// prompt is always first and never dropped; its cost comes off the
// available budget before anything else, so the total estimated cost of
// the result never exceeds ActiveBufferTokens plus the system prompt's
// own cost.
//
// Pass a nil state for a conversation with no prior history, and a nil
// userTurn when re-planning without new input.
func (a *Allocator) Plan(conversationID string, systemPrompt Message, state *ConversationState, userTurn *Message) ([]Message, PlanStats, error) {
	count := a.config.Counter
	budget := a.config.ActiveBufferTokens - count(systemPrompt.Content)
	if budget < 0 {
		budget = 0
	}

	var summary string
	var recent []Message
	if state != nil {
		summary = state.Summary
		recent = state.Recent
	}

	var stats PlanStats

	if userTurn == nil {
		msgs := a.fillHistory(systemPrompt, summary, recent, budget, &stats)
		stats.TotalTokens = TotalCost(count, msgs)
		return msgs, stats, nil
	}

	turnCost := count(userTurn.Content)
	if turnCost > budget {
		// The turn alone blows the budget. Preserve it verbatim, then
		// cut it to fit. History is omitted entirely: the oversized
		// turn consumes the whole window.
		if a.archive != nil {
			if err := a.archive.Append(conversationID, []Message{*userTurn}, false); err != nil {
				return nil, stats, fmt.Errorf("archive oversized turn: %w", err)
			}
		}
		truncated := truncateToBudget(count, *userTurn, budget-truncationReserve)
		stats.TurnTruncated = true
		a.logger.Warn("user turn exceeded window, truncated",
			"conversation", conversationID,
			"turn_tokens", turnCost,
			"budget", budget,
			"archived", a.archive != nil,
		)
		msgs := []Message{systemPrompt, truncated}
		stats.TotalTokens = TotalCost(count, msgs)
		return msgs, stats, nil
	}

	historyBudget := budget - turnCost
	msgs := a.fillHistory(systemPrompt, summary, recent, historyBudget, &stats)
	msgs = append(msgs, *userTurn)
	stats.TotalTokens = TotalCost(count, msgs)

	if stats.SummaryDropped || stats.DroppedRecent > 0 {
		a.logger.Info("history trimmed to fit window",
			"conversation", conversationID,
			"summary_dropped", stats.SummaryDropped,
			"recent_dropped", stats.DroppedRecent,
			"history_budget", historyBudget,
		)
	}
	return msgs, stats, nil
}

// fillHistory assembles [systemPrompt, summary?, recent...] within the
// given history budget. The summary has priority over recent messages:
// it packs more information per token. It is kept whole or dropped
// whole, since a partial summary is not usable.
func (a *Allocator) fillHistory(systemPrompt Message, summary string, recent []Message, historyBudget int, stats *PlanStats) []Message {
	count := a.config.Counter
	msgs := []Message{systemPrompt}

	remaining := historyBudget
	if summary != "" {
		cost := count(summary)
		if cost <= remaining {
			msgs = append(msgs, SummaryMessage(summary))
			remaining -= cost
			stats.SummaryKept = true
		} else {
			stats.SummaryDropped = true
		}
	}

	// Newest-first greedy selection; whole messages only.
	kept := make([]Message, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		cost := count(recent[i].Content)
		if cost > remaining {
			stats.DroppedRecent = i + 1
			break
		}
		kept = append(kept, recent[i])
		remaining -= cost
	}

	// Restore chronological order among the kept messages.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return append(msgs, kept...)
}

// truncateToBudget cuts a message's content so that the truncated
// content plus an in-band notice fits the given token budget. The cut
// point is found by re-measuring with the injected estimator rather
// than assuming a fixed characters-per-token ratio.
func truncateToBudget(count TokenCounter, m Message, budget int) Message {
	if budget < 1 {
		budget = 1
	}
	content := m.Content
	notice := truncationNotice(len(content))

	// Binary search the longest prefix whose cost, with the notice
	// appended, stays within budget.
	lo, hi := 0, len(content)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if count(content[:mid]+notice) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	m.Content = content[:lo] + notice
	return m
}

// truncationNotice is the machine-readable marker appended to a
// truncated turn. It states the original size and that the full text
// was preserved in the archive for recall.
func truncationNotice(originalLen int) string {
	return fmt.Sprintf("\n[truncated: original message was %d characters; full text archived and searchable via recall]", originalLen)
}
