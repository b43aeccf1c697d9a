package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/skald-org/skald-agent/internal/prompts"
)

// SummarizeFunc compresses a batch of messages into summary text. It
// is the external language-model call; the compactor treats it as
// opaque. The caller is responsible for setting a deadline on ctx.
type SummarizeFunc func(ctx context.Context, msgs []Message) (string, error)

// CompactionResult reports what a compaction pass did.
type CompactionResult struct {
	Compacted  bool
	Folded     int
	Kept       int
	Summary    string
	WorkingSet []Message
}

// Compactor folds older messages into the running summary once the
// working set exceeds the threshold. Folded messages are appended to
// the history archive before the working set is replaced, so nothing
// leaves the live context without a lossless backup.
type Compactor struct {
	config    BudgetConfig
	summarize SummarizeFunc
	archive   ArchiveWriter
	logger    *slog.Logger
}

// NewCompactor creates a compactor. archive may be nil only in
// non-persistent mode; summarize must not be nil.
func NewCompactor(config BudgetConfig, summarize SummarizeFunc, archive ArchiveWriter, logger *slog.Logger) *Compactor {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		config:    config,
		summarize: summarize,
		archive:   archive,
		logger:    logger,
	}
}

// NeedsCompaction reports whether the working set exceeds the
// summary threshold.
func (c *Compactor) NeedsCompaction(working []Message) bool {
	return TotalCost(c.config.Counter, working) > c.config.SummaryThreshold
}

// Compact checks the working set against the threshold and, when
// exceeded, partitions it into messages to keep and messages to fold,
// summarizes the folded ones, merges the result into the running
// summary, and archives the folded originals.
//
// If the summarize call fails, the error propagates and nothing is
// changed: the returned result has Compacted=false and the caller must
// not persist anything from it. The merged summary only exists after a
// successful summarize call.
func (c *Compactor) Compact(ctx context.Context, conversationID string, working []Message, priorSummary string) (CompactionResult, error) {
	if !c.NeedsCompaction(working) {
		return CompactionResult{Compacted: false, Summary: priorSummary, WorkingSet: working}, nil
	}

	systemPrompt, toKeep, toFold := c.partition(working)
	if len(toFold) == 0 {
		// Over threshold but nothing foldable (e.g. one huge recent
		// message that also fits the active buffer). Nothing to do.
		return CompactionResult{Compacted: false, Summary: priorSummary, WorkingSet: working}, nil
	}

	text, err := c.summarize(ctx, toFold)
	if err != nil {
		return CompactionResult{}, fmt.Errorf("summarize %d messages: %w", len(toFold), err)
	}

	merged := MergeSummaries(priorSummary, text)

	// Archive before replacing the working set: a fold without its
	// lossless backup would violate the no-loss guarantee.
	if c.archive != nil {
		if err := c.archive.Append(conversationID, toFold, true); err != nil {
			return CompactionResult{}, fmt.Errorf("archive folded messages: %w", err)
		}
	}

	newWorking := make([]Message, 0, len(toKeep)+2)
	if systemPrompt != nil {
		newWorking = append(newWorking, *systemPrompt)
	}
	newWorking = append(newWorking, SummaryMessage(merged))
	newWorking = append(newWorking, toKeep...)

	c.logger.Info("conversation compacted",
		"conversation", conversationID,
		"folded", len(toFold),
		"kept", len(toKeep),
		"summary_tokens", c.config.Counter(merged),
	)

	return CompactionResult{
		Compacted:  true,
		Folded:     len(toFold),
		Kept:       len(toKeep),
		Summary:    merged,
		WorkingSet: newWorking,
	}, nil
}

// partition splits the working set into the fixed system prompt, the
// newest messages whose cumulative cost stays within the active buffer
// (toKeep), and everything older (toFold). The prior summary marker is
// excluded from both sets; its content survives through the merge. The
// same newest-first greedy walk as the allocator guarantees toKeep and
// toFold are disjoint and chronologically contiguous.
func (c *Compactor) partition(working []Message) (systemPrompt *Message, toKeep, toFold []Message) {
	count := c.config.Counter

	var ordinary []Message
	for i := range working {
		switch working[i].Kind {
		case KindSystemPrompt:
			if systemPrompt == nil {
				sp := working[i]
				systemPrompt = &sp
			}
		case KindSummary:
			// Dropped here; merged summary replaces it.
		default:
			ordinary = append(ordinary, working[i])
		}
	}

	remaining := c.config.ActiveBufferTokens
	cut := 0 // everything before cut folds
	for i := len(ordinary) - 1; i >= 0; i-- {
		cost := count(ordinary[i].Content)
		if cost > remaining {
			cut = i + 1
			break
		}
		remaining -= cost
	}

	return systemPrompt, ordinary[cut:], ordinary[:cut]
}

// MergeSummaries combines the existing running summary with newly
// generated summary text. The merge is a labelled two-part
// concatenation: prior context is carried forward explicitly, never
// silently overwritten.
func MergeSummaries(prior, next string) string {
	prior = strings.TrimSpace(prior)
	next = strings.TrimSpace(next)
	if prior == "" {
		return next
	}
	if next == "" {
		return prior
	}
	var sb strings.Builder
	sb.WriteString(prompts.SummaryMergePriorHeader)
	sb.WriteString("\n")
	sb.WriteString(prior)
	sb.WriteString("\n\n")
	sb.WriteString(prompts.SummaryMergeNewHeader)
	sb.WriteString("\n")
	sb.WriteString(next)
	return sb.String()
}
