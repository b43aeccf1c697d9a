package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/skald-org/skald-agent/internal/archive"
)

// Output caps for recall results. Recall exists to undo the lossiness
// of summarization; an unbounded result would reintroduce the very
// context overflow it was built to prevent, so results are truncated
// at two tiers: per matched entry and across the whole response.
const (
	maxRecallBytes      = 8000
	maxRecallEntryBytes = 1200
)

// SetArchiveStore adds the history recall tool to the registry.
func (r *Registry) SetArchiveStore(store *archive.Store) {
	r.Register(&Tool{
		Name: "recall_history",
		Description: "Search your archived conversation history: messages that were " +
			"folded into summaries or were too large to keep in the live context. " +
			"Use this to recover details the running summary has compressed away: " +
			"things the user told you earlier, decisions made, exact wording.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Text to search for in past messages (case-insensitive substring match)",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return "", fmt.Errorf("query is required")
			}

			convID := ConversationIDFromContext(ctx)
			entries, err := store.Search(convID, query)
			if err != nil {
				return "", fmt.Errorf("recall search: %w", err)
			}
			if len(entries) == 0 {
				return "No archived messages matched that query.", nil
			}
			return FormatRecallResults(entries), nil
		},
	})
}

// FormatRecallResults renders archive entries with the two-tier output
// cap applied: long entries are cut to maxRecallEntryBytes with a
// marker stating the original length, and the overall response is cut
// at maxRecallBytes with an instruction to narrow the query.
func FormatRecallResults(entries []archive.Entry) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d archived message(s):\n\n", len(entries)))

	shown := 0
	for _, e := range entries {
		content := e.Content
		if len(content) > maxRecallEntryBytes {
			content = content[:maxRecallEntryBytes] +
				fmt.Sprintf("... [entry truncated: %d characters total]", len(e.Content))
		}

		line := fmt.Sprintf("[%s] %s: %s\n\n",
			e.Timestamp.Format("2006-01-02 15:04"), e.Role, content)

		if sb.Len()+len(line) > maxRecallBytes {
			sb.WriteString(fmt.Sprintf(
				"[Output truncated: %d of %d matches shown. Narrow your query to see the rest.]\n",
				shown, len(entries)))
			return sb.String()
		}
		sb.WriteString(line)
		shown++
	}
	return sb.String()
}
