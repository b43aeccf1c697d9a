package prompts

import (
	"fmt"
	"strings"
)

// summaryTemplate is the prompt sent to the model when older messages
// are folded out of the live context. The single format verb is the
// conversation text.
const summaryTemplate = `Summarize this conversation excerpt concisely. Focus on:
1. Key topics discussed
2. Decisions made or preferences expressed
3. Actions taken and their outcomes
4. Open items or things to remember

Keep the summary under 500 words. Use bullet points.

Conversation:
%s

Summary:`

// SummaryPrompt returns the interpolated compaction prompt. The caller
// passes the formatted conversation text (role: content pairs).
func SummaryPrompt(conversationText string) string {
	return fmt.Sprintf(summaryTemplate, conversationText)
}

// Section headers used when merging a new summary into the running one.
// The merge keeps both parts under explicit labels so earlier context
// is never silently overwritten.
const (
	SummaryMergePriorHeader = "## Earlier conversation (previously summarized)"
	SummaryMergeNewHeader   = "## More recent conversation"
)

// FormatTranscript renders messages as "Role: content" pairs for
// inclusion in the summary prompt.
func FormatTranscript(pairs [][2]string) string {
	var sb strings.Builder
	for _, p := range pairs {
		role := p[0]
		if len(role) > 0 {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(p[1])
		sb.WriteString("\n\n")
	}
	return sb.String()
}
