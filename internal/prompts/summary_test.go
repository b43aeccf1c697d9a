package prompts

import (
	"strings"
	"testing"
)

func TestSummaryPrompt(t *testing.T) {
	prompt := SummaryPrompt("User: hello\n\nAssistant: hi\n\n")
	if !strings.Contains(prompt, "User: hello") {
		t.Error("conversation text not interpolated")
	}
	if !strings.Contains(prompt, "Summarize this conversation") {
		t.Error("instruction header missing")
	}
	if strings.Contains(prompt, "%s") {
		t.Error("format verb left uninterpolated")
	}
}

func TestFormatTranscript(t *testing.T) {
	out := FormatTranscript([][2]string{
		{"user", "what time is it?"},
		{"assistant", "half past nine"},
	})
	if !strings.Contains(out, "User: what time is it?") {
		t.Errorf("role not capitalized: %q", out)
	}
	if !strings.Contains(out, "Assistant: half past nine") {
		t.Errorf("assistant line missing: %q", out)
	}
	if strings.Index(out, "User:") > strings.Index(out, "Assistant:") {
		t.Error("pairs out of order")
	}
}

func TestMergeHeadersDiffer(t *testing.T) {
	if SummaryMergePriorHeader == SummaryMergeNewHeader {
		t.Error("merge section headers must be distinguishable")
	}
}
