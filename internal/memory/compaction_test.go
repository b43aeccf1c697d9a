package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// charCounter makes the token arithmetic in these tests exact: one
// token per character.
func charCounter(s string) int { return len(s) }

func foldTestConfig() BudgetConfig {
	return BudgetConfig{
		MaxTokens:          1000,
		ActiveBufferTokens: 20,
		SummaryThreshold:   50,
		Counter:            charCounter,
	}
}

func staticSummarizer(text string) SummarizeFunc {
	return func(ctx context.Context, msgs []Message) (string, error) {
		return text, nil
	}
}

func TestCompact_UnderThresholdIsNoop(t *testing.T) {
	arch := &recordingArchive{}
	c := NewCompactor(foldTestConfig(), staticSummarizer("unused"), arch, testLogger())

	working := []Message{SystemPrompt("sys"), UserMessage("short")}
	result, err := c.Compact(context.Background(), "c1", working, "prior")
	if err != nil {
		t.Fatal(err)
	}
	if result.Compacted {
		t.Error("compacted below threshold")
	}
	if result.Summary != "prior" {
		t.Errorf("Summary = %q, want prior summary unchanged", result.Summary)
	}
	if len(arch.batches) != 0 {
		t.Error("archive written on a no-op pass")
	}
}

func TestCompact_FoldsOlderKeepsNewest(t *testing.T) {
	arch := &recordingArchive{}
	c := NewCompactor(foldTestConfig(), staticSummarizer("condensed"), arch, testLogger())

	m1 := UserMessage(strings.Repeat("1", 15))
	m2 := AssistantMessage(strings.Repeat("2", 15))
	m3 := UserMessage(strings.Repeat("3", 15))
	m4 := AssistantMessage(strings.Repeat("4", 8))
	m5 := UserMessage(strings.Repeat("5", 7))
	working := []Message{SystemPrompt("sys"), m1, m2, m3, m4, m5} // cost 63 > 50

	result, err := c.Compact(context.Background(), "c1", working, "")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Compacted {
		t.Fatal("expected compaction above threshold")
	}
	if result.Folded != 3 || result.Kept != 2 {
		t.Errorf("Folded=%d Kept=%d, want 3/2", result.Folded, result.Kept)
	}
	if result.Summary != "condensed" {
		t.Errorf("Summary = %q", result.Summary)
	}

	// New working set: system prompt, summary marker, newest tail.
	ws := result.WorkingSet
	if len(ws) != 4 {
		t.Fatalf("working set has %d messages, want 4", len(ws))
	}
	if ws[0].Kind != KindSystemPrompt {
		t.Error("system prompt not preserved at the head")
	}
	if ws[1].Kind != KindSummary || ws[1].Content != "condensed" {
		t.Error("summary marker missing or wrong")
	}
	if ws[2].Content != m4.Content || ws[3].Content != m5.Content {
		t.Error("kept tail is not the newest messages in order")
	}

	// Archive gained the folded originals, verbatim, marked folded.
	if len(arch.batches) != 1 {
		t.Fatalf("expected 1 archive batch, got %d", len(arch.batches))
	}
	b := arch.batches[0]
	if !b.folded {
		t.Error("folded batch not marked folded")
	}
	if len(b.msgs) != 3 {
		t.Fatalf("archived %d messages, want 3", len(b.msgs))
	}
	for i, want := range []Message{m1, m2, m3} {
		if b.msgs[i].Content != want.Content {
			t.Errorf("archived message %d not verbatim", i)
		}
	}
}

func TestCompact_MergesPriorSummary(t *testing.T) {
	c := NewCompactor(foldTestConfig(), staticSummarizer("newer events"), &recordingArchive{}, testLogger())

	working := []Message{
		SystemPrompt("sys"),
		UserMessage(strings.Repeat("a", 30)),
		UserMessage(strings.Repeat("b", 30)),
		UserMessage(strings.Repeat("c", 10)),
	}
	result, err := c.Compact(context.Background(), "c1", working, "earlier events")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Compacted {
		t.Fatal("expected compaction")
	}
	if !strings.Contains(result.Summary, "earlier events") {
		t.Error("merge discarded the prior summary")
	}
	if !strings.Contains(result.Summary, "newer events") {
		t.Error("merge discarded the new summary")
	}
	if strings.Index(result.Summary, "earlier events") > strings.Index(result.Summary, "newer events") {
		t.Error("prior summary should precede the newer one")
	}
}

func TestCompact_SummarizeFailurePropagates(t *testing.T) {
	arch := &recordingArchive{}
	fail := func(ctx context.Context, msgs []Message) (string, error) {
		return "", errors.New("model unavailable")
	}
	c := NewCompactor(foldTestConfig(), fail, arch, testLogger())

	working := []Message{
		SystemPrompt("sys"),
		UserMessage(strings.Repeat("a", 30)),
		UserMessage(strings.Repeat("b", 30)),
	}
	_, err := c.Compact(context.Background(), "c1", working, "prior")
	if err == nil {
		t.Fatal("expected summarize failure to propagate")
	}
	// Nothing may be committed on failure, including archive writes.
	if len(arch.batches) != 0 {
		t.Error("archive written despite summarize failure")
	}
}

func TestCompact_ArchiveFailureAborts(t *testing.T) {
	c := NewCompactor(foldTestConfig(), staticSummarizer("s"), failingArchive{}, testLogger())

	working := []Message{
		SystemPrompt("sys"),
		UserMessage(strings.Repeat("a", 30)),
		UserMessage(strings.Repeat("b", 30)),
	}
	if _, err := c.Compact(context.Background(), "c1", working, ""); err == nil {
		t.Fatal("expected archive failure to abort compaction")
	}
}

func TestCompact_PriorSummaryMarkerExcludedFromFold(t *testing.T) {
	arch := &recordingArchive{}
	c := NewCompactor(foldTestConfig(), staticSummarizer("next"), arch, testLogger())

	working := []Message{
		SystemPrompt("sys"),
		SummaryMessage(strings.Repeat("p", 40)),
		UserMessage(strings.Repeat("a", 30)),
		UserMessage(strings.Repeat("b", 10)),
	}
	result, err := c.Compact(context.Background(), "c1", working, strings.Repeat("p", 40))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Compacted {
		t.Fatal("expected compaction")
	}
	// The old summary marker survives via the merge, not the archive.
	for _, b := range arch.batches {
		for _, m := range b.msgs {
			if m.Kind == KindSummary {
				t.Error("summary marker was folded into the archive")
			}
		}
	}
}

func TestMergeSummaries(t *testing.T) {
	if got := MergeSummaries("", "next"); got != "next" {
		t.Errorf("empty prior: got %q", got)
	}
	if got := MergeSummaries("prior", ""); got != "prior" {
		t.Errorf("empty next: got %q", got)
	}

	merged := MergeSummaries("prior text", "next text")
	if !strings.Contains(merged, "prior text") || !strings.Contains(merged, "next text") {
		t.Fatalf("merge lost content: %q", merged)
	}

	// Repeated merges keep compounding, never overwrite.
	again := MergeSummaries(merged, "third text")
	for _, want := range []string{"prior text", "next text", "third text"} {
		if !strings.Contains(again, want) {
			t.Errorf("second merge lost %q", want)
		}
	}
}

func TestNeedsCompaction(t *testing.T) {
	c := NewCompactor(foldTestConfig(), staticSummarizer(""), nil, testLogger())

	under := []Message{UserMessage(strings.Repeat("a", 50))}
	if c.NeedsCompaction(under) {
		t.Error("at threshold should not trigger")
	}
	over := []Message{UserMessage(strings.Repeat("a", 51))}
	if !c.NeedsCompaction(over) {
		t.Error("over threshold should trigger")
	}
}
