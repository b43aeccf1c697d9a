package archive

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite" // cgo-free driver for tests

	"github.com/skald-org/skald-agent/internal/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStoreWithDB(db, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestAppendAndTranscriptOrder(t *testing.T) {
	store := newTestStore(t)

	first := []memory.Message{
		memory.UserMessage("one"),
		memory.AssistantMessage("two"),
	}
	second := []memory.Message{
		memory.UserMessage("three"),
	}
	if err := store.Append("conv-1", first, false); err != nil {
		t.Fatal(err)
	}
	if err := store.Append("conv-1", second, true); err != nil {
		t.Fatal(err)
	}

	entries, err := store.Transcript("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("transcript has %d entries, want 3", len(entries))
	}
	for i, want := range []string{"one", "two", "three"} {
		if entries[i].Content != want {
			t.Errorf("entry %d = %q, want %q", i, entries[i].Content, want)
		}
	}
	if entries[0].Folded || !entries[2].Folded {
		t.Error("folded flag not preserved per batch")
	}
	if entries[0].TokenCount == 0 {
		t.Error("token count not computed on append")
	}
}

func TestSearchSubstringCaseInsensitive(t *testing.T) {
	store := newTestStore(t)

	msgs := []memory.Message{
		memory.UserMessage("the deploy failed on node-7"),
		memory.AssistantMessage("unrelated text"),
		memory.UserMessage("restarting the DEPLOY pipeline"),
	}
	if err := store.Append("conv-1", msgs, true); err != nil {
		t.Fatal(err)
	}
	// Another conversation must not bleed into results.
	if err := store.Append("conv-2", []memory.Message{memory.UserMessage("deploy elsewhere")}, true); err != nil {
		t.Fatal(err)
	}

	entries, err := store.Search("conv-1", "deploy")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d matches, want 2", len(entries))
	}
	if entries[0].Content != "the deploy failed on node-7" {
		t.Errorf("results out of chronological order: %q first", entries[0].Content)
	}
	if entries[1].Content != "restarting the DEPLOY pipeline" {
		t.Errorf("case-insensitive match missing: %q", entries[1].Content)
	}
}

func TestSearchIdempotent(t *testing.T) {
	store := newTestStore(t)

	msgs := []memory.Message{
		memory.UserMessage("alpha beta"),
		memory.UserMessage("beta gamma"),
		memory.UserMessage("gamma delta"),
	}
	if err := store.Append("conv-1", msgs, false); err != nil {
		t.Fatal(err)
	}

	a, err := store.Search("conv-1", "beta")
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.Search("conv-1", "beta")
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("result sizes differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Errorf("result %d differs between identical searches", i)
		}
	}
}

func TestSearchNoMatches(t *testing.T) {
	store := newTestStore(t)

	if err := store.Append("conv-1", []memory.Message{memory.UserMessage("hello")}, false); err != nil {
		t.Fatal(err)
	}
	entries, err := store.Search("conv-1", "zebra")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no matches, got %d", len(entries))
	}
}

func TestAppendPreservesTimestamps(t *testing.T) {
	store := newTestStore(t)

	ts := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	msg := memory.Message{Role: "user", Content: "timestamped", Timestamp: ts}
	if err := store.Append("conv-1", []memory.Message{msg}, false); err != nil {
		t.Fatal(err)
	}

	entries, err := store.Transcript("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatal("entry missing")
	}
	if !entries[0].Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", entries[0].Timestamp, ts)
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)

	if err := store.Append("conv-1", []memory.Message{memory.UserMessage("a"), memory.UserMessage("b")}, true); err != nil {
		t.Fatal(err)
	}
	if err := store.Append("conv-2", []memory.Message{memory.UserMessage("c")}, false); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["entries"] != 3 {
		t.Errorf("entries = %v, want 3", stats["entries"])
	}
	if stats["conversations"] != 2 {
		t.Errorf("conversations = %v, want 2", stats["conversations"])
	}
	if stats["folded"] != 2 {
		t.Errorf("folded = %v, want 2", stats["folded"])
	}
}
