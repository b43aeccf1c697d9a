package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ConversationState is the mutable state owned by one conversation id:
// the running summary plus the uncompressed tail of recent messages.
// Callers must reload it from the store at the start of each run; an
// in-memory copy is only valid for the run that loaded it.
type ConversationState struct {
	Summary   string    `json:"summary"`
	Recent    []Message `json:"recent_messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate freely.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	msgs := make([]Message, len(s.Recent))
	copy(msgs, s.Recent)
	return &ConversationState{
		Summary:   s.Summary,
		Recent:    msgs,
		UpdatedAt: s.UpdatedAt,
	}
}

// ConversationStore durably persists conversation state as one JSON
// file per conversation id. Saves are atomic (write to a temp file in
// the same directory, then rename) so a crash mid-write never leaves a
// parseable-but-corrupt state behind.
//
// A store created with an empty directory runs in memory only: state
// survives for the process lifetime but not across restarts.
type ConversationStore struct {
	dir    string
	logger *slog.Logger

	mu  sync.Mutex
	mem map[string]*ConversationState // in-memory mode only
}

// NewConversationStore creates a store rooted at dir. Pass an empty dir
// for in-memory-only operation. Pass nil for logger to use slog.Default.
func NewConversationStore(dir string, logger *slog.Logger) (*ConversationStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ConversationStore{dir: dir, logger: logger}
	if dir == "" {
		s.mem = make(map[string]*ConversationState)
		return s, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	return s, nil
}

// Persistent reports whether state survives process restarts.
func (s *ConversationStore) Persistent() bool {
	return s.dir != ""
}

// Load returns the state for a conversation id, or nil if the
// conversation has never been seen. A file that exists but cannot be
// read or parsed is treated the same as "never seen": continuity is
// preferable to blocking the conversation, but the event is logged
// because it is silent data loss.
func (s *ConversationStore) Load(conversationID string) (*ConversationState, error) {
	if s.mem != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.mem[conversationID].Clone(), nil
	}

	data, err := os.ReadFile(s.path(conversationID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("conversation state unreadable, starting empty",
			"conversation", conversationID, "error", err)
		return nil, nil
	}

	var state ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Error("conversation state corrupt, starting empty",
			"conversation", conversationID, "error", err)
		return nil, nil
	}
	return &state, nil
}

// Save durably persists the state for a conversation id, replacing any
// prior value. The write is all-or-nothing per call.
func (s *ConversationStore) Save(conversationID string, state *ConversationState) error {
	if state == nil {
		return fmt.Errorf("save %s: nil state", conversationID)
	}
	state.UpdatedAt = time.Now().UTC()

	if s.mem != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.mem[conversationID] = state.Clone()
		return nil
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", conversationID, err)
	}

	target := s.path(conversationID)
	tmp, err := os.CreateTemp(s.dir, "."+safeFileName(conversationID)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state %s: %w", conversationID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state %s: %w", conversationID, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state %s: %w", conversationID, err)
	}
	return nil
}

// List returns the ids of all persisted conversations.
func (s *ConversationStore) List() ([]string, error) {
	if s.mem != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		ids := make([]string, 0, len(s.mem))
		for id := range s.mem {
			ids = append(ids, id)
		}
		return ids, nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Stats returns store statistics for diagnostics.
func (s *ConversationStore) Stats() map[string]any {
	ids, err := s.List()
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{
		"conversations": len(ids),
		"persistent":    s.Persistent(),
	}
}

func (s *ConversationStore) path(conversationID string) string {
	return filepath.Join(s.dir, safeFileName(conversationID)+".json")
}

// safeFileName maps a conversation id to a filename, replacing path
// separators and other hostile characters.
func safeFileName(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, id)
}
