// Package archive provides the append-only history archive: a durable,
// per-conversation log of every message ever folded out of the live
// context or archived verbatim because it was oversized. Entries are
// never mutated or deleted, and are only read back through keyword
// search, never replayed into the live context automatically.
package archive

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/skald-org/skald-agent/internal/memory"
)

// Entry is one archived message.
type Entry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	TokenCount     int       `json:"token_count"`
	Timestamp      time.Time `json:"timestamp"`
	Folded         bool      `json:"folded"` // true: folded into a summary; false: oversized input kept verbatim
	ArchivedAt     time.Time `json:"archived_at"`
}

// Store is the SQLite-backed archive.
type Store struct {
	db      *sql.DB
	ownsDB  bool
	counter memory.TokenCounter
	logger  *slog.Logger
}

// NewStore opens (or creates) the archive database at dbPath. Pass nil
// for counter to use the default estimator, nil for logger to suppress
// startup logging.
func NewStore(dbPath string, counter memory.TokenCounter, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	s, err := newStore(db, counter, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	if logger != nil {
		logger.Info("history archive initialized", "path", dbPath)
	}
	return s, nil
}

// NewStoreWithDB creates an archive store on an existing connection.
// The caller retains ownership of db. Used by tests and by callers
// sharing one database across stores.
func NewStoreWithDB(db *sql.DB, counter memory.TokenCounter, logger *slog.Logger) (*Store, error) {
	return newStore(db, counter, logger)
}

func newStore(db *sql.DB, counter memory.TokenCounter, logger *slog.Logger) (*Store, error) {
	if counter == nil {
		counter = memory.DefaultTokenCounter
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, counter: counter, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("archive migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		-- Immutable archive of superseded messages
		CREATE TABLE IF NOT EXISTS archive_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			timestamp TIMESTAMP NOT NULL,
			folded BOOLEAN NOT NULL DEFAULT FALSE,
			archived_at TIMESTAMP NOT NULL,
			seq INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_archive_conversation
			ON archive_messages(conversation_id, seq);
		CREATE INDEX IF NOT EXISTS idx_archive_timestamp
			ON archive_messages(timestamp);
	`)
	return err
}

// DB returns the underlying database connection so other stores can
// share it without opening a second one.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection if this store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Append adds messages to a conversation's archive in order. Entries
// are never reordered or deduplicated; calling Append twice with the
// same messages records them twice. folded marks whether the messages
// were folded into a summary (true) or captured verbatim as oversized
// input (false).
func (s *Store) Append(conversationID string, msgs []memory.Message, folded bool) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Per-conversation sequence keeps chronological order stable even
	// when multiple entries share a timestamp.
	var next int64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) FROM archive_messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&next); err != nil {
		return fmt.Errorf("read sequence: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO archive_messages
			(id, conversation_id, role, content, token_count, timestamp, folded, archived_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range msgs {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate UUID: %w", err)
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = now
		}
		next++
		if _, err := stmt.Exec(
			id.String(), conversationID, m.Role, m.Content,
			s.counter(m.Content),
			ts.Format(time.RFC3339Nano), folded,
			now.Format(time.RFC3339Nano), next,
		); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}

	return tx.Commit()
}

// Search returns all entries in a conversation whose content contains
// the query, case-insensitively, in original chronological order.
// There is no pagination; callers bound the output themselves.
func (s *Store) Search(conversationID, query string) ([]Entry, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, token_count, timestamp, folded, archived_at
		FROM archive_messages
		WHERE conversation_id = ?
		  AND instr(lower(content), lower(?)) > 0
		ORDER BY seq ASC
	`, conversationID, query)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Transcript returns every archived entry for a conversation in
// chronological order.
func (s *Store) Transcript(conversationID string) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, token_count, timestamp, folded, archived_at
		FROM archive_messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Stats returns archive statistics for diagnostics.
func (s *Store) Stats() (map[string]any, error) {
	var entries, conversations, folded int
	if err := s.db.QueryRow(`SELECT COUNT(*), COUNT(DISTINCT conversation_id) FROM archive_messages`).
		Scan(&entries, &conversations); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM archive_messages WHERE folded`).
		Scan(&folded); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return map[string]any{
		"entries":       entries,
		"conversations": conversations,
		"folded":        folded,
		"verbatim":      entries - folded,
	}, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var tsStr, archivedStr string
		if err := rows.Scan(
			&e.ID, &e.ConversationID, &e.Role, &e.Content,
			&e.TokenCount, &tsStr, &e.Folded, &archivedStr,
		); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		e.ArchivedAt, _ = time.Parse(time.RFC3339Nano, archivedStr)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return entries, nil
}
