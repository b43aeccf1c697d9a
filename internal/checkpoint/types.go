// Package checkpoint provides point-in-time snapshots of all
// conversation state, compressed and stored in SQLite. Checkpoints are
// a second recovery path on top of the per-conversation JSON store:
// a corrupted or deleted state file can be restored from the most
// recent snapshot.
package checkpoint

import (
	"time"

	"github.com/google/uuid"

	"github.com/skald-org/skald-agent/internal/memory"
)

// Trigger identifies what caused a checkpoint.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerShutdown Trigger = "shutdown"
	TriggerPeriodic Trigger = "periodic"
)

// State is the full snapshot payload: every conversation's state at
// capture time.
type State struct {
	Conversations map[string]*memory.ConversationState `json:"conversations"`
	CapturedAt    time.Time                            `json:"captured_at"`
}

// Checkpoint is one stored snapshot. State is nil in listing results
// to keep responses small.
type Checkpoint struct {
	ID                uuid.UUID `json:"id"`
	CreatedAt         time.Time `json:"created_at"`
	Trigger           Trigger   `json:"trigger"`
	Note              string    `json:"note,omitempty"`
	State             *State    `json:"state,omitempty"`
	ByteSize          int64     `json:"byte_size"`
	MessageCount      int       `json:"message_count"`
	ConversationCount int       `json:"conversation_count"`
}
