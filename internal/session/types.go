// Package session holds the hub's persistent conversation identity: the
// session record, its message log, the shared message queue and the loop
// that alternates launchers over it.
package session

import (
	"encoding/json"
	"time"
)

// Session is the hub's durable identity for one conversation. Metadata and
// agent state are versioned independently and updated with optimistic
// concurrency.
type Session struct {
	ID                string          `db:"id" json:"id"`
	Namespace         string          `db:"namespace" json:"namespace"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
	Metadata          json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	MetadataVersion   int64           `db:"metadata_version" json:"metadataVersion"`
	AgentState        json.RawMessage `db:"agent_state" json:"agentState,omitempty"`
	AgentStateVersion int64           `db:"agent_state_version" json:"agentStateVersion"`
	Todos             json.RawMessage `db:"todos" json:"todos,omitempty"`
	TodosUpdatedAt    int64           `db:"todos_updated_at" json:"todosUpdatedAt,omitempty"`
}

// Message is one persisted entry of a session's log. Seq is dense and
// strictly increasing per session; LocalID deduplicates client retries.
type Message struct {
	ID        string          `db:"id" json:"id"`
	SessionID string          `db:"session_id" json:"sessionId"`
	Seq       int64           `db:"seq" json:"seq"`
	LocalID   *string         `db:"local_id" json:"localId,omitempty"`
	Content   json.RawMessage `db:"content" json:"content"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

// QueuedMessage is one entry of the in-memory session queue.
type QueuedMessage struct {
	LocalID string `json:"localId,omitempty"`
	Text    string `json:"text"`

	// Hash is the mode hash active when the message was accepted; a
	// mismatch with the running config forces a session restart.
	Hash string `json:"hash,omitempty"`

	// Isolated marks /new, /clear and /model sentinels.
	Isolated bool `json:"isolated,omitempty"`
}

// Isolated commands reset session state instead of producing a turn.
const (
	CommandNew   = "/new"
	CommandClear = "/clear"
	CommandModel = "/model"
)

// IsIsolatedCommand reports whether text is one of the reset sentinels.
func IsIsolatedCommand(text string) bool {
	return text == CommandNew || text == CommandClear || text == CommandModel
}
