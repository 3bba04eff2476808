// Package store persists sessions and their message logs. Updates to
// session metadata and agent state use optimistic concurrency: callers pass
// the version they read and get back success, a version mismatch with the
// current value, or an error.
package store

import (
	"context"
	"encoding/json"

	"github.com/happyhq/hub/internal/session"
)

// Outcome classifies an optimistic update.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeVersionMismatch
)

// UpdateResult reports an optimistic update. On success Version is the new
// version; on mismatch it is the current version and Value the current
// content, for the caller to retry with or abandon.
type UpdateResult struct {
	Outcome Outcome
	Version int64
	Value   json.RawMessage
}

// MaxMessageLimit caps GetMessages page sizes.
const MaxMessageLimit = 200

// DefaultNamespace groups sessions that were not created under an explicit
// namespace.
const DefaultNamespace = "default"

// Store is the session persistence contract.
type Store interface {
	// GetOrCreateSession returns the session with the given id, creating
	// an empty one when absent.
	GetOrCreateSession(ctx context.Context, id string) (*session.Session, error)

	// UpdateSessionMetadata replaces metadata iff the stored version
	// equals expectedVersion.
	UpdateSessionMetadata(ctx context.Context, id string, expectedVersion int64, metadata json.RawMessage) (*UpdateResult, error)

	// UpdateSessionAgentState replaces agent state iff the stored version
	// equals expectedVersion.
	UpdateSessionAgentState(ctx context.Context, id string, expectedVersion int64, state json.RawMessage) (*UpdateResult, error)

	// SetSessionTodos replaces the todo list when timestamp is newer than
	// the stored one.
	SetSessionTodos(ctx context.Context, id string, timestamp int64, todos json.RawMessage) error

	// AddMessage appends a message with the next dense sequence number.
	// A non-empty localID is idempotent: repeats return the first message.
	AddMessage(ctx context.Context, sessionID, localID string, content json.RawMessage) (*session.Message, error)

	// GetMessages returns up to limit messages (capped at 200) with seq
	// below beforeSeq, newest first. beforeSeq <= 0 means from the end.
	GetMessages(ctx context.Context, sessionID string, limit int, beforeSeq int64) ([]session.Message, error)

	// MergeSessionMessages moves all messages from one session onto the
	// end of another, offsetting seq and clearing colliding local ids.
	MergeSessionMessages(ctx context.Context, fromID, toID string) error

	Close() error
}
