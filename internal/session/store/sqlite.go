package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/happyhq/hub/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL DEFAULT 'default',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	metadata TEXT,
	metadata_version INTEGER NOT NULL DEFAULT 0,
	agent_state TEXT,
	agent_state_version INTEGER NOT NULL DEFAULT 0,
	todos TEXT,
	todos_updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq INTEGER NOT NULL,
	local_id TEXT,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(session_id, seq),
	UNIQUE(session_id, local_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
`

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (and migrates) the database at path. Use ":memory:" for
// tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, id string) (*session.Session, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, namespace, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`, id, DefaultNamespace, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	var sess session.Session
	if err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) UpdateSessionMetadata(ctx context.Context, id string, expectedVersion int64, metadata json.RawMessage) (*UpdateResult, error) {
	return s.versionedUpdate(ctx, id, "metadata", "metadata_version", expectedVersion, metadata)
}

func (s *SQLiteStore) UpdateSessionAgentState(ctx context.Context, id string, expectedVersion int64, state json.RawMessage) (*UpdateResult, error) {
	return s.versionedUpdate(ctx, id, "agent_state", "agent_state_version", expectedVersion, state)
}

func (s *SQLiteStore) versionedUpdate(ctx context.Context, id, valueCol, versionCol string, expectedVersion int64, value json.RawMessage) (*UpdateResult, error) {
	query := fmt.Sprintf(
		`UPDATE sessions SET %s = ?, %s = %s + 1, updated_at = ? WHERE id = ? AND %s = ?`,
		valueCol, versionCol, versionCol, versionCol)
	res, err := s.db.ExecContext(ctx, query, string(value), time.Now().UTC(), id, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 1 {
		return &UpdateResult{Outcome: OutcomeSuccess, Version: expectedVersion + 1, Value: value}, nil
	}

	// Lost the race (or unknown id): report the current state.
	var current struct {
		Version int64          `db:"version"`
		Value   sql.NullString `db:"value"`
	}
	query = fmt.Sprintf(`SELECT %s AS version, %s AS value FROM sessions WHERE id = ?`, versionCol, valueCol)
	if err := s.db.GetContext(ctx, &current, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s not found", id)
		}
		return nil, err
	}
	return &UpdateResult{
		Outcome: OutcomeVersionMismatch,
		Version: current.Version,
		Value:   json.RawMessage(current.Value.String),
	}, nil
}

func (s *SQLiteStore) SetSessionTodos(ctx context.Context, id string, timestamp int64, todos json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET todos = ?, todos_updated_at = ?, updated_at = ?
		 WHERE id = ? AND todos_updated_at < ?`,
		string(todos), timestamp, time.Now().UTC(), id, timestamp)
	if err != nil {
		return fmt.Errorf("failed to set todos: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID, localID string, content json.RawMessage) (*session.Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if localID != "" {
		var existing session.Message
		err := tx.GetContext(ctx, &existing,
			`SELECT * FROM messages WHERE session_id = ? AND local_id = ?`, sessionID, localID)
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	var nextSeq int64
	if err := tx.GetContext(ctx, &nextSeq,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return nil, err
	}

	msg := session.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Seq:       nextSeq,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if localID != "" {
		msg.LocalID = &localID
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, local_id, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, msg.LocalID, string(msg.Content), msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit int, beforeSeq int64) ([]session.Message, error) {
	if limit <= 0 || limit > MaxMessageLimit {
		limit = MaxMessageLimit
	}

	var rows []session.Message
	var err error
	if beforeSeq > 0 {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT * FROM messages WHERE session_id = ? AND seq < ? ORDER BY seq DESC LIMIT ?`,
			sessionID, beforeSeq, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT * FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?`,
			sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return rows, nil
}

func (s *SQLiteStore) MergeSessionMessages(ctx context.Context, fromID, toID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var offset int64
	if err := tx.GetContext(ctx, &offset,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, toID); err != nil {
		return err
	}

	// Local ids colliding with the target are cleared so the UNIQUE
	// constraint cannot fail; idempotency history does not transfer.
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET local_id = NULL WHERE session_id = ? AND local_id IN
		 (SELECT local_id FROM messages WHERE session_id = ? AND local_id IS NOT NULL)`,
		fromID, toID)
	if err != nil {
		return fmt.Errorf("failed to clear colliding local ids: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET session_id = ?, seq = seq + ? WHERE session_id = ?`,
		toID, offset, fromID)
	if err != nil {
		return fmt.Errorf("failed to merge messages: %w", err)
	}
	return tx.Commit()
}
