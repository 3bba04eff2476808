package api

import (
	"encoding/json"
	"time"
)

// SpawnSessionRequest starts a new session.
type SpawnSessionRequest struct {
	Directory  string `json:"directory" binding:"required"`
	Prompt     string `json:"prompt"`
	StartLocal bool   `json:"startLocal"`
}

// SpawnSessionResponse returns the new session id.
type SpawnSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// EnqueueMessageRequest admits a user message into a session.
type EnqueueMessageRequest struct {
	LocalID string `json:"localId"`
	Text    string `json:"text" binding:"required"`
}

// EnqueueMessageResponse reports the admitted message, when one was
// persisted. Isolated commands produce no message row.
type EnqueueMessageResponse struct {
	MessageID string `json:"messageId,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	Isolated  bool   `json:"isolated,omitempty"`
}

// PermissionRequest answers a pending approval. Reason and Answers are
// relayed to the agent with the decision.
type PermissionRequest struct {
	ID       string          `json:"id" binding:"required"`
	Approved bool            `json:"approved"`
	Decision string          `json:"decision"`
	Reason   string          `json:"reason"`
	Answers  json.RawMessage `json:"answers"`
}

// SessionConfigRequest changes the mode triple of a session.
type SessionConfigRequest struct {
	PermissionMode    string `json:"permissionMode"`
	Model             string `json:"model"`
	CollaborationMode string `json:"collaborationMode"`
}

// SessionListResponse lists live sessions.
type SessionListResponse struct {
	Sessions []string `json:"sessions"`
	Total    int      `json:"total"`
}

// MessageResponse is one persisted message.
type MessageResponse struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	LocalID   *string   `json:"localId,omitempty"`
	Content   any       `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
