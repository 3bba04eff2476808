package mcpwire

import "encoding/json"

// ThreadIdentity is the late-bound set of ids the agent uses for a
// conversation on the MCP transport. The agent has renamed this id across
// versions, so all three spellings are tracked; newer payloads overwrite
// older values, which lets the transport follow id drift.
type ThreadIdentity struct {
	SessionID      string
	ConversationID string
	ThreadID       string
}

// Best returns the most specific id available. Value receiver so it can
// be called on the copy Transport.Identity hands out.
func (t ThreadIdentity) Best() string {
	if t.ConversationID != "" {
		return t.ConversationID
	}
	if t.SessionID != "" {
		return t.SessionID
	}
	return t.ThreadID
}

// Empty reports whether no id has been bound yet.
func (t ThreadIdentity) Empty() bool {
	return t.SessionID == "" && t.ConversationID == "" && t.ThreadID == ""
}

// Clear resets all bound ids.
func (t *ThreadIdentity) Clear() {
	*t = ThreadIdentity{}
}

// Absorb scans raw JSON for session/conversation/thread ids and updates the
// identity. Within one payload the first occurrence of each kind wins;
// across payloads the last seen value wins.
func (t *ThreadIdentity) Absorb(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}

	found := identityScan{}
	found.walk(v)

	changed := false
	if found.session != "" && found.session != t.SessionID {
		t.SessionID = found.session
		changed = true
	}
	if found.conversation != "" && found.conversation != t.ConversationID {
		t.ConversationID = found.conversation
		changed = true
	}
	if found.thread != "" && found.thread != t.ThreadID {
		t.ThreadID = found.thread
		changed = true
	}
	return changed
}

// AbsorbToolResult scans a tool result's meta, structured content and
// nested content text blocks.
func (t *ThreadIdentity) AbsorbToolResult(result *CallToolResult) bool {
	if result == nil {
		return false
	}
	changed := t.Absorb(result.Meta)
	changed = t.Absorb(result.StructuredContent) || changed
	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			changed = t.Absorb(json.RawMessage(block.Text)) || changed
		}
	}
	return changed
}

// Candidate keys per id kind, in scan priority order.
var (
	sessionIDKeys      = []string{"sessionId", "session_id"}
	conversationIDKeys = []string{"conversationId", "conversation_id"}
	threadIDKeys       = []string{"threadId", "thread_id"}
)

type identityScan struct {
	session      string
	conversation string
	thread       string
}

func (s *identityScan) walk(v any) {
	switch node := v.(type) {
	case map[string]any:
		if s.session == "" {
			s.session = firstString(node, sessionIDKeys)
		}
		if s.conversation == "" {
			s.conversation = firstString(node, conversationIDKeys)
		}
		if s.thread == "" {
			s.thread = firstString(node, threadIDKeys)
		}
		for _, child := range node {
			s.walk(child)
		}
	case []any:
		for _, child := range node {
			s.walk(child)
		}
	}
}

func firstString(m map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
