package events

import "encoding/json"

// JournalEnvelope is one line of an agent journal or codex/event stream:
// a {type, payload} pair.
type JournalEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SessionMeta is the payload of a session_meta envelope.
type SessionMeta struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ConvertJournal maps one journal envelope to zero or more AgentEvents.
// Unknown envelope and message types convert to nothing; the caller may log
// drops at debug. Deterministic per input; no I/O.
func ConvertJournal(envelope *JournalEnvelope) []AgentEvent {
	switch envelope.Type {
	case "session_meta":
		var meta SessionMeta
		if err := json.Unmarshal(envelope.Payload, &meta); err != nil {
			return nil
		}
		if alt := sessionIDFromPayload(envelope.Payload); meta.SessionID == "" && alt != "" {
			meta.SessionID = alt
		}
		if meta.SessionID == "" {
			return nil
		}
		return []AgentEvent{{Type: TypeThreadStarted, ThreadID: meta.SessionID}}

	case "event_msg":
		return convertEventMsg(envelope.Payload)

	case "response_item":
		return convertResponseItem(envelope.Payload)
	}
	return nil
}

// ParseJournalLine parses one raw journal line into an envelope. Returns
// false for unparseable or non-envelope lines.
func ParseJournalLine(line []byte) (*JournalEnvelope, bool) {
	var envelope JournalEnvelope
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, false
	}
	if envelope.Type == "" {
		return nil, false
	}
	return &envelope, true
}

func convertEventMsg(payload json.RawMessage) []AgentEvent {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil
	}

	switch pickString(m, "type") {
	case "agent_message":
		return []AgentEvent{{Type: TypeMessage, Text: pickString(m, "message", "text")}}
	case "agent_reasoning":
		return []AgentEvent{{Type: TypeReasoning, Text: pickString(m, "text", "reasoning")}}
	case "agent_reasoning_delta":
		return []AgentEvent{{Type: TypeReasoningDelta, Text: pickString(m, "delta", "text")}}
	case "agent_reasoning_section_break":
		return []AgentEvent{{Type: TypeReasoningSectionBreak}}
	case "token_count":
		info, _ := json.Marshal(pickAny(m, "info", "usage"))
		return []AgentEvent{{Type: TypeTokenCount, Info: info}}
	case "task_started":
		return []AgentEvent{{Type: TypeTaskStarted, TurnID: pickString(m, "turn_id", "turnId")}}
	case "task_complete":
		return []AgentEvent{{Type: TypeTaskComplete}}
	case "turn_aborted":
		return []AgentEvent{{Type: TypeTurnAborted}}
	case "error":
		return []AgentEvent{{Type: TypeTaskFailed, Error: pickString(m, "message", "error")}}
	case "turn_diff":
		return []AgentEvent{{Type: TypeTurnDiff, UnifiedDiff: pickString(m, "unified_diff", "diff")}}
	case "session_configured":
		if id := pickString(m, "session_id", "sessionId"); id != "" {
			return []AgentEvent{{Type: TypeThreadStarted, ThreadID: id}}
		}
	}
	// user_message and anything unrecognized is intentionally dropped.
	return nil
}

func convertResponseItem(payload json.RawMessage) []AgentEvent {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil
	}

	switch pickString(m, "type") {
	case "function_call":
		ev := AgentEvent{
			Type:   TypeToolCall,
			Name:   pickString(m, "name"),
			CallID: ExtractCallID(m),
		}
		// Arguments arrive JSON-stringified; keep them as parsed JSON so
		// outbound serialization round-trips the original object.
		if args := pickString(m, "arguments"); args != "" {
			if json.Valid([]byte(args)) {
				ev.Input = json.RawMessage(args)
			} else {
				quoted, _ := json.Marshal(args)
				ev.Input = quoted
			}
		}
		return []AgentEvent{ev}

	case "function_call_output":
		ev := AgentEvent{Type: TypeToolCallResult, CallID: ExtractCallID(m)}
		switch out := m["output"].(type) {
		case string:
			ev.Output = out
		case map[string]any:
			ev.Output = pickString(out, "content", "text")
			if success, ok := out["success"].(bool); ok && !success {
				ev.IsError = true
			}
		}
		return []AgentEvent{ev}
	}
	return nil
}

func sessionIDFromPayload(payload json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	if id := pickString(m, "sessionId", "session_id", "id"); id != "" {
		return id
	}
	if meta, ok := m["meta"].(map[string]any); ok {
		return pickString(meta, "sessionId", "session_id", "id")
	}
	return ""
}
