package events

import (
	"encoding/json"

	"github.com/happyhq/hub/pkg/appserver"
)

// AppServerConverter turns typed app-server notifications into AgentEvents.
// It keeps a small decoder state (current thread/turn id and per-item text
// accumulators) so child events can be populated with ids their own payload
// omits. Pure except for that state; no I/O.
type AppServerConverter struct {
	threadID string
	turnID   string

	// accumulated agentMessage deltas keyed by item id, in case the
	// completed item arrives without its full text.
	messageBuf map[string]string
}

// NewAppServerConverter returns a converter with empty decoder state.
func NewAppServerConverter() *AppServerConverter {
	return &AppServerConverter{messageBuf: make(map[string]string)}
}

// Reset clears decoder state. Called on session reset.
func (c *AppServerConverter) Reset() {
	c.threadID = ""
	c.turnID = ""
	c.messageBuf = make(map[string]string)
}

// Convert maps one notification to zero or more AgentEvents. Unknown
// methods convert to nothing.
func (c *AppServerConverter) Convert(method string, params json.RawMessage) []AgentEvent {
	var m map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &m); err != nil {
			return nil
		}
	}

	if id := pickString(m, "threadId", "thread_id"); id != "" {
		c.threadID = id
	}
	if id := pickString(m, "turnId", "turn_id"); id != "" {
		c.turnID = id
	}

	switch method {
	case appserver.NotifyThreadStarted:
		return []AgentEvent{{Type: TypeThreadStarted, ThreadID: c.threadID}}

	case appserver.NotifyTurnStarted:
		return []AgentEvent{{Type: TypeTaskStarted, ThreadID: c.threadID, TurnID: c.turnID}}

	case appserver.NotifyTurnCompleted:
		return []AgentEvent{{Type: TypeTaskComplete, ThreadID: c.threadID, TurnID: c.turnID}}

	case appserver.NotifyTurnAborted:
		return []AgentEvent{{Type: TypeTurnAborted, ThreadID: c.threadID, TurnID: c.turnID}}

	case appserver.NotifyTurnFailed, appserver.NotifyError:
		return []AgentEvent{{
			Type:     TypeTaskFailed,
			ThreadID: c.threadID,
			TurnID:   c.turnID,
			Error:    pickString(m, "error", "message"),
		}}

	case appserver.NotifyItemAgentMessageDelta:
		itemID := pickString(m, "itemId", "item_id")
		delta := pickString(m, "delta", "text")
		c.messageBuf[itemID] += delta
		return nil

	case appserver.NotifyItemReasoningTextDelta, appserver.NotifyItemReasoningSummaryDelta:
		return []AgentEvent{{Type: TypeReasoningDelta, Text: pickString(m, "delta", "text"), TurnID: c.turnID}}

	case appserver.NotifyItemReasoningSectionBreak:
		return []AgentEvent{{Type: TypeReasoningSectionBreak, TurnID: c.turnID}}

	case appserver.NotifyItemStarted:
		return c.convertItem(m, true)

	case appserver.NotifyItemCompleted:
		return c.convertItem(m, false)

	case appserver.NotifyTurnDiffUpdated:
		return []AgentEvent{{Type: TypeTurnDiff, UnifiedDiff: pickString(m, "diff", "unified_diff", "unifiedDiff"), TurnID: c.turnID}}

	case appserver.NotifyTurnPlanUpdated:
		return []AgentEvent{{Type: TypePlanUpdated, Plan: planEntries(m["plan"]), TurnID: c.turnID}}

	case appserver.NotifyThreadTokenUsageUpdated, appserver.NotifyTokenCount:
		info, _ := json.Marshal(pickAny(m, "tokenUsage", "token_usage", "info"))
		return []AgentEvent{{Type: TypeTokenCount, Info: info, ThreadID: c.threadID}}

	case appserver.NotifyContextCompacted:
		return []AgentEvent{{Type: TypeContextCompacted, ThreadID: c.threadID, TurnID: c.turnID}}

	case appserver.NotifyMcpStartupUpdate:
		return []AgentEvent{{Type: TypeMcpStartupUpdate}}

	case appserver.NotifyMcpStartupComplete:
		return []AgentEvent{{Type: TypeMcpStartupComplete}}
	}

	return nil
}

func (c *AppServerConverter) convertItem(m map[string]any, started bool) []AgentEvent {
	item, ok := m["item"].(map[string]any)
	if !ok {
		return nil
	}
	itemType := pickString(item, "type", "item_type")
	itemID := ExtractCallID(item)

	switch itemType {
	case "agentMessage", "agent_message":
		if started {
			return nil
		}
		text := pickString(item, "text", "message")
		if text == "" {
			text = c.messageBuf[itemID]
		}
		delete(c.messageBuf, itemID)
		return []AgentEvent{{Type: TypeMessage, Text: text, TurnID: c.turnID}}

	case "reasoning":
		if started {
			return nil
		}
		return []AgentEvent{{Type: TypeReasoning, Text: pickString(item, "text"), TurnID: c.turnID}}

	case "commandExecution", "command_execution":
		if started {
			return []AgentEvent{{
				Type:    TypeExecBegin,
				CallID:  itemID,
				Command: pickString(item, "command"),
				TurnID:  c.turnID,
			}}
		}
		ev := AgentEvent{
			Type:   TypeExecEnd,
			CallID: itemID,
			Output: pickString(item, "aggregatedOutput", "aggregated_output", "output"),
			TurnID: c.turnID,
		}
		if code, ok := item["exitCode"].(float64); ok && code != 0 {
			ev.Error = pickString(item, "error")
			if ev.Error == "" {
				ev.Error = "command exited with non-zero status"
			}
		}
		return []AgentEvent{ev}

	case "fileChange", "file_change":
		if started {
			return []AgentEvent{{
				Type:    TypePatchBegin,
				CallID:  itemID,
				Changes: fileChanges(item["changes"]),
				TurnID:  c.turnID,
			}}
		}
		status := pickString(item, "status")
		return []AgentEvent{{
			Type:    TypePatchEnd,
			CallID:  itemID,
			Success: status == "completed" || status == "",
			TurnID:  c.turnID,
		}}

	case "mcpToolCall", "mcp_tool_call", "toolCall", "tool_call":
		if started {
			input, _ := json.Marshal(pickAny(item, "arguments", "input"))
			return []AgentEvent{{
				Type:   TypeToolCall,
				Name:   pickString(item, "tool", "name"),
				CallID: itemID,
				Input:  input,
				TurnID: c.turnID,
			}}
		}
		ev := AgentEvent{Type: TypeToolCallResult, CallID: itemID, TurnID: c.turnID}
		if result := pickAny(item, "result", "output"); result != nil {
			if s, ok := result.(string); ok {
				ev.Output = s
			} else {
				out, _ := json.Marshal(result)
				ev.Output = string(out)
			}
		}
		if errText := pickString(item, "error"); errText != "" {
			ev.Output = errText
			ev.IsError = true
		}
		return []AgentEvent{ev}
	}

	return nil
}

func pickString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func pickAny(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func planEntries(v any) []PlanEntry {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	entries := make([]PlanEntry, 0, len(list))
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		entries = append(entries, PlanEntry{
			Description: pickString(m, "description", "step"),
			Status:      pickString(m, "status"),
		})
	}
	return entries
}

func fileChanges(v any) []FileChange {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	changes := make([]FileChange, 0, len(list))
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		change := FileChange{
			Path: pickString(m, "path"),
			Diff: pickString(m, "diff", "unified_diff"),
		}
		switch kind := m["kind"].(type) {
		case string:
			change.Kind = kind
		case map[string]any:
			change.Kind = pickString(kind, "type")
		}
		changes = append(changes, change)
	}
	return changes
}
