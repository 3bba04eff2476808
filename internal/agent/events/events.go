// Package events defines the uniform event union produced by the agent
// transports and the converters that build it from the two raw wire shapes.
package events

import "encoding/json"

// Type discriminates AgentEvent variants.
type Type string

const (
	TypeMessage               Type = "message"
	TypeReasoning             Type = "reasoning"
	TypeReasoningDelta        Type = "reasoning-delta"
	TypeReasoningSectionBreak Type = "reasoning-section-break"
	TypeToolCall              Type = "tool-call"
	TypeToolCallResult        Type = "tool-call-result"
	TypeTaskStarted           Type = "task-started"
	TypeTaskComplete          Type = "task-complete"
	TypeTurnAborted           Type = "turn-aborted"
	TypeTaskFailed            Type = "task-failed"
	TypePatchBegin            Type = "patch-begin"
	TypePatchEnd              Type = "patch-end"
	TypeExecBegin             Type = "exec-begin"
	TypeExecEnd               Type = "exec-end"
	TypeTurnDiff              Type = "turn-diff"
	TypePlanUpdated           Type = "plan-updated"
	TypeTokenCount            Type = "token-count"
	TypeThreadStarted         Type = "thread-started"
	TypeMcpStartupUpdate      Type = "mcp-startup-update"
	TypeMcpStartupComplete    Type = "mcp-startup-complete"
	TypeContextCompacted      Type = "context-compacted"
)

// FileChange describes one file touched by a patch.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
	Diff string `json:"diff,omitempty"`
}

// PlanEntry is one entry of the agent's published plan.
type PlanEntry struct {
	Description string `json:"description"`
	Status      string `json:"status"`
}

// AgentEvent is the tagged union flowing from the transports to the stream
// processors and on to clients. Only the fields for the variant named by
// Type are populated.
type AgentEvent struct {
	Type Type `json:"type"`

	// message, reasoning, reasoning-delta
	Text string `json:"text,omitempty"`

	// tool-call / tool-call-result / exec / patch
	Name    string          `json:"name,omitempty"`
	CallID  string          `json:"callId,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	IsError bool            `json:"isError,omitempty"`
	Status  string          `json:"status,omitempty"` // "completed" or "canceled" on tool-call-result

	// exec-begin / exec-end
	Command string `json:"command,omitempty"`

	// patch-begin / patch-end
	Changes []FileChange `json:"changes,omitempty"`
	Stdout  string       `json:"stdout,omitempty"`
	Stderr  string       `json:"stderr,omitempty"`
	Success bool         `json:"success,omitempty"`

	// task lifecycle
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	Error    string `json:"error,omitempty"`

	// turn-diff
	UnifiedDiff string `json:"unifiedDiff,omitempty"`

	// plan-updated
	Plan []PlanEntry `json:"plan,omitempty"`

	// token-count
	Info json.RawMessage `json:"info,omitempty"`
}

// callIDKeys is the fixed ordered list of keys scanned when extracting a
// tool call id from loosely shaped payloads.
var callIDKeys = []string{"call_id", "callId", "tool_call_id", "toolCallId", "id"}

// ExtractCallID returns the first non-empty string under any candidate key.
func ExtractCallID(m map[string]any) string {
	for _, key := range callIDKeys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
