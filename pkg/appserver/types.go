// Package appserver implements the Codex app-server line protocol.
// The agent speaks a JSON-RPC 2.0 variant over stdio that omits the
// "jsonrpc":"2.0" field; every line is one complete JSON object.
package appserver

import "encoding/json"

// Request is an outgoing or incoming JSON-RPC request.
type Request struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response correlated by ID.
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a method call without an ID; no response is expected.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Client-to-server method names.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Server-to-client notification methods.
const (
	NotifyThreadStarted             = "thread/started"
	NotifyTurnStarted               = "turn/started"
	NotifyTurnCompleted             = "turn/completed"
	NotifyTurnAborted               = "turn/aborted"
	NotifyTurnFailed                = "turn/failed"
	NotifyTurnDiffUpdated           = "turn/diff/updated"
	NotifyTurnPlanUpdated           = "turn/plan/updated"
	NotifyItemStarted               = "item/started"
	NotifyItemCompleted             = "item/completed"
	NotifyItemAgentMessageDelta     = "item/agentMessage/delta"
	NotifyItemReasoningSummaryDelta = "item/reasoning/summaryTextDelta"
	NotifyItemReasoningTextDelta    = "item/reasoning/textDelta"
	NotifyItemReasoningSectionBreak = "item/reasoning/sectionBreak"
	NotifyItemCmdExecOutputDelta    = "item/commandExecution/outputDelta"
	NotifyError                     = "error"
	NotifyTokenCount                = "token_count"
	NotifyThreadTokenUsageUpdated   = "thread/tokenUsage/updated"
	NotifyContextCompacted          = "context_compacted"
	NotifyMcpStartupUpdate          = "mcp/startup/update"
	NotifyMcpStartupComplete        = "mcp/startup/complete"
)

// Server-to-client request methods (approval elicitations).
const (
	RequestCmdExecApproval    = "item/commandExecution/requestApproval"
	RequestFileChangeApproval = "item/fileChange/requestApproval"
	RequestUserInput          = "item/userInput/request"
	RequestToolApproval       = "item/tool/requestApproval"
)

// InitializeParams for the initialize handshake.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the hub to the agent.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize.
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// SandboxPolicy configures what the agent's sandbox allows. Type uses the
// kebab-case values "read-only", "workspace-write", "danger-full-access".
type SandboxPolicy struct {
	Type          string   `json:"type"`
	WritableRoots []string `json:"writableRoots,omitempty"`
	NetworkAccess bool     `json:"networkAccess,omitempty"`
}

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Model          string         `json:"model,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"` // "untrusted", "on-failure", "on-request", "never"
	Sandbox        string         `json:"sandbox,omitempty"`
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
}

// Thread is a resumable conversational context on the agent side.
type Thread struct {
	ID        string `json:"id"`
	Preview   string `json:"preview,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// ThreadStartResult from thread/start.
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID       string         `json:"threadId"`
	Cwd            string         `json:"cwd,omitempty"`
	Model          string         `json:"model,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"`
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
}

// ThreadResumeResult from thread/resume.
type ThreadResumeResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput is one input element of a turn.
type UserInput struct {
	Type string `json:"type"` // "text", "image", "localImage"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// Turn is one user-message/agent-response cycle within a thread.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "inProgress", "completed", "failed"
	Error  *Error `json:"error,omitempty"`
}

// TurnStartResult from turn/start.
type TurnStartResult struct {
	Turn *Turn `json:"turn"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// TurnInterruptResult from turn/interrupt.
type TurnInterruptResult struct {
	OK bool `json:"ok"`
}

// ThreadStartedParams for thread/started.
type ThreadStartedParams struct {
	ThreadID string `json:"threadId"`
}

// TurnStartedParams for turn/started.
type TurnStartedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// TurnCompletedParams for turn/completed, turn/aborted and turn/failed.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// TurnDiffUpdatedParams for turn/diff/updated.
type TurnDiffUpdatedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Diff     string `json:"diff"`
}

// PlanEntry is one entry of the agent's published plan.
type PlanEntry struct {
	Description string `json:"description"`
	Status      string `json:"status"` // "pending", "in_progress", "completed", "failed"
}

// TurnPlanUpdatedParams for turn/plan/updated.
type TurnPlanUpdatedParams struct {
	ThreadID string      `json:"threadId"`
	TurnID   string      `json:"turnId"`
	Plan     []PlanEntry `json:"plan"`
}

// FileChange describes one file touched by a patch approval.
type FileChange struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
	Diff string         `json:"diff,omitempty"`
}

// FileChangeKind tags the change type.
type FileChangeKind struct {
	Type string `json:"type"` // "add", "modify", "delete"
}

// Item is an element of a turn (message, command execution, file change,
// reasoning, tool call).
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`

	// commandExecution
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`

	// fileChange
	Changes []FileChange `json:"changes,omitempty"`

	// agentMessage / reasoning
	Text string `json:"text,omitempty"`

	// mcpToolCall
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"`
}

// ItemStartedParams for item/started.
type ItemStartedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// ItemCompletedParams for item/completed.
type ItemCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// DeltaParams covers agentMessage, reasoning and command output deltas.
type DeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// CommandApprovalParams for item/commandExecution/requestApproval.
type CommandApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Command   string   `json:"command"`
	Cwd       string   `json:"cwd,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// FileChangeApprovalParams for item/fileChange/requestApproval.
type FileChangeApprovalParams struct {
	ThreadID  string       `json:"threadId"`
	TurnID    string       `json:"turnId"`
	ItemID    string       `json:"itemId"`
	Changes   []FileChange `json:"changes,omitempty"`
	Reasoning string       `json:"reasoning,omitempty"`
	Options   []string     `json:"options,omitempty"`
}

// ApprovalResponse answers an approval request.
// Decision values: "accept", "acceptForSession", "decline", "cancel".
// Reason and Answers relay what the client supplied with its decision.
type ApprovalResponse struct {
	Decision string          `json:"decision"`
	Reason   string          `json:"reason,omitempty"`
	Answers  json.RawMessage `json:"answers,omitempty"`
}

// ErrorParams for the error notification.
type ErrorParams struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// TokenUsage counts tokens for one request/response cycle.
type TokenUsage struct {
	InputTokens           int32 `json:"inputTokens"`
	CachedInputTokens     int32 `json:"cachedInputTokens"`
	OutputTokens          int32 `json:"outputTokens"`
	ReasoningOutputTokens int32 `json:"reasoningOutputTokens"`
	TotalTokens           int32 `json:"totalTokens"`
}

// ThreadTokenUsage summarizes token consumption for a thread.
type ThreadTokenUsage struct {
	Total              *TokenUsage `json:"total,omitempty"`
	Last               *TokenUsage `json:"last,omitempty"`
	ModelContextWindow int64       `json:"modelContextWindow"`
}

// ThreadTokenUsageUpdatedParams for thread/tokenUsage/updated.
type ThreadTokenUsageUpdatedParams struct {
	ThreadID   string            `json:"threadId"`
	TurnID     string            `json:"turnId"`
	TokenUsage *ThreadTokenUsage `json:"tokenUsage"`
}

// ContextCompactedParams for context_compacted.
type ContextCompactedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}
