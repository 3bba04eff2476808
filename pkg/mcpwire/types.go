// Package mcpwire implements the MCP stdio protocol spoken by the Codex
// agent's mcp-server subcommand. Frames are standard JSON-RPC 2.0 lines;
// conversations are driven through the "codex" and "codex-reply" tools and
// approvals arrive as elicitation requests.
package mcpwire

import "encoding/json"

const jsonRPCVersion = "2.0"

// Request is an outgoing or incoming JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a method call without an id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// MCP method names.
const (
	MethodInitialize        = "initialize"
	MethodInitializedNotify = "notifications/initialized"
	MethodToolsCall         = "tools/call"
	MethodElicitationCreate = "elicitation/create"
	NotifyCodexEvent        = "codex/event"
	NotifyCancelled         = "notifications/cancelled"
)

// Tool names exposed by the agent's MCP server.
const (
	ToolCodex      = "codex"
	ToolCodexReply = "codex-reply"
)

// InitializeParams for the MCP handshake.
type InitializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    *ClientCapabilities `json:"capabilities"`
	ClientInfo      *Implementation     `json:"clientInfo"`
}

// ClientCapabilities advertises what this client can serve. Declaring
// elicitation is what makes the agent route approval prompts to us.
type ClientCapabilities struct {
	Elicitation map[string]any `json:"elicitation,omitempty"`
}

// Implementation names one side of the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from the handshake.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      *Implementation `json:"serverInfo,omitempty"`
}

// CallToolParams for tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentBlock is one element of a tool result's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult from tools/call.
type CallToolResult struct {
	Content           []ContentBlock  `json:"content,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
	Meta              json.RawMessage `json:"_meta,omitempty"`
}

// ElicitationParams for elicitation/create, sent by the agent when it needs
// an approval. RequestedSchema declares the properties the agent expects in
// the reply content.
type ElicitationParams struct {
	Message         string             `json:"message,omitempty"`
	RequestedSchema *ElicitationSchema `json:"requestedSchema,omitempty"`

	// Codex-specific context carried alongside the schema.
	CodexElicitation string          `json:"codex_elicitation,omitempty"`
	CodexCommand     json.RawMessage `json:"codex_command,omitempty"`
	CodexCallID      string          `json:"codex_call_id,omitempty"`
	CodexChanges     json.RawMessage `json:"codex_changes,omitempty"`
	CodexCwd         string          `json:"codex_cwd,omitempty"`
}

// ElicitationSchema is the reply schema declared by the agent.
type ElicitationSchema struct {
	Type       string                    `json:"type,omitempty"`
	Properties map[string]SchemaProperty `json:"properties,omitempty"`
}

// SchemaProperty is one declared reply property.
type SchemaProperty struct {
	Type string `json:"type,omitempty"`
}

// ElicitationResult answers an elicitation request. Content is only present
// when the action is accept (or when the schema asks for decision fields,
// which are then inlined at the top level by the marshaller below).
type ElicitationResult struct {
	Action  string         `json:"action"` // "accept", "decline", "cancel"
	Content map[string]any `json:"content,omitempty"`

	// Extra top-level fields synthesized from the requested schema.
	Extra map[string]any `json:"-"`
}

// MarshalJSON inlines Extra next to action/content so replies match the
// exact shape the agent's schema asked for.
func (r *ElicitationResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 2+len(r.Extra))
	out["action"] = r.Action
	if r.Content != nil {
		out["content"] = r.Content
	}
	for k, v := range r.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// CodexEventParams is the envelope of a codex/event notification.
type CodexEventParams struct {
	Meta json.RawMessage `json:"_meta,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
	ID   string          `json:"id,omitempty"`
}
