package permission

import "strings"

// Mode is the session permission mode.
type Mode string

const (
	ModeDefault  Mode = "default"
	ModeReadOnly Mode = "read-only"
	ModeSafeYolo Mode = "safe-yolo"
	ModeYolo     Mode = "yolo"
)

// Decision is the pipeline's verdict on a request.
type Decision string

const (
	DecisionApproved           Decision = "approved"
	DecisionApprovedForSession Decision = "approved_for_session"
	DecisionDenied             Decision = "denied"
	DecisionCanceled           Decision = "canceled"
)

// Hints extends the built-in allow/write lists per call.
type Hints struct {
	Allow []string
	Write []string
}

// Title-change tool names, both direct and the MCP-prefixed form.
const (
	titleTool    = "change_title"
	titleToolMCP = "happy__change_title"
)

// readOnlyAllowHints match tools that cannot mutate the workspace.
var readOnlyAllowHints = []string{
	"read", "list", "get", "search", "grep", "glob", "cat", "ls",
	"find", "status", "diff", "log", "show", "view", "fetch",
}

// writeHints match tools that mutate state; in read-only mode these are
// blocked outright and left for the client to decide.
var writeHints = []string{
	"write", "edit", "create", "delete", "remove", "move", "rename",
	"patch", "apply", "exec", "bash", "run", "install", "push", "commit",
}

// AutoDecide evaluates the auto-approval rules for a tool. The second
// return is false when no rule applies and the request must wait for a
// client decision.
func AutoDecide(mode Mode, toolName, requestID string, hints *Hints) (Decision, bool) {
	if isTitleTool(toolName) {
		switch mode {
		case ModeSafeYolo:
			return DecisionApproved, true
		case ModeYolo:
			return DecisionApprovedForSession, true
		}
	}

	switch mode {
	case ModeYolo:
		return DecisionApprovedForSession, true
	case ModeSafeYolo:
		return DecisionApproved, true
	case ModeReadOnly:
		if matchesAny(toolName, requestID, writeList(hints)) {
			return "", false
		}
		if matchesAny(toolName, requestID, allowList(hints)) {
			return DecisionApproved, true
		}
	}
	return "", false
}

func isTitleTool(name string) bool {
	return name == titleTool || name == titleToolMCP
}

func allowList(hints *Hints) []string {
	if hints == nil || len(hints.Allow) == 0 {
		return readOnlyAllowHints
	}
	return append(append([]string{}, readOnlyAllowHints...), hints.Allow...)
}

func writeList(hints *Hints) []string {
	if hints == nil || len(hints.Write) == 0 {
		return writeHints
	}
	return append(append([]string{}, writeHints...), hints.Write...)
}

func matchesAny(toolName, requestID string, hints []string) bool {
	name := strings.ToLower(toolName)
	id := strings.ToLower(requestID)
	for _, hint := range hints {
		if strings.Contains(name, hint) || strings.Contains(id, hint) {
			return true
		}
	}
	return false
}
