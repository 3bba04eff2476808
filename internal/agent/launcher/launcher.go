// Package launcher runs the agent for a session, either as an interactive
// local child on a TTY or through the remote dual transport. Exactly one
// launcher runs per session at any instant; the session loop alternates
// between them based on the exit reason they return.
package launcher

import (
	"context"

	"github.com/happyhq/hub/internal/agent/agentcfg"
)

// ExitReason tells the session loop what to do next.
type ExitReason string

const (
	// ExitReasonExit terminates the session loop.
	ExitReasonExit ExitReason = "exit"
	// ExitReasonSwitch hands control to the other launcher.
	ExitReasonSwitch ExitReason = "switch"
)

// SessionEvent is the user-facing output of a launcher: status messages
// and the ready signal.
type SessionEvent struct {
	Type    string `json:"type"` // "message" or "ready"
	Message string `json:"message,omitempty"`
}

// Sink receives session events.
type Sink func(SessionEvent)

// Launcher is one way of running the agent for a session.
type Launcher interface {
	Run(ctx context.Context) (ExitReason, error)
}

// ConfigProvider returns the agent configuration for the next turn. The
// remote launcher re-reads it per message so /model and mode changes take
// effect without restart plumbing.
type ConfigProvider func() *agentcfg.Config

// Status literals surfaced to the user.
const (
	statusNewConversation = "Started a new conversation"
	statusDisconnected    = "Codex transport disconnected. Please resend your message."
	statusAborted         = "Aborted"
)
