// Package agentcfg holds the per-session agent configuration value object:
// permission mode, model, collaboration mode and the agent-side enforcement
// knobs derived from them.
package agentcfg

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/happyhq/hub/internal/agent/permission"
)

// CollaborationMode selects how the agent plans its work.
type CollaborationMode string

const (
	CollabDefault CollaborationMode = "default"
	CollabPlan    CollaborationMode = "plan"
)

// Sandbox values enforced by the agent.
const (
	SandboxReadOnly       = "read-only"
	SandboxWorkspaceWrite = "workspace-write"
	SandboxFullAccess     = "danger-full-access"
)

// Approval policy values enforced by the agent.
const (
	ApprovalUntrusted = "untrusted"
	ApprovalOnFailure = "on-failure"
	ApprovalOnRequest = "on-request"
	ApprovalNever     = "never"
)

// Config is the session's agent configuration. ApprovalPolicy and Sandbox
// are derived from PermissionMode; CLI overrides may replace them only in
// default mode.
type Config struct {
	PermissionMode    permission.Mode
	Model             string
	CollaborationMode CollaborationMode
	ApprovalPolicy    string
	Sandbox           string
}

// Overrides are the CLI-supplied replacements for the derived knobs.
type Overrides struct {
	ApprovalPolicy string
	Sandbox        string
}

// New derives a full config from the mode triple and optional overrides.
func New(mode permission.Mode, model string, collab CollaborationMode, overrides *Overrides) (*Config, error) {
	cfg := &Config{
		PermissionMode:    mode,
		Model:             model,
		CollaborationMode: collab,
	}
	if cfg.CollaborationMode == "" {
		cfg.CollaborationMode = CollabDefault
	}

	switch mode {
	case permission.ModeDefault, "":
		cfg.PermissionMode = permission.ModeDefault
		cfg.ApprovalPolicy = ApprovalUntrusted
		cfg.Sandbox = SandboxWorkspaceWrite
	case permission.ModeReadOnly:
		cfg.ApprovalPolicy = ApprovalNever
		cfg.Sandbox = SandboxReadOnly
	case permission.ModeSafeYolo:
		cfg.ApprovalPolicy = ApprovalOnFailure
		cfg.Sandbox = SandboxWorkspaceWrite
	case permission.ModeYolo:
		cfg.ApprovalPolicy = ApprovalOnFailure
		cfg.Sandbox = SandboxFullAccess
	default:
		return nil, fmt.Errorf("unknown permission mode %q", mode)
	}

	if overrides != nil && cfg.PermissionMode == permission.ModeDefault {
		if overrides.ApprovalPolicy != "" {
			cfg.ApprovalPolicy = overrides.ApprovalPolicy
		}
		if overrides.Sandbox != "" {
			cfg.Sandbox = overrides.Sandbox
		}
	}
	return cfg, nil
}

// Hash returns a deterministic digest of the mode triple. A changed hash
// between queued messages forces a session restart.
func (c *Config) Hash() string {
	sum := sha256.Sum256([]byte(
		string(c.PermissionMode) + "\x00" + c.Model + "\x00" + string(c.CollaborationMode)))
	return hex.EncodeToString(sum[:8])
}
