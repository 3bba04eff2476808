package agentcfg

import (
	"testing"

	"github.com/happyhq/hub/internal/agent/permission"
)

func TestDerivationTable(t *testing.T) {
	tests := []struct {
		mode     permission.Mode
		approval string
		sandbox  string
	}{
		{permission.ModeDefault, ApprovalUntrusted, SandboxWorkspaceWrite},
		{permission.ModeReadOnly, ApprovalNever, SandboxReadOnly},
		{permission.ModeSafeYolo, ApprovalOnFailure, SandboxWorkspaceWrite},
		{permission.ModeYolo, ApprovalOnFailure, SandboxFullAccess},
	}
	for _, tc := range tests {
		cfg, err := New(tc.mode, "", CollabDefault, nil)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.mode, err)
		}
		if cfg.ApprovalPolicy != tc.approval || cfg.Sandbox != tc.sandbox {
			t.Errorf("%s: expected (%s,%s), got (%s,%s)",
				tc.mode, tc.approval, tc.sandbox, cfg.ApprovalPolicy, cfg.Sandbox)
		}
	}
}

func TestOverridesOnlyApplyInDefaultMode(t *testing.T) {
	overrides := &Overrides{ApprovalPolicy: ApprovalOnRequest, Sandbox: SandboxFullAccess}

	cfg, err := New(permission.ModeDefault, "", CollabDefault, overrides)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ApprovalPolicy != ApprovalOnRequest || cfg.Sandbox != SandboxFullAccess {
		t.Errorf("expected overrides applied in default mode, got (%s,%s)", cfg.ApprovalPolicy, cfg.Sandbox)
	}

	cfg, err = New(permission.ModeReadOnly, "", CollabDefault, overrides)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ApprovalPolicy != ApprovalNever || cfg.Sandbox != SandboxReadOnly {
		t.Errorf("expected overrides ignored outside default mode, got (%s,%s)", cfg.ApprovalPolicy, cfg.Sandbox)
	}
}

func TestUnknownModeRejected(t *testing.T) {
	if _, err := New("super-yolo", "", CollabDefault, nil); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestHashChangesWithModeTriple(t *testing.T) {
	base, _ := New(permission.ModeDefault, "gpt-5", CollabDefault, nil)
	same, _ := New(permission.ModeDefault, "gpt-5", CollabDefault, nil)
	if base.Hash() != same.Hash() {
		t.Error("expected identical configs to hash identically")
	}

	diffModel, _ := New(permission.ModeDefault, "o4-mini", CollabDefault, nil)
	if base.Hash() == diffModel.Hash() {
		t.Error("expected model change to change the hash")
	}
	diffMode, _ := New(permission.ModeYolo, "gpt-5", CollabDefault, nil)
	if base.Hash() == diffMode.Hash() {
		t.Error("expected permission mode change to change the hash")
	}
	diffCollab, _ := New(permission.ModeDefault, "gpt-5", CollabPlan, nil)
	if base.Hash() == diffCollab.Hash() {
		t.Error("expected collaboration mode change to change the hash")
	}
}
