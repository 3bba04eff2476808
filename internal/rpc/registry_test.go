package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/happyhq/hub/internal/common/logger"
)

func TestRegisterAndCall(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.Register("sess-1", MethodAbort, func(ctx context.Context, params json.RawMessage) (any, error) {
		return "aborted", nil
	})

	result, err := r.Call(context.Background(), "sess-1", MethodAbort, nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if result != "aborted" {
		t.Errorf("expected aborted, got %v", result)
	}
}

func TestCallUnknownKeyFails(t *testing.T) {
	r := NewRegistry(logger.Default())
	if _, err := r.Call(context.Background(), "sess-1", MethodSwitch, nil); err == nil {
		t.Error("expected error for unregistered handler")
	}
}

func TestScopesAreIsolated(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.Register("sess-1", MethodPermission, func(ctx context.Context, params json.RawMessage) (any, error) {
		return 1, nil
	})

	if r.Has("sess-2", MethodPermission) {
		t.Error("handler leaked across scopes")
	}
	if !r.Has("sess-1", MethodPermission) {
		t.Error("handler missing in its own scope")
	}
}

func TestReplaceWithNoop(t *testing.T) {
	r := NewRegistry(logger.Default())
	called := false
	r.Register("sess-1", MethodAbort, func(ctx context.Context, params json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})

	r.ReplaceWithNoop("sess-1", MethodAbort, MethodSwitch)

	// The key still resolves but the original handler is gone.
	if !r.Has("sess-1", MethodAbort) {
		t.Fatal("noop replacement removed the key")
	}
	if _, err := r.Call(context.Background(), "sess-1", MethodAbort, nil); err != nil {
		t.Fatalf("noop call failed: %v", err)
	}
	if called {
		t.Error("original handler still invoked after noop replacement")
	}

	// Never-registered methods stay absent.
	if r.Has("sess-1", MethodSwitch) {
		t.Error("noop replacement created a key that never existed")
	}
}
