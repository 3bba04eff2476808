// Package rpc is the shared handler registry remote clients call into.
// Handlers are keyed by "<scope>:<method>" where scope is a session or
// machine id. The registry outlives any one launcher, so launchers replace
// their handlers with no-ops on shutdown instead of unregistering.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/happyhq/hub/internal/common/logger"
	"go.uber.org/zap"
)

// Methods the session core serves.
const (
	MethodAbort            = "abort"
	MethodSwitch           = "switch"
	MethodPermission       = "permission"
	MethodSetSessionConfig = "set-session-config"
	MethodKillSession      = "kill-session"
	MethodResumeSession    = "resume-session"
)

// Handler serves one registered method.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Registry is a concurrency-safe method table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *logger.Logger
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   log.WithFields(zap.String("component", "rpc")),
	}
}

// Key builds the registry key for a scope and method.
func Key(scope, method string) string {
	return scope + ":" + method
}

// Register installs a handler, replacing any previous one for the key.
func (r *Registry) Register(scope, method string, handler Handler) {
	r.mu.Lock()
	r.handlers[Key(scope, method)] = handler
	r.mu.Unlock()
	r.logger.Debug("registered handler", zap.String("key", Key(scope, method)))
}

// Call invokes the handler for scope:method.
func (r *Registry) Call(ctx context.Context, scope, method string, params json.RawMessage) (any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[Key(scope, method)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s", Key(scope, method))
	}
	return handler(ctx, params)
}

// Has reports whether a handler exists for scope:method.
func (r *Registry) Has(scope, method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[Key(scope, method)]
	return ok
}

// ReplaceWithNoop swaps the given methods to no-op handlers. Keys that were
// never registered stay absent.
func (r *Registry) ReplaceWithNoop(scope string, methods ...string) {
	noop := func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, method := range methods {
		key := Key(scope, method)
		if _, ok := r.handlers[key]; ok {
			r.handlers[key] = noop
		}
	}
}
