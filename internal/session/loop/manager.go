package loop

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/happyhq/hub/internal/common/logger"
	"github.com/happyhq/hub/internal/events/bus"
	"github.com/happyhq/hub/internal/rpc"
	"github.com/happyhq/hub/internal/session/store"
	"go.uber.org/zap"
)

// Manager tracks the live session loops of one hub process.
type Manager struct {
	store    store.Store
	bus      bus.EventBus
	registry *rpc.Registry
	defaults Options
	logger   *logger.Logger

	mu    sync.Mutex
	loops map[string]*SessionLoop
}

// NewManager creates a manager. defaults seeds every spawned session's
// options; per-session fields (id, workdir) are filled at spawn time.
func NewManager(st store.Store, eventBus bus.EventBus, registry *rpc.Registry, defaults Options, log *logger.Logger) *Manager {
	return &Manager{
		store:    st,
		bus:      eventBus,
		registry: registry,
		defaults: defaults,
		logger:   log.WithFields(zap.String("component", "sessions")),
		loops:    make(map[string]*SessionLoop),
	}
}

// Spawn starts a new session loop in the given directory and returns its
// id. The loop runs until it exits or is killed.
func (m *Manager) Spawn(ctx context.Context, directory, prompt string, startLocal bool) (string, error) {
	id := uuid.New().String()

	opts := m.defaults
	opts.SessionID = id
	opts.WorkDir = directory
	opts.StartLocal = startLocal

	l, err := New(opts, m.store, m.bus, m.registry, m.spawnFunc(), m.logger)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.loops[id] = l
	m.mu.Unlock()

	go func() {
		if err := l.Run(context.WithoutCancel(ctx)); err != nil {
			m.logger.Error("session loop exited with error",
				zap.String("sessionId", id), zap.Error(err))
		}
		m.mu.Lock()
		delete(m.loops, id)
		m.mu.Unlock()
	}()

	if prompt != "" {
		if _, err := l.EnqueueUserMessage(ctx, "", prompt); err != nil {
			m.logger.Warn("initial prompt enqueue failed", zap.Error(err))
		}
	}
	return id, nil
}

// spawnFunc is the hook handed to each session's bridge.
func (m *Manager) spawnFunc() SpawnFunc {
	return func(ctx context.Context, directory, prompt string) (string, error) {
		return m.Spawn(ctx, directory, prompt, false)
	}
}

// Get returns a live loop.
func (m *Manager) Get(id string) (*SessionLoop, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loops[id]
	return l, ok
}

// List returns the ids of live loops.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.loops))
	for id := range m.loops {
		ids = append(ids, id)
	}
	return ids
}

// Kill cancels a live loop and waits for it to finish.
func (m *Manager) Kill(ctx context.Context, id string) error {
	m.mu.Lock()
	l, ok := m.loops[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live session %s", id)
	}
	l.Kill()
	select {
	case <-l.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown kills every live loop and waits for them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	loops := make([]*SessionLoop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.Unlock()

	for _, l := range loops {
		l.Kill()
	}
	for _, l := range loops {
		select {
		case <-l.Done():
		case <-ctx.Done():
			return
		}
	}
}
