// Package loop coordinates one live session: it owns the message queue,
// alternates between the local and remote launchers, and fans session
// output to the event bus and the store.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/happyhq/hub/internal/agent/agentcfg"
	"github.com/happyhq/hub/internal/agent/bridge"
	"github.com/happyhq/hub/internal/agent/events"
	"github.com/happyhq/hub/internal/agent/launcher"
	"github.com/happyhq/hub/internal/agent/permission"
	"github.com/happyhq/hub/internal/agent/scanner"
	"github.com/happyhq/hub/internal/agent/stream"
	"github.com/happyhq/hub/internal/common/logger"
	"github.com/happyhq/hub/internal/events/bus"
	"github.com/happyhq/hub/internal/rpc"
	"github.com/happyhq/hub/internal/session"
	"github.com/happyhq/hub/internal/session/store"
	"go.uber.org/zap"
)

// Options configure one session loop.
type Options struct {
	SessionID string
	WorkDir   string

	AgentBinary string
	AgentHome   string
	ExtraArgs   []string
	ForceMCP    bool

	// StartLocal runs the interactive child first; otherwise the loop
	// starts in remote mode.
	StartLocal bool

	BridgePort int

	PermissionMode    permission.Mode
	Model             string
	CollaborationMode agentcfg.CollaborationMode
	Overrides         *agentcfg.Overrides

	ScannerPollInterval time.Duration
	ScannerStartWindow  time.Duration

	ClientName    string
	ClientVersion string
}

// SessionLoop is the top-level coordinator for one session.
type SessionLoop struct {
	opts     Options
	store    store.Store
	bus      bus.EventBus
	registry *rpc.Registry
	logger   *logger.Logger

	queue    *session.Queue
	fsm      *stream.ThinkingFSM
	pipeline *permission.Pipeline

	remote *launcher.RemoteLauncher
	local  *launcher.LocalLauncher

	mu       sync.Mutex
	cfg      *agentcfg.Config
	agentSID string // journal session id bound by the scanner
	cancel   context.CancelFunc
	done     chan struct{}
}

// SpawnFunc starts a sibling session; the bridge's spawn_session tool
// delegates to it.
type SpawnFunc func(ctx context.Context, directory, prompt string) (string, error)

// New wires a session loop. spawn may be nil when session spawning is not
// offered.
func New(opts Options, st store.Store, eventBus bus.EventBus, registry *rpc.Registry, spawn SpawnFunc, log *logger.Logger) (*SessionLoop, error) {
	cfg, err := agentcfg.New(opts.PermissionMode, opts.Model, opts.CollaborationMode, opts.Overrides)
	if err != nil {
		return nil, err
	}

	l := &SessionLoop{
		opts:     opts,
		store:    st,
		bus:      eventBus,
		registry: registry,
		logger:   log.WithSessionID(opts.SessionID),
		queue:    session.NewQueue(),
		cfg:      cfg,
		done:     make(chan struct{}),
	}

	l.fsm = stream.NewThinkingFSM(l.publishThinking, l.publishReady)
	l.pipeline = permission.NewPipeline(cfg.PermissionMode, l.publish, l.persistPermissionState, log)

	l.remote = launcher.NewRemoteLauncher(
		launcher.RemoteOptions{
			SessionID:     opts.SessionID,
			Binary:        opts.AgentBinary,
			WorkDir:       opts.WorkDir,
			ExtraArgs:     opts.ExtraArgs,
			ForceMCP:      opts.ForceMCP,
			ClientName:    opts.ClientName,
			ClientVersion: opts.ClientVersion,
		},
		l.queue, l.fsm, l.pipeline, l.publish, l.sinkEvent, registry, l.currentConfig, log,
	)

	scan := scanner.New(
		scanner.Options{
			Root:         filepath.Join(agentHome(opts.AgentHome), "sessions"),
			Cwd:          opts.WorkDir,
			PollInterval: opts.ScannerPollInterval,
			StartWindow:  opts.ScannerStartWindow,
		},
		scanner.Callbacks{
			OnEvent:        l.onJournalEvent,
			OnSessionFound: l.onSessionFound,
			OnNewSession:   l.onNewSession,
			OnSessionMatchFailed: func(path string) {
				l.logger.Warn("journal file could not be matched", zap.String("path", path))
			},
		},
		log,
	)

	br := bridge.New(
		bridge.Config{Port: opts.BridgePort},
		bridge.Hooks{
			SetTitle: func(ctx context.Context, title string) error {
				return l.SetTitle(ctx, title)
			},
			SpawnSession: spawn,
		},
		log,
	)

	l.local = launcher.NewLocalLauncher(
		launcher.LocalOptions{
			SessionID: opts.SessionID,
			Binary:    opts.AgentBinary,
			WorkDir:   opts.WorkDir,
			ExtraArgs: opts.ExtraArgs,
			Env: func() []string {
				return []string{fmt.Sprintf("HAPPY_BRIDGE_URL=%s", br.Endpoint())}
			},
		},
		l.queue, l.sinkEvent, []launcher.Helper{scan, br}, l.clearAgentSession, log,
	)

	return l, nil
}

// agentHome falls back to ~/.codex when no home is configured.
func agentHome(home string) string {
	if home != "" {
		return home
	}
	if userHome, err := os.UserHomeDir(); err == nil {
		return filepath.Join(userHome, ".codex")
	}
	return ".codex"
}

// Run drives the session until exit. The active launcher alternates on
// switch; teardown releases resources in reverse acquisition order.
func (l *SessionLoop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()
	defer close(l.done)

	if _, err := l.store.GetOrCreateSession(ctx, l.opts.SessionID); err != nil {
		return fmt.Errorf("session bootstrap failed: %w", err)
	}

	if err := l.seedMetadata(ctx); err != nil {
		l.logger.Warn("metadata seed failed", zap.Error(err))
	}

	l.registerHandlers()
	defer l.registry.ReplaceWithNoop(l.opts.SessionID,
		rpc.MethodSetSessionConfig, rpc.MethodKillSession, rpc.MethodResumeSession)

	var active launcher.Launcher = l.remote
	if l.opts.StartLocal {
		active = l.local
	}

	for {
		reason, err := active.Run(ctx)
		if err != nil {
			l.logger.Error("launcher failed", zap.Error(err))
		}
		if reason != launcher.ExitReasonSwitch || ctx.Err() != nil {
			return err
		}
		if active == l.local {
			active = l.remote
		} else {
			active = l.local
		}
		l.logger.Info("switching launcher")
	}
}

// Done closes when Run has returned.
func (l *SessionLoop) Done() <-chan struct{} { return l.done }

// Kill cancels the session loop.
func (l *SessionLoop) Kill() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *SessionLoop) registerHandlers() {
	l.registry.Register(l.opts.SessionID, rpc.MethodSetSessionConfig, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			PermissionMode    string `json:"permissionMode"`
			Model             string `json:"model"`
			CollaborationMode string `json:"collaborationMode"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad config params: %w", err)
		}
		if err := l.SetSessionConfig(permission.Mode(p.PermissionMode), p.Model, agentcfg.CollaborationMode(p.CollaborationMode)); err != nil {
			return nil, err
		}
		return map[string]string{"hash": l.currentConfig().Hash()}, nil
	})
	l.registry.Register(l.opts.SessionID, rpc.MethodKillSession, func(ctx context.Context, params json.RawMessage) (any, error) {
		l.Kill()
		return map[string]bool{"ok": true}, nil
	})
	l.registry.Register(l.opts.SessionID, rpc.MethodResumeSession, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			AgentSessionID string `json:"agentSessionId"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("bad resume params: %w", err)
			}
		}
		id, err := l.ResumeAgentSession(ctx, p.AgentSessionID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"agentSessionId": id}, nil
	})
}

// EnqueueUserMessage admits a user message: isolated commands become queue
// sentinels; everything else is persisted (idempotent on localID) and
// queued with the current mode hash.
func (l *SessionLoop) EnqueueUserMessage(ctx context.Context, localID, text string) (*session.Message, error) {
	if session.IsIsolatedCommand(text) {
		l.queue.PushIsolateAndClear(text)
		return nil, nil
	}

	content, err := json.Marshal(map[string]any{"type": "user-message", "text": text})
	if err != nil {
		return nil, err
	}
	msg, err := l.store.AddMessage(ctx, l.opts.SessionID, localID, content)
	if err != nil {
		return nil, err
	}

	l.queue.Push(session.QueuedMessage{
		LocalID: localID,
		Text:    text,
		Hash:    l.currentConfig().Hash(),
	})
	return msg, nil
}

// Abort cancels the in-flight turn through the registry.
func (l *SessionLoop) Abort(ctx context.Context) error {
	_, err := l.registry.Call(ctx, l.opts.SessionID, rpc.MethodAbort, nil)
	return err
}

// RequestSwitch asks the active launcher to hand off.
func (l *SessionLoop) RequestSwitch(ctx context.Context) error {
	if l.registry.Has(l.opts.SessionID, rpc.MethodSwitch) {
		_, err := l.registry.Call(ctx, l.opts.SessionID, rpc.MethodSwitch, nil)
		return err
	}
	// Local mode registers no switch handler; queueing any message flips
	// the launcher, so an explicit request is a no-op there.
	return nil
}

// ResolvePermission answers a pending approval with the client's decision,
// reason and answers.
func (l *SessionLoop) ResolvePermission(id string, approved bool, decision permission.Decision, reason string, answers json.RawMessage) bool {
	return l.pipeline.Resolve(id, approved, decision, reason, answers)
}

// ResumeAgentSession seeds the remote launcher with a prior agent
// conversation id so the next turn continues it. An empty id falls back to
// the last id persisted in session metadata.
func (l *SessionLoop) ResumeAgentSession(ctx context.Context, id string) (string, error) {
	if id == "" {
		sess, err := l.store.GetOrCreateSession(ctx, l.opts.SessionID)
		if err != nil {
			return "", err
		}
		meta := map[string]any{}
		if len(sess.Metadata) > 0 {
			_ = json.Unmarshal(sess.Metadata, &meta)
		}
		id, _ = meta["agentSessionId"].(string)
	}
	if id == "" {
		return "", fmt.Errorf("no agent session to resume")
	}
	l.remote.SeedConversation(id)
	l.logger.Info("agent session resume requested", zap.String("agentSessionId", id))
	return id, nil
}

// SetSessionConfig rebuilds the agent config; the next queued message
// carries the new hash and restarts the agent session if it changed.
func (l *SessionLoop) SetSessionConfig(mode permission.Mode, model string, collab agentcfg.CollaborationMode) error {
	cfg, err := agentcfg.New(mode, model, collab, l.opts.Overrides)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	l.pipeline.SetMode(mode)
	return nil
}

func (l *SessionLoop) currentConfig() *agentcfg.Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// seedMetadata records the working directory and agent flavor so clients
// can render the session without asking the hub.
func (l *SessionLoop) seedMetadata(ctx context.Context) error {
	return l.updateMetadata(ctx, func(meta map[string]any) {
		meta["path"] = l.opts.WorkDir
		meta["flavor"] = "codex"
	})
}

// SetTitle stores the session title in metadata with optimistic retries.
func (l *SessionLoop) SetTitle(ctx context.Context, title string) error {
	return l.updateMetadata(ctx, func(meta map[string]any) {
		meta["title"] = title
	})
}

func (l *SessionLoop) updateMetadata(ctx context.Context, mutate func(map[string]any)) error {
	for attempt := 0; attempt < 3; attempt++ {
		sess, err := l.store.GetOrCreateSession(ctx, l.opts.SessionID)
		if err != nil {
			return err
		}
		meta := map[string]any{}
		if len(sess.Metadata) > 0 {
			_ = json.Unmarshal(sess.Metadata, &meta)
		}
		mutate(meta)
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		result, err := l.store.UpdateSessionMetadata(ctx, l.opts.SessionID, sess.MetadataVersion, raw)
		if err != nil {
			return err
		}
		if result.Outcome == store.OutcomeSuccess {
			return nil
		}
	}
	return fmt.Errorf("metadata update lost %d races", 3)
}

func (l *SessionLoop) updateAgentState(ctx context.Context, mutate func(map[string]any)) error {
	for attempt := 0; attempt < 3; attempt++ {
		sess, err := l.store.GetOrCreateSession(ctx, l.opts.SessionID)
		if err != nil {
			return err
		}
		state := map[string]any{}
		if len(sess.AgentState) > 0 {
			_ = json.Unmarshal(sess.AgentState, &state)
		}
		mutate(state)
		raw, err := json.Marshal(state)
		if err != nil {
			return err
		}
		result, err := l.store.UpdateSessionAgentState(ctx, l.opts.SessionID, sess.AgentStateVersion, raw)
		if err != nil {
			return err
		}
		if result.Outcome == store.OutcomeSuccess {
			return nil
		}
	}
	return fmt.Errorf("agent state update lost %d races", 3)
}

// subject is the bus subject carrying this session's outbound events.
func (l *SessionLoop) subject() string {
	return fmt.Sprintf("session.%s.events", l.opts.SessionID)
}

// publish fans one agent event to the bus and, for durable variants, the
// message log. Token counts update agent state instead.
func (l *SessionLoop) publish(ev events.AgentEvent) {
	ctx := context.Background()

	data := map[string]any{"event": ev}
	if err := l.bus.Publish(ctx, l.subject(), bus.NewEvent(string(ev.Type), "hub", data)); err != nil {
		l.logger.Warn("event publish failed", zap.Error(err))
	}

	switch ev.Type {
	case events.TypeReasoningDelta, events.TypeReasoningSectionBreak,
		events.TypeMcpStartupUpdate, events.TypeMcpStartupComplete:
		return
	case events.TypeTokenCount:
		if err := l.updateAgentState(ctx, func(state map[string]any) {
			state["tokenUsage"] = json.RawMessage(ev.Info)
		}); err != nil {
			l.logger.Warn("token usage persist failed", zap.Error(err))
		}
		return
	case events.TypePlanUpdated:
		raw, err := json.Marshal(ev.Plan)
		if err == nil {
			if err := l.store.SetSessionTodos(ctx, l.opts.SessionID, time.Now().UnixMilli(), raw); err != nil {
				l.logger.Warn("todos persist failed", zap.Error(err))
			}
		}
	}

	content, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := l.store.AddMessage(ctx, l.opts.SessionID, "", content); err != nil {
		l.logger.Warn("event persist failed", zap.Error(err))
	}
}

func (l *SessionLoop) publishThinking(thinking bool) {
	err := l.bus.Publish(context.Background(), l.subject(),
		bus.NewEvent("thinking", "hub", map[string]any{"thinking": thinking}))
	if err != nil {
		l.logger.Warn("thinking publish failed", zap.Error(err))
	}
}

func (l *SessionLoop) publishReady() {
	err := l.bus.Publish(context.Background(), l.subject(),
		bus.NewEvent("ready", "hub", map[string]any{}))
	if err != nil {
		l.logger.Warn("ready publish failed", zap.Error(err))
	}
}

// sinkEvent relays launcher status messages and ready signals.
func (l *SessionLoop) sinkEvent(ev launcher.SessionEvent) {
	if ev.Type == "ready" {
		l.publishReady()
		return
	}
	l.publish(events.AgentEvent{Type: events.TypeMessage, Text: ev.Message})
}

// persistPermissionState mirrors the pipeline's pending and completed sets
// into the stored agent state.
func (l *SessionLoop) persistPermissionState(pending map[string]permission.Request, completed []permission.CompletedRequest) {
	err := l.updateAgentState(context.Background(), func(state map[string]any) {
		state["requests"] = pending
		state["completedRequests"] = completed
	})
	if err != nil {
		l.logger.Warn("permission state persist failed", zap.Error(err))
	}
}

// onJournalEvent forwards scanner output for the bound agent session.
func (l *SessionLoop) onJournalEvent(sessionID string, ev events.AgentEvent) {
	l.publish(ev)
}

func (l *SessionLoop) onSessionFound(sessionID string) {
	l.mu.Lock()
	l.agentSID = sessionID
	l.mu.Unlock()
	l.logger.Info("agent journal session bound", zap.String("agentSessionId", sessionID))
	if err := l.updateMetadata(context.Background(), func(meta map[string]any) {
		meta["agentSessionId"] = sessionID
	}); err != nil {
		l.logger.Warn("agent session id persist failed", zap.Error(err))
	}
}

func (l *SessionLoop) onNewSession(sessionID string) {
	l.logger.Info("agent journal session switched", zap.String("agentSessionId", sessionID))
	l.onSessionFound(sessionID)
}

func (l *SessionLoop) clearAgentSession() {
	l.mu.Lock()
	l.agentSID = ""
	l.mu.Unlock()
}
