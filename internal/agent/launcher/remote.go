package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/happyhq/hub/internal/agent/agentcfg"
	"github.com/happyhq/hub/internal/agent/events"
	"github.com/happyhq/hub/internal/agent/permission"
	"github.com/happyhq/hub/internal/agent/stream"
	"github.com/happyhq/hub/internal/common/logger"
	"github.com/happyhq/hub/internal/common/tracing"
	"github.com/happyhq/hub/internal/rpc"
	"github.com/happyhq/hub/internal/session"
	"github.com/happyhq/hub/pkg/appserver"
	"github.com/happyhq/hub/pkg/mcpwire"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// driver is the transport-specific half of the remote launcher. Both wire
// variants implement it.
type driver interface {
	connect(ctx context.Context) error
	disconnect()
	runTurn(ctx context.Context, text string, cfg *agentcfg.Config, forceFresh bool) (bool, error)
	interrupt(ctx context.Context) error
	clearConversation(keepPrev bool)
	seedConversation(id string)
	hasConversation() bool
	isDisconnected(err error) bool
	resetProcessors()
}

// RemoteOptions configure a remote launcher.
type RemoteOptions struct {
	SessionID string
	Binary    string
	WorkDir   string
	ExtraArgs []string

	// ForceMCP skips the app-server transport entirely.
	ForceMCP bool

	ClientName    string
	ClientVersion string
}

// RemoteLauncher drives queued messages through the dual transport.
// App-server is preferred; MCP is the fallback.
type RemoteLauncher struct {
	opts     RemoteOptions
	queue    *session.Queue
	fsm      *stream.ThinkingFSM
	pipeline *permission.Pipeline
	publish  func(events.AgentEvent)
	sink     Sink
	registry *rpc.Registry
	config   ConfigProvider
	logger   *logger.Logger

	// newDriver builds the preferred transport driver; tests replace it.
	newDriver func() driver

	mu              sync.Mutex
	driver          driver
	currentModeHash string
	resumeID        string
	forceFresh      bool
	abortCancel     context.CancelFunc
	shutdown        bool

	wake     chan struct{}
	switchCh chan struct{}
	exitCh   chan struct{}
}

// NewRemoteLauncher wires a launcher over the shared session plumbing.
func NewRemoteLauncher(
	opts RemoteOptions,
	queue *session.Queue,
	fsm *stream.ThinkingFSM,
	pipeline *permission.Pipeline,
	publish func(events.AgentEvent),
	sink Sink,
	registry *rpc.Registry,
	config ConfigProvider,
	log *logger.Logger,
) *RemoteLauncher {
	l := &RemoteLauncher{
		opts:     opts,
		queue:    queue,
		fsm:      fsm,
		pipeline: pipeline,
		publish:  publish,
		sink:     sink,
		registry: registry,
		config:   config,
		logger:   log.WithSessionID(opts.SessionID).WithFields(zap.String("launcher", "remote")),
		wake:     make(chan struct{}, 1),
		switchCh: make(chan struct{}, 1),
		exitCh:   make(chan struct{}, 1),
	}
	l.newDriver = l.selectDriver
	return l
}

// RequestSwitch asks the launcher to hand off to the local launcher.
func (l *RemoteLauncher) RequestSwitch() {
	select {
	case l.switchCh <- struct{}{}:
	default:
	}
}

// RequestExit asks the launcher to terminate the session loop.
func (l *RemoteLauncher) RequestExit() {
	select {
	case l.exitCh <- struct{}{}:
	default:
	}
}

// Run connects, serves queued messages and returns when switched, exited
// or cancelled.
func (l *RemoteLauncher) Run(ctx context.Context) (ExitReason, error) {
	if err := l.connect(ctx); err != nil {
		return ExitReasonExit, err
	}
	defer l.teardown()

	l.registerHandlers(ctx)
	defer l.registry.ReplaceWithNoop(l.opts.SessionID,
		rpc.MethodAbort, rpc.MethodSwitch, rpc.MethodPermission)

	l.queue.SetOnMessage(func() {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	})
	defer l.queue.SetOnMessage(nil)

	for {
		msg, ok := l.queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				l.setShutdown()
				return ExitReasonExit, nil
			case <-l.exitCh:
				l.setShutdown()
				return ExitReasonExit, nil
			case <-l.switchCh:
				return ExitReasonSwitch, nil
			case <-l.wake:
				continue
			}
		}

		l.handleMessage(ctx, msg)

		if d := l.activeDriver(); d != nil {
			d.resetProcessors()
		}
		l.fsm.Finalize(l.queue.Len() == 0, l.isShutdown() || ctx.Err() != nil)

		select {
		case <-l.exitCh:
			l.setShutdown()
			return ExitReasonExit, nil
		case <-l.switchCh:
			return ExitReasonSwitch, nil
		default:
		}
	}
}

// selectDriver builds the preferred transport: app-server unless the env
// hint forces MCP.
func (l *RemoteLauncher) selectDriver() driver {
	if l.opts.ForceMCP {
		return l.mcpDriver()
	}
	transport := appserver.NewTransport(l.opts.Binary, l.opts.WorkDir, l.opts.ExtraArgs, l.logger)
	info := &appserver.ClientInfo{Name: l.opts.ClientName, Version: l.opts.ClientVersion}
	return newAppServerDriver(transport, l.fsm, l.pipeline, l.publish, info, l.logger)
}

func (l *RemoteLauncher) mcpDriver() driver {
	info := &mcpwire.Implementation{Name: l.opts.ClientName, Version: l.opts.ClientVersion}
	transport := mcpwire.NewTransport(l.opts.Binary, l.opts.WorkDir, l.opts.ExtraArgs, info, l.logger)
	return newMCPDriver(transport, l.fsm, l.pipeline, l.publish, l.logger)
}

// connect establishes the transport. On app-server init failure the
// launcher falls back to MCP; the fallback driver registers its own
// handlers on its transport.
func (l *RemoteLauncher) connect(ctx context.Context) error {
	d := l.newDriver()
	if err := d.connect(ctx); err != nil {
		if l.opts.ForceMCP {
			return fmt.Errorf("failed to connect to agent: %w", err)
		}
		l.logger.Warn("app-server init failed, falling back to mcp", zap.Error(err))
		d = l.mcpDriver()
		if err := d.connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to agent: %w", err)
		}
	}
	l.mu.Lock()
	l.driver = d
	resumeID := l.resumeID
	l.resumeID = ""
	l.mu.Unlock()
	if resumeID != "" {
		d.seedConversation(resumeID)
	}
	return nil
}

// SeedConversation primes the transport with a prior agent conversation id
// so the next turn resumes it instead of starting fresh. When no transport
// is connected yet the id is held until connect consumes it.
func (l *RemoteLauncher) SeedConversation(id string) {
	if id == "" {
		return
	}
	l.mu.Lock()
	d := l.driver
	if d == nil {
		l.resumeID = id
	}
	l.mu.Unlock()
	if d != nil {
		d.seedConversation(id)
	}
}

func (l *RemoteLauncher) activeDriver() driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.driver
}

func (l *RemoteLauncher) teardown() {
	if d := l.activeDriver(); d != nil {
		d.disconnect()
	}
}

func (l *RemoteLauncher) registerHandlers(ctx context.Context) {
	l.registry.Register(l.opts.SessionID, rpc.MethodAbort, func(_ context.Context, _ json.RawMessage) (any, error) {
		l.abort(ctx)
		return map[string]bool{"ok": true}, nil
	})
	l.registry.Register(l.opts.SessionID, rpc.MethodSwitch, func(_ context.Context, _ json.RawMessage) (any, error) {
		l.RequestSwitch()
		return map[string]bool{"ok": true}, nil
	})
	l.registry.Register(l.opts.SessionID, rpc.MethodPermission, func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ID       string          `json:"id"`
			Approved bool            `json:"approved"`
			Decision string          `json:"decision"`
			Reason   string          `json:"reason"`
			Answers  json.RawMessage `json:"answers"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad permission params: %w", err)
		}
		if !l.pipeline.Resolve(p.ID, p.Approved, permission.Decision(p.Decision), p.Reason, p.Answers) {
			return nil, fmt.Errorf("no pending permission request %s", p.ID)
		}
		return map[string]bool{"ok": true}, nil
	})
}

// abort cancels the in-flight turn: cancel the turn context, best-effort
// wire interrupt, reset processors and queue. The transport stays
// connected.
func (l *RemoteLauncher) abort(ctx context.Context) {
	l.mu.Lock()
	cancel := l.abortCancel
	d := l.driver
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if d != nil {
		interruptCtx, done := context.WithTimeout(ctx, appserver.ShortRequestTimeout)
		defer done()
		if err := d.interrupt(interruptCtx); err != nil {
			l.logger.Debug("turn interrupt failed", zap.Error(err))
		}
		d.resetProcessors()
	}
	l.queue.Reset()
	l.fsm.Abort()
}

func (l *RemoteLauncher) handleMessage(ctx context.Context, msg session.QueuedMessage) {
	if msg.Isolated || session.IsIsolatedCommand(msg.Text) {
		l.handleIsolated(ctx, msg.Text)
		return
	}

	// A mode change between messages forces a session restart; the message
	// is requeued and served under the new mode.
	l.mu.Lock()
	hashChanged := msg.Hash != "" && l.currentModeHash != "" && msg.Hash != l.currentModeHash
	d := l.driver
	l.mu.Unlock()
	if hashChanged && d != nil && d.hasConversation() {
		l.logger.Info("mode hash changed, restarting session")
		l.resetConversation(false)
		l.setModeHash(msg.Hash)
		l.queue.Requeue(msg)
		return
	}
	l.setModeHash(msg.Hash)

	l.fsm.UserMessageAccepted()

	turnCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.abortCancel = cancel
	l.mu.Unlock()
	defer func() {
		cancel()
		l.mu.Lock()
		l.abortCancel = nil
		l.mu.Unlock()
	}()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		aborted, err := l.runTurn(turnCtx, msg)
		if err == nil {
			return
		}
		if aborted || errors.Is(err, appserver.ErrAborted) || errors.Is(err, mcpwire.ErrAborted) {
			l.sendStatus(statusAborted)
			return
		}
		if l.activeDriver().isDisconnected(err) {
			l.logger.Warn("transport disconnected, retrying once", zap.Error(err))
			if resetErr := l.resetTransport(ctx); resetErr != nil {
				lastErr = resetErr
				break
			}
			lastErr = err
			continue
		}
		// Generic failure: surface and drop thread identity.
		l.sendStatus(fmt.Sprintf("Codex error: %v", err))
		l.resetConversation(false)
		return
	}

	if lastErr != nil {
		l.sendStatus(statusDisconnected)
		l.resetConversation(false)
	}
}

func (l *RemoteLauncher) runTurn(ctx context.Context, msg session.QueuedMessage) (bool, error) {
	ctx, span := tracing.Tracer("launcher").Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("session.id", l.opts.SessionID)))
	defer span.End()

	cfg := l.config()

	l.mu.Lock()
	d := l.driver
	forceFresh := l.forceFresh
	l.mu.Unlock()

	aborted, err := d.runTurn(ctx, msg.Text, cfg, forceFresh)
	if err == nil {
		l.mu.Lock()
		l.forceFresh = false
		l.mu.Unlock()
	} else {
		span.RecordError(err)
	}
	return aborted, err
}

// handleIsolated executes a reset command. /new drops and re-establishes
// the transport; /clear and /model only clear ids.
func (l *RemoteLauncher) handleIsolated(ctx context.Context, command string) {
	l.logger.Info("isolated command", zap.String("command", command))

	l.pipeline.Reset()
	if d := l.activeDriver(); d != nil {
		d.resetProcessors()
	}
	l.resetConversation(true)
	l.fsm.IsolatedCommand()

	if command == session.CommandNew {
		if err := l.resetTransport(ctx); err != nil {
			l.logger.Warn("transport re-establish failed", zap.Error(err))
		}
	}
	// Only /new and /clear announce themselves. /model also resets the
	// conversation, but its status comes from the client that changed the
	// model; a second message here would duplicate it.
	if command == session.CommandNew || command == session.CommandClear {
		l.sendStatus(statusNewConversation)
	}
	// The ready signal comes from the FSM finalizer after this message is
	// handled; emitting it here too would double it on the bus.
}

// resetConversation drops thread/session identity. keepPrev preserves the
// previous app-server thread id for forced-fresh detection.
func (l *RemoteLauncher) resetConversation(keepPrev bool) {
	l.mu.Lock()
	l.forceFresh = true
	d := l.driver
	l.mu.Unlock()
	if d != nil {
		d.clearConversation(keepPrev)
	}
}

// resetTransport tears down and reconnects the transport.
func (l *RemoteLauncher) resetTransport(ctx context.Context) error {
	l.teardown()
	return l.connect(ctx)
}

func (l *RemoteLauncher) setModeHash(hash string) {
	if hash == "" {
		return
	}
	l.mu.Lock()
	l.currentModeHash = hash
	l.mu.Unlock()
}

func (l *RemoteLauncher) sendStatus(text string) {
	if l.sink == nil {
		return
	}
	l.sink(SessionEvent{Type: "message", Message: text})
}

func (l *RemoteLauncher) setShutdown() {
	l.mu.Lock()
	l.shutdown = true
	l.mu.Unlock()
}

func (l *RemoteLauncher) isShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}
