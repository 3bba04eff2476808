package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/happyhq/hub/internal/common/logger"
	"go.uber.org/zap"
)

// Transport owns one `codex app-server` child process and the line-protocol
// client speaking to it. Connect is idempotent; Disconnect closes stdin,
// best-effort kills the child and resets parser state so a later Connect
// starts clean.
type Transport struct {
	binary  string
	args    []string
	workDir string
	logger  *logger.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	client    *Client
	stderr    *StderrRing
	connected bool

	onNotification NotificationHandler
	handlers       map[string]RequestHandler
}

// NewTransport creates a transport for the given agent binary. The child is
// spawned with `<binary> app-server <args...>` inside workDir.
func NewTransport(binary, workDir string, args []string, log *logger.Logger) *Transport {
	return &Transport{
		binary:   binary,
		args:     args,
		workDir:  workDir,
		logger:   log.WithFields(zap.String("component", "appserver-transport")),
		handlers: make(map[string]RequestHandler),
	}
}

// RegisterRequestHandler registers a handler for agent-initiated requests.
// Handlers survive reconnects; they are re-applied on every Connect.
func (t *Transport) RegisterRequestHandler(method string, handler RequestHandler) {
	t.mu.Lock()
	t.handlers[method] = handler
	client := t.client
	t.mu.Unlock()
	if client != nil {
		client.RegisterRequestHandler(method, handler)
	}
}

// SetNotificationHandler sets the handler fired for every notification line.
func (t *Transport) SetNotificationHandler(handler NotificationHandler) {
	t.mu.Lock()
	t.onNotification = handler
	client := t.client
	t.mu.Unlock()
	if client != nil {
		client.SetNotificationHandler(handler)
	}
}

// Connect spawns the child and starts the read loop. Calling Connect on a
// connected transport is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	cmd := exec.Command(t.binary, append([]string{"app-server"}, t.args...)...)
	cmd.Dir = t.workDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return &SpawnError{Binary: t.binary, Cause: err}
	}

	t.cmd = cmd
	t.stderr = NewStderrRing(stderr, t.logger)
	t.client = NewClient(stdin, stdout, t.logger)
	for method, handler := range t.handlers {
		t.client.RegisterRequestHandler(method, handler)
	}
	if t.onNotification != nil {
		t.client.SetNotificationHandler(t.onNotification)
	}
	t.client.Start(ctx)
	t.connected = true

	// Reap the child so a crash rejects in-flight requests promptly.
	client := t.client
	go func() {
		err := cmd.Wait()
		if err != nil {
			t.logger.Warn("agent child exited", zap.Error(err))
		}
		client.fail(fmt.Errorf("agent process exited: %w", ErrClientClosed))
	}()

	t.logger.Info("connected to agent", zap.String("binary", t.binary), zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Disconnect tears the child down. Safe to call when not connected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return
	}
	t.connected = false

	if t.client != nil {
		t.client.Stop()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	t.client = nil
	t.cmd = nil
	t.logger.Info("disconnected from agent")
}

// RecentStderr returns the most recent stderr lines for error context.
func (t *Transport) RecentStderr() []string {
	t.mu.Lock()
	ring := t.stderr
	t.mu.Unlock()
	if ring == nil {
		return nil
	}
	return ring.Recent()
}

func (t *Transport) activeClient() (*Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.client == nil {
		return nil, fmt.Errorf("transport not connected")
	}
	return t.client, nil
}

// Initialize performs the handshake and announces the hub to the agent.
func (t *Transport) Initialize(ctx context.Context, info *ClientInfo) (*InitializeResult, error) {
	client, err := t.activeClient()
	if err != nil {
		return nil, err
	}
	resp, err := client.Call(ctx, MethodInitialize, &InitializeParams{ClientInfo: info}, ShortRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("initialize handshake failed: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("initialize error: %s", resp.Error.Message)
	}

	var result InitializeResult
	if resp.Result != nil {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.logger.Warn("failed to parse initialize result", zap.Error(err))
		}
	}
	if err := client.Notify(MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("failed to send initialized notification: %w", err)
	}
	return &result, nil
}

// StartThread starts a fresh thread and returns its id.
func (t *Transport) StartThread(ctx context.Context, params *ThreadStartParams) (string, error) {
	client, err := t.activeClient()
	if err != nil {
		return "", err
	}
	resp, err := client.Call(ctx, MethodThreadStart, params, LongRequestTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to start thread: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("thread start error: %s", resp.Error.Message)
	}

	var result ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("failed to parse thread start result: %w", err)
	}
	if result.Thread == nil || result.Thread.ID == "" {
		return "", fmt.Errorf("thread start returned no thread id")
	}
	return result.Thread.ID, nil
}

// ResumeThread resumes an existing thread by id.
func (t *Transport) ResumeThread(ctx context.Context, params *ThreadResumeParams) (string, error) {
	client, err := t.activeClient()
	if err != nil {
		return "", err
	}
	resp, err := client.Call(ctx, MethodThreadResume, params, LongRequestTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to resume thread: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("thread resume error: %s", resp.Error.Message)
	}

	var result ThreadResumeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("failed to parse thread resume result: %w", err)
	}
	if result.Thread != nil && result.Thread.ID != "" {
		return result.Thread.ID, nil
	}
	return params.ThreadID, nil
}

// StartTurn ships a user turn and returns the turn id when the server
// reports one. The call resolves when the server acknowledges the turn,
// not when the turn completes; completion arrives as a notification.
func (t *Transport) StartTurn(ctx context.Context, params *TurnStartParams) (string, error) {
	client, err := t.activeClient()
	if err != nil {
		return "", err
	}
	resp, err := client.Call(ctx, MethodTurnStart, params, LongRequestTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to start turn: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("turn start error: %s", resp.Error.Message)
	}

	var result TurnStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.logger.Warn("failed to parse turn start result", zap.Error(err))
		return "", nil
	}
	if result.Turn == nil {
		return "", nil
	}
	return result.Turn.ID, nil
}

// InterruptTurn asks the agent to abort the in-flight turn.
func (t *Transport) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	client, err := t.activeClient()
	if err != nil {
		return err
	}
	resp, err := client.Call(ctx, MethodTurnInterrupt, &TurnInterruptParams{
		ThreadID: threadID,
		TurnID:   turnID,
	}, ShortRequestTimeout)
	if err != nil {
		return fmt.Errorf("failed to interrupt turn: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("turn interrupt error: %s", resp.Error.Message)
	}
	return nil
}
