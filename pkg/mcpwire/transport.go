package mcpwire

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/happyhq/hub/internal/common/logger"
	"go.uber.org/zap"
)

// The MCP subcommand was renamed from "mcp" to "mcp-server" in agent 0.23.
const mcpServerMinMinor = 23

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// Transport drives a Codex agent over its MCP stdio server. Conversations
// run through the codex / codex-reply tools; approvals arrive as
// elicitation requests.
type Transport struct {
	binary  string
	args    []string
	workDir string
	logger  *logger.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	client    *Client
	connected bool
	identity  ThreadIdentity

	onNotification NotificationHandler
	handlers       map[string]RequestHandler
	clientInfo     *Implementation
}

// NewTransport creates an MCP transport for the given agent binary.
func NewTransport(binary, workDir string, args []string, info *Implementation, log *logger.Logger) *Transport {
	return &Transport{
		binary:     binary,
		args:       args,
		workDir:    workDir,
		clientInfo: info,
		logger:     log.WithFields(zap.String("component", "mcp-transport")),
		handlers:   make(map[string]RequestHandler),
	}
}

// RegisterElicitationHandler registers the handler that answers approval
// prompts. Survives reconnects.
func (t *Transport) RegisterElicitationHandler(handler RequestHandler) {
	t.RegisterRequestHandler(MethodElicitationCreate, handler)
}

// RegisterRequestHandler registers a handler for server-initiated requests.
func (t *Transport) RegisterRequestHandler(method string, handler RequestHandler) {
	t.mu.Lock()
	t.handlers[method] = handler
	client := t.client
	t.mu.Unlock()
	if client != nil {
		client.RegisterRequestHandler(method, handler)
	}
}

// SetNotificationHandler sets the handler fired for every notification.
// codex/event payloads are scanned for session id drift before forwarding.
func (t *Transport) SetNotificationHandler(handler NotificationHandler) {
	t.mu.Lock()
	t.onNotification = handler
	client := t.client
	t.mu.Unlock()
	if client != nil {
		client.SetNotificationHandler(t.wrapNotifications(handler))
	}
}

func (t *Transport) wrapNotifications(handler NotificationHandler) NotificationHandler {
	return func(method string, params json.RawMessage) {
		if method == NotifyCodexEvent {
			t.mu.Lock()
			t.identity.Absorb(params)
			t.mu.Unlock()
		}
		if handler != nil {
			handler(method, params)
		}
	}
}

// Connect probes the agent version, spawns the matching MCP subcommand and
// performs the handshake. Idempotent.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	subcommand := t.detectSubcommand(ctx)

	cmd := exec.Command(t.binary, append([]string{subcommand}, t.args...)...)
	cmd.Dir = t.workDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %q: %v. Is it installed and on PATH?", t.binary, err)
	}

	client := NewClient(stdin, stdout, t.logger)

	t.mu.Lock()
	t.cmd = cmd
	t.client = client
	for method, handler := range t.handlers {
		client.RegisterRequestHandler(method, handler)
	}
	if t.onNotification != nil {
		client.SetNotificationHandler(t.wrapNotifications(t.onNotification))
	}
	t.connected = true
	t.mu.Unlock()

	client.Start(ctx)

	go func() {
		if err := cmd.Wait(); err != nil {
			t.logger.Warn("agent child exited", zap.Error(err))
		}
		client.fail(fmt.Errorf("agent process exited: %w", ErrDisconnected))
	}()

	if err := t.handshake(ctx, client); err != nil {
		t.Disconnect()
		return err
	}

	t.logger.Info("connected to agent over mcp",
		zap.String("binary", t.binary), zap.String("subcommand", subcommand))
	return nil
}

func (t *Transport) handshake(ctx context.Context, client *Client) error {
	resp, err := client.Call(ctx, MethodInitialize, &InitializeParams{
		ProtocolVersion: "2025-06-18",
		Capabilities:    &ClientCapabilities{Elicitation: map[string]any{}},
		ClientInfo:      t.clientInfo,
	}, ShortRequestTimeout)
	if err != nil {
		return fmt.Errorf("mcp initialize failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("mcp initialize error: %s", resp.Error.Message)
	}
	if err := client.Notify(MethodInitializedNotify, map[string]any{}); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	return nil
}

// detectSubcommand runs `<binary> --version` and picks the MCP subcommand
// for the detected release. Unknown output assumes a current agent.
func (t *Transport) detectSubcommand(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, t.binary, "--version").Output()
	if err != nil {
		t.logger.Debug("version probe failed, assuming current agent", zap.Error(err))
		return "mcp-server"
	}
	return subcommandForVersion(strings.TrimSpace(string(out)))
}

func subcommandForVersion(version string) string {
	m := versionRe.FindStringSubmatch(version)
	if m == nil {
		return "mcp-server"
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	if major == 0 && minor < mcpServerMinMinor {
		return "mcp"
	}
	return "mcp-server"
}

// Disconnect tears the child down and clears parser state. The bound
// session identity survives so a reconnect can resume.
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

// Reset drops the child and reconnects. Used for the one-shot retry after a
// disconnected-transport error.
func (t *Transport) Reset(ctx context.Context) error {
	t.Disconnect()
	return t.Connect(ctx)
}

// Identity returns a copy of the currently bound ids.
func (t *Transport) Identity() ThreadIdentity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// SeedSession binds a stored session id so codex-reply continues a prior
// conversation. Ids already bound win over the seed.
func (t *Transport) SeedSession(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id != "" && t.identity.Empty() {
		t.identity.SessionID = id
	}
}

// ClearSession unbinds all ids so the next conversation starts fresh.
func (t *Transport) ClearSession() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.identity.Clear()
}

func (t *Transport) activeClient() (*Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.client == nil {
		return nil, fmt.Errorf("transport not connected: %w", ErrDisconnected)
	}
	return t.client, nil
}

// StartConversation calls the codex tool with the given prompt and
// configuration. Blocks until the turn completes; ids found in the result
// are absorbed into the transport identity.
func (t *Transport) StartConversation(ctx context.Context, prompt string, config map[string]any) (*CallToolResult, error) {
	args := map[string]any{"prompt": prompt}
	for k, v := range config {
		args[k] = v
	}
	return t.callTool(ctx, ToolCodex, args)
}

// ContinueConversation calls codex-reply against the bound session.
func (t *Transport) ContinueConversation(ctx context.Context, prompt string) (*CallToolResult, error) {
	t.mu.Lock()
	id := t.identity.Best()
	t.mu.Unlock()
	if id == "" {
		return nil, fmt.Errorf("no session bound; start a conversation first")
	}
	return t.callTool(ctx, ToolCodexReply, map[string]any{
		"sessionId": id,
		"prompt":    prompt,
	})
}

func (t *Transport) callTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	client, err := t.activeClient()
	if err != nil {
		return nil, err
	}
	resp, err := client.Call(ctx, MethodToolsCall, &CallToolParams{Name: name, Arguments: args}, LongRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("tool %s failed: %w", name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tool %s error: %s", name, resp.Error.Message)
	}

	var result CallToolResult
	if resp.Result != nil {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to parse tool result: %w", err)
		}
	}

	t.mu.Lock()
	t.identity.AbsorbToolResult(&result)
	t.mu.Unlock()

	if result.IsError {
		return &result, fmt.Errorf("tool %s reported an error: %s", name, firstText(result.Content))
	}
	return &result, nil
}

func firstText(blocks []ContentBlock) string {
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			return b.Text
		}
	}
	return ""
}
