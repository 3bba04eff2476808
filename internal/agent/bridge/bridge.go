// Package bridge runs the hub-side MCP server the local agent child calls
// back into. It exposes session tools over streamable HTTP so a child
// configured with the bridge URL can rename its session or spawn a new one.
package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/happyhq/hub/internal/common/logger"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

const serverName = "happy"

// Hooks are the hub operations the tools delegate to.
type Hooks struct {
	// SetTitle renames the active session.
	SetTitle func(ctx context.Context, title string) error
	// SpawnSession starts a new session in the given directory and returns
	// its id.
	SpawnSession func(ctx context.Context, directory, prompt string) (string, error)
}

// Config holds the bridge listen settings.
type Config struct {
	// Port to listen on; 0 picks a free port.
	Port int
}

// Server hosts the bridge over streamable HTTP.
type Server struct {
	cfg    Config
	hooks  Hooks
	logger *logger.Logger

	mu         sync.Mutex
	httpServer *http.Server
	streamable *server.StreamableHTTPServer
	port       int
	running    bool
}

func New(cfg Config, hooks Hooks, log *logger.Logger) *Server {
	return &Server{cfg: cfg, hooks: hooks, logger: log.WithFields(zap.String("component", "bridge"))}
}

// Start begins serving and returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("bridge already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(serverName, "1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.streamable = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)
	mux := http.NewServeMux()
	mux.Handle("/mcp", s.streamable)

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("bridge listen failed: %w", err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.mu.Lock()
		s.port = tcpAddr.Port
		s.mu.Unlock()
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("bridge listening", zap.Int("port", s.Port()))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("bridge server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the bridge down.
func (s *Server) Stop() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("bridge shutdown failed", zap.Error(err))
		}
	}
	if s.streamable != nil {
		if err := s.streamable.Shutdown(ctx); err != nil {
			s.logger.Warn("streamable shutdown failed", zap.Error(err))
		}
	}
}

// Port returns the bound port.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Endpoint returns the URL the child should be pointed at.
func (s *Server) Endpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", s.Port())
}

func (s *Server) registerTools(m *server.MCPServer) {
	m.AddTool(
		mcp.NewTool("change_title",
			mcp.WithDescription("Set the title of the current session. Call this when the conversation topic becomes clear."),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("The new session title"),
			),
		),
		s.changeTitleHandler(),
	)

	m.AddTool(
		mcp.NewTool("spawn_session",
			mcp.WithDescription("Start a new agent session in another directory."),
			mcp.WithString("directory",
				mcp.Required(),
				mcp.Description("Absolute path of the working directory for the new session"),
			),
			mcp.WithString("prompt",
				mcp.Description("Optional first message for the new session"),
			),
		),
		s.spawnSessionHandler(),
	)

	s.logger.Info("registered bridge tools", zap.Int("count", 2))
}

func (s *Server) changeTitleHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if s.hooks.SetTitle == nil {
			return mcp.NewToolResultError("title updates are not available"), nil
		}
		if err := s.hooks.SetTitle(ctx, title); err != nil {
			s.logger.Error("title update failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to set title: %v", err)), nil
		}
		return mcp.NewToolResultText("Title updated"), nil
	}
}

func (s *Server) spawnSessionHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		directory, err := req.RequireString("directory")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt := req.GetString("prompt", "")
		if s.hooks.SpawnSession == nil {
			return mcp.NewToolResultError("session spawning is not available"), nil
		}
		id, err := s.hooks.SpawnSession(ctx, directory, prompt)
		if err != nil {
			s.logger.Error("spawn session failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to spawn session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Started session %s", id)), nil
	}
}
