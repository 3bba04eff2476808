package mcpwire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/happyhq/hub/internal/common/logger"
	"go.uber.org/zap"
)

const (
	ShortRequestTimeout = 30 * time.Second
	LongRequestTimeout  = 14 * 24 * time.Hour
)

var (
	// ErrAborted is returned when a request's context fires.
	ErrAborted = errors.New("request aborted")

	// ErrClientClosed is returned for requests issued after Stop.
	ErrClientClosed = errors.New("client closed")

	// ErrDisconnected marks a dropped transport; the caller may reset and
	// retry once.
	ErrDisconnected = errors.New("disconnected transport")
)

// IsDisconnected reports whether err looks like a dropped transport.
func IsDisconnected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrClientClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "disconnected transport") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "file already closed")
}

// RequestHandler serves a server-initiated request (elicitations).
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler receives every notification line.
type NotificationHandler func(method string, params json.RawMessage)

type pendingCall struct {
	respCh chan *Response
	method string
}

// Client speaks JSON-RPC 2.0 over a stdin/stdout pair, one message per line.
// Mirrors the app-server client but writes the jsonrpc version field the MCP
// protocol requires.
type Client struct {
	stdin  io.WriteCloser
	stdout io.Reader

	requestID atomic.Int32
	pending   map[int64]*pendingCall
	mu        sync.Mutex
	writeMu   sync.Mutex

	handlers       map[string]RequestHandler
	handlersMu     sync.RWMutex
	onNotification NotificationHandler

	logger *logger.Logger
	done   chan struct{}
	once   sync.Once
	fatal  error
}

func NewClient(stdin io.WriteCloser, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:    stdin,
		stdout:   stdout,
		pending:  make(map[int64]*pendingCall),
		handlers: make(map[string]RequestHandler),
		logger:   log.WithFields(zap.String("component", "mcp-client")),
		done:     make(chan struct{}),
	}
}

func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.onNotification = handler
}

func (c *Client) RegisterRequestHandler(method string, handler RequestHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = handler
}

func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

func (c *Client) Stop() {
	c.once.Do(func() {
		close(c.done)
		c.clearPending()
		_ = c.stdin.Close()
	})
}

// Call sends a request and waits for the response, the timeout, cancellation
// or shutdown. A cancellation that fires before dispatch never writes.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrAborted
	}
	select {
	case <-c.done:
		return nil, ErrClientClosed
	default:
	}

	id := int64(c.requestID.Add(1))

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
		}
	}

	call := &pendingCall{respCh: make(chan *Response, 1), method: method}
	c.mu.Lock()
	if c.fatal != nil {
		err := c.fatal
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = call
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&Request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-call.respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ErrAborted
	case <-timer.C:
		return nil, fmt.Errorf("request %q timed out after %s", method, timeout)
	case <-c.done:
		c.mu.Lock()
		err := c.fatal
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrClientClosed
	}
}

func (c *Client) Notify(method string, params any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params for %s: %w", method, err)
		}
	}
	return c.send(&Notification{JSONRPC: jsonRPCVersion, Method: method, Params: paramsJSON})
}

func (c *Client) SendResponse(id interface{}, result any, respErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return c.send(&Response{JSONRPC: jsonRPCVersion, ID: id, Result: resultJSON, Error: respErr})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("sent message", zap.ByteString("data", data))
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Error("unparseable line from agent", zap.Error(err))
			c.fail(fmt.Errorf("protocol error: %w", ErrDisconnected))
			return
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""

		switch {
		case hasID && !hasMethod:
			c.handleResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			go c.handleRequest(ctx, msg.ID, msg.Method, msg.Params)
		case hasMethod:
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
		default:
			c.logger.Warn("dropping frame with neither id nor method")
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
	c.fail(fmt.Errorf("agent stdout closed: %w", ErrDisconnected))
}

func (c *Client) handleResponse(resp *Response) {
	id, ok := numericID(resp.ID)
	if !ok {
		c.logger.Warn("dropping response with non-numeric id", zap.Any("id", resp.ID))
		return
	}

	c.mu.Lock()
	call, found := c.pending[id]
	c.mu.Unlock()
	if !found {
		c.logger.Warn("dropping response for unknown request", zap.Int64("id", id))
		return
	}
	call.respCh <- resp
}

func (c *Client) handleRequest(ctx context.Context, id interface{}, method string, params json.RawMessage) {
	c.handlersMu.RLock()
	handler, ok := c.handlers[method]
	c.handlersMu.RUnlock()

	if !ok {
		c.logger.Warn("no handler for agent request", zap.String("method", method))
		if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "method not found"}); err != nil {
			c.logger.Warn("failed to send method-not-found response", zap.Error(err))
		}
		return
	}

	result, err := handler(ctx, params)
	if err != nil {
		if sendErr := c.SendResponse(id, nil, &Error{Code: InternalError, Message: err.Error()}); sendErr != nil {
			c.logger.Warn("failed to send handler error response", zap.Error(sendErr))
		}
		return
	}
	if err := c.SendResponse(id, result, nil); err != nil {
		c.logger.Warn("failed to send handler response", zap.Error(err))
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.mu.Unlock()

	c.once.Do(func() {
		close(c.done)
		c.clearPending()
		_ = c.stdin.Close()
	})
}

func (c *Client) clearPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.pending {
		delete(c.pending, id)
	}
}

func numericID(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}
