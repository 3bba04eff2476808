package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/happyhq/hub/internal/common/logger"
	"go.uber.org/zap"
)

// Default request deadlines. Thread and turn requests stay open for the
// whole conversation, so their limit is effectively "forever".
const (
	ShortRequestTimeout = 30 * time.Second
	LongRequestTimeout  = 14 * 24 * time.Hour
)

// RequestHandler serves a request initiated by the agent. A returned error
// is reported to the agent as a JSON-RPC internal error (-32603).
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler receives every notification line from the agent.
type NotificationHandler func(method string, params json.RawMessage)

type pendingCall struct {
	respCh chan *Response
	method string
}

// Client handles the app-server line protocol over a stdin/stdout pair.
// It correlates requests to responses with a monotonic numeric id, routes
// agent-initiated requests to registered handlers and fans notifications
// out to a single notification handler.
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

// NewClient creates a client over the given pipes. Call Start to begin
// reading.
func NewClient(stdin io.WriteCloser, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:    stdin,
		stdout:   stdout,
		pending:  make(map[int64]*pendingCall),
		handlers: make(map[string]RequestHandler),
		logger:   log.WithFields(zap.String("component", "appserver-client")),
		done:     make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler invoked for every notification.
func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.onNotification = handler
}

// RegisterRequestHandler registers a handler for agent-initiated requests
// with the given method. Replaces any previous handler for the method.
func (c *Client) RegisterRequestHandler(method string, handler RequestHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = handler
}

// Start begins reading lines from stdout.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop terminates the client. All pending requests reject with
// ErrClientClosed. Safe to call more than once.
func (c *Client) Stop() {
	c.once.Do(func() {
		close(c.done)
		c.clearPending()
		_ = c.stdin.Close()
	})
}

// Call sends a request and waits for its response, the timeout, ctx
// cancellation or client shutdown, whichever comes first. Cancellation
// removes the pending entry and returns ErrAborted; a cancellation that
// fires before dispatch never writes to the child.
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

	if err := c.send(&Request{ID: id, Method: method, Params: paramsJSON}); err != nil {
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
		return nil, &TimeoutError{Method: method, Limit: timeout}
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

// Notify sends a notification; no response is expected.
func (c *Client) Notify(method string, params any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params for %s: %w", method, err)
		}
	}
	return c.send(&Notification{Method: method, Params: paramsJSON})
}

// SendResponse answers an agent-initiated request.
func (c *Client) SendResponse(id interface{}, result any, respErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return c.send(&Response{ID: id, Result: resultJSON, Error: respErr})
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
			// Garbage on stdout means we can no longer trust framing.
			c.logger.Error("unparseable line from agent", zap.Error(err))
			c.fail(ErrProtocol)
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
	c.fail(fmt.Errorf("agent stdout closed: %w", ErrClientClosed))
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

// fail marks the client dead, rejects pending requests and closes stdin.
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

// clearPending drops all in-flight entries. Waiters wake up through the
// closed done channel and surface the fatal error.
func (c *Client) clearPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.pending {
		delete(c.pending, id)
	}
}

// numericID normalizes a decoded JSON id to int64. Non-numeric ids are
// rejected; the protocol only ever issues numeric ids from our side.
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
