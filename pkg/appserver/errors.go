package appserver

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for the distinct failure modes the session loop reacts to.
var (
	// ErrAborted is returned when a request's cancellation token fires.
	ErrAborted = errors.New("request aborted")

	// ErrClientClosed is returned for requests issued after Stop.
	ErrClientClosed = errors.New("client closed")

	// ErrProtocol is raised when the child emits an unparseable line. The
	// transport is unusable afterwards; all pending requests reject with it.
	ErrProtocol = errors.New("protocol error: unparseable message from agent")
)

// TimeoutError reports a request that exceeded its deadline.
type TimeoutError struct {
	Method string
	Limit  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %q timed out after %s", e.Method, e.Limit)
}

// SpawnError wraps a child spawn failure with actionable context.
type SpawnError struct {
	Binary string
	Cause  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v. Is it installed and on PATH?", e.Binary, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// IsDisconnected reports whether err looks like a dropped transport, which
// the remote launcher retries once with a transport reset.
func IsDisconnected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClientClosed) || errors.Is(err, ErrProtocol) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "disconnected transport") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "file already closed")
}
