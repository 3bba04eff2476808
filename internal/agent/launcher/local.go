//go:build !windows

package launcher

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/happyhq/hub/internal/common/logger"
	"github.com/happyhq/hub/internal/session"
	"go.uber.org/zap"
)

// Helper is a supporting service that lives alongside the local child,
// such as the journal scanner or the MCP bridge.
type Helper interface {
	Start(ctx context.Context) error
	Stop()
}

// LocalOptions configure a local launcher.
type LocalOptions struct {
	SessionID string
	Binary    string
	WorkDir   string
	ExtraArgs []string
	// Env yields entries appended to the child environment, e.g. the
	// bridge URL. Evaluated per spawn, after helpers are up, because the
	// bridge only knows its port once it is listening.
	Env func() []string
}

// LocalLauncher runs the agent child interactively on a PTY. Queue-level
// reset commands restart the child in place; any other queued message
// hands the session to the remote launcher.
type LocalLauncher struct {
	opts    LocalOptions
	queue   *session.Queue
	sink    Sink
	helpers []Helper
	logger  *logger.Logger

	// clearSession drops the cached active session binding on reset.
	clearSession func()

	mu           sync.Mutex
	ptmx         *os.File
	child        *exec.Cmd
	resetCommand string
}

func NewLocalLauncher(
	opts LocalOptions,
	queue *session.Queue,
	sink Sink,
	helpers []Helper,
	clearSession func(),
	log *logger.Logger,
) *LocalLauncher {
	return &LocalLauncher{
		opts:         opts,
		queue:        queue,
		sink:         sink,
		helpers:      helpers,
		clearSession: clearSession,
		logger:       log.WithSessionID(opts.SessionID).WithFields(zap.String("launcher", "local")),
	}
}

// Run spawns the child on a PTY and blocks until a queued message forces
// a switch, the user exits the child, or the context is cancelled.
func (l *LocalLauncher) Run(ctx context.Context) (ExitReason, error) {
	if err := l.startHelpers(ctx); err != nil {
		return ExitReasonExit, err
	}
	defer l.stopHelpers()

	l.queue.SetOnMessage(l.intercept)
	defer l.queue.SetOnMessage(nil)

	for {
		// A non-reset message waiting at top of loop means the user is
		// talking remotely; hand off without spawning.
		if l.hasForeignMessage() {
			return ExitReasonSwitch, nil
		}

		err := l.runChild(ctx)

		reset := l.takeResetCommand()
		if reset != "" {
			l.sendStatus(statusNewConversation)
			if l.clearSession != nil {
				l.clearSession()
			}
			l.restartHelpers(ctx)
			continue
		}

		if ctx.Err() != nil {
			return ExitReasonExit, nil
		}
		if l.hasForeignMessage() {
			return ExitReasonSwitch, nil
		}
		if err != nil {
			l.logger.Warn("child exited with error", zap.Error(err))
		}
		return ExitReasonExit, err
	}
}

// intercept runs on every queue admission. Reset commands are consumed
// here and restart the child; anything else aborts the child so Run can
// switch to the remote launcher.
func (l *LocalLauncher) intercept() {
	msg, ok := l.queue.Peek()
	if !ok {
		return
	}
	if msg.Text == session.CommandNew || msg.Text == session.CommandClear {
		l.queue.Pop()
		l.mu.Lock()
		l.resetCommand = msg.Text
		l.mu.Unlock()
	}
	l.stopChild()
}

func (l *LocalLauncher) takeResetCommand() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	cmd := l.resetCommand
	l.resetCommand = ""
	return cmd
}

func (l *LocalLauncher) hasForeignMessage() bool {
	msg, ok := l.queue.Peek()
	if !ok {
		return false
	}
	return msg.Text != session.CommandNew && msg.Text != session.CommandClear
}

// runChild spawns one interactive child attached to the invoking terminal
// and waits for it to exit.
func (l *LocalLauncher) runChild(ctx context.Context) error {
	cmd := exec.Command(l.opts.Binary, l.opts.ExtraArgs...)
	cmd.Dir = l.opts.WorkDir
	cmd.Env = os.Environ()
	if l.opts.Env != nil {
		cmd.Env = append(cmd.Env, l.opts.Env()...)
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		l.logger.Error("failed to start child pty", zap.Error(err))
		return err
	}

	tty, err := AcquireTty()
	if err != nil {
		l.logger.Warn("raw mode unavailable", zap.Error(err))
	}
	defer tty.Release()
	l.mu.Lock()
	l.ptmx = ptmx
	l.child = cmd
	l.mu.Unlock()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			if err := pty.InheritSize(os.Stdin, ptmx); err != nil {
				l.logger.Debug("pty resize failed", zap.Error(err))
			}
		}
	}()
	winch <- syscall.SIGWINCH

	go func() { _, _ = io.Copy(ptmx, os.Stdin) }()
	go func() { _, _ = io.Copy(os.Stdout, ptmx) }()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		l.stopChild()
		waitErr = <-waitDone
	}

	signal.Stop(winch)
	close(winch)

	l.mu.Lock()
	l.ptmx = nil
	l.child = nil
	l.mu.Unlock()
	_ = ptmx.Close()

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		// A killed child is the normal outcome of an intercept.
		return nil
	}
	return waitErr
}

// stopChild terminates the running child, SIGTERM first.
func (l *LocalLauncher) stopChild() {
	l.mu.Lock()
	child := l.child
	l.mu.Unlock()
	if child == nil || child.Process == nil {
		return
	}
	if err := child.Process.Signal(syscall.SIGTERM); err != nil {
		_ = child.Process.Kill()
		return
	}
	go func(p *os.Process) {
		time.Sleep(3 * time.Second)
		_ = p.Kill()
	}(child.Process)
}

func (l *LocalLauncher) startHelpers(ctx context.Context) error {
	for i, h := range l.helpers {
		if err := h.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				l.helpers[j].Stop()
			}
			return err
		}
	}
	return nil
}

func (l *LocalLauncher) stopHelpers() {
	for i := len(l.helpers) - 1; i >= 0; i-- {
		l.helpers[i].Stop()
	}
}

func (l *LocalLauncher) restartHelpers(ctx context.Context) {
	l.stopHelpers()
	if err := l.startHelpers(ctx); err != nil {
		l.logger.Warn("helper restart failed", zap.Error(err))
	}
}

func (l *LocalLauncher) sendStatus(text string) {
	if l.sink == nil {
		return
	}
	l.sink(SessionEvent{Type: "message", Message: text})
}
