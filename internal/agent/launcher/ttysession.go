//go:build !windows

package launcher

import (
	"os"

	"golang.org/x/term"
)

// TtySession scopes ownership of the invoking terminal around one child
// run: raw mode on acquire, restoration on release. Release is safe on
// every exit path, including when stdin is not a terminal.
type TtySession struct {
	fd    int
	state *term.State
}

// AcquireTty puts stdin into raw mode. When stdin is not a terminal the
// session is a no-op, so the launcher also works under a pipe.
func AcquireTty() (*TtySession, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return &TtySession{fd: -1}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &TtySession{fd: fd, state: state}, nil
}

// Size reports the terminal dimensions, ok false when stdin is no
// terminal.
func (t *TtySession) Size() (cols, rows int, ok bool) {
	if t == nil || t.fd < 0 {
		return 0, 0, false
	}
	cols, rows, err := term.GetSize(t.fd)
	if err != nil {
		return 0, 0, false
	}
	return cols, rows, true
}

// Release restores the terminal state. Idempotent.
func (t *TtySession) Release() {
	if t == nil || t.state == nil {
		return
	}
	_ = term.Restore(t.fd, t.state)
	t.state = nil
}
