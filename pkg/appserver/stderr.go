package appserver

import (
	"bufio"
	"io"
	"sync"

	"github.com/happyhq/hub/internal/common/logger"
	"go.uber.org/zap"
)

const stderrRingSize = 50

// StderrRing drains the child's stderr, logging each line and retaining the
// most recent ones so transport failures can surface useful diagnostics.
type StderrRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewStderrRing starts draining r in a goroutine.
func NewStderrRing(r io.Reader, log *logger.Logger) *StderrRing {
	ring := &StderrRing{lines: make([]string, stderrRingSize)}
	go func() {
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			log.Debug("agent stderr", zap.String("line", line))
			ring.push(line)
		}
	}()
	return ring
}

func (r *StderrRing) push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns the buffered lines in arrival order.
func (r *StderrRing) Recent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}
