//go:build !windows

package launcher

import (
	"context"
	"testing"

	"github.com/happyhq/hub/internal/common/logger"
	"github.com/happyhq/hub/internal/session"
)

func newLocalFixture() (*LocalLauncher, *session.Queue, *recordingSink, *int) {
	queue := session.NewQueue()
	sink := &recordingSink{}
	cleared := 0
	l := NewLocalLauncher(
		LocalOptions{SessionID: "sess-1", Binary: "codex"},
		queue, sink.sink, nil,
		func() { cleared++ },
		logger.Default(),
	)
	return l, queue, sink, &cleared
}

func TestInterceptConsumesResetCommands(t *testing.T) {
	l, queue, _, _ := newLocalFixture()
	queue.SetOnMessage(l.intercept)

	queue.PushIsolateAndClear(session.CommandNew)

	if queue.Len() != 0 {
		t.Error("reset command left in the queue")
	}
	if cmd := l.takeResetCommand(); cmd != session.CommandNew {
		t.Errorf("expected %s recorded, got %q", session.CommandNew, cmd)
	}
	// takeResetCommand clears the flag.
	if cmd := l.takeResetCommand(); cmd != "" {
		t.Errorf("reset flag not cleared, got %q", cmd)
	}
}

func TestInterceptLeavesForeignMessages(t *testing.T) {
	l, queue, _, _ := newLocalFixture()
	queue.SetOnMessage(l.intercept)

	queue.Push(session.QueuedMessage{Text: "do something"})

	if queue.Len() != 1 {
		t.Error("foreign message consumed by the interceptor")
	}
	if cmd := l.takeResetCommand(); cmd != "" {
		t.Errorf("foreign message recorded as reset: %q", cmd)
	}
	if !l.hasForeignMessage() {
		t.Error("foreign message not detected at top of loop")
	}
}

func TestModelCommandIsForeignLocally(t *testing.T) {
	// /model needs the remote transport, so the local launcher treats it
	// like any other message and hands off.
	l, queue, _, _ := newLocalFixture()
	queue.SetOnMessage(l.intercept)

	queue.PushIsolateAndClear(session.CommandModel)

	if queue.Len() != 1 {
		t.Error("/model was consumed locally")
	}
	if !l.hasForeignMessage() {
		t.Error("/model did not trigger a handoff")
	}
}

func TestHelperStartFailureUnwindsStarted(t *testing.T) {
	var order []string
	ok := &scriptedHelper{name: "a", order: &order}
	bad := &scriptedHelper{name: "b", order: &order, failStart: true}

	queue := session.NewQueue()
	l := NewLocalLauncher(
		LocalOptions{SessionID: "sess-1", Binary: "codex"},
		queue, nil, []Helper{ok, bad}, nil, logger.Default(),
	)

	if err := l.startHelpers(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}
	want := []string{"start a", "start b", "stop a"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order %v", order)
		}
	}
}

func TestTtySessionReleaseIsIdempotent(t *testing.T) {
	tty, err := AcquireTty()
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	tty.Release()
	tty.Release()

	var nilTty *TtySession
	nilTty.Release()
	if _, _, ok := nilTty.Size(); ok {
		t.Error("nil session reported a size")
	}
}

type scriptedHelper struct {
	name      string
	order     *[]string
	failStart bool
}

func (h *scriptedHelper) Start(ctx context.Context) error {
	*h.order = append(*h.order, "start "+h.name)
	if h.failStart {
		return context.Canceled
	}
	return nil
}

func (h *scriptedHelper) Stop() {
	*h.order = append(*h.order, "stop "+h.name)
}
