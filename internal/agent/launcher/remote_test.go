package launcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/happyhq/hub/internal/agent/agentcfg"
	"github.com/happyhq/hub/internal/agent/events"
	"github.com/happyhq/hub/internal/agent/permission"
	"github.com/happyhq/hub/internal/agent/stream"
	"github.com/happyhq/hub/internal/common/logger"
	"github.com/happyhq/hub/internal/rpc"
	"github.com/happyhq/hub/internal/session"
	"github.com/happyhq/hub/pkg/appserver"
)

// fakeDriver scripts turn outcomes and records what the launcher did.
type fakeDriver struct {
	mu          sync.Mutex
	turnErrs    []error
	turns       []string
	forceFresh  []bool
	seeded      []string
	hasConv     bool
	cleared     int
	connects    int
	disconnects int
	interrupts  int
	onTurn      func()
}

func (d *fakeDriver) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	return nil
}

func (d *fakeDriver) disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
}

func (d *fakeDriver) runTurn(ctx context.Context, text string, cfg *agentcfg.Config, forceFresh bool) (bool, error) {
	d.mu.Lock()
	d.turns = append(d.turns, text)
	d.forceFresh = append(d.forceFresh, forceFresh)
	var err error
	if len(d.turnErrs) > 0 {
		err = d.turnErrs[0]
		d.turnErrs = d.turnErrs[1:]
	}
	onTurn := d.onTurn
	d.mu.Unlock()
	if onTurn != nil {
		onTurn()
	}
	if err == nil {
		d.mu.Lock()
		d.hasConv = true
		d.mu.Unlock()
	}
	return false, err
}

func (d *fakeDriver) interrupt(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interrupts++
	return nil
}

func (d *fakeDriver) clearConversation(keepPrev bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared++
	d.hasConv = false
}

func (d *fakeDriver) seedConversation(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seeded = append(d.seeded, id)
}

func (d *fakeDriver) hasConversation() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasConv
}

func (d *fakeDriver) isDisconnected(err error) bool {
	return err != nil && err.Error() == "disconnected transport"
}

func (d *fakeDriver) resetProcessors() {}

type recordingSink struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (s *recordingSink) sink(ev SessionEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.Type == "message" {
			out = append(out, ev.Message)
		}
	}
	return out
}

func (s *recordingSink) readyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == "ready" {
			n++
		}
	}
	return n
}

type remoteFixture struct {
	launcher *RemoteLauncher
	driver   *fakeDriver
	queue    *session.Queue
	fsm      *stream.ThinkingFSM
	sink     *recordingSink
	thinking []bool
	ready    int
	mu       sync.Mutex
}

// readyCount sums ready signals from both paths a session loop listens
// on: the FSM finalizer and the launcher sink.
func (f *remoteFixture) readyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready + f.sink.readyCount()
}

func newRemoteFixture(t *testing.T) *remoteFixture {
	t.Helper()
	f := newDisconnectedFixture(t)
	if err := f.launcher.connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return f
}

func newDisconnectedFixture(t *testing.T) *remoteFixture {
	t.Helper()
	f := &remoteFixture{
		driver: &fakeDriver{},
		queue:  session.NewQueue(),
		sink:   &recordingSink{},
	}
	f.fsm = stream.NewThinkingFSM(func(thinking bool) {
		f.mu.Lock()
		f.thinking = append(f.thinking, thinking)
		f.mu.Unlock()
	}, func() {
		f.mu.Lock()
		f.ready++
		f.mu.Unlock()
	})

	log := logger.Default()
	pipeline := permission.NewPipeline(permission.ModeYolo, nil, nil, log)
	cfg, err := agentcfg.New(permission.ModeDefault, "", "", nil)
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	f.launcher = NewRemoteLauncher(
		RemoteOptions{SessionID: "sess-1", Binary: "codex"},
		f.queue, f.fsm, pipeline, func(events.AgentEvent) {}, f.sink.sink,
		rpc.NewRegistry(log), func() *agentcfg.Config { return cfg }, log,
	)
	f.launcher.newDriver = func() driver { return f.driver }
	return f
}

func TestSeedConversationPrimesConnectedDriver(t *testing.T) {
	f := newRemoteFixture(t)

	f.launcher.SeedConversation("agent-sess-1")

	if len(f.driver.seeded) != 1 || f.driver.seeded[0] != "agent-sess-1" {
		t.Fatalf("seed did not reach the driver: %v", f.driver.seeded)
	}
}

func TestSeedConversationHeldUntilConnect(t *testing.T) {
	f := newDisconnectedFixture(t)

	f.launcher.SeedConversation("agent-sess-2")
	if len(f.driver.seeded) != 0 {
		t.Fatalf("seed applied before any transport existed: %v", f.driver.seeded)
	}

	if err := f.launcher.connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if len(f.driver.seeded) != 1 || f.driver.seeded[0] != "agent-sess-2" {
		t.Fatalf("held seed was not applied on connect: %v", f.driver.seeded)
	}

	// The seed is consumed; a reconnect must not replay it.
	if err := f.launcher.connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if len(f.driver.seeded) != 1 {
		t.Fatalf("seed replayed on reconnect: %v", f.driver.seeded)
	}
}

func TestNormalTurnThinkingLifecycle(t *testing.T) {
	f := newRemoteFixture(t)

	var thinkingDuringTurn bool
	f.driver.onTurn = func() {
		thinkingDuringTurn = f.fsm.Thinking()
	}

	f.launcher.handleMessage(context.Background(), session.QueuedMessage{Text: "hello"})
	f.fsm.Finalize(f.queue.Len() == 0, false)

	if !thinkingDuringTurn {
		t.Error("thinking was not set before the transport call")
	}
	if f.fsm.Thinking() {
		t.Error("thinking still set after finalize")
	}
	if len(f.driver.turns) != 1 || f.driver.turns[0] != "hello" {
		t.Errorf("unexpected turns: %v", f.driver.turns)
	}
	if msgs := f.sink.messages(); len(msgs) != 0 {
		t.Errorf("unexpected status messages: %v", msgs)
	}
}

func TestIsolatedNewResetsStateAndSignalsReady(t *testing.T) {
	f := newRemoteFixture(t)

	// Mid-turn state: a conversation exists and thinking is on.
	f.launcher.handleMessage(context.Background(), session.QueuedMessage{Text: "warmup"})
	f.fsm.UserMessageAccepted()
	f.fsm.TurnStarted()

	f.launcher.handleMessage(context.Background(), session.QueuedMessage{Text: session.CommandNew, Isolated: true})
	// Run finalizes after every handled message; the finalizer owns the
	// ready signal.
	f.fsm.Finalize(f.queue.Len() == 0, false)

	if f.fsm.Thinking() {
		t.Error("thinking still set after isolated reset")
	}
	if f.fsm.State() != stream.StateIdle {
		t.Errorf("expected idle state, got %v", f.fsm.State())
	}
	if f.driver.cleared == 0 {
		t.Error("conversation identity was not cleared")
	}

	found := false
	for _, msg := range f.sink.messages() {
		if msg == "Started a new conversation" {
			found = true
		}
	}
	if !found {
		t.Errorf("status message missing, got %v", f.sink.messages())
	}
	if got := f.readyCount(); got != 1 {
		t.Errorf("one isolated command signalled ready %d times, want 1", got)
	}

	// The next message must run a fresh turn with no stale state.
	f.launcher.handleMessage(context.Background(), session.QueuedMessage{Text: "again"})
	last := len(f.driver.forceFresh) - 1
	if !f.driver.forceFresh[last] {
		t.Error("turn after reset was not forced fresh")
	}
}

func TestDisconnectRetriesOnceSilently(t *testing.T) {
	f := newRemoteFixture(t)
	f.driver.turnErrs = []error{errors.New("disconnected transport")}

	f.launcher.handleMessage(context.Background(), session.QueuedMessage{Text: "msg"})

	if len(f.driver.turns) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(f.driver.turns))
	}
	if f.driver.turns[0] != "msg" || f.driver.turns[1] != "msg" {
		t.Errorf("retry did not reuse the message: %v", f.driver.turns)
	}
	if msgs := f.sink.messages(); len(msgs) != 0 {
		t.Errorf("silent retry emitted status: %v", msgs)
	}
	// The transport was torn down and re-established for the retry.
	if f.driver.disconnects == 0 || f.driver.connects < 2 {
		t.Errorf("transport was not reset: connects=%d disconnects=%d",
			f.driver.connects, f.driver.disconnects)
	}
}

func TestDoubleDisconnectEmitsStatusExactlyOnce(t *testing.T) {
	f := newRemoteFixture(t)
	f.driver.turnErrs = []error{
		errors.New("disconnected transport"),
		errors.New("disconnected transport"),
	}

	f.launcher.handleMessage(context.Background(), session.QueuedMessage{Text: "msg"})

	want := "Codex transport disconnected. Please resend your message."
	msgs := f.sink.messages()
	count := 0
	for _, msg := range msgs {
		if msg == want {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one disconnect status, got %d in %v", count, msgs)
	}
	if f.driver.hasConversation() {
		t.Error("conversation identity survived the failure")
	}
}

func TestModeHashChangeRestartsAndRequeues(t *testing.T) {
	f := newRemoteFixture(t)

	f.launcher.handleMessage(context.Background(), session.QueuedMessage{Text: "first", Hash: "aaaa"})
	if !f.driver.hasConversation() {
		t.Fatal("expected a conversation after the first turn")
	}

	f.launcher.handleMessage(context.Background(), session.QueuedMessage{Text: "second", Hash: "bbbb"})

	if f.driver.cleared == 0 {
		t.Error("mode change did not clear the conversation")
	}
	msg, ok := f.queue.Peek()
	if !ok || msg.Text != "second" {
		t.Errorf("message was not requeued, queue head: %+v ok=%v", msg, ok)
	}
	if len(f.driver.turns) != 1 {
		t.Errorf("restart turn ran the message anyway: %v", f.driver.turns)
	}
}

func TestAbortedTurnEmitsAborted(t *testing.T) {
	f := newRemoteFixture(t)
	f.driver.turnErrs = []error{appserver.ErrAborted}

	f.launcher.handleMessage(context.Background(), session.QueuedMessage{Text: "msg"})

	found := false
	for _, msg := range f.sink.messages() {
		if msg == "Aborted" {
			found = true
		}
	}
	if !found {
		t.Errorf("aborted status missing: %v", f.sink.messages())
	}
	if len(f.driver.turns) != 1 {
		t.Errorf("aborted turn was retried: %v", f.driver.turns)
	}
}

func TestGenericErrorDropsIdentity(t *testing.T) {
	f := newRemoteFixture(t)
	f.launcher.handleMessage(context.Background(), session.QueuedMessage{Text: "warmup"})
	f.driver.turnErrs = []error{errors.New("model overloaded")}

	f.launcher.handleMessage(context.Background(), session.QueuedMessage{Text: "msg"})

	if f.driver.hasConversation() {
		t.Error("conversation identity survived a generic failure")
	}
	if msgs := f.sink.messages(); len(msgs) == 0 {
		t.Error("generic failure produced no status")
	}
}
