package stream

import "sync"

// ThinkingState is the FSM state of the thinking indicator.
type ThinkingState int

const (
	// StateIdle means no user message is staged and no turn runs.
	StateIdle ThinkingState = iota
	// StatePending means a user message was accepted but not dispatched.
	StatePending
	// StateInFlight means a turn is running on the agent.
	StateInFlight
)

// ThinkingFSM tracks whether the session should display a thinking
// indicator and when it is safe to signal ready. The one invariant that
// matters: the idle finalizer never clears thinking while a turn is in
// flight, so a stale ready can never fire mid-turn.
type ThinkingFSM struct {
	mu       sync.Mutex
	state    ThinkingState
	thinking bool

	onThinking func(bool)
	onReady    func()
}

// NewThinkingFSM creates the FSM. onThinking fires on every indicator
// change; onReady fires when the idle finalizer declares the session ready.
// Either callback may be nil.
func NewThinkingFSM(onThinking func(bool), onReady func()) *ThinkingFSM {
	return &ThinkingFSM{onThinking: onThinking, onReady: onReady}
}

// State returns the current FSM state.
func (f *ThinkingFSM) State() ThinkingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Thinking returns the current indicator value.
func (f *ThinkingFSM) Thinking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.thinking
}

// UserMessageAccepted marks a message staged for dispatch. The indicator
// turns on before any transport call the message triggers.
func (f *ThinkingFSM) UserMessageAccepted() {
	f.transition(StatePending, true)
}

// TurnStarted marks the turn as running. Idempotent; both the task-started
// event and startTurn resolution may race to call it.
func (f *ThinkingFSM) TurnStarted() {
	f.transition(StateInFlight, true)
}

// TurnFinished handles a terminal turn event.
func (f *ThinkingFSM) TurnFinished() {
	f.transition(StateIdle, false)
}

// Abort clears the indicator on user abort.
func (f *ThinkingFSM) Abort() {
	f.transition(StateIdle, false)
}

// IsolatedCommand clears the indicator on /new, /clear or /model.
func (f *ThinkingFSM) IsolatedCommand() {
	f.transition(StateIdle, false)
}

func (f *ThinkingFSM) transition(state ThinkingState, thinking bool) {
	f.mu.Lock()
	changed := f.thinking != thinking
	f.state = state
	f.thinking = thinking
	cb := f.onThinking
	f.mu.Unlock()

	if changed && cb != nil {
		cb(thinking)
	}
}

// Finalize runs after each launcher loop body. If no turn is in flight it
// clears the indicator and, when nothing further is staged or queued and
// shutdown was not requested, signals ready. A no-op while in flight.
func (f *ThinkingFSM) Finalize(queueEmpty, shutdownRequested bool) {
	f.mu.Lock()
	if f.state == StateInFlight {
		f.mu.Unlock()
		return
	}
	wasPending := f.state == StatePending
	changed := f.thinking
	f.state = StateIdle
	f.thinking = false
	onThinking := f.onThinking
	onReady := f.onReady
	f.mu.Unlock()

	if changed && onThinking != nil {
		onThinking(false)
	}
	if !wasPending && queueEmpty && !shutdownRequested && onReady != nil {
		onReady()
	}
}
