package session

import "sync"

// Queue is the FIFO message queue shared between the session loop and the
// active launcher. Admission deduplicates by LocalID; isolated commands are
// injected with PushIsolateAndClear, which drops everything queued before
// them.
type Queue struct {
	mu        sync.Mutex
	items     []QueuedMessage
	seen      map[string]struct{}
	onMessage func()
}

func NewQueue() *Queue {
	return &Queue{seen: make(map[string]struct{})}
}

// SetOnMessage installs the callback fired after each successful push. The
// active launcher uses it to wake its loop; pass nil to remove.
func (q *Queue) SetOnMessage(fn func()) {
	q.mu.Lock()
	q.onMessage = fn
	q.mu.Unlock()
}

// Push appends a message. A message whose LocalID was already admitted is
// dropped and reported false.
func (q *Queue) Push(msg QueuedMessage) bool {
	q.mu.Lock()
	if msg.LocalID != "" {
		if _, dup := q.seen[msg.LocalID]; dup {
			q.mu.Unlock()
			return false
		}
		q.seen[msg.LocalID] = struct{}{}
	}
	q.items = append(q.items, msg)
	cb := q.onMessage
	q.mu.Unlock()

	if cb != nil {
		cb()
	}
	return true
}

// PushIsolateAndClear drops all queued messages and enqueues the given
// reset sentinel alone.
func (q *Queue) PushIsolateAndClear(command string) {
	q.mu.Lock()
	q.items = []QueuedMessage{{Text: command, Isolated: true}}
	cb := q.onMessage
	q.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Peek returns the head without consuming it.
func (q *Queue) Peek() (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueuedMessage{}, false
	}
	return q.items[0], true
}

// Pop consumes and returns the head.
func (q *Queue) Pop() (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueuedMessage{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Requeue puts a message back at the head, ahead of everything queued.
// Used when a turn must be retried.
func (q *Queue) Requeue(msg QueuedMessage) {
	q.mu.Lock()
	q.items = append([]QueuedMessage{msg}, q.items...)
	q.mu.Unlock()
}

// Reset drops all queued messages and the dedup history.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.items = nil
	q.seen = make(map[string]struct{})
	q.mu.Unlock()
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
