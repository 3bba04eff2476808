package session

import "testing"

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(QueuedMessage{Text: "one"})
	q.Push(QueuedMessage{Text: "two"})

	if msg, ok := q.Pop(); !ok || msg.Text != "one" {
		t.Fatalf("expected one, got %+v", msg)
	}
	if msg, ok := q.Pop(); !ok || msg.Text != "two" {
		t.Fatalf("expected two, got %+v", msg)
	}
	if _, ok := q.Pop(); ok {
		t.Error("expected empty queue")
	}
}

func TestQueueDedupByLocalID(t *testing.T) {
	q := NewQueue()
	if !q.Push(QueuedMessage{LocalID: "x", Text: "first"}) {
		t.Fatal("first push rejected")
	}
	if q.Push(QueuedMessage{LocalID: "x", Text: "retry"}) {
		t.Error("expected duplicate localId to be dropped")
	}
	if q.Len() != 1 {
		t.Errorf("expected one queued message, got %d", q.Len())
	}

	// Messages without a localId never dedup.
	q.Push(QueuedMessage{Text: "a"})
	q.Push(QueuedMessage{Text: "a"})
	if q.Len() != 3 {
		t.Errorf("expected 3 queued messages, got %d", q.Len())
	}
}

func TestPushIsolateAndClear(t *testing.T) {
	q := NewQueue()
	q.Push(QueuedMessage{Text: "pending-1"})
	q.Push(QueuedMessage{Text: "pending-2"})

	q.PushIsolateAndClear(CommandNew)

	if q.Len() != 1 {
		t.Fatalf("expected only the sentinel, got %d messages", q.Len())
	}
	msg, _ := q.Peek()
	if msg.Text != CommandNew || !msg.Isolated {
		t.Errorf("expected isolated /new sentinel, got %+v", msg)
	}
}

func TestQueueOnMessageCallback(t *testing.T) {
	q := NewQueue()
	fired := 0
	q.SetOnMessage(func() { fired++ })

	q.Push(QueuedMessage{Text: "a"})
	q.Push(QueuedMessage{LocalID: "x", Text: "b"})
	q.Push(QueuedMessage{LocalID: "x", Text: "dup"}) // dropped, no callback
	q.PushIsolateAndClear(CommandClear)

	if fired != 3 {
		t.Errorf("expected 3 callbacks, got %d", fired)
	}

	q.SetOnMessage(nil)
	q.Push(QueuedMessage{Text: "c"})
	if fired != 3 {
		t.Error("callback fired after removal")
	}
}

func TestQueueRequeue(t *testing.T) {
	q := NewQueue()
	q.Push(QueuedMessage{Text: "next"})
	q.Requeue(QueuedMessage{Text: "retry"})

	if msg, _ := q.Pop(); msg.Text != "retry" {
		t.Errorf("expected requeued message first, got %+v", msg)
	}
}

func TestIsIsolatedCommand(t *testing.T) {
	for _, cmd := range []string{CommandNew, CommandClear, CommandModel} {
		if !IsIsolatedCommand(cmd) {
			t.Errorf("expected %s to be isolated", cmd)
		}
	}
	if IsIsolatedCommand("/help") {
		t.Error("expected /help to be a normal message")
	}
}
