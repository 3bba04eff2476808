package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/happyhq/hub/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	return b
}

// collector gathers handler deliveries; handlers run in bus goroutines.
type collector struct {
	mu     sync.Mutex
	events []*Event
	seen   chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 64)}
}

func (c *collector) handle(_ context.Context, ev *Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []*Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.seen:
		case <-deadline:
			t.Fatalf("got %d of %d expected deliveries", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestPublishReachesExactSubject(t *testing.T) {
	b := newTestBus(t)
	c := newCollector()

	sub, err := b.Subscribe("session.s1.events", c.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if !sub.IsValid() {
		t.Error("fresh subscription reported invalid")
	}

	err = b.Publish(context.Background(), "session.s1.events", NewEvent("message", "hub", nil))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := c.wait(t, 1)
	if got[0].Type != "message" || got[0].Source != "hub" {
		t.Errorf("unexpected event: %+v", got[0])
	}
}

func TestPublishSkipsOtherSubjects(t *testing.T) {
	b := newTestBus(t)
	c := newCollector()
	hit := newCollector()

	b.Subscribe("session.s1.events", c.handle)
	b.Subscribe("session.s2.events", hit.handle)

	b.Publish(context.Background(), "session.s2.events", NewEvent("message", "hub", nil))

	hit.wait(t, 1)
	if c.count() != 0 {
		t.Errorf("event leaked to an unrelated subject: %d deliveries", c.count())
	}
}

func TestSingleTokenWildcard(t *testing.T) {
	b := newTestBus(t)
	c := newCollector()

	b.Subscribe("session.*.events", c.handle)

	ctx := context.Background()
	b.Publish(ctx, "session.s1.events", NewEvent("message", "hub", nil))
	b.Publish(ctx, "session.s2.events", NewEvent("ready", "hub", nil))
	c.wait(t, 2)

	// * spans one token only.
	b.Publish(ctx, "session.s1.extra.events", NewEvent("message", "hub", nil))
	b.Publish(ctx, "session.s3.events", NewEvent("thinking", "hub", nil))
	c.wait(t, 1)
	if c.count() != 3 {
		t.Errorf("expected 3 matching deliveries, got %d", c.count())
	}
}

func TestMultiTokenWildcard(t *testing.T) {
	b := newTestBus(t)
	c := newCollector()

	b.Subscribe("session.>", c.handle)

	ctx := context.Background()
	b.Publish(ctx, "session.s1.events", NewEvent("message", "hub", nil))
	b.Publish(ctx, "session.s1.permission.pending", NewEvent("state", "hub", nil))
	c.wait(t, 2)

	b.Publish(ctx, "machine.m1.events", NewEvent("message", "hub", nil))
	b.Publish(ctx, "session.s2.events", NewEvent("ready", "hub", nil))
	c.wait(t, 1)
	if c.count() != 3 {
		t.Errorf("expected 3 matching deliveries, got %d", c.count())
	}
}

func TestFanOutToAllRegularSubscribers(t *testing.T) {
	b := newTestBus(t)
	a, c := newCollector(), newCollector()

	b.Subscribe("session.s1.events", a.handle)
	b.Subscribe("session.s1.events", c.handle)

	b.Publish(context.Background(), "session.s1.events", NewEvent("message", "hub", nil))

	a.wait(t, 1)
	c.wait(t, 1)
}

func TestQueueGroupDeliversToOneMember(t *testing.T) {
	b := newTestBus(t)
	a, c := newCollector(), newCollector()

	b.QueueSubscribe("session.s1.events", "workers", a.handle)
	b.QueueSubscribe("session.s1.events", "workers", c.handle)

	ctx := context.Background()
	const n = 6
	for i := 0; i < n; i++ {
		b.Publish(ctx, "session.s1.events", NewEvent("message", "hub", nil))
	}

	deadline := time.After(2 * time.Second)
	for a.count()+c.count() < n {
		select {
		case <-deadline:
			t.Fatalf("expected %d total deliveries, got %d", n, a.count()+c.count())
		case <-time.After(time.Millisecond):
		}
	}
	if a.count()+c.count() != n {
		t.Fatalf("queue group duplicated deliveries: %d + %d", a.count(), c.count())
	}
	// Round-robin spreads the load over both members.
	if a.count() == 0 || c.count() == 0 {
		t.Errorf("one queue member starved: %d / %d", a.count(), c.count())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	c := newCollector()

	sub, err := b.Subscribe("session.s1.events", c.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	ctx := context.Background()
	b.Publish(ctx, "session.s1.events", NewEvent("message", "hub", nil))
	c.wait(t, 1)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("unsubscribed subscription still valid")
	}

	b.Publish(ctx, "session.s1.events", NewEvent("message", "hub", nil))
	time.Sleep(50 * time.Millisecond)
	if c.count() != 1 {
		t.Errorf("delivery after unsubscribe: %d events", c.count())
	}
}

func TestRequestReply(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe("rpc.s1.resume", func(ctx context.Context, ev *Event) error {
		reply, _ := ev.Data["_reply"].(string)
		if reply == "" {
			t.Error("request carried no reply subject")
			return nil
		}
		return b.Publish(ctx, reply, NewEvent("result", "hub", map[string]interface{}{"ok": true}))
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	resp, err := b.Request(context.Background(), "rpc.s1.resume",
		NewEvent("resume", "client", nil), time.Second)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.Type != "result" || resp.Data["ok"] != true {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Request(context.Background(), "rpc.nobody",
		NewEvent("ping", "client", nil), 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	if !b.IsConnected() {
		t.Error("fresh bus reported disconnected")
	}

	b.Close()

	if b.IsConnected() {
		t.Error("closed bus reported connected")
	}
	if err := b.Publish(context.Background(), "x", NewEvent("t", "s", nil)); err == nil {
		t.Error("publish on a closed bus succeeded")
	}
	if _, err := b.Subscribe("x", func(context.Context, *Event) error { return nil }); err == nil {
		t.Error("subscribe on a closed bus succeeded")
	}
}
