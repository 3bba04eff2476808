package loop

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyhq/hub/internal/agent/events"
	"github.com/happyhq/hub/internal/agent/permission"
	"github.com/happyhq/hub/internal/common/logger"
	"github.com/happyhq/hub/internal/events/bus"
	"github.com/happyhq/hub/internal/rpc"
	"github.com/happyhq/hub/internal/session"
	"github.com/happyhq/hub/internal/session/store"
)

func newTestLoop(t *testing.T) (*SessionLoop, store.Store, bus.EventBus) {
	t.Helper()
	log := logger.Default()

	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	l, err := New(Options{
		SessionID:      "sess-1",
		WorkDir:        t.TempDir(),
		AgentBinary:    "codex",
		AgentHome:      t.TempDir(),
		PermissionMode: permission.ModeDefault,
		ClientName:     "hub-test",
		ClientVersion:  "0.0.0",
	}, st, eventBus, rpc.NewRegistry(log), nil, log)
	require.NoError(t, err)

	_, err = st.GetOrCreateSession(context.Background(), "sess-1")
	require.NoError(t, err)

	return l, st, eventBus
}

func TestEnqueueUserMessagePersistsAndQueues(t *testing.T) {
	l, st, _ := newTestLoop(t)
	ctx := context.Background()

	msg, err := l.EnqueueUserMessage(ctx, "local-1", "hello there")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, int64(1), msg.Seq)

	stored, err := st.GetMessages(ctx, "sess-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	var content map[string]any
	require.NoError(t, json.Unmarshal(stored[0].Content, &content))
	assert.Equal(t, "user-message", content["type"])
	assert.Equal(t, "hello there", content["text"])

	queued, ok := l.queue.Peek()
	require.True(t, ok)
	assert.Equal(t, "hello there", queued.Text)
	assert.Equal(t, l.currentConfig().Hash(), queued.Hash)
}

func TestEnqueueIsolatedCommandBypassesStore(t *testing.T) {
	l, st, _ := newTestLoop(t)
	ctx := context.Background()

	// A pending ordinary message gets displaced by the reset.
	_, err := l.EnqueueUserMessage(ctx, "local-1", "pending work")
	require.NoError(t, err)

	msg, err := l.EnqueueUserMessage(ctx, "", session.CommandNew)
	require.NoError(t, err)
	assert.Nil(t, msg)

	queued, ok := l.queue.Peek()
	require.True(t, ok)
	assert.Equal(t, session.CommandNew, queued.Text)
	assert.True(t, queued.Isolated)
	assert.Equal(t, 1, l.queue.Len())

	// Only the ordinary message reached the log.
	stored, err := st.GetMessages(ctx, "sess-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestSetTitlePersistsMetadata(t *testing.T) {
	l, st, _ := newTestLoop(t)
	ctx := context.Background()

	require.NoError(t, l.SetTitle(ctx, "refactor auth"))

	sess, err := st.GetOrCreateSession(ctx, "sess-1")
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(sess.Metadata, &meta))
	assert.Equal(t, "refactor auth", meta["title"])
	assert.Equal(t, int64(1), sess.MetadataVersion)
}

func TestSeedMetadataRecordsPathAndFlavor(t *testing.T) {
	l, st, _ := newTestLoop(t)
	ctx := context.Background()

	require.NoError(t, l.seedMetadata(ctx))

	sess, err := st.GetOrCreateSession(ctx, "sess-1")
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(sess.Metadata, &meta))
	assert.Equal(t, l.opts.WorkDir, meta["path"])
	assert.Equal(t, "codex", meta["flavor"])
}

func TestResumeAgentSessionFallsBackToMetadata(t *testing.T) {
	l, _, _ := newTestLoop(t)
	ctx := context.Background()

	// The scanner bound a journal session earlier; its id is in metadata.
	l.onSessionFound("agent-abc")

	id, err := l.ResumeAgentSession(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "agent-abc", id)
}

func TestResumeAgentSessionExplicitIDWins(t *testing.T) {
	l, _, _ := newTestLoop(t)
	ctx := context.Background()

	l.onSessionFound("agent-abc")

	id, err := l.ResumeAgentSession(ctx, "agent-xyz")
	require.NoError(t, err)
	assert.Equal(t, "agent-xyz", id)
}

func TestResumeAgentSessionWithoutHistoryFails(t *testing.T) {
	l, _, _ := newTestLoop(t)

	_, err := l.ResumeAgentSession(context.Background(), "")
	require.Error(t, err)
}

func TestSetSessionConfigChangesQueueHash(t *testing.T) {
	l, _, _ := newTestLoop(t)

	before := l.currentConfig().Hash()
	require.NoError(t, l.SetSessionConfig(permission.ModeYolo, "", ""))
	after := l.currentConfig().Hash()

	assert.NotEqual(t, before, after)
}

func TestPublishPersistsDurableEventsOnly(t *testing.T) {
	l, st, _ := newTestLoop(t)
	ctx := context.Background()

	l.publish(events.AgentEvent{Type: events.TypeMessage, Text: "done"})
	l.publish(events.AgentEvent{Type: events.TypeReasoningDelta, Text: "thin"})
	l.publish(events.AgentEvent{Type: events.TypeReasoningSectionBreak})

	stored, err := st.GetMessages(ctx, "sess-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	var ev events.AgentEvent
	require.NoError(t, json.Unmarshal(stored[0].Content, &ev))
	assert.Equal(t, events.TypeMessage, ev.Type)
	assert.Equal(t, "done", ev.Text)
}

func TestPublishTokenCountUpdatesAgentState(t *testing.T) {
	l, st, _ := newTestLoop(t)
	ctx := context.Background()

	l.publish(events.AgentEvent{
		Type: events.TypeTokenCount,
		Info: json.RawMessage(`{"total_tokens":1234}`),
	})

	sess, err := st.GetOrCreateSession(ctx, "sess-1")
	require.NoError(t, err)
	var state map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(sess.AgentState, &state))
	assert.JSONEq(t, `{"total_tokens":1234}`, string(state["tokenUsage"]))

	// Token counts never land in the message log.
	stored, err := st.GetMessages(ctx, "sess-1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestPublishReachesBusSubscribers(t *testing.T) {
	l, _, eventBus := newTestLoop(t)

	received := make(chan *bus.Event, 1)
	sub, err := eventBus.Subscribe("session.sess-1.events", func(ctx context.Context, ev *bus.Event) error {
		select {
		case received <- ev:
		default:
		}
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	l.publish(events.AgentEvent{Type: events.TypeMessage, Text: "hi"})

	select {
	case ev := <-received:
		assert.Equal(t, string(events.TypeMessage), ev.Type)
		assert.Equal(t, "hub", ev.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the subscriber")
	}
}

func TestKillUnblocksRun(t *testing.T) {
	l, _, _ := newTestLoop(t)

	// Stop the remote launcher before it tries to reach a real transport.
	go func() {
		time.Sleep(50 * time.Millisecond)
		l.Kill()
	}()

	done := make(chan struct{})
	go func() {
		_ = l.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Kill")
	}
	<-l.Done()
}
