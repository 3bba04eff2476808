package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateSessionIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	second, err := s.GetOrCreateSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if first.ID != second.ID || !first.CreatedAt.Equal(second.CreatedAt) {
		t.Errorf("expected the same session back, got %+v and %+v", first, second)
	}
	if first.MetadataVersion != 0 || first.AgentStateVersion != 0 {
		t.Errorf("expected fresh session at version 0, got %+v", first)
	}
	if first.Namespace != DefaultNamespace {
		t.Errorf("expected namespace %q, got %q", DefaultNamespace, first.Namespace)
	}
}

func TestOptimisticMetadataUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.GetOrCreateSession(ctx, "sess-1")

	res, err := s.UpdateSessionMetadata(ctx, "sess-1", 0, json.RawMessage(`{"title":"a"}`))
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if res.Outcome != OutcomeSuccess || res.Version != 1 {
		t.Fatalf("expected success at version 1, got %+v", res)
	}

	// Same expected version again: mismatch with current value returned.
	res, err = s.UpdateSessionMetadata(ctx, "sess-1", 0, json.RawMessage(`{"title":"b"}`))
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if res.Outcome != OutcomeVersionMismatch {
		t.Fatalf("expected version mismatch, got %+v", res)
	}
	if res.Version != 1 || string(res.Value) != `{"title":"a"}` {
		t.Errorf("expected current version/value, got %+v", res)
	}

	// Retry with the returned version succeeds.
	res, err = s.UpdateSessionMetadata(ctx, "sess-1", res.Version, json.RawMessage(`{"title":"b"}`))
	if err != nil || res.Outcome != OutcomeSuccess || res.Version != 2 {
		t.Fatalf("expected success at version 2, got %+v (%v)", res, err)
	}
}

func TestAgentStateVersionedIndependently(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.GetOrCreateSession(ctx, "sess-1")

	if _, err := s.UpdateSessionMetadata(ctx, "sess-1", 0, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("metadata update failed: %v", err)
	}
	res, err := s.UpdateSessionAgentState(ctx, "sess-1", 0, json.RawMessage(`{"requests":{}}`))
	if err != nil {
		t.Fatalf("agent state update failed: %v", err)
	}
	if res.Outcome != OutcomeSuccess || res.Version != 1 {
		t.Errorf("expected agent state version independent of metadata, got %+v", res)
	}
}

func TestAddMessageLocalIDIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.GetOrCreateSession(ctx, "sess-1")

	first, err := s.AddMessage(ctx, "sess-1", "local-1", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := s.AddMessage(ctx, "sess-1", "local-1", json.RawMessage(`{"text":"other"}`))
		if err != nil {
			t.Fatalf("repeat add failed: %v", err)
		}
		if again.ID != first.ID || again.Seq != first.Seq {
			t.Errorf("expected the original message back, got %+v", again)
		}
	}
}

func TestMessageSeqIsDense(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.GetOrCreateSession(ctx, "sess-1")

	for i := 0; i < 5; i++ {
		msg, err := s.AddMessage(ctx, "sess-1", "", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatalf("add failed: %v", err)
		}
		if msg.Seq != int64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, msg.Seq)
		}
	}
}

func TestGetMessagesPaging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.GetOrCreateSession(ctx, "sess-1")
	for i := 0; i < 10; i++ {
		s.AddMessage(ctx, "sess-1", "", json.RawMessage(`{}`))
	}

	page, err := s.GetMessages(ctx, "sess-1", 3, 0)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(page) != 3 || page[0].Seq != 10 {
		t.Fatalf("expected newest 3 messages, got %+v", page)
	}

	page, err = s.GetMessages(ctx, "sess-1", 3, page[2].Seq)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(page) != 3 || page[0].Seq != 7 {
		t.Errorf("expected next page ending at 7, got %+v", page)
	}

	// Oversized limits clamp to the cap.
	if _, err := s.GetMessages(ctx, "sess-1", 9999, 0); err != nil {
		t.Errorf("clamped get failed: %v", err)
	}
}

func TestMergeSessionMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.GetOrCreateSession(ctx, "a")
	s.GetOrCreateSession(ctx, "b")

	s.AddMessage(ctx, "a", "shared", json.RawMessage(`{"from":"a"}`))
	s.AddMessage(ctx, "a", "", json.RawMessage(`{"from":"a2"}`))
	s.AddMessage(ctx, "b", "shared", json.RawMessage(`{"from":"b"}`))

	if err := s.MergeSessionMessages(ctx, "a", "b"); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	msgs, err := s.GetMessages(ctx, "b", 0, 0)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 merged messages, got %d", len(msgs))
	}
	// Newest first: seqs must be a dense 1..3.
	for i, msg := range msgs {
		if want := int64(3 - i); msg.Seq != want {
			t.Errorf("expected seq %d, got %d", want, msg.Seq)
		}
	}
}
