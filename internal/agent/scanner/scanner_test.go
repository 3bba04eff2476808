package scanner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/happyhq/hub/internal/agent/events"
	"github.com/happyhq/hub/internal/common/logger"
)

func writeJournal(t *testing.T, root, rel string, lines ...string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return path
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func TestPreexistingLinesAreHistorical(t *testing.T) {
	root := t.TempDir()
	path := writeJournal(t, root, "2026/08/25/rollout-sess-1.jsonl",
		`{"type":"session_meta","payload":{"sessionId":"sess-1","cwd":"/work"}}`,
		`{"type":"event_msg","payload":{"type":"agent_message","message":"old"}}`)

	var got []events.AgentEvent
	s := New(Options{Root: root, ActiveSessionID: "sess-1"}, Callbacks{
		OnEvent: func(_ string, ev events.AgentEvent) { got = append(got, ev) },
	}, logger.Default())
	s.snapshot()

	s.scan()
	if len(got) != 0 {
		t.Fatalf("expected pre-existing lines to be skipped, got %+v", got)
	}

	appendLine(t, path, `{"type":"event_msg","payload":{"type":"agent_message","message":"new"}}`)
	s.scan()
	if len(got) != 1 || got[0].Text != "new" {
		t.Fatalf("expected only the appended event, got %+v", got)
	}
}

func TestFilenameSuffixBindsSession(t *testing.T) {
	root := t.TempDir()
	// No session_meta inside; the filename carries the id.
	path := writeJournal(t, root, "2026/08/25/rollout-abc.jsonl")

	var got []events.AgentEvent
	s := New(Options{Root: root, ActiveSessionID: "abc"}, Callbacks{
		OnEvent: func(_ string, ev events.AgentEvent) { got = append(got, ev) },
	}, logger.Default())
	s.snapshot()

	appendLine(t, path, `{"type":"event_msg","payload":{"type":"agent_message","message":"hi"}}`)
	s.scan()
	if len(got) != 1 {
		t.Fatalf("expected filename-bound event, got %+v", got)
	}
}

func TestStartWindowFilter(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	fresh := writeJournal(t, root, "2026/08/25/rollout-new.jsonl",
		`{"type":"session_meta","payload":{"sessionId":"sess-new","cwd":"/work"}}`)
	stale := writeJournal(t, root, "2026/08/23/rollout-old.jsonl",
		`{"type":"session_meta","payload":{"sessionId":"sess-old","cwd":"/work"}}`)

	// Backdate the stale journal two days.
	old := now.Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}

	var got []string
	s := New(Options{Root: root, Cwd: "/work", StartedAt: now}, Callbacks{
		OnEvent: func(id string, ev events.AgentEvent) { got = append(got, ev.Text) },
	}, logger.Default())
	s.snapshot()

	// Process the session_meta lines that were already present.
	s.mu.Lock()
	for _, state := range s.files {
		state.offset = 0
	}
	s.mu.Unlock()
	s.scan()

	appendLine(t, fresh, `{"type":"event_msg","payload":{"type":"agent_message","message":"in-window"}}`)
	appendLine(t, stale, `{"type":"event_msg","payload":{"type":"agent_message","message":"stale"}}`)
	s.scan()

	if len(got) != 1 || got[0] != "in-window" {
		t.Fatalf("expected only the in-window event, got %v", got)
	}
}

func TestMatchFailureOutsideStartWindow(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	stale := writeJournal(t, root, "2026/08/23/rollout-old.jsonl")

	old := now.Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}

	var got []events.AgentEvent
	failed := 0
	s := New(Options{Root: root, Cwd: "/work", StartedAt: now}, Callbacks{
		OnEvent:              func(_ string, ev events.AgentEvent) { got = append(got, ev) },
		OnSessionMatchFailed: func(string) { failed++ },
	}, logger.Default())
	s.snapshot()

	appendLine(t, stale, `{"type":"event_msg","payload":{"type":"agent_message","message":"stale"}}`)
	s.scan()

	if len(got) != 0 {
		t.Fatalf("expected no events from the out-of-window file, got %+v", got)
	}
	if failed != 1 {
		t.Errorf("expected one match failure, got %d", failed)
	}
}

func TestMatchRefusedWithoutCwdFilter(t *testing.T) {
	root := t.TempDir()
	path := writeJournal(t, root, "2026/08/25/rollout-y.jsonl")

	failed := 0
	s := New(Options{Root: root}, Callbacks{
		OnSessionMatchFailed: func(string) { failed++ },
	}, logger.Default())
	s.snapshot()

	appendLine(t, path, `{"type":"event_msg","payload":{"type":"agent_message","message":"hi"}}`)
	s.scan()

	if failed != 1 {
		t.Errorf("expected refusal without a cwd filter, got %d failures", failed)
	}
}

func TestSessionFoundAndSwitch(t *testing.T) {
	root := t.TempDir()
	path := writeJournal(t, root, "2026/08/25/rollout-x.jsonl")

	var foundIDs, newIDs []string
	s := New(Options{Root: root, Cwd: "/work", StartedAt: time.Now()}, Callbacks{
		OnSessionFound: func(id string) { foundIDs = append(foundIDs, id) },
		OnNewSession:   func(id string) { newIDs = append(newIDs, id) },
	}, logger.Default())
	s.snapshot()

	appendLine(t, path, `{"type":"session_meta","payload":{"sessionId":"first","cwd":"/work"}}`)
	s.scan()
	if len(foundIDs) != 1 || foundIDs[0] != "first" {
		t.Fatalf("expected first session announced, got %v", foundIDs)
	}

	appendLine(t, path, `{"type":"session_meta","payload":{"sessionId":"second","cwd":"/work"}}`)
	s.scan()
	if len(newIDs) != 1 || newIDs[0] != "second" {
		t.Fatalf("expected binding switched to second, got %v", newIDs)
	}
}

func TestUnparseableLinesIgnored(t *testing.T) {
	root := t.TempDir()
	path := writeJournal(t, root, "2026/08/25/rollout-s.jsonl")

	var got []events.AgentEvent
	s := New(Options{Root: root, ActiveSessionID: "s"}, Callbacks{
		OnEvent: func(_ string, ev events.AgentEvent) { got = append(got, ev) },
	}, logger.Default())
	s.snapshot()

	appendLine(t, path, `garbage not json`)
	appendLine(t, path, `{"type":"event_msg","payload":{"type":"agent_message","message":"ok"}}`)
	s.scan()

	if len(got) != 1 || got[0].Text != "ok" {
		t.Fatalf("expected the valid line only, got %+v", got)
	}
}
