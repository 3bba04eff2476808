package stream

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/happyhq/hub/internal/agent/events"
)

// DiffProcessor de-duplicates turn diff updates. Each time the unified diff
// actually changes it publishes a CodexDiff tool call immediately followed
// by its completed result, so clients render diffs as discrete snapshots.
type DiffProcessor struct {
	publish  Publisher
	lastDiff string
}

func NewDiffProcessor(publish Publisher) *DiffProcessor {
	return &DiffProcessor{publish: publish}
}

// Reset clears the stored diff. Called on terminal turn events.
func (p *DiffProcessor) Reset() {
	p.lastDiff = ""
}

// OnTurnDiff handles one turn-diff event.
func (p *DiffProcessor) OnTurnDiff(unifiedDiff string) {
	if unifiedDiff == "" || unifiedDiff == p.lastDiff {
		return
	}
	p.lastDiff = unifiedDiff

	callID := uuid.New().String()
	input, _ := json.Marshal(map[string]string{"unifiedDiff": unifiedDiff})
	p.publish(events.AgentEvent{
		Type:   events.TypeToolCall,
		Name:   ToolNameDiff,
		CallID: callID,
		Input:  input,
	})
	p.publish(events.AgentEvent{
		Type:   events.TypeToolCallResult,
		CallID: callID,
		Status: "completed",
	})
}
