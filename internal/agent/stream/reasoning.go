// Package stream holds the per-turn processors that sit between the event
// converter and the outbound client stream: reasoning title capture, diff
// de-duplication and the thinking indicator state machine.
package stream

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/happyhq/hub/internal/agent/events"
)

// Tool names surfaced to clients for synthesized tool calls.
const (
	ToolNameReasoning = "CodexReasoning"
	ToolNameDiff      = "CodexDiff"
)

// Publisher receives the events a processor emits, in order.
type Publisher func(ev events.AgentEvent)

// ReasoningProcessor accumulates reasoning deltas. Reasoning whose text
// opens with a **bold** title is promoted to a CodexReasoning tool call so
// clients can render it as a collapsible block; untitled reasoning flows
// through as one plain reasoning event on completion.
type ReasoningProcessor struct {
	publish Publisher

	buf       string
	titled    bool
	titleOpen bool
	callID    string
	content   strings.Builder
}

func NewReasoningProcessor(publish Publisher) *ReasoningProcessor {
	return &ReasoningProcessor{publish: publish}
}

// Reset drops all accumulated state. Called on turn boundaries.
func (p *ReasoningProcessor) Reset() {
	p.buf = ""
	p.titled = false
	p.titleOpen = false
	p.callID = ""
	p.content.Reset()
}

// Delta feeds one reasoning text fragment.
func (p *ReasoningProcessor) Delta(text string) {
	if text == "" {
		return
	}
	if p.titled {
		p.content.WriteString(text)
		return
	}

	p.buf += text

	if !p.titleOpen {
		// Undecided until we can tell whether the text opens with **.
		// Plain reasoning just keeps accumulating in buf.
		if len(p.buf) < 2 || !strings.HasPrefix(p.buf, "**") {
			return
		}
		p.titleOpen = true
	}

	// In title capture: wait for the closing **.
	body := p.buf[2:]
	end := strings.Index(body, "**")
	if end < 0 {
		return
	}

	title := body[:end]
	rest := body[end+2:]

	p.callID = uuid.New().String()
	input, _ := json.Marshal(map[string]string{"title": title})
	p.publish(events.AgentEvent{
		Type:   events.TypeToolCall,
		Name:   ToolNameReasoning,
		CallID: p.callID,
		Input:  input,
	})

	p.titled = true
	p.titleOpen = false
	p.buf = ""
	p.content.WriteString(strings.TrimPrefix(rest, "\n"))
}

// SectionBreak closes a titled block, if any, with a completed result.
func (p *ReasoningProcessor) SectionBreak() {
	p.finish("", "completed")
}

// Complete closes the block with the full reasoning text. Untitled
// reasoning publishes a single reasoning event instead.
func (p *ReasoningProcessor) Complete(text string) {
	p.finish(text, "completed")
}

// Abort closes a titled block with a canceled result.
func (p *ReasoningProcessor) Abort() {
	p.finish("", "canceled")
}

func (p *ReasoningProcessor) finish(fullText, status string) {
	if p.titled {
		output := p.content.String()
		if output == "" && fullText != "" {
			output = fullText
		}
		p.publish(events.AgentEvent{
			Type:   events.TypeToolCallResult,
			CallID: p.callID,
			Output: output,
			Status: status,
		})
	} else if status == "completed" {
		text := fullText
		if text == "" {
			text = p.buf
		}
		if text != "" {
			p.publish(events.AgentEvent{Type: events.TypeReasoning, Text: text})
		}
	}
	p.Reset()
}
