package launcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/happyhq/hub/internal/agent/agentcfg"
	"github.com/happyhq/hub/internal/agent/events"
	"github.com/happyhq/hub/internal/agent/permission"
	"github.com/happyhq/hub/internal/agent/stream"
	"github.com/happyhq/hub/internal/common/logger"
	"github.com/happyhq/hub/pkg/mcpwire"
	"go.uber.org/zap"
)

// mcpDriver binds the MCP transport to the same plumbing the app-server
// driver uses. Turns block inside tools/call; agent events arrive as
// codex/event notifications shaped like journal event_msg payloads.
type mcpDriver struct {
	transport *mcpwire.Transport
	reasoning *stream.ReasoningProcessor
	diff      *stream.DiffProcessor
	fsm       *stream.ThinkingFSM
	pipeline  *permission.Pipeline
	publish   func(events.AgentEvent)
	logger    *logger.Logger
}

func newMCPDriver(
	transport *mcpwire.Transport,
	fsm *stream.ThinkingFSM,
	pipeline *permission.Pipeline,
	publish func(events.AgentEvent),
	log *logger.Logger,
) *mcpDriver {
	d := &mcpDriver{
		transport: transport,
		fsm:       fsm,
		pipeline:  pipeline,
		publish:   publish,
		logger:    log.WithFields(zap.String("driver", "mcp")),
	}
	d.reasoning = stream.NewReasoningProcessor(publish)
	d.diff = stream.NewDiffProcessor(publish)

	transport.SetNotificationHandler(d.onNotification)
	transport.RegisterElicitationHandler(d.onElicitation)
	return d
}

func (d *mcpDriver) connect(ctx context.Context) error {
	return d.transport.Connect(ctx)
}

func (d *mcpDriver) disconnect() {
	d.transport.Disconnect()
}

func (d *mcpDriver) resetProcessors() {
	d.reasoning.Reset()
	d.diff.Reset()
}

// clearConversation unbinds the session ids so the next turn starts fresh.
// MCP has no resumable thread handle, so keepPrev has nothing to keep.
func (d *mcpDriver) clearConversation(keepPrev bool) {
	d.transport.ClearSession()
}

// seedConversation binds a stored session id so the next turn continues
// the prior conversation.
func (d *mcpDriver) seedConversation(id string) {
	d.transport.SeedSession(id)
}

func (d *mcpDriver) hasConversation() bool {
	return d.transport.Identity().Best() != ""
}

func (d *mcpDriver) isDisconnected(err error) bool {
	return mcpwire.IsDisconnected(err)
}

// interrupt is a no-op: the MCP variant has no wire-level abort, the turn
// dies with its context.
func (d *mcpDriver) interrupt(ctx context.Context) error {
	return nil
}

// runTurn drives one user message. The tools/call blocks until the agent
// finishes, so completion is the call returning. forceFresh is implied by
// cleared session ids.
func (d *mcpDriver) runTurn(ctx context.Context, text string, cfg *agentcfg.Config, forceFresh bool) (bool, error) {
	d.fsm.TurnStarted()
	d.publish(events.AgentEvent{Type: events.TypeTaskStarted})

	var err error
	if d.hasConversation() {
		_, err = d.transport.ContinueConversation(ctx, text)
	} else {
		_, err = d.transport.StartConversation(ctx, text, map[string]any{
			"model":           cfg.Model,
			"approval-policy": cfg.ApprovalPolicy,
			"sandbox":         cfg.Sandbox,
		})
	}

	d.diff.Reset()
	if err != nil {
		d.reasoning.Abort()
		if ctx.Err() != nil {
			d.publish(events.AgentEvent{Type: events.TypeTurnAborted})
			d.fsm.TurnFinished()
			return true, mcpwire.ErrAborted
		}
		d.publish(events.AgentEvent{Type: events.TypeTaskFailed, Error: err.Error()})
		d.fsm.TurnFinished()
		return false, err
	}

	d.reasoning.Complete("")
	d.publish(events.AgentEvent{Type: events.TypeTaskComplete})
	d.fsm.TurnFinished()
	return false, nil
}

// onNotification converts codex/event payloads. The msg member carries the
// same shape as a journal event_msg payload.
func (d *mcpDriver) onNotification(method string, params json.RawMessage) {
	if method != mcpwire.NotifyCodexEvent {
		return
	}
	var p mcpwire.CodexEventParams
	if err := json.Unmarshal(params, &p); err != nil || len(p.Msg) == 0 {
		return
	}
	for _, ev := range events.ConvertJournal(&events.JournalEnvelope{Type: "event_msg", Payload: p.Msg}) {
		d.route(ev)
	}
	for _, ev := range events.ConvertJournal(&events.JournalEnvelope{Type: "response_item", Payload: p.Msg}) {
		d.route(ev)
	}
}

func (d *mcpDriver) route(ev events.AgentEvent) {
	switch ev.Type {
	case events.TypeReasoningDelta:
		d.reasoning.Delta(ev.Text)
	case events.TypeReasoningSectionBreak:
		d.reasoning.SectionBreak()
	case events.TypeReasoning:
		d.reasoning.Complete(ev.Text)
	case events.TypeTurnDiff:
		d.diff.OnTurnDiff(ev.UnifiedDiff)
	case events.TypeTaskStarted:
		d.fsm.TurnStarted()
		d.publish(ev)
	default:
		d.publish(ev)
	}
}

// onElicitation classifies and answers an approval prompt.
func (d *mcpDriver) onElicitation(ctx context.Context, params json.RawMessage) (any, error) {
	var p mcpwire.ElicitationParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("bad elicitation params: %w", err)
	}

	kind, toolName := classifyElicitation(&p)
	res, err := d.pipeline.Elicit(ctx, kind, p.CodexCallID, toolName, params)
	if err != nil && res.Decision != permission.DecisionCanceled {
		return nil, err
	}
	// A denial with no stated reason is relayed as a plain "no".
	if res.Decision == permission.DecisionDenied && res.Reason == "" {
		res.Reason = "no"
	}

	var schema *mcpwire.ElicitationSchema
	if p.RequestedSchema != nil {
		schema = p.RequestedSchema
	}
	return permission.MCPReply(res, schema), nil
}

func classifyElicitation(p *mcpwire.ElicitationParams) (permission.Kind, string) {
	switch p.CodexElicitation {
	case "exec-approval", "exec_command_approval":
		return permission.KindExec, ""
	case "patch-approval", "apply_patch_approval":
		return permission.KindFileChange, ""
	case "user-input":
		return permission.KindUserInput, p.Message
	}
	if len(p.CodexCommand) > 0 {
		return permission.KindExec, ""
	}
	if len(p.CodexChanges) > 0 {
		return permission.KindFileChange, ""
	}
	return permission.KindDynamicTool, p.Message
}
