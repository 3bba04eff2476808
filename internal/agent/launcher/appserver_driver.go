package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/happyhq/hub/internal/agent/agentcfg"
	"github.com/happyhq/hub/internal/agent/events"
	"github.com/happyhq/hub/internal/agent/permission"
	"github.com/happyhq/hub/internal/agent/stream"
	"github.com/happyhq/hub/internal/common/logger"
	"github.com/happyhq/hub/pkg/appserver"
	"go.uber.org/zap"
)

// turnResult is the terminal outcome of one turn.
type turnResult struct {
	aborted bool
	err     error
}

// appServerDriver binds the app-server transport to the event plumbing:
// notifications flow through the converter and processors, approvals
// through the permission pipeline, and terminal events signal the waiting
// turn.
type appServerDriver struct {
	transport *appserver.Transport
	converter *events.AppServerConverter
	reasoning *stream.ReasoningProcessor
	diff      *stream.DiffProcessor
	fsm       *stream.ThinkingFSM
	pipeline  *permission.Pipeline
	publish   func(events.AgentEvent)
	info      *appserver.ClientInfo
	logger    *logger.Logger

	mu       sync.Mutex
	threadID string
	turnID   string
	prevID   string
	turnDone chan turnResult
}

func newAppServerDriver(
	transport *appserver.Transport,
	fsm *stream.ThinkingFSM,
	pipeline *permission.Pipeline,
	publish func(events.AgentEvent),
	info *appserver.ClientInfo,
	log *logger.Logger,
) *appServerDriver {
	d := &appServerDriver{
		transport: transport,
		converter: events.NewAppServerConverter(),
		fsm:       fsm,
		pipeline:  pipeline,
		publish:   publish,
		info:      info,
		logger:    log.WithFields(zap.String("driver", "app-server")),
	}
	d.reasoning = stream.NewReasoningProcessor(publish)
	d.diff = stream.NewDiffProcessor(publish)

	transport.SetNotificationHandler(d.onNotification)
	transport.RegisterRequestHandler(appserver.RequestCmdExecApproval, d.onCommandApproval)
	transport.RegisterRequestHandler(appserver.RequestFileChangeApproval, d.onFileChangeApproval)
	transport.RegisterRequestHandler(appserver.RequestUserInput, d.onUserInput)
	transport.RegisterRequestHandler(appserver.RequestToolApproval, d.onToolApproval)
	return d
}

func (d *appServerDriver) connect(ctx context.Context) error {
	if err := d.transport.Connect(ctx); err != nil {
		return err
	}
	if _, err := d.transport.Initialize(ctx, d.info); err != nil {
		d.transport.Disconnect()
		return err
	}
	return nil
}

func (d *appServerDriver) disconnect() {
	d.transport.Disconnect()
}

// resetProcessors clears per-turn stream state.
func (d *appServerDriver) resetProcessors() {
	d.reasoning.Reset()
	d.diff.Reset()
}

// clearConversation drops thread identity, remembering the previous id so
// a forced-fresh start can detect a server that refuses to rotate.
func (d *appServerDriver) clearConversation(keepPrev bool) {
	d.mu.Lock()
	if keepPrev && d.threadID != "" {
		d.prevID = d.threadID
	} else if !keepPrev {
		d.prevID = ""
	}
	d.threadID = ""
	d.turnID = ""
	d.mu.Unlock()
	d.converter.Reset()
}

// seedConversation installs a prior thread id so the next turn resumes it.
func (d *appServerDriver) seedConversation(id string) {
	d.mu.Lock()
	if d.threadID == "" {
		d.prevID = id
	}
	d.mu.Unlock()
}

func (d *appServerDriver) hasConversation() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threadID != ""
}

func (d *appServerDriver) isDisconnected(err error) bool {
	return appserver.IsDisconnected(err)
}

// runTurn drives one user message to its terminal event.
func (d *appServerDriver) runTurn(ctx context.Context, text string, cfg *agentcfg.Config, forceFresh bool) (bool, error) {
	d.mu.Lock()
	threadID := d.threadID
	prevID := d.prevID
	done := make(chan turnResult, 1)
	d.turnDone = done
	d.mu.Unlock()

	if threadID == "" {
		id, err := d.establishThread(ctx, cfg, prevID, forceFresh)
		if err != nil {
			return false, err
		}
		d.mu.Lock()
		d.threadID = id
		threadID = id
		d.mu.Unlock()
	}

	turnID, err := d.transport.StartTurn(ctx, &appserver.TurnStartParams{
		ThreadID: threadID,
		Input:    []appserver.UserInput{{Type: "text", Text: text}},
	})
	if err != nil {
		return false, err
	}
	// startTurn resolution and the task-started event race; both set the
	// turn in flight idempotently.
	d.fsm.TurnStarted()
	if turnID != "" {
		d.mu.Lock()
		d.turnID = turnID
		d.mu.Unlock()
	}

	select {
	case result := <-done:
		return result.aborted, result.err
	case <-ctx.Done():
		return true, appserver.ErrAborted
	}
}

// establishThread resumes or starts a thread per the config. When a fresh
// thread is forced but the server hands back the id just reset, the
// transport is restarted and the start retried once; whatever id the
// second attempt returns is accepted.
func (d *appServerDriver) establishThread(ctx context.Context, cfg *agentcfg.Config, prevID string, forceFresh bool) (string, error) {
	params := &appserver.ThreadStartParams{
		Model:          cfg.Model,
		ApprovalPolicy: cfg.ApprovalPolicy,
		Sandbox:        cfg.Sandbox,
	}

	if prevID != "" && !forceFresh {
		id, err := d.transport.ResumeThread(ctx, &appserver.ThreadResumeParams{
			ThreadID:       prevID,
			Model:          cfg.Model,
			ApprovalPolicy: cfg.ApprovalPolicy,
		})
		if err == nil {
			return id, nil
		}
		d.logger.Warn("thread resume failed, starting fresh", zap.Error(err))
	}

	id, err := d.transport.StartThread(ctx, params)
	if err != nil {
		return "", err
	}
	if forceFresh && prevID != "" && id == prevID {
		d.logger.Warn("server returned the reset thread id, restarting transport",
			zap.String("threadId", id))
		d.transport.Disconnect()
		if err := d.connect(ctx); err != nil {
			return "", err
		}
		return d.transport.StartThread(ctx, params)
	}
	return id, nil
}

func (d *appServerDriver) interrupt(ctx context.Context) error {
	d.mu.Lock()
	threadID, turnID := d.threadID, d.turnID
	d.mu.Unlock()
	if threadID == "" || turnID == "" {
		return nil
	}
	return d.transport.InterruptTurn(ctx, threadID, turnID)
}

func (d *appServerDriver) onNotification(method string, params json.RawMessage) {
	for _, ev := range d.converter.Convert(method, params) {
		d.route(ev)
	}
}

func (d *appServerDriver) route(ev events.AgentEvent) {
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
		if ev.TurnID != "" {
			d.mu.Lock()
			d.turnID = ev.TurnID
			d.mu.Unlock()
		}
		d.publish(ev)
	case events.TypeTaskComplete:
		d.reasoning.Complete("")
		d.finishTurn(ev, turnResult{})
	case events.TypeTurnAborted:
		d.reasoning.Abort()
		d.finishTurn(ev, turnResult{aborted: true})
	case events.TypeTaskFailed:
		d.reasoning.Abort()
		d.finishTurn(ev, turnResult{err: fmt.Errorf("turn failed: %s", ev.Error)})
	case events.TypeThreadStarted:
		if ev.ThreadID != "" {
			d.mu.Lock()
			d.threadID = ev.ThreadID
			d.mu.Unlock()
		}
		d.publish(ev)
	default:
		d.publish(ev)
	}
}

func (d *appServerDriver) finishTurn(ev events.AgentEvent, result turnResult) {
	d.diff.Reset()
	d.publish(ev)
	d.fsm.TurnFinished()

	d.mu.Lock()
	done := d.turnDone
	d.turnDone = nil
	d.mu.Unlock()
	if done != nil {
		done <- result
	}
}

func (d *appServerDriver) onCommandApproval(ctx context.Context, params json.RawMessage) (any, error) {
	var p appserver.CommandApprovalParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("bad approval params: %w", err)
	}
	input, _ := json.Marshal(map[string]string{"command": p.Command, "cwd": p.Cwd})
	res, err := d.pipeline.Elicit(ctx, permission.KindExec, p.ItemID, "", input)
	if err != nil && res.Decision != permission.DecisionCanceled {
		return nil, err
	}
	return approvalReply(res), nil
}

func (d *appServerDriver) onFileChangeApproval(ctx context.Context, params json.RawMessage) (any, error) {
	var p appserver.FileChangeApprovalParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("bad approval params: %w", err)
	}
	input, _ := json.Marshal(map[string]any{"changes": p.Changes})
	res, err := d.pipeline.Elicit(ctx, permission.KindFileChange, p.ItemID, "", input)
	if err != nil && res.Decision != permission.DecisionCanceled {
		return nil, err
	}
	return approvalReply(res), nil
}

func (d *appServerDriver) onUserInput(ctx context.Context, params json.RawMessage) (any, error) {
	var p map[string]any
	_ = json.Unmarshal(params, &p)
	tool, _ := p["tool"].(string)
	res, err := d.pipeline.Elicit(ctx, permission.KindUserInput, events.ExtractCallID(p), tool, params)
	if err != nil && res.Decision != permission.DecisionCanceled {
		return nil, err
	}
	return approvalReply(res), nil
}

func (d *appServerDriver) onToolApproval(ctx context.Context, params json.RawMessage) (any, error) {
	var p map[string]any
	_ = json.Unmarshal(params, &p)
	tool, _ := p["tool"].(string)
	res, err := d.pipeline.Elicit(ctx, permission.KindDynamicTool, events.ExtractCallID(p), tool, params)
	if err != nil && res.Decision != permission.DecisionCanceled {
		return nil, err
	}
	return approvalReply(res), nil
}

// approvalReply relays the client's full resolution on the wire.
func approvalReply(res permission.Resolution) *appserver.ApprovalResponse {
	return &appserver.ApprovalResponse{
		Decision: permission.AppServerDecision(res.Decision),
		Reason:   res.Reason,
		Answers:  res.Answers,
	}
}
