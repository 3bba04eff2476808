// Package permission implements the approval pipeline between the agent's
// elicitation requests and the hub's clients: classify, publish, decide,
// reply, finalize.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/happyhq/hub/internal/agent/events"
	"github.com/happyhq/hub/internal/common/logger"
	"go.uber.org/zap"
)

// ErrSessionReset rejects pending requests when the session resets.
var ErrSessionReset = errors.New("Session reset")

// Kind classifies an approval request.
type Kind string

const (
	KindExec        Kind = "exec"
	KindFileChange  Kind = "fileChange"
	KindUserInput   Kind = "userInput"
	KindDynamicTool Kind = "dynamicTool"
)

// Tool names published for elicitations, by kind.
const (
	ToolNameBash       = "CodexBash"
	ToolNamePatch      = "CodexPatch"
	ToolNamePermission = "CodexPermission"
)

// Request is one approval in flight.
type Request struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// CompletedRequest is a finalized approval.
type CompletedRequest struct {
	Request
	CompletedAt time.Time `json:"completedAt"`
	Status      string    `json:"status"` // "approved", "denied", "canceled"
	Decision    Decision  `json:"decision"`
	Reason      string    `json:"reason,omitempty"`
}

// StateSink receives the published agent state every time the pending or
// completed sets change. The pending map mirrors the pipeline's internal
// promises exactly.
type StateSink func(pending map[string]Request, completed []CompletedRequest)

// Resolution is the client's full answer to a request: the decision plus
// the optional reason and free-form answers it supplied.
type Resolution struct {
	Decision Decision        `json:"decision"`
	Reason   string          `json:"reason,omitempty"`
	Answers  json.RawMessage `json:"answers,omitempty"`
}

type pendingEntry struct {
	req Request
	ch  chan Resolution
}

// Pipeline owns the pending approval map for one session.
type Pipeline struct {
	mu        sync.Mutex
	pending   map[string]*pendingEntry
	completed []CompletedRequest

	mode    Mode
	hints   *Hints
	publish func(events.AgentEvent)
	sink    StateSink
	logger  *logger.Logger
}

// NewPipeline creates a pipeline. publish emits outbound tool-call events;
// sink receives agent-state snapshots. Either may be nil.
func NewPipeline(mode Mode, publish func(events.AgentEvent), sink StateSink, log *logger.Logger) *Pipeline {
	return &Pipeline{
		pending: make(map[string]*pendingEntry),
		mode:    mode,
		publish: publish,
		sink:    sink,
		logger:  log.WithFields(zap.String("component", "permission")),
	}
}

// SetMode changes the permission mode for subsequent decisions.
func (p *Pipeline) SetMode(mode Mode) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
}

// SetHints installs per-session overrides for the allow/write lists.
func (p *Pipeline) SetHints(hints *Hints) {
	p.mu.Lock()
	p.hints = hints
	p.mu.Unlock()
}

// ToolNameFor maps a request kind to the published tool name. User-input
// questions keep the agent's original tool name.
func ToolNameFor(kind Kind, original string) string {
	switch kind {
	case KindExec:
		return ToolNameBash
	case KindFileChange:
		return ToolNamePatch
	case KindUserInput:
		if original != "" {
			return original
		}
		return ToolNamePermission
	default:
		return ToolNamePermission
	}
}

// Elicit runs one approval request to its decision. Auto-approval rules
// are consulted first; when they produce a verdict the request never
// reaches the client. Otherwise the request is published, inserted into
// the pending set and awaited until Resolve, Reset or ctx cancellation.
func (p *Pipeline) Elicit(ctx context.Context, kind Kind, id, toolName string, input json.RawMessage) (Resolution, error) {
	if id == "" {
		id = uuid.New().String()
	}
	req := Request{
		ID:        id,
		Kind:      kind,
		ToolName:  ToolNameFor(kind, toolName),
		Input:     input,
		CreatedAt: time.Now(),
	}

	p.mu.Lock()
	mode, hints := p.mode, p.hints
	p.mu.Unlock()

	if decision, ok := AutoDecide(mode, toolName, id, hints); ok {
		p.logger.Debug("auto-approved",
			zap.String("id", id), zap.String("tool", toolName), zap.String("decision", string(decision)))
		p.finalize(req, decision, "")
		return Resolution{Decision: decision}, nil
	}

	entry := &pendingEntry{req: req, ch: make(chan Resolution, 1)}
	p.mu.Lock()
	p.pending[id] = entry
	p.mu.Unlock()
	p.publishState()

	if p.publish != nil {
		p.publish(events.AgentEvent{
			Type:   events.TypeToolCall,
			Name:   req.ToolName,
			CallID: id,
			Input:  input,
		})
	}

	select {
	case res := <-entry.ch:
		if res.Decision == DecisionCanceled {
			return res, ErrSessionReset
		}
		return res, nil
	case <-ctx.Done():
		// Resolve or Reset may race the cancellation. Whoever removes the
		// entry from the pending set finalizes it, exactly once.
		p.mu.Lock()
		_, stillPending := p.pending[id]
		delete(p.pending, id)
		p.mu.Unlock()
		if !stillPending {
			res := <-entry.ch
			if res.Decision == DecisionCanceled {
				return res, ErrSessionReset
			}
			return res, nil
		}
		p.finalize(req, DecisionCanceled, "aborted")
		return Resolution{Decision: DecisionCanceled}, ctx.Err()
	}
}

// Resolve answers a pending request; the client's RPC handler calls this
// with {id, approved, decision?, reason?, answers?}. Unknown ids are
// ignored and reported.
func (p *Pipeline) Resolve(id string, approved bool, decision Decision, reason string, answers json.RawMessage) bool {
	if decision == "" {
		if approved {
			decision = DecisionApproved
		} else {
			decision = DecisionDenied
		}
	}

	p.mu.Lock()
	entry, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("resolve for unknown permission request", zap.String("id", id))
		return false
	}

	p.finalize(entry.req, decision, reason)
	entry.ch <- Resolution{Decision: decision, Reason: reason, Answers: answers}
	return true
}

// Reset cancels all pending requests with a session-reset reason. Their
// waiters observe DecisionCanceled and ErrSessionReset.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	entries := make([]*pendingEntry, 0, len(p.pending))
	for id, entry := range p.pending {
		entries = append(entries, entry)
		delete(p.pending, id)
	}
	p.mu.Unlock()

	for _, entry := range entries {
		p.finalize(entry.req, DecisionCanceled, ErrSessionReset.Error())
		entry.ch <- Resolution{Decision: DecisionCanceled, Reason: ErrSessionReset.Error()}
	}
}

// Pending returns a snapshot of the in-flight requests.
func (p *Pipeline) Pending() map[string]Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Request, len(p.pending))
	for id, entry := range p.pending {
		out[id] = entry.req
	}
	return out
}

// Completed returns a snapshot of the finalized requests.
func (p *Pipeline) Completed() []CompletedRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompletedRequest, len(p.completed))
	copy(out, p.completed)
	return out
}

func (p *Pipeline) finalize(req Request, decision Decision, reason string) {
	status := "approved"
	switch decision {
	case DecisionDenied:
		status = "denied"
	case DecisionCanceled:
		status = "canceled"
	}

	p.mu.Lock()
	p.completed = append(p.completed, CompletedRequest{
		Request:     req,
		CompletedAt: time.Now(),
		Status:      status,
		Decision:    decision,
		Reason:      reason,
	})
	p.mu.Unlock()
	p.publishState()
}

func (p *Pipeline) publishState() {
	if p.sink == nil {
		return
	}
	p.sink(p.Pending(), p.Completed())
}
