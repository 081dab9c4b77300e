// Package eventbus implements the Event Bus (C9): it turns Agent Loop
// round-by-round state into the typed AgentEvent stream clients
// subscribe to, with monotonic sequencing and pluggable delivery sinks.
package eventbus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// Emitter generates AgentEvents with proper sequencing and dispatches
// them to a Sink. One Emitter is created per turn (keyed by run id);
// its sequence counter is local to that turn.
type Emitter struct {
	runID    string
	sequence uint64 // atomic, monotonic within this run

	round int

	sink Sink
}

// New creates an emitter for runID dispatching to sink. A nil sink
// becomes a NopSink.
func New(runID string, sink Sink) *Emitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &Emitter{runID: runID, sink: sink}
}

// NewWithSeq creates an emitter whose sequence counter starts after
// lastSeq, for a turn resuming from a persisted suspension point so
// sequence numbers stay monotonic across the external approval round
// trip instead of resetting to zero.
func NewWithSeq(runID string, sink Sink, lastSeq uint64) *Emitter {
	e := New(runID, sink)
	e.sequence = lastSeq
	return e
}

// SetRound updates the round index attached to subsequently emitted
// events, mirroring the Agent Loop's own round counter.
func (e *Emitter) SetRound(round int) {
	e.round = round
}

// RunID returns the run id this emitter was constructed with.
func (e *Emitter) RunID() string {
	return e.runID
}

// LastSequence returns the most recently assigned sequence number, for
// persisting a resumption point (see NewWithSeq).
func (e *Emitter) LastSequence() uint64 {
	return atomic.LoadUint64(&e.sequence)
}

func (e *Emitter) nextSeq() uint64 {
	return atomic.AddUint64(&e.sequence, 1)
}

func (e *Emitter) base(t models.AgentEventType) models.AgentEvent {
	return models.AgentEvent{
		Type:     t,
		Sequence: e.nextSeq(),
		RunID:    e.runID,
		Round:    e.round,
		Time:     time.Now(),
	}
}

func (e *Emitter) emit(ctx context.Context, event models.AgentEvent) models.AgentEvent {
	e.sink.Emit(ctx, event)
	return event
}

// Token emits one streamed text fragment from the model.
func (e *Emitter) Token(ctx context.Context, content string) models.AgentEvent {
	event := e.base(models.EventToken)
	event.Token = &models.TokenPayload{Content: content}
	return e.emit(ctx, event)
}

// ToolStart emits notice that a tool call has begun dispatch.
func (e *Emitter) ToolStart(ctx context.Context, callID, toolName, arguments string) models.AgentEvent {
	event := e.base(models.EventToolStart)
	event.ToolStart = &models.ToolStartPayload{CallID: callID, ToolName: toolName, Arguments: arguments}
	return e.emit(ctx, event)
}

// ToolComplete emits a tool's result once execution finishes.
func (e *Emitter) ToolComplete(ctx context.Context, callID string, result models.ToolResult) models.AgentEvent {
	event := e.base(models.EventToolComplete)
	event.ToolComplete = &models.ToolCompletePayload{CallID: callID, Result: result}
	return e.emit(ctx, event)
}

// ToolError emits a tool dispatch failure that exhausted its retries.
func (e *Emitter) ToolError(ctx context.Context, callID, message string) models.AgentEvent {
	event := e.base(models.EventToolError)
	event.ToolError = &models.ToolErrorPayload{CallID: callID, Error: message}
	return e.emit(ctx, event)
}

// NeedClarification emits a pause requesting the user answer a question
// before the turn can continue.
func (e *Emitter) NeedClarification(ctx context.Context, question string, options []string) models.AgentEvent {
	event := e.base(models.EventNeedClarification)
	event.NeedClarification = &models.NeedClarificationPayload{Question: question, Options: options}
	return e.emit(ctx, event)
}

// NeedApproval emits a pause requesting approval to run a tool call.
func (e *Emitter) NeedApproval(ctx context.Context, requestID, toolName, arguments, riskLevel string) models.AgentEvent {
	event := e.base(models.EventNeedApproval)
	event.NeedApproval = &models.NeedApprovalPayload{
		RequestID: requestID,
		ToolName:  toolName,
		Arguments: arguments,
		RiskLevel: riskLevel,
	}
	return e.emit(ctx, event)
}

// Complete emits the terminal success event for the turn.
func (e *Emitter) Complete(ctx context.Context, usage models.Usage) models.AgentEvent {
	event := e.base(models.EventComplete)
	event.Complete = &models.CompletePayload{Usage: usage}
	return e.emit(ctx, event)
}

// Error emits the terminal failure event for the turn.
func (e *Emitter) Error(ctx context.Context, message string) models.AgentEvent {
	event := e.base(models.EventError)
	event.Error = &models.ErrorPayload{Message: message}
	return e.emit(ctx, event)
}
