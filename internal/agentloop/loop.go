// Package agentloop implements the Agent Loop (C7): the per-turn driver
// that prepares context, streams a provider response, dispatches tool
// calls through the Tool Coordinator, and reports progress through the
// Event Bus until the turn reaches a terminal status.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentrt/internal/backoff"
	"github.com/haasonsaas/agentrt/internal/contextprep"
	"github.com/haasonsaas/agentrt/internal/eventbus"
	"github.com/haasonsaas/agentrt/internal/llm"
	"github.com/haasonsaas/agentrt/internal/observability"
	"github.com/haasonsaas/agentrt/internal/sessions"
	"github.com/haasonsaas/agentrt/internal/stream"
	"github.com/haasonsaas/agentrt/internal/toolcoord"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// DefaultMaxRounds is the default round ceiling from §4.7.
const DefaultMaxRounds = 50

// DefaultMaxProviderRetries bounds how many times a single round retries
// a rate-limited Provider.Stream call before surfacing it as a terminal
// Error.
const DefaultMaxProviderRetries = 2

// ErrRequestNotPending is returned by ResumeApproval when requestID is
// not one this turn is actually waiting on.
var ErrRequestNotPending = errors.New("agentloop: request id is not part of the current suspension")

// Config wires a Loop's collaborators. Model and Tools are fixed for
// the life of the Loop; a deployment that needs per-request model
// selection constructs one Loop per model.
type Config struct {
	Store    sessions.Store
	Locker   sessions.Locker
	Preparer *contextprep.Preparer
	Provider llm.Provider
	Executor *toolcoord.Executor
	Checker  *toolcoord.Checker
	Registry *Registry

	Model              string
	Tools              []llm.ToolSchema
	Budget             models.TokenBudget
	DefaultMaxRounds   int
	MaxProviderRetries int
	RetryPolicy        backoff.BackoffPolicy
	Logger             *slog.Logger

	// Metrics is optional; when set, each round's tool executions are
	// recorded against it.
	Metrics *observability.Metrics
}

// Loop drives turns per §4.7.
type Loop struct {
	store    sessions.Store
	locker   sessions.Locker
	preparer *contextprep.Preparer
	provider llm.Provider
	executor *toolcoord.Executor
	checker  *toolcoord.Checker
	registry *Registry
	mux      *stream.Multiplexer

	model              string
	tools              []llm.ToolSchema
	budget             models.TokenBudget
	defaultMaxRounds   int
	maxProviderRetries int
	retryPolicy        backoff.BackoffPolicy
	logger             *slog.Logger
	metrics            *observability.Metrics
}

// New builds a Loop from cfg, filling in defaults for anything the
// caller left zero.
func New(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRounds := cfg.DefaultMaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(DefaultReapAfter)
	}
	maxRetries := cfg.MaxProviderRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxProviderRetries
	}
	retryPolicy := cfg.RetryPolicy
	if retryPolicy == (backoff.BackoffPolicy{}) {
		retryPolicy = backoff.DefaultPolicy()
	}
	return &Loop{
		store:              cfg.Store,
		locker:             cfg.Locker,
		preparer:           cfg.Preparer,
		provider:           cfg.Provider,
		executor:           cfg.Executor,
		checker:            cfg.Checker,
		registry:           registry,
		mux:                stream.New(),
		model:              cfg.Model,
		tools:              cfg.Tools,
		budget:             cfg.Budget,
		defaultMaxRounds:   maxRounds,
		maxProviderRetries: maxRetries,
		retryPolicy:        retryPolicy,
		logger:             logger,
		metrics:            cfg.Metrics,
	}
}

// Result is what RunTurn/ResumeApproval hand back to the caller once a
// turn either terminates or suspends.
type Result struct {
	RunID  string
	Status models.AgentStatus
}

// roundState carries everything that must survive across rounds of a
// single turn, and across an approval-suspend/resume round trip.
type roundState struct {
	session   *models.Session
	emitter   *eventbus.Emitter
	usage     models.Usage
	maxRounds int
}

// RunTurn drives one user turn per §4.7: load the session, append the
// user message, then iterate rounds until a terminal or suspended
// status is reached. ctx is the turn's cancellation token — callers
// must NOT tie it to an HTTP request context, since §8 scenario S6
// requires the turn to keep running to completion after a client
// disconnects.
func (l *Loop) RunTurn(ctx context.Context, sessionID, userMessage string, maxRounds int, sink eventbus.Sink) (*Result, error) {
	if maxRounds <= 0 {
		maxRounds = l.defaultMaxRounds
	}
	runID := "run_" + uuid.NewString()
	l.registry.Start(runID, sessionID)

	var result *Result
	err := sessions.WithLock(ctx, l.locker, sessionID, func(ctx context.Context) error {
		session, err := l.store.Get(ctx, sessionID)
		if errors.Is(err, sessions.ErrNotFound) {
			session = &models.Session{ID: sessionID, CreatedAt: time.Now()}
		} else if err != nil {
			return fmt.Errorf("agentloop: load session: %w", err)
		}

		session.Messages = append(session.Messages, models.Message{
			Role:      models.RoleUser,
			Content:   userMessage,
			CreatedAt: time.Now(),
		})
		session.UpdatedAt = time.Now()
		if err := l.store.Put(ctx, session); err != nil {
			return fmt.Errorf("agentloop: persist session after user message: %w", err)
		}

		emitter := eventbus.New(runID, sink)
		state := &roundState{session: session, emitter: emitter, maxRounds: maxRounds}
		status, err := l.runRounds(ctx, state, 1)
		result = &Result{RunID: runID, Status: status}
		return err
	})
	if err != nil {
		var busy *sessions.ErrSessionBusy
		if errors.As(err, &busy) {
			return nil, err
		}
		l.registry.SetStatus(runID, models.StatusError)
		return result, err
	}
	l.registry.SetStatus(runID, result.Status)
	return result, nil
}

// ResumeApproval records an external decision against a pending
// approval request and continues the suspended turn once every
// pending call for that round has been decided.
func (l *Loop) ResumeApproval(ctx context.Context, sessionID, requestID string, decision toolcoord.Decision, sink eventbus.Sink) (*Result, error) {
	var result *Result
	err := sessions.WithLock(ctx, l.locker, sessionID, func(ctx context.Context) error {
		session, err := l.store.Get(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("agentloop: load session: %w", err)
		}
		events, err := l.store.Events(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("agentloop: load session events: %w", err)
		}
		susp, ok := loadLatestSuspension(events)
		if !ok {
			return fmt.Errorf("agentloop: no suspension recorded for session %s", sessionID)
		}
		found := false
		for _, id := range susp.PendingRequestIDs {
			if id == requestID {
				found = true
				break
			}
		}
		if !found {
			return ErrRequestNotPending
		}

		req, ok := l.checker.Decide(requestID, decision)
		if !ok {
			return fmt.Errorf("agentloop: unknown approval request %s", requestID)
		}

		emitter := eventbus.NewWithSeq(susp.RunID, sink, susp.LastSequence)
		emitter.SetRound(susp.Round)

		call := req.ToolCall
		var toolResult models.ToolResult
		if decision == toolcoord.Denied {
			toolResult = models.ToolResult{CallID: call.ID, Success: false, Payload: "denied: " + req.Reason}
			emitter.ToolError(ctx, call.ID, toolResult.Payload)
		} else {
			emitter.ToolStart(ctx, call.ID, call.FunctionName, call.Arguments)
			results := l.executor.ExecuteConcurrently(ctx, []models.ToolCall{call}, nil)
			toolResult = results[0]
			if toolResult.Success {
				emitter.ToolComplete(ctx, call.ID, toolResult)
			} else {
				emitter.ToolError(ctx, call.ID, toolResult.Payload)
			}
		}
		session.Messages = append(session.Messages, models.Message{
			Role:       models.RoleTool,
			ToolCallID: call.ID,
			ToolResult: &toolResult,
			CreatedAt:  time.Now(),
		})

		susp.PendingRequestIDs = removePending(susp.PendingRequestIDs, requestID)
		if len(susp.PendingRequestIDs) > 0 {
			if err := l.store.Put(ctx, session); err != nil {
				return fmt.Errorf("agentloop: persist session after partial resume: %w", err)
			}
			if err := l.appendSuspension(ctx, sessionID, susp); err != nil {
				return err
			}
			result = &Result{RunID: susp.RunID, Status: models.StatusPending}
			l.registry.SetStatus(susp.RunID, models.StatusPending)
			return nil
		}

		if err := l.store.Put(ctx, session); err != nil {
			return fmt.Errorf("agentloop: persist session after resume: %w", err)
		}

		state := &roundState{session: session, emitter: emitter, usage: susp.Usage, maxRounds: l.defaultMaxRounds}
		status, err := l.runRounds(ctx, state, susp.Round+1)
		result = &Result{RunID: susp.RunID, Status: status}
		return err
	})
	if err != nil {
		if result != nil {
			l.registry.SetStatus(result.RunID, models.StatusError)
		}
		return result, err
	}
	l.registry.SetStatus(result.RunID, result.Status)
	return result, nil
}

// runRounds executes rounds [startRound, state.maxRounds] and returns
// the terminal (or suspended-pending) status.
func (l *Loop) runRounds(ctx context.Context, state *roundState, startRound int) (status models.AgentStatus, err error) {
	if l.metrics != nil {
		defer func() { l.metrics.RecordRound(string(status)) }()
	}

	for round := startRound; round <= state.maxRounds; round++ {
		state.emitter.SetRound(round)

		if ctx.Err() != nil {
			state.emitter.Error(ctx, "cancelled")
			l.persist(context.WithoutCancel(ctx), state.session)
			return models.StatusCancelled, nil
		}

		prepared, err := l.preparer.Prepare(state.session.Messages, l.budget)
		if err != nil {
			var tooLarge *contextprep.SystemPromptTooLargeError
			if errors.As(err, &tooLarge) {
				state.emitter.Error(ctx, err.Error())
				return models.StatusError, nil
			}
			state.emitter.Error(ctx, err.Error())
			return models.StatusError, nil
		}

		req := llm.Request{
			Model:              l.model,
			Messages:           prepared.Messages,
			Tools:              l.tools,
			MaxOutputTokens:    int(l.budget.OutputReserve),
			CacheBoundaryIndex: prepared.CacheBoundaryIndex,
		}
		chunks, err := l.streamWithRetry(ctx, state, req)
		if err != nil {
			return l.handleProviderError(ctx, state, err)
		}

		result, err := l.mux.Drain(ctx, chunks, func(token string) {
			state.emitter.Token(ctx, token)
		})
		if err != nil {
			if ctx.Err() != nil {
				state.emitter.Error(ctx, "cancelled")
				l.persist(context.WithoutCancel(ctx), state.session)
				return models.StatusCancelled, nil
			}
			state.emitter.Error(ctx, err.Error())
			return models.StatusError, nil
		}
		if result.Usage != (models.Usage{}) {
			state.usage = result.Usage
		}

		if len(result.ToolCalls) == 0 {
			state.session.Messages = append(state.session.Messages, models.Message{
				Role:      models.RoleAssistant,
				Content:   result.Text,
				CreatedAt: time.Now(),
			})
			l.persist(ctx, state.session)
			state.emitter.Complete(ctx, state.usage)
			return models.StatusCompleted, nil
		}

		state.session.Messages = append(state.session.Messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   result.Text,
			ToolCalls: result.ToolCalls,
			CreatedAt: time.Now(),
		})

		suspended, pendingRequestIDs, callByRequestID, err := l.dispatchToolCalls(ctx, state, result.ToolCalls)
		if err != nil {
			state.emitter.Error(ctx, err.Error())
			l.persist(ctx, state.session)
			return models.StatusError, nil
		}
		l.persist(ctx, state.session)

		if suspended {
			susp := suspension{
				RunID:             state.emitter.RunID(),
				Round:             round,
				LastSequence:      state.emitter.LastSequence(),
				Usage:             state.usage,
				PendingRequestIDs: pendingRequestIDs,
				CallByRequestID:   callByRequestID,
			}
			if err := l.appendSuspension(ctx, state.session.ID, susp); err != nil {
				return models.StatusError, err
			}
			return models.StatusPending, nil
		}
	}

	l.logger.Warn("agentloop: round ceiling reached without a terminal text answer",
		"session_id", state.session.ID, "max_rounds", state.maxRounds)
	state.emitter.Complete(ctx, state.usage)
	return models.StatusCompleted, nil
}

// dispatchToolCalls runs the Tool Coordinator's approval gate over
// calls, executing allowed calls immediately and recording denied ones,
// appending a tool message per resolved call_id. It returns true if any
// call is still awaiting external approval, in which case the turn
// must suspend.
func (l *Loop) dispatchToolCalls(ctx context.Context, state *roundState, calls []models.ToolCall) (suspended bool, pendingRequestIDs []string, callByRequestID map[string]models.ToolCall, err error) {
	var allowed []models.ToolCall
	callByRequestID = map[string]models.ToolCall{}

	for _, call := range calls {
		decision, reason := l.checker.Check(call)
		switch decision {
		case toolcoord.Denied:
			toolResult := models.ToolResult{CallID: call.ID, Success: false, Payload: "denied: " + reason}
			state.emitter.ToolError(ctx, call.ID, toolResult.Payload)
			state.session.Messages = append(state.session.Messages, models.Message{
				Role:       models.RoleTool,
				ToolCallID: call.ID,
				ToolResult: &toolResult,
				CreatedAt:  time.Now(),
			})
		case toolcoord.Pending:
			req, reqErr := l.checker.RequestApproval(call, l.checker.RiskLevel(call), reason)
			if reqErr != nil {
				return false, nil, nil, fmt.Errorf("agentloop: request approval for %s: %w", call.FunctionName, reqErr)
			}
			state.emitter.NeedApproval(ctx, req.ID, call.FunctionName, call.Arguments, req.RiskLevel)
			pendingRequestIDs = append(pendingRequestIDs, req.ID)
			callByRequestID[req.ID] = call
		default: // Allowed
			allowed = append(allowed, call)
		}
	}

	if len(allowed) > 0 {
		var startedAt sync.Map // call.ID -> time.Time, set on first attempt
		onEvent := func(call models.ToolCall, attempt int, event string) {
			switch event {
			case "start":
				if attempt == 1 {
					startedAt.Store(call.ID, time.Now())
					state.emitter.ToolStart(ctx, call.ID, call.FunctionName, call.Arguments)
				}
			case "complete", "error":
				if l.metrics == nil {
					return
				}
				var elapsed time.Duration
				if started, ok := startedAt.Load(call.ID); ok {
					elapsed = time.Since(started.(time.Time))
				}
				status := "success"
				if event == "error" {
					status = "error"
				}
				l.metrics.RecordToolExecution(call.FunctionName, status, elapsed.Seconds())
			}
		}
		results := l.executor.ExecuteConcurrently(ctx, allowed, onEvent)
		for _, r := range results {
			if r.Success {
				state.emitter.ToolComplete(ctx, r.CallID, r)
			} else {
				state.emitter.ToolError(ctx, r.CallID, r.Payload)
			}
			result := r
			state.session.Messages = append(state.session.Messages, models.Message{
				Role:       models.RoleTool,
				ToolCallID: r.CallID,
				ToolResult: &result,
				CreatedAt:  time.Now(),
			})
		}
	}

	return len(pendingRequestIDs) > 0, pendingRequestIDs, callByRequestID, nil
}

// streamWithRetry calls Provider.Stream, retrying in place when the
// provider reports a retryable rate-limit error. It waits for whichever
// is shorter of the provider's advertised RetryAfter and the configured
// backoff policy's delay for that attempt, up to maxProviderRetries
// attempts, before giving up and returning the last error.
func (l *Loop) streamWithRetry(ctx context.Context, state *roundState, req llm.Request) (<-chan llm.Chunk, error) {
	logCtx := observability.AddSessionID(observability.AddProvider(ctx, l.provider.Name()), state.session.ID)

	var lastErr error
	for attempt := 1; attempt <= l.maxProviderRetries+1; attempt++ {
		chunks, err := l.provider.Stream(ctx, req)
		if err == nil {
			return chunks, nil
		}
		lastErr = err

		var perr *llm.ProviderError
		if !errors.As(err, &perr) || !perr.Retryable() || attempt > l.maxProviderRetries {
			return nil, err
		}

		delay := backoff.ComputeBackoff(l.retryPolicy, attempt)
		if perr.RetryAfter > 0 && perr.RetryAfter < delay {
			delay = perr.RetryAfter
		}
		l.logger.WarnContext(logCtx, "agentloop: retrying rate-limited provider request",
			"attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// handleProviderError classifies a Provider.Stream error per §7: Transport
// and BadResponse fail the turn; RateLimit is retried in place by
// streamWithRetry and only reaches here once retries are exhausted; Auth
// surfaces immediately with no retry; Cancelled maps to status Cancelled.
func (l *Loop) handleProviderError(ctx context.Context, state *roundState, err error) (models.AgentStatus, error) {
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		switch perr.Kind {
		case llm.ErrCancelled:
			state.emitter.Error(ctx, "cancelled")
			return models.StatusCancelled, nil
		default:
			state.emitter.Error(ctx, perr.Error())
			return models.StatusError, nil
		}
	}
	state.emitter.Error(ctx, err.Error())
	return models.StatusError, nil
}

func (l *Loop) appendSuspension(ctx context.Context, sessionID string, susp suspension) error {
	return l.store.AppendEvent(ctx, sessions.Event{
		SessionID: sessionID,
		Kind:      suspensionEventKind,
		Payload:   susp.encode(),
	})
}

func (l *Loop) persist(ctx context.Context, session *models.Session) {
	session.UpdatedAt = time.Now()
	if err := l.store.Put(ctx, session); err != nil {
		l.logger.Error("agentloop: failed to persist session", "session_id", session.ID, "error", err)
	}
}
