// Package transport implements the HTTP surface named in spec §6:
// POST /chat, GET <stream_url> (SSE), GET /history/{session_id}, and
// POST /approval/{request_id}. Grounded on the teacher's internal/web
// Handler{config, mux}/NewHandler/setupRoutes shape, scaled down from
// its ~24k-line dashboard to these four contract endpoints — the
// dashboard UI itself (templates, analytics, cron/skills/nodes pages)
// has no equivalent here.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentrt/internal/agentloop"
	"github.com/haasonsaas/agentrt/internal/eventbus"
	"github.com/haasonsaas/agentrt/internal/observability"
	"github.com/haasonsaas/agentrt/internal/sessions"
	"github.com/haasonsaas/agentrt/internal/toolcoord"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// Config wires a Handler's collaborators.
type Config struct {
	Loop   *agentloop.Loop
	Store  sessions.Store
	Logger *slog.Logger
	Tracer *observability.Tracer
}

// turnStream pairs a turn's sink with the channel its events arrive on,
// since eventbus.NewBackpressureSink only hands back the output channel
// once, at construction time.
type turnStream struct {
	sink   *eventbus.BackpressureSink
	events <-chan models.AgentEvent
}

// Handler is the runtime's HTTP surface.
type Handler struct {
	loop   *agentloop.Loop
	store  sessions.Store
	logger *slog.Logger
	tracer *observability.Tracer
	mux    *http.ServeMux

	mu      sync.Mutex
	streams map[string]*turnStream
}

// NewHandler builds a Handler and registers its routes.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		loop:    cfg.Loop,
		store:   cfg.Store,
		logger:  logger,
		tracer:  cfg.Tracer,
		mux:     http.NewServeMux(),
		streams: make(map[string]*turnStream),
	}
	h.setupRoutes()
	return h
}

func (h *Handler) setupRoutes() {
	h.mux.HandleFunc("POST /chat", h.handleChat)
	h.mux.HandleFunc("GET /stream/{turn_id}", h.handleStream)
	h.mux.HandleFunc("GET /history/{session_id}", h.handleHistory)
	h.mux.HandleFunc("POST /approval/{request_id}", h.handleApproval)
}

// ServeHTTP makes Handler an http.Handler. When a tracer is attached,
// every request gets its own span covering the full route match and
// handler body, not just the turn work handleChat kicks off async.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.tracer == nil {
		h.mux.ServeHTTP(w, r)
		return
	}
	ctx, span := h.tracer.TraceHTTPRequest(r.Context(), r.Method, r.URL.Path)
	defer span.End()
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	MaxRounds int    `json:"max_rounds"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	StreamURL string `json:"stream_url"`
}

// handleChat implements POST /chat per spec §6: it starts a turn and
// immediately returns a stream_url rather than blocking for the whole
// turn, since the turn itself must outlive the HTTP request per §8
// scenario S6. The turn runs against context.Background(), decoupled
// from r.Context(), so a client disconnect only drops event delivery.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "session_" + uuid.NewString()
	}

	turnID := "turn_" + uuid.NewString()
	sink, events := eventbus.NewBackpressureSink(eventbus.DefaultBackpressureConfig())
	h.mu.Lock()
	h.streams[turnID] = &turnStream{sink: sink, events: events}
	h.mu.Unlock()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	turnCtx := observability.AddSessionID(observability.AddRequestID(context.Background(), requestID), req.SessionID)

	go func() {
		defer sink.Close()
		_, err := h.loop.RunTurn(turnCtx, req.SessionID, req.Message, req.MaxRounds, sink)
		if err != nil {
			h.logger.ErrorContext(turnCtx, "transport: turn failed", "turn_id", turnID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, chatResponse{
		SessionID: req.SessionID,
		TurnID:    turnID,
		StreamURL: "/stream/" + turnID,
	})
}

// handleStream implements GET <stream_url>: an SSE feed of the turn's
// AgentEvents. Supports exactly one live subscriber per turn id,
// consistent with the single stream_url POST /chat hands back; a
// reconnecting client that missed events should fall back to
// GET /history for the durable record.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	turnID := r.PathValue("turn_id")
	stream := h.takeStream(turnID)
	if stream == nil {
		writeError(w, http.StatusNotFound, "unknown or already-consumed turn id")
		return
	}

	sw, err := eventbus.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	for {
		select {
		case e, ok := <-stream.events:
			if !ok {
				return
			}
			if err := sw.WriteEvent(e); err != nil {
				return
			}
		case <-r.Context().Done():
			// Client disconnected: stop writing, but the turn itself
			// (already running against context.Background()) is
			// unaffected and keeps going per §8 scenario S6.
			return
		}
	}
}

func (h *Handler) takeStream(turnID string) *turnStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[turnID]
	if !ok {
		return nil
	}
	delete(h.streams, turnID)
	return s
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	session, err := h.store.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type approvalRequest struct {
	SessionID string `json:"session_id"`
	Decision  string `json:"decision"` // "allow" | "deny"
}

// handleApproval implements POST /approval/{request_id} per spec §6.
func (h *Handler) handleApproval(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	var decision toolcoord.Decision
	switch req.Decision {
	case "allow":
		decision = toolcoord.Allowed
	case "deny":
		decision = toolcoord.Denied
	default:
		writeError(w, http.StatusBadRequest, `decision must be "allow" or "deny"`)
		return
	}

	result, err := h.loop.ResumeApproval(context.Background(), req.SessionID, requestID, decision, eventbus.NopSink{})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status models.AgentStatus `json:"status"`
	}{Status: result.Status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: message})
}
