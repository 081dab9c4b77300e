package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentrt/internal/agentloop"
	"github.com/haasonsaas/agentrt/internal/contextprep"
	"github.com/haasonsaas/agentrt/internal/llm"
	"github.com/haasonsaas/agentrt/internal/sessions"
	"github.com/haasonsaas/agentrt/internal/toolcoord"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// textProvider always replies with a fixed string, once per Stream call.
type textProvider struct {
	text string
}

func (p *textProvider) Name() string { return "test" }

func (p *textProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Kind: llm.ChunkToken, Token: p.text}
	ch <- llm.Chunk{Kind: llm.ChunkDone, Usage: models.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}}
	close(ch)
	return ch, nil
}

// toolCallOnceProvider emits a single tool call on its first Stream call
// and a plain text reply on every call after.
type toolCallOnceProvider struct {
	called bool
}

func (p *toolCallOnceProvider) Name() string { return "test-tool" }

func (p *toolCallOnceProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 2)
	if !p.called {
		p.called = true
		ch <- llm.Chunk{Kind: llm.ChunkToolCallFragment, ToolCall: llm.ToolCallFragment{
			Index: 0, ID: "call-1", FunctionName: "search", Arguments: `{"q":"go"}`,
		}}
	} else {
		ch <- llm.Chunk{Kind: llm.ChunkToken, Token: "done"}
	}
	ch <- llm.Chunk{Kind: llm.ChunkDone}
	close(ch)
	return ch, nil
}

type noopTool struct{}

func (noopTool) Name() string              { return "search" }
func (noopTool) Schema() *jsonschema.Schema { return nil }
func (noopTool) Execute(ctx context.Context, arguments string) (string, error) {
	return "ok", nil
}

func testBudget() models.TokenBudget {
	return models.TokenBudget{ModelWindow: 100000, OutputReserve: 1000, SafetyMargin: 100}
}

func newTestHandler(t *testing.T, provider llm.Provider, checker *toolcoord.Checker) (*Handler, sessions.Store) {
	t.Helper()
	store := sessions.NewMemoryStore()
	if checker == nil {
		checker = toolcoord.NewChecker(toolcoord.ApprovalPolicy{DefaultDecision: toolcoord.Allowed}, nil)
	}
	reg := toolcoord.NewRegistry()
	reg.Register(noopTool{})
	executor := toolcoord.NewExecutor(reg, toolcoord.DefaultExecConfig())

	loop := agentloop.New(agentloop.Config{
		Store:    store,
		Locker:   sessions.NewMapLocker(),
		Preparer: contextprep.New(nil),
		Provider: provider,
		Executor: executor,
		Checker:  checker,
		Model:    "test-model",
		Budget:   testBudget(),
	})
	h := NewHandler(Config{Loop: loop, Store: store})
	return h, store
}

func TestHandleChatReturnsStreamURL(t *testing.T) {
	h, _ := newTestHandler(t, &textProvider{text: "hi there"}, nil)

	body := strings.NewReader(`{"session_id":"sess-1","message":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != "sess-1" {
		t.Fatalf("expected session_id to round-trip, got %q", resp.SessionID)
	}
	if resp.StreamURL != "/stream/"+resp.TurnID {
		t.Fatalf("unexpected stream_url %q for turn %q", resp.StreamURL, resp.TurnID)
	}
}

func TestHandleChatRejectsEmptyMessage(t *testing.T) {
	h, _ := newTestHandler(t, &textProvider{text: "hi"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"session_id":"sess-1","message":""}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", rec.Code)
	}
}

// TestHandleStreamDeliversEventsAndTerminates drives /chat then /stream and
// checks the SSE body contains a terminal event.
func TestHandleStreamDeliversEventsAndTerminates(t *testing.T) {
	h, _ := newTestHandler(t, &textProvider{text: "streamed reply"}, nil)

	chatReq := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"session_id":"sess-2","message":"hi"}`))
	chatRec := httptest.NewRecorder()
	h.ServeHTTP(chatRec, chatReq)
	var chatResp chatResponse
	if err := json.Unmarshal(chatRec.Body.Bytes(), &chatResp); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}

	// Give the background turn a moment to run and close the sink.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		_, live := h.streams[chatResp.TurnID]
		h.mu.Unlock()
		if live {
			break
		}
		time.Sleep(time.Millisecond)
	}

	streamReq := httptest.NewRequest(http.MethodGet, chatResp.StreamURL, nil)
	streamReq.SetPathValue("turn_id", chatResp.TurnID)
	rec := newFlushRecorder()
	h.ServeHTTP(rec, streamReq)

	body := rec.Body.String()
	if !strings.Contains(body, "\"type\"") {
		t.Fatalf("expected at least one SSE event, got body: %q", body)
	}
	scanner := bufio.NewScanner(strings.NewReader(body))
	sawComplete := false
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), string(models.EventComplete)) {
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Fatalf("expected a complete event in SSE stream, got: %q", body)
	}
}

func TestHandleStreamUnknownTurnReturns404(t *testing.T) {
	h, _ := newTestHandler(t, &textProvider{text: "hi"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/stream/does-not-exist", nil)
	req.SetPathValue("turn_id", "does-not-exist")
	rec := newFlushRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown turn id, got %d", rec.Code)
	}
}

func TestHandleHistoryReturnsSession(t *testing.T) {
	h, store := newTestHandler(t, &textProvider{text: "hi"}, nil)
	_ = store.Put(context.Background(), &models.Session{
		ID: "sess-3",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "hello", CreatedAt: time.Now()},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/history/sess-3", nil)
	req.SetPathValue("session_id", "sess-3")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var session models.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.ID != "sess-3" || len(session.Messages) != 1 {
		t.Fatalf("unexpected session payload: %+v", session)
	}
}

func TestHandleHistoryUnknownSessionReturns404(t *testing.T) {
	h, _ := newTestHandler(t, &textProvider{text: "hi"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/history/nope", nil)
	req.SetPathValue("session_id", "nope")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// TestHandleApprovalAllowsAndDenies exercises both decision paths against
// a checker that requires approval for the "search" tool.
func TestHandleApprovalAllowsAndDenies(t *testing.T) {
	checker := toolcoord.NewChecker(toolcoord.ApprovalPolicy{
		RequireApproval: []string{"search"},
		DefaultDecision: toolcoord.Allowed,
	}, nil)
	h, store := newTestHandler(t, &toolCallOnceProvider{}, checker)

	chatReq := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"session_id":"sess-4","message":"search something"}`))
	chatRec := httptest.NewRecorder()
	h.ServeHTTP(chatRec, chatReq)
	var chatResp chatResponse
	_ = json.Unmarshal(chatRec.Body.Bytes(), &chatResp)

	requestID := waitForPendingApproval(t, store, "sess-4")

	approveBody := strings.NewReader(`{"session_id":"sess-4","decision":"allow"}`)
	approveReq := httptest.NewRequest(http.MethodPost, "/approval/"+requestID, approveBody)
	approveReq.SetPathValue("request_id", requestID)
	approveRec := httptest.NewRecorder()
	h.ServeHTTP(approveRec, approveReq)

	if approveRec.Code != http.StatusOK {
		t.Fatalf("expected 200 from approval, got %d: %s", approveRec.Code, approveRec.Body.String())
	}
}

func TestHandleApprovalRejectsBadDecision(t *testing.T) {
	h, _ := newTestHandler(t, &textProvider{text: "hi"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/approval/req-1", strings.NewReader(`{"session_id":"sess-5","decision":"maybe"}`))
	req.SetPathValue("request_id", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid decision, got %d", rec.Code)
	}
}

// waitForPendingApproval polls a session's event log for the agent
// loop's suspension record and returns its first pending request id.
func waitForPendingApproval(t *testing.T, store sessions.Store, sessionID string) string {
	t.Helper()
	type susp struct {
		PendingRequestIDs []string `json:"pending_request_ids"`
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := store.Events(context.Background(), sessionID)
		if err == nil {
			for i := len(events) - 1; i >= 0; i-- {
				if events[i].Kind != "agentloop.suspension" {
					continue
				}
				var s susp
				if json.Unmarshal(events[i].Payload, &s) == nil && len(s.PendingRequestIDs) > 0 {
					return s.PendingRequestIDs[0]
				}
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected a pending approval request to appear")
	return ""
}

// flushRecorder adds Flush support to httptest.ResponseRecorder so
// handlers requiring http.Flusher (the SSE writer) can be exercised.
type flushRecorder struct {
	*httptest.ResponseRecorder
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
}

func (f *flushRecorder) Flush() {}
