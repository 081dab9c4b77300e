package eventbus

import (
	"context"
	"testing"

	"github.com/haasonsaas/agentrt/pkg/models"
)

type recordingSink struct {
	events []models.AgentEvent
}

func (r *recordingSink) Emit(ctx context.Context, e models.AgentEvent) {
	r.events = append(r.events, e)
}

func TestEmitterSequenceIsMonotonic(t *testing.T) {
	sink := &recordingSink{}
	e := New("run1", sink)
	ctx := context.Background()

	e.Token(ctx, "a")
	e.Token(ctx, "b")
	e.Complete(ctx, models.Usage{TotalTokens: 10})

	if len(sink.events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(sink.events))
	}
	for i, ev := range sink.events {
		want := uint64(i + 1)
		if ev.Sequence != want {
			t.Fatalf("events[%d].Sequence = %d, want %d", i, ev.Sequence, want)
		}
		if ev.RunID != "run1" {
			t.Fatalf("events[%d].RunID = %q, want run1", i, ev.RunID)
		}
	}
}

func TestEmitterSetRoundTagsSubsequentEvents(t *testing.T) {
	sink := &recordingSink{}
	e := New("run1", sink)
	ctx := context.Background()

	e.SetRound(1)
	e.Token(ctx, "x")
	e.SetRound(2)
	e.ToolStart(ctx, "c1", "search", "{}")

	if sink.events[0].Round != 1 {
		t.Fatalf("events[0].Round = %d, want 1", sink.events[0].Round)
	}
	if sink.events[1].Round != 2 {
		t.Fatalf("events[1].Round = %d, want 2", sink.events[1].Round)
	}
}

func TestEmitterPayloadsMatchType(t *testing.T) {
	sink := &recordingSink{}
	e := New("run1", sink)
	ctx := context.Background()

	e.ToolComplete(ctx, "c1", models.ToolResult{CallID: "c1", Success: true, Payload: "ok"})
	e.ToolError(ctx, "c2", "boom")
	e.NeedClarification(ctx, "which file?", []string{"a.go", "b.go"})
	e.NeedApproval(ctx, "req1", "delete_file", "{}", "high")
	e.Error(ctx, "fatal")

	if sink.events[0].Type != models.EventToolComplete || sink.events[0].ToolComplete == nil {
		t.Fatalf("expected ToolComplete payload, got %+v", sink.events[0])
	}
	if sink.events[1].Type != models.EventToolError || sink.events[1].ToolError.Error != "boom" {
		t.Fatalf("expected ToolError payload, got %+v", sink.events[1])
	}
	if sink.events[2].NeedClarification.Question != "which file?" {
		t.Fatalf("expected NeedClarification payload, got %+v", sink.events[2])
	}
	if sink.events[3].NeedApproval.RequestID != "req1" {
		t.Fatalf("expected NeedApproval payload, got %+v", sink.events[3])
	}
	if sink.events[4].Type != models.EventError || !sink.events[4].IsTerminal() {
		t.Fatalf("expected terminal Error event, got %+v", sink.events[4])
	}
}

func TestEmitterNilSinkDefaultsToNop(t *testing.T) {
	e := New("run1", nil)
	// Must not panic.
	e.Token(context.Background(), "hello")
}
