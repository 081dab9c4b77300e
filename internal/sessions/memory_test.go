package sessions

import (
	"context"
	"testing"

	"github.com/haasonsaas/agentrt/pkg/models"
)

func TestMemoryStoreGetPutRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &models.Session{ID: "s1"}
	if err := s.Put(ctx, sess); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != "s1" {
		t.Fatalf("got.ID = %q, want s1", got.ID)
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreCloneIsolatesCallers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &models.Session{ID: "s1", Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}}}
	_ = s.Put(ctx, sess)

	got, _ := s.Get(ctx, "s1")
	got.Messages[0].Content = "mutated"

	again, _ := s.Get(ctx, "s1")
	if again.Messages[0].Content != "hi" {
		t.Fatalf("mutating a returned session corrupted the store: %q", again.Messages[0].Content)
	}

	sess.Messages[0].Content = "mutated-original"
	again2, _ := s.Get(ctx, "s1")
	if again2.Messages[0].Content != "hi" {
		t.Fatalf("mutating the Put() argument after the call corrupted the store: %q", again2.Messages[0].Content)
	}
}

func TestMemoryStoreList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Put(ctx, &models.Session{ID: "a"})
	_ = s.Put(ctx, &models.Session{ID: "b"})
	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("len(ids) = %d, want 2", len(ids))
	}
}

func TestMemoryStoreDeleteRemovesSessionAndEvents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Put(ctx, &models.Session{ID: "a"})
	_ = s.AppendEvent(ctx, Event{SessionID: "a", Kind: "user_message"})

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "a"); err != ErrNotFound {
		t.Fatalf("Get() after Delete error = %v, want ErrNotFound", err)
	}
	events, _ := s.Events(ctx, "a")
	if len(events) != 0 {
		t.Fatalf("expected events to be cleared on delete, got %d", len(events))
	}
}

func TestMemoryStoreAppendEventAssignsMonotonicSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.AppendEvent(ctx, Event{SessionID: "a", Kind: "user_message"})
	_ = s.AppendEvent(ctx, Event{SessionID: "a", Kind: "assistant_message"})

	events, err := s.Events(ctx, "a")
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("sequence numbers = %d, %d, want 1, 2", events[0].Seq, events[1].Seq)
	}
}

func TestMemoryStoreEventsPerSessionIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.AppendEvent(ctx, Event{SessionID: "a", Kind: "k"})
	_ = s.AppendEvent(ctx, Event{SessionID: "b", Kind: "k"})

	eventsA, _ := s.Events(ctx, "a")
	if len(eventsA) != 1 {
		t.Fatalf("len(eventsA) = %d, want 1", len(eventsA))
	}
}
