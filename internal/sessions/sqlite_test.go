package sessions

import (
	"context"
	"testing"

	"github.com/haasonsaas/agentrt/pkg/models"
)

func openTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreGetPutRoundTrip(t *testing.T) {
	store := openTestSQLiteStore(t)
	ctx := context.Background()

	sess := &models.Session{ID: "s1", Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}}}
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != "s1" || len(got.Messages) != 1 || got.Messages[0].Content != "hi" {
		t.Fatalf("got = %+v", got)
	}
}

func TestSQLiteStoreGetNotFound(t *testing.T) {
	store := openTestSQLiteStore(t)
	if _, err := store.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStorePutUpsert(t *testing.T) {
	store := openTestSQLiteStore(t)
	ctx := context.Background()

	_ = store.Put(ctx, &models.Session{ID: "s1", Messages: []models.Message{{Role: models.RoleUser, Content: "v1"}}})
	_ = store.Put(ctx, &models.Session{ID: "s1", Messages: []models.Message{{Role: models.RoleUser, Content: "v2"}}})

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Messages[0].Content != "v2" {
		t.Fatalf("Messages[0].Content = %q, want v2 (Put should upsert)", got.Messages[0].Content)
	}
}

func TestSQLiteStoreListAndDelete(t *testing.T) {
	store := openTestSQLiteStore(t)
	ctx := context.Background()
	_ = store.Put(ctx, &models.Session{ID: "a"})
	_ = store.Put(ctx, &models.Session{ID: "b"})

	ids, err := store.List(ctx)
	if err != nil || len(ids) != 2 {
		t.Fatalf("List() = %v, %v, want 2 ids", ids, err)
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	ids, _ = store.List(ctx)
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("List() after delete = %v, want [b]", ids)
	}
}

func TestSQLiteStoreAppendEventSequencing(t *testing.T) {
	store := openTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.AppendEvent(ctx, Event{SessionID: "s1", Kind: "round", Payload: []byte("{}")}); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}

	events, err := store.Events(ctx, "s1")
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Fatalf("events[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestSQLiteStoreDeleteClearsEvents(t *testing.T) {
	store := openTestSQLiteStore(t)
	ctx := context.Background()
	_ = store.Put(ctx, &models.Session{ID: "s1"})
	_ = store.AppendEvent(ctx, Event{SessionID: "s1", Kind: "k"})

	_ = store.Delete(ctx, "s1")

	events, _ := store.Events(ctx, "s1")
	if len(events) != 0 {
		t.Fatalf("expected events cleared on delete, got %d", len(events))
	}
}
