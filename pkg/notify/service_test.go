package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"personfinder/pkg/auth"
	"personfinder/pkg/domain"
	"personfinder/pkg/store"
)

func seedUser(t *testing.T, st *store.MemoryStore, id, username string, role domain.UserRole) {
	t.Helper()
	hash, err := auth.HashPassword("secret1")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if err := st.SaveUser(domain.User{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save user: %v", err)
	}
}

func TestEnqueueAndListNewestFirst(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, false)
	ctx := context.Background()

	if err := svc.Enqueue(ctx, "alice", "first", "c1", "e1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := svc.Enqueue(ctx, "alice", "second", "c2", "e2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := svc.List(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Message != "second" || got[1].Message != "first" {
		t.Fatalf("expected newest first, got %+v", got)
	}
	for _, n := range got {
		if n.IsRead {
			t.Fatalf("new notification should be unread: %+v", n)
		}
	}
}

func TestEnqueueDeduplicatesByEventKey(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.Enqueue(ctx, "alice", "found", "c1", "case.found:c1"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	got, err := svc.List(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one notification after duplicate enqueues, got %d", len(got))
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, false)
	ctx := context.Background()

	if err := svc.Enqueue(ctx, "alice", "found", "c1", "e1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	list, _ := svc.List(ctx, "alice")
	id := list[0].ID

	for i := 0; i < 2; i++ {
		if err := svc.MarkRead(ctx, id, "alice"); err != nil {
			t.Fatalf("mark read attempt %d: %v", i+1, err)
		}
		again, _ := svc.List(ctx, "alice")
		if !again[0].IsRead {
			t.Fatalf("attempt %d: notification still unread", i+1)
		}
	}
}

func TestMarkReadGuards(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, false)
	ctx := context.Background()

	if err := svc.Enqueue(ctx, "alice", "found", "c1", "e1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	list, _ := svc.List(ctx, "alice")
	id := list[0].ID

	if err := svc.MarkRead(ctx, id, "mallory"); !errors.Is(err, ErrNotRecipient) {
		t.Fatalf("expected ErrNotRecipient, got %v", err)
	}
	if err := svc.MarkRead(ctx, "missing", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeliverCaseFoundOwnerOnly(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "owner", "alice", domain.RoleUser)
	seedUser(t, st, "admin", "root", domain.RoleAdmin)
	svc := NewService(st, false)
	ctx := context.Background()

	ev := FoundEvent{CaseID: "c1", CaseName: "Jane Doe", OwnerID: "owner"}
	if err := svc.DeliverCaseFound(ctx, ev); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	ownerNotifs, _ := svc.List(ctx, "owner")
	if len(ownerNotifs) != 1 {
		t.Fatalf("owner should have one notification, got %d", len(ownerNotifs))
	}
	if ownerNotifs[0].CaseID != "c1" {
		t.Fatalf("notification not linked to case: %+v", ownerNotifs[0])
	}
	adminNotifs, _ := svc.List(ctx, "admin")
	if len(adminNotifs) != 0 {
		t.Fatalf("admins should not be notified by default, got %d", len(adminNotifs))
	}
}

func TestDeliverCaseFoundFansOutToAdmins(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "owner", "alice", domain.RoleUser)
	seedUser(t, st, "admin", "root", domain.RoleAdmin)
	svc := NewService(st, true)
	ctx := context.Background()

	ev := FoundEvent{CaseID: "c1", CaseName: "Jane Doe", OwnerID: "owner"}
	// Delivered twice: at-least-once semantics must not double-notify.
	if err := svc.DeliverCaseFound(ctx, ev); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := svc.DeliverCaseFound(ctx, ev); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	ownerNotifs, _ := svc.List(ctx, "owner")
	adminNotifs, _ := svc.List(ctx, "admin")
	if len(ownerNotifs) != 1 || len(adminNotifs) != 1 {
		t.Fatalf("expected one notification each, got owner=%d admin=%d", len(ownerNotifs), len(adminNotifs))
	}
}
