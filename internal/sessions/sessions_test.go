package sessions_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/halbridge/halbridge/internal/sessions"
	"github.com/halbridge/halbridge/pkg/models"
)

func TestAppend_CapsHistory(t *testing.T) {
	s := sessions.NewMemorySessionStore(4)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		s.Append(ctx, "s1", models.ChatMessage{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}

	h := s.History(ctx, "s1")
	if len(h) != 4 {
		t.Fatalf("History() len = %d, want 4", len(h))
	}
	if h[0].Content != "m2" || h[3].Content != "m5" {
		t.Errorf("History() = %v, want m2..m5", h)
	}
}

func TestGetSession(t *testing.T) {
	s := sessions.NewMemorySessionStore(0)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "missing"); err == nil {
		t.Error("GetSession(missing) should fail")
	}

	s.Append(ctx, "s1",
		models.ChatMessage{Role: "user", Content: "hi"},
		models.ChatMessage{Role: "assistant", Content: "hello"},
	)
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if len(got.Messages) != 2 || got.CreatedAt.IsZero() {
		t.Errorf("GetSession() = %+v", got)
	}

	got.Messages[0].Content = "mutated"
	if s.History(ctx, "s1")[0].Content != "hi" {
		t.Error("session mutated through returned copy")
	}
}

func TestAppend_IgnoresAnonymous(t *testing.T) {
	s := sessions.NewMemorySessionStore(0)
	ctx := context.Background()
	s.Append(ctx, "", models.ChatMessage{Role: "user", Content: "x"})
	if h := s.History(ctx, ""); h != nil {
		t.Errorf("History(\"\") = %v, want nil", h)
	}
}

func TestDeleteSession(t *testing.T) {
	s := sessions.NewMemorySessionStore(0)
	ctx := context.Background()
	s.Append(ctx, "s1", models.ChatMessage{Role: "user", Content: "x"})

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if err := s.DeleteSession(ctx, "s1"); err == nil {
		t.Error("second DeleteSession() should fail")
	}
}

func TestListSessions(t *testing.T) {
	s := sessions.NewMemorySessionStore(5)
	ctx := context.Background()
	s.Append(ctx, "a", models.ChatMessage{Role: "user", Content: "one"})
	s.Append(ctx, "b", models.ChatMessage{Role: "user", Content: "two"})

	list := s.ListSessions(ctx)
	if len(list) != 2 {
		t.Fatalf("ListSessions() = %d sessions, want 2", len(list))
	}
	list[0].Messages[0].Content = "changed"
	for _, id := range []string{"a", "b"} {
		if h := s.History(ctx, id); h[0].Content == "changed" {
			t.Errorf("session %s mutated through ListSessions copy", id)
		}
	}
}
