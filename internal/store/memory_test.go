package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/halbridge/halbridge/internal/store"
	"github.com/halbridge/halbridge/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests with no persistence.
func newTestStore(t *testing.T, capacity int) store.Store {
	t.Helper()
	s := store.NewMemoryStore(capacity, "")
	t.Cleanup(func() { s.Close() })
	return s
}

// ─── Results ─────────────────────────────────────────────────

func TestSaveAndGetResult(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	resp := &models.Response{ID: "r-1", Kind: models.ResponseAction, Message: "done"}
	if err := s.SaveResult(ctx, resp); err != nil {
		t.Fatalf("SaveResult() error = %v", err)
	}

	got, err := s.GetResult(ctx, "r-1")
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}
	if got.Message != "done" {
		t.Errorf("GetResult().Message = %q, want %q", got.Message, "done")
	}

	// Mutating the returned copy must not change the stored result.
	got.Message = "changed"
	again, _ := s.GetResult(ctx, "r-1")
	if again.Message != "done" {
		t.Errorf("stored result mutated through copy: %q", again.Message)
	}
}

func TestGetResult_NotFound(t *testing.T) {
	s := newTestStore(t, 10)
	_, err := s.GetResult(context.Background(), "nope")
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("GetResult() error = %v, want *ErrNotFound", err)
	}
	if nf.Entity != "result" {
		t.Errorf("ErrNotFound.Entity = %q, want result", nf.Entity)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		s.SaveResult(ctx, &models.Response{ID: fmt.Sprintf("r-%d", i)})
	}

	list, _ := s.ListResults(ctx, store.ListFilter{})
	if len(list) != 3 {
		t.Fatalf("ListResults() len = %d, want 3", len(list))
	}
	if list[0].ID != "r-5" || list[2].ID != "r-3" {
		t.Errorf("ListResults() order = %s..%s, want r-5..r-3", list[0].ID, list[2].ID)
	}
	if _, err := s.GetResult(ctx, "r-1"); err == nil {
		t.Error("evicted result r-1 still retrievable")
	}
}

func TestListResults_Filter(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	s.SaveResult(ctx, &models.Response{ID: "a", Kind: models.ResponseAction, SessionID: "s1"})
	s.SaveResult(ctx, &models.Response{ID: "b", Kind: models.ResponseConversation, SessionID: "s1"})
	s.SaveResult(ctx, &models.Response{ID: "c", Kind: models.ResponseAction, SessionID: "s2"})
	s.SaveResult(ctx, &models.Response{ID: "d", Kind: models.ResponseAction, SessionID: "s1"})

	tests := []struct {
		name   string
		filter store.ListFilter
		want   []string
	}{
		{"all", store.ListFilter{}, []string{"d", "c", "b", "a"}},
		{"kind", store.ListFilter{Kind: models.ResponseAction}, []string{"d", "c", "a"}},
		{"session", store.ListFilter{SessionID: "s1"}, []string{"d", "b", "a"}},
		{"limit offset", store.ListFilter{Limit: 2, Offset: 1}, []string{"c", "b"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.ListResults(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, r := range list {
				ids = append(ids, r.ID)
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.want) {
				t.Errorf("ListResults(%+v) = %v, want %v", tt.filter, ids, tt.want)
			}
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := store.NewMemoryStore(5, dir)
	s.SaveResult(ctx, &models.Response{ID: "persisted", Message: "kept"})
	s.Close()

	reopened := store.NewMemoryStore(5, dir)
	defer reopened.Close()
	got, err := reopened.GetResult(ctx, "persisted")
	if err != nil {
		t.Fatalf("GetResult() after reopen error = %v", err)
	}
	if got.Message != "kept" {
		t.Errorf("Message = %q, want kept", got.Message)
	}
}

func TestDeleteResults(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		s.SaveResult(ctx, &models.Response{ID: fmt.Sprintf("r-%d", i), CompletedAt: base.Add(time.Duration(i) * time.Hour)})
	}

	older, _ := s.ListResults(ctx, store.ListFilter{Before: base.Add(2 * time.Hour)})
	if len(older) != 2 {
		t.Fatalf("ListResults(Before) = %d results, want 2", len(older))
	}

	n, err := s.DeleteResults(ctx, "r-0", "r-1", "missing")
	if err != nil {
		t.Fatalf("DeleteResults() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteResults() = %d, want 2", n)
	}
	left, _ := s.ListResults(ctx, store.ListFilter{})
	if len(left) != 2 || left[0].ID != "r-3" || left[1].ID != "r-2" {
		t.Errorf("remaining = %+v, want r-3, r-2", left)
	}
	if _, err := s.GetResult(ctx, "r-0"); err == nil {
		t.Error("GetResult(r-0) should fail after delete")
	}
}
