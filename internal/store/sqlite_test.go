package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestRender() *model.Render {
	return &model.Render{
		ID:        model.NewID(),
		Kind:      "card",
		Target:    "/open/42",
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetRender(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRender()

	if err := s.CreateRender(ctx, r); err != nil {
		t.Fatalf("CreateRender: %v", err)
	}

	got, err := s.GetRender(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRender: %v", err)
	}

	if got.ID != r.ID {
		t.Errorf("ID = %q, want %q", got.ID, r.ID)
	}
	if got.Kind != r.Kind || got.Target != r.Target {
		t.Errorf("Kind, Target = %q, %q, want %q, %q", got.Kind, got.Target, r.Kind, r.Target)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}
	if got.StartedAt != nil || got.FinishedAt != nil || got.DurationMS != nil {
		t.Errorf("unexpected timing fields on a pending render: %+v", got)
	}
}

func TestGetRenderNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRender(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListRendersPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := range 5 {
		r := makeTestRender()
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateRender(ctx, r); err != nil {
			t.Fatalf("CreateRender[%d]: %v", i, err)
		}
	}

	page, total, err := s.ListRenders(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRenders: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Errorf("renders not ordered newest first: %v, %v", page[0].CreatedAt, page[1].CreatedAt)
	}

	rest, _, err := s.ListRenders(ctx, 10, 4)
	if err != nil {
		t.Fatalf("ListRenders offset: %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("len(rest) = %d, want 1", len(rest))
	}
}

func TestListRendersEmpty(t *testing.T) {
	s := newTestStore(t)
	renders, total, err := s.ListRenders(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRenders: %v", err)
	}
	if total != 0 || len(renders) != 0 {
		t.Errorf("got %d renders, total %d, want none", len(renders), total)
	}
}

func TestUpdateRenderStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRender()
	if err := s.CreateRender(ctx, r); err != nil {
		t.Fatalf("CreateRender: %v", err)
	}

	if err := s.UpdateRenderStatus(ctx, r.ID, model.StatusRunning); err != nil {
		t.Fatalf("pending→running: %v", err)
	}
	got, _ := s.GetRender(ctx, r.ID)
	if got.Status != model.StatusRunning || got.StartedAt == nil {
		t.Errorf("after running: status=%q started_at=%v", got.Status, got.StartedAt)
	}

	if err := s.UpdateRenderStatus(ctx, r.ID, model.StatusFailed); err != nil {
		t.Fatalf("running→failed: %v", err)
	}
	got, _ = s.GetRender(ctx, r.ID)
	if got.Status != model.StatusFailed || got.FinishedAt == nil {
		t.Errorf("after failed: status=%q finished_at=%v", got.Status, got.FinishedAt)
	}
}

func TestUpdateRenderStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRenderStatus(context.Background(), "nonexistent", model.StatusRunning)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateRenderStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRender()
	if err := s.CreateRender(ctx, r); err != nil {
		t.Fatalf("CreateRender: %v", err)
	}

	tests := []struct {
		from, to string
	}{
		{model.StatusPending, model.StatusCompleted},
		{model.StatusPending, model.StatusPending},
	}
	for _, tt := range tests {
		err := s.UpdateRenderStatus(ctx, r.ID, tt.to)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s→%s err = %v, want ErrInvalidTransition", tt.from, tt.to, err)
		}
	}
}

func TestFinishRender(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRender()
	if err := s.CreateRender(ctx, r); err != nil {
		t.Fatalf("CreateRender: %v", err)
	}
	if err := s.UpdateRenderStatus(ctx, r.ID, model.StatusRunning); err != nil {
		t.Fatalf("pending→running: %v", err)
	}

	dur := 1234
	now := time.Now().UTC().Truncate(time.Second)
	err := s.FinishRender(ctx, &model.Render{
		ID:         r.ID,
		Status:     model.StatusCompleted,
		ImagePath:  "/uploads/preview.png",
		HasHTML:    true,
		DurationMS: &dur,
		FinishedAt: &now,
	})
	if err != nil {
		t.Fatalf("FinishRender: %v", err)
	}

	got, err := s.GetRender(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRender: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.ImagePath != "/uploads/preview.png" || !got.HasHTML {
		t.Errorf("ImagePath, HasHTML = %q, %v", got.ImagePath, got.HasHTML)
	}
	if got.DurationMS == nil || *got.DurationMS != dur {
		t.Errorf("DurationMS = %v, want %d", got.DurationMS, dur)
	}
	if got.StartedAt == nil {
		t.Error("started_at lost when finishing without StartedAt")
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(now) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, now)
	}
}

func TestFinishRenderRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	err := s.FinishRender(context.Background(), &model.Render{ID: "x", Status: model.StatusRunning})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestFinishRenderTerminalCannotFinishAgain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRender()
	if err := s.CreateRender(ctx, r); err != nil {
		t.Fatalf("CreateRender: %v", err)
	}
	if err := s.FinishRender(ctx, &model.Render{ID: r.ID, Status: model.StatusFailed, Error: "bad"}); err != nil {
		t.Fatalf("pending→failed: %v", err)
	}

	err := s.FinishRender(ctx, &model.Render{ID: r.ID, Status: model.StatusCompleted})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("failed→completed err = %v, want ErrInvalidTransition", err)
	}
}

func TestGetRenderStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	durations := []int{100, 300}
	for i, kind := range []string{"card", "user"} {
		r := makeTestRender()
		r.Kind = kind
		if err := s.CreateRender(ctx, r); err != nil {
			t.Fatalf("CreateRender: %v", err)
		}
		if err := s.FinishRender(ctx, &model.Render{
			ID:         r.ID,
			Status:     model.StatusFailed,
			DurationMS: &durations[i],
		}); err != nil {
			t.Fatalf("FinishRender: %v", err)
		}
	}
	pending := makeTestRender()
	if err := s.CreateRender(ctx, pending); err != nil {
		t.Fatalf("CreateRender: %v", err)
	}

	stats, err := s.GetRenderStats(ctx)
	if err != nil {
		t.Fatalf("GetRenderStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.StatusFailed] != 2 || stats.CountByStatus[model.StatusPending] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByKind["card"] != 2 || stats.CountByKind["user"] != 1 {
		t.Errorf("CountByKind = %v", stats.CountByKind)
	}
	if stats.AvgDurationMS != 200 {
		t.Errorf("AvgDurationMS = %v, want 200", stats.AvgDurationMS)
	}
}

func TestGetRenderStatsEmpty(t *testing.T) {
	s := newTestStore(t)
	stats, err := s.GetRenderStats(context.Background())
	if err != nil {
		t.Fatalf("GetRenderStats: %v", err)
	}
	if stats.Total != 0 || stats.AvgDurationMS != 0 {
		t.Errorf("stats = %+v, want zero", stats)
	}
	if stats.CountByStatus == nil || stats.CountByKind == nil {
		t.Error("count maps should be non-nil")
	}
}

func TestMigrationIdempotency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.db")
	for i := range 2 {
		s, err := NewSQLiteStore(path)
		if err != nil {
			t.Fatalf("NewSQLiteStore[%d]: %v", i, err)
		}
		if err := s.CreateRender(context.Background(), makeTestRender()); err != nil {
			t.Fatalf("CreateRender[%d]: %v", i, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close[%d]: %v", i, err)
		}
	}

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	_, total, err := s.ListRenders(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRenders: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2 after reopen", total)
	}
}
