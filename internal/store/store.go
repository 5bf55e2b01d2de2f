package store

import (
	"context"
	"errors"

	"github.com/seantiz/kiln/internal/model"
)

// ErrInvalidTransition is returned when a render status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RenderStats holds aggregate render statistics.
type RenderStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for render records.
type Store interface {
	CreateRender(ctx context.Context, r *model.Render) error
	GetRender(ctx context.Context, id string) (*model.Render, error)
	ListRenders(ctx context.Context, limit, offset int) ([]*model.Render, int, error)
	UpdateRenderStatus(ctx context.Context, id, status string) error
	FinishRender(ctx context.Context, r *model.Render) error
	GetRenderStats(ctx context.Context) (*RenderStats, error)
	Close() error
}
