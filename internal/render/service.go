package render

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/pool"
)

// tabRenderLimit caps how long a render may hold a tab, so a page that never
// settles cannot take a tab out of the pool for good.
const tabRenderLimit = 2 * time.Minute

type renderFunc func(ctx context.Context, tab *Tab, host string, params model.RenderParams) (model.RenderResult, error)

// Service renders pages on a pool of browser tabs.
type Service struct {
	pool   *pool.Pool[*Tab]
	host   string
	logger *slog.Logger

	render renderFunc
}

// NewService renders through the tabs of p. p must be initialized, usually
// with Browser.NewTab as the factory.
func NewService(p *pool.Pool[*Tab], host string, logger *slog.Logger) *Service {
	return &Service{
		pool:   p,
		host:   host,
		logger: logger,
		render: RenderTab,
	}
}

// Render waits for a free tab and renders params in it. ctx bounds only the
// wait for the result; a render already running in a tab completes and its
// result is dropped.
func (s *Service) Render(ctx context.Context, params model.RenderParams) (model.RenderResult, error) {
	return pool.Process(ctx, s.pool, func(ctx context.Context, tab *Tab) (model.RenderResult, error) {
		s.logger.Debug("rendering", "url", params.URL, "tab", tab.ID)
		ctx, cancel := context.WithTimeout(ctx, tabRenderLimit)
		defer cancel()
		return s.render(ctx, tab, s.host, params)
	})
}

// Stats reports tab pool occupancy.
func (s *Service) Stats() pool.Stats {
	return s.pool.Stats()
}

// Shutdown waits up to grace for queued and running renders.
func (s *Service) Shutdown(grace time.Duration) error {
	return s.pool.Shutdown(grace)
}
