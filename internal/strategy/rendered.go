package strategy

import (
	"context"

	"github.com/JakeFAU/surf-results-harvester/internal/extract"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// RenderedPage repeats the listing walk through a rendering fetcher, for
// pages whose content only appears after client-side scripts run.
type RenderedPage struct {
	pages
}

// NewRenderedPage returns the rendered page strategy. renderer is usually the
// headless fetcher wrapped by the job's limiter.
func NewRenderedPage(site *extract.Site, renderer harvest.Fetcher) *RenderedPage {
	return &RenderedPage{pages: pages{site: site, fetcher: renderer}}
}

// Name implements Strategy.
func (s *RenderedPage) Name() string { return NameRenderedPage }

// TryFetch implements Strategy.
func (s *RenderedPage) TryFetch(ctx context.Context, d harvest.Descriptor) (harvest.RawPayload, error) {
	return s.listing(ctx, d)
}
