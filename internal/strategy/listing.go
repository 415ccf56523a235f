package strategy

import (
	"context"

	"github.com/JakeFAU/surf-results-harvester/internal/extract"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// ListingPage reads the plain listing pages: the indexed athlete directory,
// the profile year results per tour code, and the event link itself.
type ListingPage struct {
	pages
}

// NewListingPage returns the listing page strategy.
func NewListingPage(site *extract.Site, fetcher harvest.Fetcher) *ListingPage {
	return &ListingPage{pages: pages{site: site, fetcher: fetcher}}
}

// Name implements Strategy.
func (s *ListingPage) Name() string { return NameListingPage }

// TryFetch implements Strategy.
func (s *ListingPage) TryFetch(ctx context.Context, d harvest.Descriptor) (harvest.RawPayload, error) {
	return s.listing(ctx, d)
}

func (p pages) listing(ctx context.Context, d harvest.Descriptor) (harvest.RawPayload, error) {
	switch d.Kind {
	case harvest.KindDirectory:
		return p.directory(ctx, d, p.site.DirectoryListingURL(d.Regions, d.Offset))
	case harvest.KindAthleteEvents:
		return p.profileEvents(ctx, d)
	case harvest.KindEventDetail:
		url := d.Event.URL
		if url == "" {
			url = p.site.EventResultsURL(d.Target, d.Event.ID)
		}
		return p.event(ctx, d, url)
	default:
		return harvest.RawPayload{}, harvest.ErrEmpty
	}
}
