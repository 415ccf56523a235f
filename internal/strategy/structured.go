package strategy

import (
	"context"
	"errors"

	"github.com/JakeFAU/surf-results-harvester/internal/extract"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// StructuredQuery uses the site's query endpoints: the athlete query with
// country ids, the alternative event searches and the per-athlete event
// results URL.
type StructuredQuery struct {
	pages
}

// NewStructuredQuery returns the structured query strategy.
func NewStructuredQuery(site *extract.Site, fetcher harvest.Fetcher) *StructuredQuery {
	return &StructuredQuery{pages: pages{site: site, fetcher: fetcher}}
}

// Name implements Strategy.
func (s *StructuredQuery) Name() string { return NameStructuredQuery }

// TryFetch implements Strategy.
func (s *StructuredQuery) TryFetch(ctx context.Context, d harvest.Descriptor) (harvest.RawPayload, error) {
	switch d.Kind {
	case harvest.KindDirectory:
		return s.directory(ctx, d, s.site.DirectoryQueryURL(d.Regions, d.Offset))
	case harvest.KindAthleteEvents:
		return s.searchEvents(ctx, d)
	case harvest.KindEventDetail:
		return s.event(ctx, d, s.site.EventResultsURL(d.Target, d.Event.ID))
	default:
		return harvest.RawPayload{}, harvest.ErrEmpty
	}
}

// searchEvents merges the event links of every alternative search listing.
// A listing that is missing or empty is skipped.
func (s *StructuredQuery) searchEvents(ctx context.Context, d harvest.Descriptor) (harvest.RawPayload, error) {
	var (
		refs  []harvest.RawEventRef
		first string
	)
	seen := map[string]struct{}{}
	for _, url := range s.site.AlternativeSearchURLs(d.Target) {
		body, err := s.get(ctx, d.JobID, url)
		if errors.Is(err, harvest.ErrEmpty) {
			continue
		}
		if err != nil {
			return harvest.RawPayload{}, err
		}
		links, err := s.site.ParseEventPathLinks(body, d.Target.Year)
		if err != nil {
			return harvest.RawPayload{}, err
		}
		for _, ref := range links {
			if ref.Tour != "" && !harvest.TourAllowed(d.Target.Tours, ref.Tour) {
				continue
			}
			if _, dup := seen[ref.ID]; dup {
				continue
			}
			seen[ref.ID] = struct{}{}
			if first == "" {
				first = url
			}
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return harvest.RawPayload{}, harvest.ErrEmpty
	}
	return harvest.RawPayload{URL: first, Events: refs}, nil
}
