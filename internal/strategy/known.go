package strategy

import (
	"context"

	"github.com/JakeFAU/surf-results-harvester/internal/extract"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// KnownEvents offers a configured per-year event list as speculative
// references. The pipeline drops speculative events the surfer turns out not
// to have entered.
type KnownEvents struct {
	site   *extract.Site
	events map[int][]harvest.RawEventRef
}

// NewKnownEvents returns the known events strategy.
func NewKnownEvents(site *extract.Site, events map[int][]harvest.RawEventRef) *KnownEvents {
	return &KnownEvents{site: site, events: events}
}

// Name implements Strategy.
func (s *KnownEvents) Name() string { return NameKnownEvents }

// TryFetch implements Strategy.
func (s *KnownEvents) TryFetch(_ context.Context, d harvest.Descriptor) (harvest.RawPayload, error) {
	if d.Kind != harvest.KindAthleteEvents {
		return harvest.RawPayload{}, harvest.ErrEmpty
	}
	known := s.events[d.Target.Year]
	refs := make([]harvest.RawEventRef, 0, len(known))
	for _, ref := range known {
		if ref.ID == "" {
			continue
		}
		if ref.Tour != "" && !harvest.TourAllowed(d.Target.Tours, ref.Tour) {
			continue
		}
		ref.Year = d.Target.Year
		ref.Speculative = true
		if s.site != nil {
			ref.URL = s.site.EventResultsURL(d.Target, ref.ID)
		}
		if ref.Name == "" {
			ref.Name = ref.ID
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return harvest.RawPayload{}, harvest.ErrEmpty
	}
	return harvest.RawPayload{Events: refs}, nil
}
