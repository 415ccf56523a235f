package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/surf-results-harvester/internal/extract"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// pages fetches and parses site pages with one fetcher.
type pages struct {
	site    *extract.Site
	fetcher harvest.Fetcher
}

// get fetches url. Missing pages count as empty.
func (p pages) get(ctx context.Context, jobID, url string) ([]byte, error) {
	if p.fetcher == nil {
		return nil, harvest.ErrEmpty
	}
	resp, err := p.fetcher.Fetch(ctx, harvest.FetchRequest{JobID: jobID, URL: url})
	if err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", url, harvest.ErrEmpty)
		}
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("%s: %w", url, harvest.ErrEmpty)
	}
	return resp.Body, nil
}

func (p pages) directory(ctx context.Context, d harvest.Descriptor, url string) (harvest.RawPayload, error) {
	body, err := p.get(ctx, d.JobID, url)
	if err != nil {
		return harvest.RawPayload{}, err
	}
	page, err := p.site.ParseDirectory(body)
	if err != nil {
		return harvest.RawPayload{}, err
	}
	return harvest.RawPayload{URL: url, Directory: &page}, nil
}

// profileEvents walks the year-results tour codes of a profile.
func (p pages) profileEvents(ctx context.Context, d harvest.Descriptor) (harvest.RawPayload, error) {
	landing := p.site.YearResultsURL(d.Target, "")
	body, err := p.get(ctx, d.JobID, landing)
	if err != nil {
		return harvest.RawPayload{}, err
	}
	codes, found, err := extract.ParseTourCodes(body)
	if err != nil {
		return harvest.RawPayload{}, err
	}
	if !found {
		return harvest.RawPayload{}, fmt.Errorf("%s has no tour selector: %w", landing, harvest.ErrEmpty)
	}

	var refs []harvest.RawEventRef
	seen := map[string]struct{}{}
	for _, code := range codes {
		if !harvest.TourAllowed(d.Target.Tours, code) {
			continue
		}
		url := p.site.YearResultsURL(d.Target, code)
		body, err := p.get(ctx, d.JobID, url)
		if errors.Is(err, harvest.ErrEmpty) {
			continue
		}
		if err != nil {
			return harvest.RawPayload{}, err
		}
		links, err := p.site.ParseEventLinks(body, code, d.Target.Year)
		if err != nil {
			return harvest.RawPayload{}, err
		}
		for _, ref := range links {
			if _, dup := seen[ref.ID]; dup {
				continue
			}
			seen[ref.ID] = struct{}{}
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return harvest.RawPayload{}, fmt.Errorf("%s lists no events: %w", landing, harvest.ErrEmpty)
	}
	return harvest.RawPayload{URL: landing, Events: refs}, nil
}

func (p pages) event(ctx context.Context, d harvest.Descriptor, url string) (harvest.RawPayload, error) {
	if url == "" {
		return harvest.RawPayload{}, harvest.ErrEmpty
	}
	body, err := p.get(ctx, d.JobID, url)
	if err != nil {
		return harvest.RawPayload{}, err
	}
	raw, found, err := extract.ParseEvent(body, d.Target.SurferName)
	if err != nil {
		return harvest.RawPayload{}, err
	}
	if !found {
		return harvest.RawPayload{}, fmt.Errorf("%s shows no results: %w", url, harvest.ErrEmpty)
	}
	raw.ID = d.Event.ID
	raw.URL = url
	raw.Tour = d.Event.Tour
	return harvest.RawPayload{URL: url, Event: &raw}, nil
}
