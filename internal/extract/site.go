// Package extract knows the results site: how its URLs are built and how its
// pages are parsed into raw payloads with goquery.
package extract

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// DefaultBaseURL is the public results site.
const DefaultBaseURL = "https://www.worldsurfleague.com"

// DefaultRegions maps region codes to the site's country ids.
func DefaultRegions() map[string]string {
	return map[string]string{
		"ESP": "208",
		"BAS": "253",
		"CAN": "250",
	}
}

// Site builds URLs for, and parses pages of, the results site.
type Site struct {
	base    *url.URL
	regions map[string]string
	clock   harvest.Clock
}

// NewSite validates baseURL and returns a Site. regions maps region codes to
// country ids; clock stamps cache-busting parameters.
func NewSite(baseURL string, regions map[string]string, clock harvest.Clock) (*Site, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if len(regions) == 0 {
		regions = DefaultRegions()
	}
	return &Site{base: base, regions: regions, clock: clock}, nil
}

// Regions returns the configured region code map.
func (s *Site) Regions() map[string]string {
	return s.regions
}

// Resolve turns an href into an absolute URL on the site.
func (s *Site) Resolve(href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return s.base.ResolveReference(ref).String()
}

// DirectoryQueryURL is the structured athlete query, repeated countryIds[]
// parameters plus a cache-busting rnd stamp.
func (s *Site) DirectoryQueryURL(regions []string, offset int) string {
	var b strings.Builder
	b.WriteString(s.base.String())
	b.WriteString("/athletes?")
	for _, id := range s.countryIDs(regions) {
		b.WriteString("countryIds%5B%5D=")
		b.WriteString(url.QueryEscape(id))
		b.WriteByte('&')
	}
	if offset > 0 {
		fmt.Fprintf(&b, "offset=%d&", offset)
	}
	fmt.Fprintf(&b, "rnd=%d", s.now().UnixMilli())
	return b.String()
}

// DirectoryListingURL is the plain listing page with indexed countryIds[i].
func (s *Site) DirectoryListingURL(regions []string, offset int) string {
	var b strings.Builder
	b.WriteString(s.base.String())
	b.WriteString("/athletes?")
	for i, id := range s.countryIDs(regions) {
		fmt.Fprintf(&b, "countryIds%%5B%d%%5D=%s&", i, url.QueryEscape(id))
	}
	fmt.Fprintf(&b, "offset=%d", offset)
	return b.String()
}

// ProfileURL returns the athlete profile, preferring the directory link.
func (s *Site) ProfileURL(t harvest.Target) string {
	if t.ProfileURL != "" {
		return stripQuery(s.Resolve(t.ProfileURL))
	}
	return fmt.Sprintf("%s/athletes/%s/%s", s.base, url.PathEscape(t.SurferID), Slug(t.SurferName))
}

// YearResultsURL is the profile's year results section. An empty tour code
// returns the landing section that lists the available tour codes.
func (s *Site) YearResultsURL(t harvest.Target, tourCode string) string {
	u := s.ProfileURL(t) + "?section=yearResults"
	if tourCode == "" {
		return u
	}
	return u + "&yearResultsTourCode=" + url.QueryEscape(tourCode) + "&year=" + strconv.Itoa(t.Year)
}

// AlternativeSearchURLs are the secondary listings that sometimes carry
// events missing from the profile.
func (s *Site) AlternativeSearchURLs(t harvest.Target) []string {
	id := url.PathEscape(t.SurferID)
	year := strconv.Itoa(t.Year)
	return []string{
		fmt.Sprintf("%s/athletes/%s/results?year=%s", s.base, id, year),
		fmt.Sprintf("%s/athletes/%s/events?year=%s", s.base, id, year),
		fmt.Sprintf("%s/events/%s?athleteId=%s", s.base, year, url.QueryEscape(t.SurferID)),
	}
}

// EventResultsURL is the per-athlete event results page for an event id.
func (s *Site) EventResultsURL(t harvest.Target, eventID string) string {
	return s.ProfileURL(t) + "/eventresults?eventId=" + url.QueryEscape(eventID)
}

func (s *Site) countryIDs(regions []string) []string {
	ids := make([]string, 0, len(regions))
	for _, r := range regions {
		if id, ok := s.regions[strings.ToUpper(r)]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Site) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock.Now()
}

// Slug renders a name the way profile URLs do: lower case, dash separated.
func Slug(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}

func stripQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}
