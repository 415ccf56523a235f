package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/normalize"
)

var (
	paginationPattern = regexp.MustCompile(`(\d+)\s*-\s*(\d+)\s+of\s+(\d+)\s+items`)
	athleteIDPattern  = regexp.MustCompile(`/athletes/(\d+)(?:/|$)`)
	eventIDPattern    = regexp.MustCompile(`eventId=(\d+)`)
	heatIDPattern     = regexp.MustCompile(`heatId=(\d+)`)
	athleteIndexClass = regexp.MustCompile(`athlete-index-(\d+)`)
)

func parseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// ParseDirectory reads one athlete directory page.
func (s *Site) ParseDirectory(body []byte) (harvest.RawDirectoryPage, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return harvest.RawDirectoryPage{}, err
	}
	var page harvest.RawDirectoryPage

	countries := doc.Find(".athlete-country-name")
	doc.Find(".athlete-name").Each(func(i int, sel *goquery.Selection) {
		name := cleanText(sel.Text())
		href, _ := sel.Attr("href")
		if href == "" {
			href, _ = sel.Find("a").First().Attr("href")
		}
		m := athleteIDPattern.FindStringSubmatch(href)
		if name == "" || m == nil {
			return
		}
		athlete := harvest.RawAthlete{ID: m[1], Name: name, ProfileURL: s.Resolve(href)}
		if i < countries.Length() {
			athlete.Country = cleanText(countries.Eq(i).Text())
		}
		page.Athletes = append(page.Athletes, athlete)
	})

	if m := paginationPattern.FindStringSubmatch(cleanText(doc.Find(".paginationLabel").First().Text())); m != nil {
		page.HasLabel = true
		page.From, _ = strconv.Atoi(m[1])
		page.To, _ = strconv.Atoi(m[2])
		page.Total, _ = strconv.Atoi(m[3])
	}
	return page, nil
}

// ParseTourCodes returns the values of the year-results tour selector. found
// is false when the page has no selector at all.
func ParseTourCodes(body []byte) (codes []string, found bool, err error) {
	doc, err := parseDocument(body)
	if err != nil {
		return nil, false, err
	}
	sel := doc.Find(`select[name="yearResultsTourCode"]`)
	if sel.Length() == 0 {
		return nil, false, nil
	}
	codes = []string{}
	sel.Find("option").Each(func(_ int, opt *goquery.Selection) {
		if v, ok := opt.Attr("value"); ok && strings.TrimSpace(v) != "" {
			codes = append(codes, strings.TrimSpace(v))
		}
	})
	return codes, true, nil
}

// ParseEventLinks reads event result links from a profile results section.
func (s *Site) ParseEventLinks(body []byte, tour string, year int) ([]harvest.RawEventRef, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return nil, err
	}
	refs := []harvest.RawEventRef{}
	seen := map[string]struct{}{}
	doc.Find(`a[href*="eventresults"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		name := cleanText(a.Text())
		if href == "" || name == "" {
			return
		}
		id := href
		if m := eventIDPattern.FindStringSubmatch(href); m != nil {
			id = m[1]
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		refs = append(refs, harvest.RawEventRef{
			ID:   id,
			Name: name,
			URL:  s.Resolve(href),
			Tour: strings.ToUpper(tour),
			Year: year,
		})
	})
	return refs, nil
}

// ParseEventPathLinks reads /events/<year>/ links from the alternative
// search listings. Link texts of three characters or fewer are navigation.
func (s *Site) ParseEventPathLinks(body []byte, year int) ([]harvest.RawEventRef, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return nil, err
	}
	marker := fmt.Sprintf("/events/%d/", year)
	refs := []harvest.RawEventRef{}
	seen := map[string]struct{}{}
	doc.Find(fmt.Sprintf(`[href*="%s"]`, marker)).Each(func(_ int, el *goquery.Selection) {
		href, _ := el.Attr("href")
		name := cleanText(el.Text())
		if len(name) <= 3 {
			return
		}
		abs := s.Resolve(href)
		id := eventIDFromPath(href, marker)
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		refs = append(refs, harvest.RawEventRef{
			ID:   id,
			Name: name,
			URL:  abs,
			Tour: normalize.TourFromURL(abs),
			Year: year,
		})
	})
	return refs, nil
}

// eventIDFromPath takes the first numeric path segment after the year, or
// the path itself when there is none.
func eventIDFromPath(href, marker string) string {
	path := stripQuery(href)
	i := strings.Index(path, marker)
	if i < 0 {
		return path
	}
	for _, seg := range strings.Split(path[i+len(marker):], "/") {
		if _, err := strconv.Atoi(seg); err == nil {
			return seg
		}
	}
	return path
}

// ParseEvent reads an event results page and keeps only the heats of the
// named surfer. found is false when the page shows neither heats nor a
// results table, which usually means the content was rendered client side.
func ParseEvent(body []byte, surferName string) (ev harvest.RawEvent, found bool, err error) {
	doc, err := parseDocument(body)
	if err != nil {
		return harvest.RawEvent{}, false, err
	}
	ev.Name = cleanText(doc.Find(".event-title, h1").First().Text())
	ev.Location = cleanText(doc.Find(".event-location").First().Text())
	ev.Date = cleanText(doc.Find(".event-date").First().Text())

	heats := doc.Find("div.hot-heat")
	heats.Each(func(_ int, heat *goquery.Selection) {
		if raw, ok := parseHeat(heat, surferName); ok {
			ev.Heats = append(ev.Heats, raw)
		}
	})

	rows := doc.Find("table tr")
	ev.FinalPosition, ev.Points = parseFinalRow(rows, surferName)

	found = heats.Length() > 0 || rows.Length() > 0
	return ev, found, nil
}

func parseHeat(heat *goquery.Selection, surferName string) (harvest.RawHeat, bool) {
	athletes := heat.Find(".hot-heat__athletes .hot-heat-athlete")
	var (
		raw   harvest.RawHeat
		found bool
	)
	athletes.EachWithBreak(func(i int, athlete *goquery.Selection) bool {
		name := cleanText(athlete.Find(".hot-heat-athlete__name").First().Text())
		if name == "" || !containsFold(name, surferName) {
			return true
		}
		found = true
		raw = harvest.RawHeat{
			Round:       cleanText(heat.Find(".heat-name").First().Text()),
			AthleteName: name,
			Classes:     classes(athlete),
			TotalScore:  cleanText(athlete.Find(".hot-heat-athlete__score").First().Text()),
			Date:        cleanText(heat.Find(".heat-date").First().Text()),
			HeatSize:    athletes.Length(),
		}
		raw.Waves = waveColumn(heat, athleteIndex(athlete, i+1))
		if href, ok := heat.Find("a.hot-heat__replay-link").First().Attr("href"); ok {
			if m := heatIDPattern.FindStringSubmatch(href); m != nil {
				raw.ID = m[1]
			}
		}
		return false
	})
	return raw, found
}

// athleteIndex reads the 1-based wave column of an athlete, falling back to
// its position in the heat.
func athleteIndex(athlete *goquery.Selection, fallback int) int {
	if v, ok := athlete.Attr("data-athlete-index"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	class, _ := athlete.Attr("class")
	if m := athleteIndexClass.FindStringSubmatch(class); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// waveColumn joins the wave scores of one athlete column as "a + b + ...".
func waveColumn(heat *goquery.Selection, index int) string {
	col := index - 1
	var scores []string
	heat.Find(".hot-heat__waves-details .wave-item").Each(func(_ int, item *goquery.Selection) {
		waves := item.Find(".wave")
		if waves.Length() <= col {
			return
		}
		score := cleanText(waves.Eq(col).Find(".wave-score").First().Text())
		if score == "" || strings.Trim(score, "-–") == "" {
			return
		}
		scores = append(scores, score)
	})
	return strings.Join(scores, " + ")
}

func parseFinalRow(rows *goquery.Selection, surferName string) (position, points string) {
	rows.EachWithBreak(func(_ int, row *goquery.Selection) bool {
		if !containsFold(row.Text(), surferName) {
			return true
		}
		cells := row.Find("td, th")
		if cells.Length() == 0 {
			return true
		}
		first := cleanText(cells.First().Text())
		if _, err := strconv.Atoi(strings.Trim(first, "=T")); err != nil {
			return true
		}
		position = first
		points = cleanText(row.Find("[class*=points]").First().Text())
		return false
	})
	return position, points
}

func classes(sel *goquery.Selection) []string {
	class, _ := sel.Attr("class")
	return strings.Fields(class)
}

func containsFold(haystack, needle string) bool {
	needle = strings.TrimSpace(needle)
	return needle != "" && strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
