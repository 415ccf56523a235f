// Package sitetest serves a small in-memory results site over httptest so
// fetchers, strategies and jobs can be exercised end to end.
package sitetest

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Athlete is one surfer listed in the directory.
type Athlete struct {
	ID        string
	Name      string
	Country   string
	Region    string
	CountryID string
	Events    []Event
}

// Event is one event entry of an athlete.
type Event struct {
	ID            string
	Name          string
	Location      string
	TourCode      string
	Year          int
	FinalPosition string
	Points        string
	Heats         []Heat
}

// Heat is one heat the athlete surfed against a single opponent.
type Heat struct {
	ID       string
	Round    string
	Date     string
	Place    int
	Advanced bool
	Total    string
	Waves    []string
}

// Server is a running fake site.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	athletes []Athlete
	pageSize int
	hits     map[string]int
	failures map[string]failure
}

type failure struct {
	code      int
	remaining int
}

var (
	profilePath = regexp.MustCompile(`^/athletes/(\d+)/[^/]+$`)
	eventPath   = regexp.MustCompile(`^/athletes/(\d+)/[^/]+/eventresults$`)
)

// New starts a server over athletes. The directory lists pageSize athletes
// per page. The server is closed with the test.
func New(t testing.TB, pageSize int, athletes ...Athlete) *Server {
	t.Helper()
	if pageSize <= 0 {
		pageSize = 20
	}
	s := &Server{
		athletes: athletes,
		pageSize: pageSize,
		hits:     map[string]int{},
		failures: map[string]failure{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Regions maps every athlete region code to its country id.
func (s *Server) Regions() map[string]string {
	regions := map[string]string{}
	for _, a := range s.athletes {
		regions[a.Region] = a.CountryID
	}
	return regions
}

// Hits reports how many requests reached path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// EventHits reports how many event results requests were made for an
// athlete and event.
func (s *Server) EventHits(athleteID, eventID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits["event:"+athleteID+":"+eventID]
}

// TotalHits reports every request served.
func (s *Server) TotalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits["*"]
}

// FailNext makes the next n requests to path answer with code.
func (s *Server) FailNext(path string, code, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = failure{code: code, remaining: n}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits["*"]++
	s.hits[r.URL.Path]++
	if m := eventPath.FindStringSubmatch(r.URL.Path); m != nil {
		s.hits["event:"+m[1]+":"+r.URL.Query().Get("eventId")]++
	}
	if f, ok := s.failures[r.URL.Path]; ok && f.remaining > 0 {
		f.remaining--
		s.failures[r.URL.Path] = f
		s.mu.Unlock()
		http.Error(w, http.StatusText(f.code), f.code)
		return
	}
	s.mu.Unlock()

	q := r.URL.Query()
	switch {
	case r.URL.Path == "/athletes":
		s.writeDirectory(w, q)
	case eventPath.MatchString(r.URL.Path):
		s.writeEvent(w, eventPath.FindStringSubmatch(r.URL.Path)[1], q.Get("eventId"))
	case profilePath.MatchString(r.URL.Path) && q.Get("section") == "yearResults":
		s.writeYearResults(w, profilePath.FindStringSubmatch(r.URL.Path)[1], q)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) athlete(id string) (Athlete, bool) {
	for _, a := range s.athletes {
		if a.ID == id {
			return a, true
		}
	}
	return Athlete{}, false
}

func (s *Server) writeDirectory(w http.ResponseWriter, q map[string][]string) {
	var countries []string
	for key, values := range q {
		if strings.HasPrefix(key, "countryIds") {
			countries = append(countries, values...)
		}
	}
	var listed []Athlete
	for _, a := range s.athletes {
		if slices.Contains(countries, a.CountryID) {
			listed = append(listed, a)
		}
	}
	offset := 0
	if v := first(q["offset"]); v != "" {
		offset, _ = strconv.Atoi(v)
	}
	end := min(offset+s.pageSize, len(listed))
	var b strings.Builder
	b.WriteString("<html><body><div class=\"athletes\">\n")
	if offset < len(listed) {
		for _, a := range listed[offset:end] {
			fmt.Fprintf(&b, "<div><a class=\"athlete-name\" href=\"/athletes/%s/%s\">%s</a>"+
				"<span class=\"athlete-country-name\">%s</span></div>\n",
				a.ID, slug(a.Name), html.EscapeString(a.Name), html.EscapeString(a.Country))
		}
		fmt.Fprintf(&b, "<div class=\"paginationLabel\">%d - %d of %d items</div>\n", offset+1, end, len(listed))
	}
	b.WriteString("</div></body></html>")
	writeHTML(w, b.String())
}

func (s *Server) writeYearResults(w http.ResponseWriter, athleteID string, q map[string][]string) {
	a, ok := s.athlete(athleteID)
	if !ok {
		writeHTML(w, "<html><body></body></html>")
		return
	}
	code := first(q["yearResultsTourCode"])
	var b strings.Builder
	b.WriteString("<html><body>\n")
	if code == "" {
		var codes []string
		for _, ev := range a.Events {
			if !slices.Contains(codes, ev.TourCode) {
				codes = append(codes, ev.TourCode)
			}
		}
		b.WriteString("<select name=\"yearResultsTourCode\"><option value=\"\">Tour</option>")
		for _, c := range codes {
			fmt.Fprintf(&b, "<option value=\"%s\">%s</option>", c, strings.ToUpper(c))
		}
		b.WriteString("</select>\n")
	} else {
		year, _ := strconv.Atoi(first(q["year"]))
		for _, ev := range a.Events {
			if ev.TourCode != code || ev.Year != year {
				continue
			}
			fmt.Fprintf(&b, "<a href=\"/athletes/%s/%s/eventresults?eventId=%s\">%s</a>\n",
				a.ID, slug(a.Name), ev.ID, html.EscapeString(ev.Name))
		}
	}
	b.WriteString("</body></html>")
	writeHTML(w, b.String())
}

func (s *Server) writeEvent(w http.ResponseWriter, athleteID, eventID string) {
	a, ok := s.athlete(athleteID)
	if !ok {
		writeHTML(w, "<html><body></body></html>")
		return
	}
	idx := slices.IndexFunc(a.Events, func(ev Event) bool { return ev.ID == eventID })
	if idx < 0 {
		writeHTML(w, "<html><body><div id=\"app\"></div></body></html>")
		return
	}
	ev := a.Events[idx]
	var b strings.Builder
	fmt.Fprintf(&b, "<html><body><h1 class=\"event-title\">%s</h1>\n", html.EscapeString(ev.Name))
	if ev.Location != "" {
		fmt.Fprintf(&b, "<div class=\"event-location\">%s</div>\n", html.EscapeString(ev.Location))
	}
	for _, h := range ev.Heats {
		writeHeat(&b, a, ev, h)
	}
	b.WriteString("<table><tr><th>Place</th><th>Athlete</th><th>Points</th></tr>\n")
	if ev.FinalPosition != "" {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td class=\"points\">%s</td></tr>\n",
			ev.FinalPosition, html.EscapeString(a.Name), ev.Points)
	}
	b.WriteString("</table></body></html>")
	writeHTML(w, b.String())
}

// writeHeat renders the athlete in the second column against an opponent.
func writeHeat(b *strings.Builder, a Athlete, ev Event, h Heat) {
	opponentPlace := 1
	if h.Place == 1 {
		opponentPlace = 2
	}
	class := fmt.Sprintf("hot-heat-athlete athlete-place-%d", h.Place)
	if h.Advanced {
		class += " hot-heat-athlete--advance"
	}
	b.WriteString("<div class=\"hot-heat\">\n")
	fmt.Fprintf(b, "<div class=\"heat-name\">%s</div>\n", html.EscapeString(h.Round))
	if h.Date != "" {
		fmt.Fprintf(b, "<div class=\"heat-date\">%s</div>\n", html.EscapeString(h.Date))
	}
	if h.ID != "" {
		fmt.Fprintf(b, "<a class=\"hot-heat__replay-link\" href=\"/athletes/%s/%s/eventresults?eventId=%s&amp;heatId=%s\">Replay</a>\n",
			a.ID, slug(a.Name), ev.ID, h.ID)
	}
	b.WriteString("<div class=\"hot-heat__athletes\">\n")
	fmt.Fprintf(b, "<div class=\"hot-heat-athlete athlete-place-%d\" data-athlete-index=\"1\">"+
		"<span class=\"hot-heat-athlete__name\">Opponent Surfer</span><span class=\"hot-heat-athlete__score\">10.00</span></div>\n",
		opponentPlace)
	fmt.Fprintf(b, "<div class=\"%s\" data-athlete-index=\"2\"><span class=\"hot-heat-athlete__name\">%s</span>"+
		"<span class=\"hot-heat-athlete__score\">%s</span></div>\n", class, html.EscapeString(a.Name), h.Total)
	b.WriteString("</div>\n<div class=\"hot-heat__waves-details\">\n")
	for _, wave := range h.Waves {
		fmt.Fprintf(b, "<div class=\"wave-item\"><div class=\"wave\"><span class=\"wave-score\">5.00</span></div>"+
			"<div class=\"wave\"><span class=\"wave-score\">%s</span></div></div>\n", wave)
	}
	b.WriteString("</div>\n</div>\n")
}

func writeHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(body))
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func slug(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}
