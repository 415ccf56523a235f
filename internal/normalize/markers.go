package normalize

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var placeClass = regexp.MustCompile(`^athlete-place-(\d+)$`)

// PlaceFromClasses reads the rank marker class athlete-place-N.
func PlaceFromClasses(classes []string) *int {
	for _, c := range classes {
		m := placeClass.FindStringSubmatch(c)
		if m == nil {
			continue
		}
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
			return &v
		}
	}
	return nil
}

// AdvanceMarker reports whether any class carries the advance marker.
func AdvanceMarker(classes []string) bool {
	for _, c := range classes {
		if strings.Contains(strings.ToLower(c), "advance") {
			return true
		}
	}
	return false
}

// tourSegments maps URL path segments to tour codes, checked in order.
var tourSegments = []struct {
	segment string
	code    string
}{
	{"ct", "CT"},
	{"championship-tour", "CT"},
	{"cs", "CS"},
	{"challenger-series", "CS"},
	{"qs", "QS"},
	{"qualifying-series", "QS"},
	{"longboard", "LONGBOARD"},
	{"junior", "JUNIOR"},
	{"big-wave", "BIG-WAVE"},
}

// TourFromURL infers the tour code from a URL path segment, or "" when unknown.
func TourFromURL(raw string) string {
	segments := pathSegments(raw)
	for _, ts := range tourSegments {
		for _, seg := range segments {
			if seg == ts.segment {
				return ts.code
			}
		}
	}
	return ""
}

// tourCodes maps the site's year-results tour codes, without their gender
// letter, to tour types.
var tourCodes = map[string]string{
	"CT":  "CT",
	"CS":  "CS",
	"QS":  "QS",
	"JUN": "JUNIOR",
	"LT":  "LONGBOARD",
	"LB":  "LONGBOARD",
	"BWT": "BIG-WAVE",
}

// TourFromCode maps a tour code such as "mqs" or "wjun" to its tour type.
// Unknown codes are returned upper-cased.
func TourFromCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if t, ok := tourCodes[code]; ok {
		return t
	}
	if len(code) > 2 && (code[0] == 'M' || code[0] == 'W') {
		if t, ok := tourCodes[code[1:]]; ok {
			return t
		}
	}
	return code
}

// trailing path segments that name a page section rather than the event.
var sectionSegments = map[string]bool{
	"main": true, "results": true, "eventresults": true, "schedule": true,
	"heats": true, "athletes": true, "news": true, "videos": true,
}

// LocationFromURL infers a display location from an event URL slug, e.g.
// /events/2025/qs/4889/pantin-classic-galicia-pro/main gives
// "Pantin Classic Galicia Pro". It returns "" for non-event URLs.
func LocationFromURL(raw string) string {
	segments := pathSegments(raw)
	start := -1
	for i, seg := range segments {
		if seg == "events" {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}
	for i := len(segments) - 1; i > start; i-- {
		seg := segments[i]
		if sectionSegments[seg] || isNumeric(seg) || isTourSegment(seg) {
			continue
		}
		return cases.Title(language.Und).String(strings.ReplaceAll(seg, "-", " "))
	}
	return ""
}

func pathSegments(raw string) []string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	var out []string
	for _, seg := range strings.Split(u.Path, "/") {
		if seg = strings.ToLower(strings.TrimSpace(seg)); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func isNumeric(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func isTourSegment(s string) bool {
	for _, ts := range tourSegments {
		if ts.segment == s {
			return true
		}
	}
	return false
}
