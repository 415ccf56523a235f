package harvest

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"
)

const (
	minYear = 1960
	maxYear = 2100
)

// FilterSpec is the immutable input of a job.
type FilterSpec struct {
	Years      []int         `json:"years"`
	Regions    []string      `json:"regions"`
	Tours      []string      `json:"tours,omitempty"`
	Surfers    []string      `json:"surfers,omitempty"`
	Locations  []string      `json:"locations,omitempty"`
	MaxWorkers int           `json:"max_workers"`
	MinDelay   time.Duration `json:"min_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
}

// Normalize returns a canonical copy: years sorted and deduplicated, region
// and tour codes upper-cased, blank surfer tokens and locations removed.
func (f FilterSpec) Normalize() FilterSpec {
	out := f
	out.Years = slices.Compact(slices.Sorted(slices.Values(f.Years)))
	out.Regions = upperUnique(f.Regions)
	out.Tours = upperUnique(f.Tours)
	out.Surfers = trimNonEmpty(f.Surfers)
	out.Locations = trimNonEmpty(f.Locations)
	return out
}

// Validate checks the filter once at job creation. When regions is non-nil
// every region code must be one of its keys.
func (f FilterSpec) Validate(regions map[string]string) error {
	if len(f.Years) == 0 {
		return fmt.Errorf("%w: at least one year is required", ErrInvalidFilter)
	}
	for _, y := range f.Years {
		if y < minYear || y > maxYear {
			return fmt.Errorf("%w: year %d out of range", ErrInvalidFilter, y)
		}
	}
	if len(f.Regions) == 0 {
		return fmt.Errorf("%w: at least one region is required", ErrInvalidFilter)
	}
	if regions != nil {
		for _, r := range f.Regions {
			if _, ok := regions[r]; !ok {
				return fmt.Errorf("%w: unknown region %q", ErrInvalidFilter, r)
			}
		}
	}
	if f.MaxWorkers <= 0 {
		return fmt.Errorf("%w: max_workers must be > 0", ErrInvalidFilter)
	}
	if f.MinDelay < 0 {
		return fmt.Errorf("%w: min_delay must be >= 0", ErrInvalidFilter)
	}
	if f.MaxDelay < f.MinDelay {
		return fmt.Errorf("%w: max_delay must be >= min_delay", ErrInvalidFilter)
	}
	return nil
}

// SurferRefs splits the surfer tokens into id and name-pattern references.
// All-digit tokens are ids.
func (f FilterSpec) SurferRefs() []SurferRef {
	refs := make([]SurferRef, 0, len(f.Surfers))
	for _, tok := range f.Surfers {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if isDigits(tok) {
			refs = append(refs, SurferRef{ID: tok})
			continue
		}
		refs = append(refs, SurferRef{Pattern: tok})
	}
	return refs
}

// TourAllowed reports whether a site tour code (e.g. "mqs", "wjun") passes the
// requested tours. Site codes carry a leading gender letter; a requested
// tour matches the full code, the code without that letter, or a longer name
// starting with it ("JUNIOR" matches "mjun"). No requested tours allows all.
func TourAllowed(tours []string, code string) bool {
	if len(tours) == 0 {
		return true
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	bare := code
	if len(code) > 2 && (code[0] == 'M' || code[0] == 'W') {
		bare = code[1:]
	}
	for _, t := range tours {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if t == code || t == bare || strings.HasPrefix(t, bare) {
			return true
		}
	}
	return false
}

// SplitTokens splits a comma separated list, keeping inner spaces.
func SplitTokens(text string) []string {
	return trimNonEmpty(strings.Split(text, ","))
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func upperUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func trimNonEmpty(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
