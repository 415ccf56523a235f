package harvest

import "fmt"

// ResourceKind names the logical resources the strategy chain can retrieve.
type ResourceKind string

// Supported resource kinds.
const (
	KindDirectory     ResourceKind = "directory"
	KindAthleteEvents ResourceKind = "athlete_events"
	KindEventDetail   ResourceKind = "event_detail"
)

// Descriptor identifies one logical resource to retrieve.
type Descriptor struct {
	Kind    ResourceKind
	JobID   string
	Regions []string
	Offset  int
	Target  Target
	Event   RawEventRef
}

func (d Descriptor) String() string {
	switch d.Kind {
	case KindDirectory:
		return fmt.Sprintf("directory%v@%d", d.Regions, d.Offset)
	case KindAthleteEvents:
		return fmt.Sprintf("events/%s", d.Target.Key())
	case KindEventDetail:
		return fmt.Sprintf("event/%s/%s", d.Target.Key(), d.Event.ID)
	default:
		return string(d.Kind)
	}
}

// RawAthlete is one directory entry as scraped.
type RawAthlete struct {
	ID         string
	Name       string
	Country    string
	ProfileURL string
}

// RawDirectoryPage is one page of the athlete directory.
type RawDirectoryPage struct {
	Athletes []RawAthlete
	HasLabel bool
	From     int
	To       int
	Total    int
}

// HasMore reports whether the source advertises further pages.
func (p RawDirectoryPage) HasMore() bool {
	if !p.HasLabel || len(p.Athletes) == 0 {
		return false
	}
	return p.To < p.Total
}

// NextOffset is the offset of the page following this one.
func (p RawDirectoryPage) NextOffset(current int) int {
	if p.HasLabel && p.To > current {
		return p.To
	}
	return current + len(p.Athletes)
}

// RawEventRef points at an event a surfer may have entered.
type RawEventRef struct {
	ID          string
	Name        string
	URL         string
	Tour        string
	Year        int
	Speculative bool
}

// RawHeat holds the unparsed fields of one heat row for the target surfer.
type RawHeat struct {
	ID          string
	Round       string
	AthleteName string
	Classes     []string
	TotalScore  string
	Waves       string
	Date        string
	HeatSize    int
}

// RawEvent holds the unparsed fields of an event results page.
type RawEvent struct {
	ID            string
	Name          string
	URL           string
	Location      string
	Tour          string
	Date          string
	FinalPosition string
	Points        string
	Heats         []RawHeat
}

// RawPayload is what a retrieval strategy returns.
type RawPayload struct {
	Kind      ResourceKind
	Strategy  string
	URL       string
	Directory *RawDirectoryPage
	Events    []RawEventRef
	Event     *RawEvent
}
