package normalize

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// Partial field names recorded on records.
const (
	FieldHeatID        = "heat_id"
	FieldRoundName     = "round_name"
	FieldPosition      = "position"
	FieldTotalScore    = "total_score"
	FieldWaveScores    = "wave_scores"
	FieldLocation      = "location"
	FieldTourType      = "tour_type"
	FieldFinalPosition = "final_position"
	FieldPoints        = "points_earned"
	FieldHeats         = "heats"
)

// Normalizer builds canonical records from raw payloads.
type Normalizer struct {
	advancement harvest.AdvancementPolicy
}

// New returns a Normalizer using the given advancement policy.
func New(policy harvest.AdvancementPolicy) *Normalizer {
	return &Normalizer{advancement: policy}
}

// Heat normalizes one heat row of the target surfer.
func (n *Normalizer) Heat(raw harvest.RawHeat) harvest.HeatRecord {
	var fields partialFields
	heat := harvest.HeatRecord{
		ID:         strings.TrimSpace(raw.ID),
		RoundName:  strings.TrimSpace(raw.Round),
		WaveScores: []float64{},
	}
	if heat.RoundName == "" {
		fields.add(FieldRoundName)
	}
	if heat.ID == "" {
		fields.add(FieldHeatID)
		heat.ID = "round:" + slug(heat.RoundName)
	}

	heat.Position = PlaceFromClasses(raw.Classes)
	if heat.Position == nil {
		fields.add(FieldPosition)
	}

	total, ok := ParseScore(raw.TotalScore)
	if !ok || total == nil {
		fields.add(FieldTotalScore)
	}
	heat.TotalScore = total

	waves, wavesPartial := ParseWaveScores(raw.Waves)
	if waves != nil {
		heat.WaveScores = waves
	}
	if wavesPartial || (len(waves) == 0 && heat.TotalScore != nil) {
		fields.add(FieldWaveScores)
	}

	heat.Advanced = n.advancement.Decide(AdvanceMarker(raw.Classes), heat.Position, raw.HeatSize)
	if d := strings.TrimSpace(raw.Date); d != "" {
		heat.HeatDate = &d
	}
	heat.PartialFields = fields.list()
	heat.Partial = len(heat.PartialFields) > 0
	return heat
}

// Event merges an event reference with its detail page. raw may be nil when
// the detail page was unavailable; the record is then flagged partial.
func (n *Normalizer) Event(ref harvest.RawEventRef, raw *harvest.RawEvent, year int) harvest.EventRecord {
	var fields partialFields
	if raw == nil {
		raw = &harvest.RawEvent{}
		fields.add(FieldHeats)
	}
	ev := harvest.EventRecord{
		ID:    firstNonEmpty(ref.ID, raw.ID),
		Name:  firstNonEmpty(ref.Name, raw.Name),
		Year:  year,
		URL:   firstNonEmpty(ref.URL, raw.URL),
		Heats: []harvest.HeatRecord{},
	}

	location := strings.TrimSpace(raw.Location)
	if location == "" {
		location = firstNonEmpty(LocationFromURL(ev.URL), LocationFromURL(raw.URL))
	}
	if location == "" {
		fields.add(FieldLocation)
	} else {
		ev.Location = &location
	}

	ev.TourType = TourFromCode(firstNonEmpty(ref.Tour, raw.Tour, TourFromURL(ev.URL), TourFromURL(raw.URL)))
	if ev.TourType == "" {
		fields.add(FieldTourType)
	}

	if pos, ok := ParsePosition(raw.FinalPosition); ok {
		ev.FinalPosition = pos
	} else {
		fields.add(FieldFinalPosition)
	}
	if pts, ok := ParsePoints(raw.Points); ok {
		ev.PointsEarned = pts
	} else {
		fields.add(FieldPoints)
	}

	// Only source ids are deduplicated. Rows without one get the ordinal of
	// the row within the event so distinct heats of a round stay apart.
	seen := make(map[string]struct{}, len(raw.Heats))
	for i, rh := range raw.Heats {
		heat := n.Heat(rh)
		if strings.TrimSpace(rh.ID) == "" {
			heat.ID = fmt.Sprintf("%s:%d", heat.ID, i+1)
			ev.Heats = append(ev.Heats, heat)
			continue
		}
		if _, dup := seen[heat.ID]; dup {
			continue
		}
		seen[heat.ID] = struct{}{}
		ev.Heats = append(ev.Heats, heat)
	}

	ev.PartialFields = fields.list()
	ev.Partial = len(ev.PartialFields) > 0
	return ev
}

// Surfer assembles the record for one target.
func (n *Normalizer) Surfer(t harvest.Target, events []harvest.EventRecord) harvest.SurferRecord {
	if events == nil {
		events = []harvest.EventRecord{}
	}
	return harvest.SurferRecord{
		ID:      t.SurferID,
		Name:    t.SurferName,
		Country: t.Country,
		Events:  events,
	}
}

type partialFields []string

func (p *partialFields) add(name string) {
	for _, f := range *p {
		if f == name {
			return
		}
	}
	*p = append(*p, name)
}

func (p partialFields) list() []string {
	if len(p) == 0 {
		return nil
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func slug(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "-")
}
