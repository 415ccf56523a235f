package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// HeatRow is one heat flattened with its surfer and event columns.
type HeatRow struct {
	SurferID      string    `json:"surfer_id"`
	SurferName    string    `json:"surfer_name"`
	Country       string    `json:"country"`
	EventID       string    `json:"event_id"`
	EventName     string    `json:"event_name"`
	Year          int       `json:"year"`
	Location      *string   `json:"location"`
	TourType      string    `json:"tour_type"`
	FinalPosition *int      `json:"final_position"`
	PointsEarned  *float64  `json:"points_earned"`
	HeatID        string    `json:"heat_id"`
	RoundName     string    `json:"round_name"`
	Position      *int      `json:"position"`
	TotalScore    *float64  `json:"total_score"`
	WaveScores    []float64 `json:"wave_scores"`
	Advanced      *bool     `json:"advanced"`
	HeatDate      *string   `json:"heat_date"`
}

// Options is the read-only projection of values present in persisted results.
type Options struct {
	Years     []int          `json:"years"`
	Tours     []string       `json:"tours"`
	Surfers   []SurferOption `json:"surfers"`
	Locations []string       `json:"locations"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SurferOption names one surfer in the options projection.
type SurferOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RebuildAggregate merges every persisted result of a job into one record
// per surfer, sorted by surfer id with events in year order. The output only
// depends on the set of persisted results.
func (s *Store) RebuildAggregate(ctx context.Context, jobID string) ([]harvest.SurferRecord, error) {
	results, err := s.ListTargetResults(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return mergeRecords(results), nil
}

func mergeRecords(results []harvest.TargetResult) []harvest.SurferRecord {
	records := []harvest.SurferRecord{}
	index := map[string]int{}
	for _, r := range results {
		if r.Record == nil {
			continue
		}
		i, ok := index[r.Record.ID]
		if !ok {
			i = len(records)
			index[r.Record.ID] = i
			records = append(records, harvest.SurferRecord{
				ID:      r.Record.ID,
				Name:    r.Record.Name,
				Country: r.Record.Country,
				Events:  []harvest.EventRecord{},
			})
		}
		rec := &records[i]
		if rec.Name == "" {
			rec.Name = r.Record.Name
		}
		if rec.Country == "" {
			rec.Country = r.Record.Country
		}
		rec.Events = append(rec.Events, r.Record.Events...)
	}
	for i := range records {
		sort.SliceStable(records[i].Events, func(a, b int) bool {
			return records[i].Events[a].Year < records[i].Events[b].Year
		})
	}
	return records
}

// HeatRows flattens records into one row per heat.
func HeatRows(records []harvest.SurferRecord) []HeatRow {
	rows := []HeatRow{}
	for _, rec := range records {
		for _, ev := range rec.Events {
			for _, h := range ev.Heats {
				rows = append(rows, HeatRow{
					SurferID:      rec.ID,
					SurferName:    rec.Name,
					Country:       rec.Country,
					EventID:       ev.ID,
					EventName:     ev.Name,
					Year:          ev.Year,
					Location:      ev.Location,
					TourType:      ev.TourType,
					FinalPosition: ev.FinalPosition,
					PointsEarned:  ev.PointsEarned,
					HeatID:        h.ID,
					RoundName:     h.RoundName,
					Position:      h.Position,
					TotalScore:    h.TotalScore,
					WaveScores:    h.WaveScores,
					Advanced:      h.Advanced,
					HeatDate:      h.HeatDate,
				})
			}
		}
	}
	return rows
}

// ExportAggregate rebuilds the aggregate of a job and writes surfers.json
// and heats.jsonl under exports/<job_id>.
func (s *Store) ExportAggregate(ctx context.Context, jobID string) error {
	records, err := s.RebuildAggregate(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.writeJSON(ctx, filepath.Join(exportsDir, jobID, "surfers.json"), records); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range HeatRows(records) {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("%w: encode heat row: %w", harvest.ErrPersistence, err)
		}
	}
	return s.writeFile(ctx, filepath.Join(exportsDir, jobID, "heats.jsonl"), "application/x-ndjson", buf.Bytes())
}

// BuildOptions derives the options projection from the results of every job.
func (s *Store) BuildOptions(ctx context.Context, now time.Time) (Options, error) {
	states, err := s.ListJobStates(ctx)
	if err != nil {
		return Options{}, err
	}
	var (
		years     = map[int]struct{}{}
		tours     = map[string]struct{}{}
		locations = map[string]struct{}{}
		surfers   = map[string]string{}
	)
	for _, state := range states {
		results, err := s.ListTargetResults(ctx, state.ID)
		if err != nil {
			return Options{}, err
		}
		for _, r := range results {
			if r.Record == nil {
				continue
			}
			if _, ok := surfers[r.Record.ID]; !ok || surfers[r.Record.ID] == "" {
				surfers[r.Record.ID] = r.Record.Name
			}
			for _, ev := range r.Record.Events {
				years[ev.Year] = struct{}{}
				if ev.TourType != "" {
					tours[ev.TourType] = struct{}{}
				}
				if ev.Location != nil && strings.TrimSpace(*ev.Location) != "" {
					locations[*ev.Location] = struct{}{}
				}
			}
		}
	}

	opts := Options{
		Years:     sortedKeys(years),
		Tours:     sortedKeys(tours),
		Locations: sortedKeys(locations),
		Surfers:   make([]SurferOption, 0, len(surfers)),
		UpdatedAt: now.UTC(),
	}
	for id, name := range surfers {
		opts.Surfers = append(opts.Surfers, SurferOption{ID: id, Name: name})
	}
	sort.Slice(opts.Surfers, func(i, j int) bool {
		if opts.Surfers[i].Name != opts.Surfers[j].Name {
			return opts.Surfers[i].Name < opts.Surfers[j].Name
		}
		return opts.Surfers[i].ID < opts.Surfers[j].ID
	})
	return opts, nil
}

// WriteOptions writes options_latest.json.
func (s *Store) WriteOptions(ctx context.Context, opts Options) error {
	return s.writeJSON(ctx, optionsFile, opts)
}

// LoadOptions reads options_latest.json, or harvest.ErrNotFound.
func (s *Store) LoadOptions(_ context.Context) (Options, error) {
	var opts Options
	if err := s.readJSON(optionsFile, &opts); err != nil {
		return Options{}, fmt.Errorf("load options: %w", err)
	}
	return opts, nil
}

func sortedKeys[K int | string](m map[K]struct{}) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
