// Package resolver expands a filter spec into the ordered list of targets of
// a job by paging through the athlete directory.
package resolver

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// DefaultMaxPages caps directory pagination when no limit is configured.
const DefaultMaxPages = 50

// Source retrieves logical resources, usually a strategy chain.
type Source interface {
	Fetch(ctx context.Context, d harvest.Descriptor) (harvest.RawPayload, error)
}

// Resolution is the outcome of resolving a filter.
type Resolution struct {
	Targets []harvest.Target
	// Unmatched lists surfer tokens that matched nobody.
	Unmatched []string
}

// Resolver pages through the directory and matches surfer tokens.
type Resolver struct {
	source   Source
	maxPages int
	logger   *zap.Logger
}

// New returns a Resolver. maxPages <= 0 selects DefaultMaxPages.
func New(source Source, maxPages int, logger *zap.Logger) *Resolver {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{source: source, maxPages: maxPages, logger: logger}
}

// Resolve returns the targets for filter: matched athletes in directory
// order, each crossed with the ascending years. The result is deterministic
// for an unchanged directory.
func (r *Resolver) Resolve(ctx context.Context, jobID string, filter harvest.FilterSpec) (Resolution, error) {
	athletes, err := r.directory(ctx, jobID, filter.Regions)
	if err != nil {
		return Resolution{}, err
	}
	selected, unmatched := match(athletes, filter.SurferRefs())
	for _, token := range unmatched {
		r.logger.Warn("surfer token matched nobody",
			zap.String("job_id", jobID),
			zap.String("token", token),
			zap.Error(harvest.ErrNoMatchFound),
		)
	}

	years := slices.Compact(slices.Sorted(slices.Values(filter.Years)))
	targets := make([]harvest.Target, 0, len(selected)*len(years))
	for _, a := range selected {
		for _, year := range years {
			targets = append(targets, harvest.Target{
				SurferID:   a.ID,
				SurferName: a.Name,
				Country:    a.Country,
				ProfileURL: a.ProfileURL,
				Year:       year,
				Tours:      slices.Clone(filter.Tours),
			})
		}
	}
	r.logger.Info("targets resolved",
		zap.String("job_id", jobID),
		zap.Int("athletes", len(athletes)),
		zap.Int("targets", len(targets)),
		zap.Int("unmatched", len(unmatched)),
	)
	return Resolution{Targets: targets, Unmatched: unmatched}, nil
}

// directory pages until the source reports no further pages, returns an
// empty page, repeats the previous page, or the page cap is reached. The
// last advertised total carries over to pages that print no label.
func (r *Resolver) directory(ctx context.Context, jobID string, regions []string) ([]harvest.RawAthlete, error) {
	var (
		athletes []harvest.RawAthlete
		previous string
		offset   int
		total    int
	)
	seen := map[string]struct{}{}
	for page := 0; page < r.maxPages; page++ {
		payload, err := r.source.Fetch(ctx, harvest.Descriptor{
			Kind:    harvest.KindDirectory,
			JobID:   jobID,
			Regions: regions,
			Offset:  offset,
		})
		if err != nil {
			return nil, fmt.Errorf("directory page at offset %d: %w", offset, err)
		}
		dir := payload.Directory
		if dir == nil || len(dir.Athletes) == 0 {
			break
		}
		signature := pageSignature(dir.Athletes)
		if signature == previous {
			r.logger.Warn("directory repeated a page",
				zap.String("job_id", jobID),
				zap.Int("offset", offset),
			)
			break
		}
		previous = signature
		for _, a := range dir.Athletes {
			if _, dup := seen[a.ID]; dup {
				continue
			}
			seen[a.ID] = struct{}{}
			athletes = append(athletes, a)
		}
		if dir.HasLabel {
			total = dir.Total
		}
		next := dir.NextOffset(offset)
		if next <= offset || !more(*dir, next, total) {
			break
		}
		offset = next
	}
	return athletes, nil
}

func more(dir harvest.RawDirectoryPage, next, total int) bool {
	if dir.HasLabel {
		return dir.HasMore()
	}
	return next < total
}

func pageSignature(athletes []harvest.RawAthlete) string {
	ids := make([]string, len(athletes))
	for i, a := range athletes {
		ids[i] = a.ID
	}
	return strings.Join(ids, ",")
}

// match keeps the athletes selected by refs, in directory order. Ids match
// by equality, patterns by case-insensitive substring. No refs selects all.
func match(athletes []harvest.RawAthlete, refs []harvest.SurferRef) ([]harvest.RawAthlete, []string) {
	if len(refs) == 0 {
		return athletes, nil
	}
	hits := make([]bool, len(refs))
	var selected []harvest.RawAthlete
	for _, a := range athletes {
		keep := false
		name := strings.ToLower(a.Name)
		for i, ref := range refs {
			if matches(ref, a.ID, name) {
				hits[i] = true
				keep = true
			}
		}
		if keep {
			selected = append(selected, a)
		}
	}
	var unmatched []string
	for i, ref := range refs {
		if !hits[i] {
			unmatched = append(unmatched, ref.String())
		}
	}
	return selected, unmatched
}

func matches(ref harvest.SurferRef, id, lowerName string) bool {
	if ref.ID != "" {
		return ref.ID == id
	}
	return strings.Contains(lowerName, strings.ToLower(ref.Pattern))
}
