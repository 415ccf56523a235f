// Package session binds the collaborators one job run needs: a limiter
// shared by every fetch of the job, the strategy chain over it, the target
// resolver and the per-target harvesting pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/surf-results-harvester/internal/extract"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/normalize"
	"github.com/JakeFAU/surf-results-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/surf-results-harvester/internal/resolver"
	"github.com/JakeFAU/surf-results-harvester/internal/strategy"
)

// Factory builds sessions. HTTP and Renderer are the raw fetchers; each
// session wraps them with its own limiter. A nil Renderer leaves the
// rendered-page strategy out.
type Factory struct {
	Site        *extract.Site
	HTTP        harvest.Fetcher
	Renderer    harvest.Fetcher
	KnownEvents map[int][]harvest.RawEventRef
	Normalizer  *normalize.Normalizer
	MaxPages    int
	MaxRPS      float64
	Logger      *zap.Logger
}

// Session serves one job run.
type Session struct {
	chain      *strategy.Chain
	resolver   *resolver.Resolver
	normalizer *normalize.Normalizer
	locations  []string
	logger     *zap.Logger
}

// Outcome is the result of harvesting one target.
type Outcome struct {
	Record harvest.SurferRecord
	Status harvest.TargetStatus
	// Detail explains a partial status.
	Detail string
}

// New returns a session paced by filter's delays, with in-flight requests
// capped at its worker count.
func (f *Factory) New(filter harvest.FilterSpec) (*Session, error) {
	if f.Site == nil || f.HTTP == nil {
		return nil, errors.New("session factory requires a site and an http fetcher")
	}
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	norm := f.Normalizer
	if norm == nil {
		norm = normalize.New(harvest.DefaultAdvancementPolicy())
	}

	limiter := ratelimit.New(ratelimit.Config{
		MinDelay:    filter.MinDelay,
		MaxDelay:    filter.MaxDelay,
		MaxInFlight: filter.MaxWorkers,
		MaxRPS:      f.MaxRPS,
	})
	httpFetcher := ratelimit.Wrap(f.HTTP, limiter)
	strategies := []strategy.Strategy{
		strategy.NewStructuredQuery(f.Site, httpFetcher),
		strategy.NewListingPage(f.Site, httpFetcher),
		strategy.NewKnownEvents(f.Site, f.KnownEvents),
	}
	if f.Renderer != nil {
		strategies = append(strategies, strategy.NewRenderedPage(f.Site, ratelimit.Wrap(f.Renderer, limiter)))
	}
	chain := strategy.NewChain(logger, strategies...)
	logger.Debug("session built", zap.Strings("strategies", chain.Names()))

	return &Session{
		chain:      chain,
		resolver:   resolver.New(chain, f.MaxPages, logger),
		normalizer: norm,
		locations:  lowerAll(filter.Locations),
		logger:     logger,
	}, nil
}

// Resolve expands filter into the job's targets.
func (s *Session) Resolve(ctx context.Context, jobID string, filter harvest.FilterSpec) (resolver.Resolution, error) {
	res, err := s.resolver.Resolve(ctx, jobID, filter)
	if err != nil {
		return resolver.Resolution{}, fmt.Errorf("resolve targets: %w", err)
	}
	return res, nil
}

// Harvest retrieves and normalizes every event of target. Transient and
// cancellation errors are returned for the caller to retry or abandon; an
// unavailable resource yields a partial outcome instead.
func (s *Session) Harvest(ctx context.Context, jobID string, target harvest.Target) (Outcome, error) {
	payload, err := s.chain.Fetch(ctx, harvest.Descriptor{
		Kind:   harvest.KindAthleteEvents,
		JobID:  jobID,
		Target: target,
	})
	if errors.Is(err, harvest.ErrResourceUnavailable) {
		s.logger.Warn("events unavailable",
			zap.String("job_id", jobID),
			zap.String("target", target.Key()),
			zap.Error(err),
		)
		return Outcome{
			Record: s.normalizer.Surfer(target, nil),
			Status: harvest.TargetPartial,
			Detail: err.Error(),
		}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Status: harvest.TargetDone}
	events := []harvest.EventRecord{}
	for _, ref := range dedupe(payload.Events) {
		ev, keep, err := s.event(ctx, jobID, target, ref, &out)
		if err != nil {
			return Outcome{}, err
		}
		if keep {
			events = append(events, ev)
		}
	}
	out.Record = s.normalizer.Surfer(target, events)
	return out, nil
}

func (s *Session) event(
	ctx context.Context,
	jobID string,
	target harvest.Target,
	ref harvest.RawEventRef,
	out *Outcome,
) (harvest.EventRecord, bool, error) {
	detail, err := s.chain.Fetch(ctx, harvest.Descriptor{
		Kind:   harvest.KindEventDetail,
		JobID:  jobID,
		Target: target,
		Event:  ref,
	})
	var raw *harvest.RawEvent
	switch {
	case err == nil:
		raw = detail.Event
	case errors.Is(err, harvest.ErrResourceUnavailable):
		if ref.Speculative {
			return harvest.EventRecord{}, false, nil
		}
		s.logger.Warn("event detail unavailable",
			zap.String("job_id", jobID),
			zap.String("target", target.Key()),
			zap.String("event_id", ref.ID),
			zap.Error(err),
		)
		out.Status = harvest.TargetPartial
		if out.Detail == "" {
			out.Detail = err.Error()
		}
	default:
		return harvest.EventRecord{}, false, err
	}

	ev := s.normalizer.Event(ref, raw, target.Year)
	if ref.Speculative && len(ev.Heats) == 0 && ev.FinalPosition == nil {
		return harvest.EventRecord{}, false, nil
	}
	if !s.locationAllowed(ev) {
		return harvest.EventRecord{}, false, nil
	}
	return ev, true, nil
}

func (s *Session) locationAllowed(ev harvest.EventRecord) bool {
	if len(s.locations) == 0 {
		return true
	}
	if ev.Location == nil {
		return false
	}
	location := strings.ToLower(*ev.Location)
	for _, want := range s.locations {
		if strings.Contains(location, want) {
			return true
		}
	}
	return false
}

func dedupe(refs []harvest.RawEventRef) []harvest.RawEventRef {
	seen := make(map[string]struct{}, len(refs))
	out := make([]harvest.RawEventRef, 0, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref.ID]; dup {
			continue
		}
		seen[ref.ID] = struct{}{}
		out = append(out, ref)
	}
	return out
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
