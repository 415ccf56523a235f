// Package strategy retrieves logical resources from the results site through
// an ordered list of fallback strategies.
package strategy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/metrics"
)

// Strategy names used in logs and metrics.
const (
	NameStructuredQuery = "structured_query"
	NameListingPage     = "listing_page"
	NameKnownEvents     = "known_events"
	NameRenderedPage    = "rendered_page"
)

// Outcome labels recorded per strategy attempt.
const (
	outcomeSuccess   = "success"
	outcomeEmpty     = "empty"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
)

// Strategy is one way of retrieving a resource. TryFetch returns
// harvest.ErrEmpty when it produced nothing usable, including when it does
// not support the descriptor's kind.
type Strategy interface {
	Name() string
	TryFetch(ctx context.Context, d harvest.Descriptor) (harvest.RawPayload, error)
}

// Chain tries strategies in order until one yields a usable payload.
type Chain struct {
	strategies []Strategy
	logger     *zap.Logger
}

// NewChain builds a chain over the given strategies, skipping nil entries.
func NewChain(logger *zap.Logger, strategies ...Strategy) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Chain{strategies: kept, logger: logger}
}

// Names lists the strategies in the order they are tried.
func (c *Chain) Names() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Fetch returns the first usable payload. When every strategy fails it
// returns harvest.ErrTransientFetch if all failures were transient, and
// harvest.ErrResourceUnavailable otherwise. Cancellation aborts the chain
// with harvest.ErrCancelled.
func (c *Chain) Fetch(ctx context.Context, d harvest.Descriptor) (harvest.RawPayload, error) {
	var (
		lastErr   error
		transient bool
		permanent bool
	)
	kind := string(d.Kind)
	for _, s := range c.strategies {
		if ctx.Err() != nil {
			return harvest.RawPayload{}, fmt.Errorf("%s: %w", d, harvest.ErrCancelled)
		}
		payload, err := s.TryFetch(ctx, d)
		if err == nil && !usable(payload) {
			err = harvest.ErrEmpty
		}
		switch {
		case err == nil:
			metrics.ObserveStrategy(kind, s.Name(), outcomeSuccess)
			payload.Kind = d.Kind
			payload.Strategy = s.Name()
			c.logger.Debug("strategy succeeded",
				zap.String("job_id", d.JobID),
				zap.String("resource", d.String()),
				zap.String("strategy", s.Name()),
				zap.String("url", payload.URL),
			)
			return payload, nil
		case errors.Is(err, harvest.ErrCancelled) || ctx.Err() != nil:
			metrics.ObserveStrategy(kind, s.Name(), outcomeCancelled)
			return harvest.RawPayload{}, fmt.Errorf("%s via %s: %w", d, s.Name(), harvest.ErrCancelled)
		case errors.Is(err, harvest.ErrEmpty):
			metrics.ObserveStrategy(kind, s.Name(), outcomeEmpty)
			c.logger.Debug("strategy empty",
				zap.String("job_id", d.JobID),
				zap.String("resource", d.String()),
				zap.String("strategy", s.Name()),
			)
		default:
			metrics.ObserveStrategy(kind, s.Name(), outcomeError)
			lastErr = fmt.Errorf("%s: %w", s.Name(), err)
			if errors.Is(err, harvest.ErrTransientFetch) {
				transient = true
			} else {
				permanent = true
			}
			c.logger.Warn("strategy failed",
				zap.String("job_id", d.JobID),
				zap.String("resource", d.String()),
				zap.String("strategy", s.Name()),
				zap.Error(err),
			)
		}
	}
	if transient && !permanent {
		return harvest.RawPayload{}, fmt.Errorf("%s: %w", d, lastErr)
	}
	if lastErr == nil {
		lastErr = harvest.ErrEmpty
	}
	return harvest.RawPayload{}, fmt.Errorf("%s: %w: %w", d, harvest.ErrResourceUnavailable, lastErr)
}

// usable reports whether p carries something. An empty event list is not
// usable: the listing may be lazy-loaded and a later strategy can still
// find events.
func usable(p harvest.RawPayload) bool {
	return p.Directory != nil || len(p.Events) > 0 || p.Event != nil
}
