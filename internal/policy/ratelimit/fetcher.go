package ratelimit

import (
	"context"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// Fetcher routes every request of the wrapped fetcher through a Limiter.
type Fetcher struct {
	next    harvest.Fetcher
	limiter *Limiter
}

var _ harvest.Fetcher = (*Fetcher)(nil)

// Wrap decorates next so each Fetch acquires a grant first.
func Wrap(next harvest.Fetcher, limiter *Limiter) *Fetcher {
	return &Fetcher{next: next, limiter: limiter}
}

// Fetch waits for a grant under ctx, then performs the request. Once granted,
// the request runs to completion even if ctx is cancelled meanwhile.
func (f *Fetcher) Fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	release, err := f.limiter.Acquire(ctx)
	if err != nil {
		return harvest.FetchResponse{}, err
	}
	defer release()
	return f.next.Fetch(context.WithoutCancel(ctx), req)
}
