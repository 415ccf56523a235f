package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

type fakeStrategy struct {
	name    string
	payload harvest.RawPayload
	err     error
	calls   int
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) TryFetch(context.Context, harvest.Descriptor) (harvest.RawPayload, error) {
	f.calls++
	return f.payload, f.err
}

var eventsDescriptor = harvest.Descriptor{
	Kind:   harvest.KindAthleteEvents,
	JobID:  "job-1",
	Target: harvest.Target{SurferID: "10158", SurferName: "Adur Amatriain", Year: 2025},
}

func TestChainReturnsFirstUsablePayload(t *testing.T) {
	t.Parallel()

	empty := &fakeStrategy{name: "a", err: harvest.ErrEmpty}
	nothing := &fakeStrategy{name: "b"}
	good := &fakeStrategy{name: "c", payload: harvest.RawPayload{Events: []harvest.RawEventRef{{ID: "1"}}}}
	never := &fakeStrategy{name: "d"}

	payload, err := NewChain(nil, empty, nil, nothing, good, never).Fetch(context.Background(), eventsDescriptor)
	require.NoError(t, err)
	require.Equal(t, "c", payload.Strategy)
	require.Equal(t, harvest.KindAthleteEvents, payload.Kind)
	require.Len(t, payload.Events, 1)
	require.Equal(t, 1, empty.calls)
	require.Equal(t, 1, nothing.calls)
	require.Zero(t, never.calls)
}

func TestChainTreatsEmptyEventListAsEmpty(t *testing.T) {
	t.Parallel()

	listing := &fakeStrategy{name: NameListingPage, payload: harvest.RawPayload{Events: []harvest.RawEventRef{}}}
	rendered := &fakeStrategy{name: NameRenderedPage, payload: harvest.RawPayload{Events: []harvest.RawEventRef{{ID: "4889"}}}}

	payload, err := NewChain(nil, listing, rendered).Fetch(context.Background(), eventsDescriptor)
	require.NoError(t, err)
	require.Equal(t, NameRenderedPage, payload.Strategy)
	require.Len(t, payload.Events, 1)
	require.Equal(t, 1, rendered.calls)

	_, err = NewChain(nil, listing).Fetch(context.Background(), eventsDescriptor)
	require.ErrorIs(t, err, harvest.ErrResourceUnavailable)
	require.ErrorIs(t, err, harvest.ErrEmpty)
}

func TestChainFallsThroughLazyListingToRenderedPage(t *testing.T) {
	t.Parallel()

	site := testSite(t)
	selector := `<select name="yearResultsTourCode"><option value="mqs">QS</option></select>`
	served := &fakeFetcher{bodies: map[string]string{
		site.YearResultsURL(adur, ""):    selector,
		site.YearResultsURL(adur, "mqs"): `<div class="lazy-results"></div>`,
	}}
	rendered := &fakeFetcher{bodies: map[string]string{
		site.YearResultsURL(adur, ""):    selector,
		site.YearResultsURL(adur, "mqs"): `<a href="/athletes/10158/adur-amatriain/eventresults?eventId=4889">Pantin Pro</a>`,
	}}

	chain := NewChain(nil, NewListingPage(site, served), NewRenderedPage(site, rendered))
	payload, err := chain.Fetch(context.Background(), eventsDescriptor)
	require.NoError(t, err)
	require.Equal(t, NameRenderedPage, payload.Strategy)
	require.Len(t, payload.Events, 1)
	require.Equal(t, "4889", payload.Events[0].ID)
	require.Contains(t, rendered.seen, site.YearResultsURL(adur, "mqs"))
}

func TestChainExhaustion(t *testing.T) {
	t.Parallel()

	parseErr := errors.New("bad html")
	cases := []struct {
		name          string
		errs          []error
		wantTransient bool
	}{
		{name: "all empty", errs: []error{harvest.ErrEmpty, harvest.ErrEmpty}},
		{name: "all transient", errs: []error{harvest.ErrTransientFetch, harvest.ErrEmpty, &harvest.StatusError{Code: 503}}, wantTransient: true},
		{name: "mixed", errs: []error{harvest.ErrTransientFetch, parseErr}},
		{name: "permanent", errs: []error{parseErr}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			strategies := make([]Strategy, 0, len(tc.errs))
			for i, err := range tc.errs {
				strategies = append(strategies, &fakeStrategy{name: string(rune('a' + i)), err: err})
			}
			_, err := NewChain(nil, strategies...).Fetch(context.Background(), eventsDescriptor)
			require.Error(t, err)
			if tc.wantTransient {
				require.ErrorIs(t, err, harvest.ErrTransientFetch)
				require.NotErrorIs(t, err, harvest.ErrResourceUnavailable)
				return
			}
			require.ErrorIs(t, err, harvest.ErrResourceUnavailable)
		})
	}
}

func TestChainCancellation(t *testing.T) {
	t.Parallel()

	cancelled := &fakeStrategy{name: "a", err: harvest.ErrCancelled}
	after := &fakeStrategy{name: "b", payload: harvest.RawPayload{Events: []harvest.RawEventRef{{ID: "1"}}}}
	_, err := NewChain(nil, cancelled, after).Fetch(context.Background(), eventsDescriptor)
	require.ErrorIs(t, err, harvest.ErrCancelled)
	require.Zero(t, after.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	first := &fakeStrategy{name: "a", payload: harvest.RawPayload{Events: []harvest.RawEventRef{{ID: "1"}}}}
	_, err = NewChain(nil, first).Fetch(ctx, eventsDescriptor)
	require.ErrorIs(t, err, harvest.ErrCancelled)
	require.Zero(t, first.calls)
}
