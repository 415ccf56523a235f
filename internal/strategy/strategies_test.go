package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/surf-results-harvester/internal/extract"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

type stubClock struct{}

func (stubClock) Now() time.Time { return time.UnixMilli(1000) }

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	seen   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req.URL)
	if err, ok := f.errs[req.URL]; ok {
		return harvest.FetchResponse{}, err
	}
	body, ok := f.bodies[req.URL]
	if !ok {
		return harvest.FetchResponse{}, &harvest.StatusError{URL: req.URL, Code: 404}
	}
	return harvest.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(body)}, nil
}

const base = "https://results.test"

func testSite(t *testing.T) *extract.Site {
	t.Helper()
	site, err := extract.NewSite(base, nil, stubClock{})
	require.NoError(t, err)
	return site
}

var adur = harvest.Target{SurferID: "10158", SurferName: "Adur Amatriain", Year: 2025}

const eventPage = `<html><body><h1>Pantin Pro</h1>
<div class="hot-heat"><div class="heat-name">Round 1</div>
<a class="hot-heat__replay-link" href="/x?heatId=7">r</a>
<div class="hot-heat__athletes"><div class="hot-heat-athlete athlete-place-1">
<span class="hot-heat-athlete__name">Adur Amatriain</span><span class="hot-heat-athlete__score">9.00</span>
</div></div></div></body></html>`

func TestStructuredQueryDirectory(t *testing.T) {
	t.Parallel()

	site := testSite(t)
	url := site.DirectoryQueryURL([]string{"ESP"}, 0)
	fetcher := &fakeFetcher{bodies: map[string]string{
		url: `<a class="athlete-name" href="/athletes/10158/adur-amatriain">Adur Amatriain</a>
<span class="athlete-country-name">Spain</span><div class="paginationLabel">1 - 1 of 1 items</div>`,
	}}
	payload, err := NewStructuredQuery(site, fetcher).TryFetch(context.Background(), harvest.Descriptor{
		Kind: harvest.KindDirectory, Regions: []string{"ESP"},
	})
	require.NoError(t, err)
	require.NotNil(t, payload.Directory)
	require.Len(t, payload.Directory.Athletes, 1)
	require.Equal(t, url, payload.URL)
}

func TestStructuredQuerySearchMergesListings(t *testing.T) {
	t.Parallel()

	site := testSite(t)
	urls := site.AlternativeSearchURLs(adur)
	fetcher := &fakeFetcher{bodies: map[string]string{
		urls[0]: `<a href="/events/2025/qs/4889/pantin/main">Pantin Pro</a>`,
		urls[2]: `<a href="/events/2025/qs/4889/pantin/main">Pantin Pro</a>
<a href="/events/2025/ct/5100/bells/main">Bells Beach</a>`,
	}}
	target := adur
	target.Tours = []string{"QS"}
	payload, err := NewStructuredQuery(site, fetcher).TryFetch(context.Background(), harvest.Descriptor{
		Kind: harvest.KindAthleteEvents, Target: target,
	})
	require.NoError(t, err)
	require.Len(t, payload.Events, 1)
	require.Equal(t, "4889", payload.Events[0].ID)
	require.Len(t, fetcher.seen, 3)
}

func TestStructuredQuerySearchEmptyWhenNothingListed(t *testing.T) {
	t.Parallel()

	_, err := NewStructuredQuery(testSite(t), &fakeFetcher{}).TryFetch(context.Background(), harvest.Descriptor{
		Kind: harvest.KindAthleteEvents, Target: adur,
	})
	require.ErrorIs(t, err, harvest.ErrEmpty)
}

func TestStructuredQueryPropagatesTransient(t *testing.T) {
	t.Parallel()

	site := testSite(t)
	url := site.EventResultsURL(adur, "4889")
	fetcher := &fakeFetcher{errs: map[string]error{url: &harvest.StatusError{URL: url, Code: 503}}}
	_, err := NewStructuredQuery(site, fetcher).TryFetch(context.Background(), harvest.Descriptor{
		Kind: harvest.KindEventDetail, Target: adur, Event: harvest.RawEventRef{ID: "4889"},
	})
	require.ErrorIs(t, err, harvest.ErrTransientFetch)
}

func TestListingPageWalksTourCodes(t *testing.T) {
	t.Parallel()

	site := testSite(t)
	target := adur
	target.Tours = []string{"QS"}
	fetcher := &fakeFetcher{bodies: map[string]string{
		site.YearResultsURL(target, ""): `<select name="yearResultsTourCode">
<option value="mqs">QS</option><option value="mct">CT</option></select>`,
		site.YearResultsURL(target, "mqs"): `<a href="/athletes/10158/adur-amatriain/eventresults?eventId=4889">Pantin Pro</a>`,
		site.YearResultsURL(target, "mct"): `<a href="/athletes/10158/adur-amatriain/eventresults?eventId=9999">Pipe</a>`,
	}}
	payload, err := NewListingPage(site, fetcher).TryFetch(context.Background(), harvest.Descriptor{
		Kind: harvest.KindAthleteEvents, Target: target,
	})
	require.NoError(t, err)
	require.Len(t, payload.Events, 1)
	require.Equal(t, "4889", payload.Events[0].ID)
	require.Equal(t, "MQS", payload.Events[0].Tour)
	require.NotContains(t, fetcher.seen, site.YearResultsURL(target, "mct"))
}

func TestListingPageWithoutSelectorIsEmpty(t *testing.T) {
	t.Parallel()

	site := testSite(t)
	fetcher := &fakeFetcher{bodies: map[string]string{
		site.YearResultsURL(adur, ""): `<div id="app"></div>`,
	}}
	_, err := NewListingPage(site, fetcher).TryFetch(context.Background(), harvest.Descriptor{
		Kind: harvest.KindAthleteEvents, Target: adur,
	})
	require.ErrorIs(t, err, harvest.ErrEmpty)
}

func TestListingPageEventDetail(t *testing.T) {
	t.Parallel()

	site := testSite(t)
	ref := harvest.RawEventRef{ID: "4889", Tour: "QS", URL: base + "/events/2025/qs/4889/pantin/results"}
	fetcher := &fakeFetcher{bodies: map[string]string{ref.URL: eventPage}}
	payload, err := NewListingPage(site, fetcher).TryFetch(context.Background(), harvest.Descriptor{
		Kind: harvest.KindEventDetail, Target: adur, Event: ref,
	})
	require.NoError(t, err)
	require.NotNil(t, payload.Event)
	require.Equal(t, "4889", payload.Event.ID)
	require.Equal(t, "QS", payload.Event.Tour)
	require.Len(t, payload.Event.Heats, 1)
	require.Equal(t, "7", payload.Event.Heats[0].ID)
}

func TestRenderedPageUsesRenderer(t *testing.T) {
	t.Parallel()

	site := testSite(t)
	url := site.EventResultsURL(adur, "4889")
	renderer := &fakeFetcher{bodies: map[string]string{url: eventPage}}
	strategy := NewRenderedPage(site, renderer)
	require.Equal(t, NameRenderedPage, strategy.Name())

	payload, err := strategy.TryFetch(context.Background(), harvest.Descriptor{
		Kind: harvest.KindEventDetail, Target: adur, Event: harvest.RawEventRef{ID: "4889"},
	})
	require.NoError(t, err)
	require.Equal(t, url, payload.URL)

	_, err = NewRenderedPage(site, nil).TryFetch(context.Background(), harvest.Descriptor{
		Kind: harvest.KindEventDetail, Target: adur, Event: harvest.RawEventRef{ID: "4889"},
	})
	require.ErrorIs(t, err, harvest.ErrEmpty)
}

func TestKnownEvents(t *testing.T) {
	t.Parallel()

	site := testSite(t)
	strategy := NewKnownEvents(site, map[int][]harvest.RawEventRef{
		2025: {{ID: "4889", Name: "Pantin Pro", Tour: "QS"}, {ID: "5100", Tour: "CT"}},
	})

	target := adur
	target.Tours = []string{"QS"}
	payload, err := strategy.TryFetch(context.Background(), harvest.Descriptor{Kind: harvest.KindAthleteEvents, Target: target})
	require.NoError(t, err)
	require.Len(t, payload.Events, 1)
	require.True(t, payload.Events[0].Speculative)
	require.Equal(t, site.EventResultsURL(target, "4889"), payload.Events[0].URL)

	target.Year = 2024
	_, err = strategy.TryFetch(context.Background(), harvest.Descriptor{Kind: harvest.KindAthleteEvents, Target: target})
	require.ErrorIs(t, err, harvest.ErrEmpty)

	_, err = strategy.TryFetch(context.Background(), harvest.Descriptor{Kind: harvest.KindDirectory})
	require.ErrorIs(t, err, harvest.ErrEmpty)
}
