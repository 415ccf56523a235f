package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

type countingFetcher struct {
	calls  atomic.Int32
	ctxErr atomic.Value
}

func (f *countingFetcher) Fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		f.ctxErr.Store(err)
	}
	return harvest.FetchResponse{URL: req.URL, StatusCode: 200}, nil
}

func TestWrapAcquiresBeforeFetch(t *testing.T) {
	t.Parallel()

	inner := &countingFetcher{}
	f := Wrap(inner, New(Config{MinDelay: time.Hour, MaxDelay: time.Hour}))

	resp, err := f.Fetch(context.Background(), harvest.FetchRequest{URL: "https://source.test/a"})
	require.NoError(t, err)
	require.Equal(t, "https://source.test/a", resp.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, harvest.FetchRequest{URL: "https://source.test/b"})
	require.ErrorIs(t, err, harvest.ErrCancelled)
	require.EqualValues(t, 1, inner.calls.Load())
}

func TestWrapFetchOutlivesCancellationAfterGrant(t *testing.T) {
	t.Parallel()

	inner := &countingFetcher{}
	f := Wrap(inner, New(Config{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := f.Fetch(ctx, harvest.FetchRequest{URL: "https://source.test/a"})
	require.NoError(t, err)
	require.Nil(t, inner.ctxErr.Load())
}
