package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

func TestRebuildAggregateIsOrderIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	writes := []harvest.TargetResult{
		result("job", "20", "Leticia", 2025, event("5000", 2025, "Zarautz", 1)),
		result("job", "10", "Adur", 2025, event("4889", 2025, "Pantin", 2)),
		result("job", "10", "Adur", 2024, event("4100", 2024, "Ericeira", 1)),
		{JobID: "job", Target: harvest.Target{SurferID: "30", Year: 2025}, Status: harvest.TargetFailed},
	}

	forward := newStore(t, nil)
	for _, r := range writes {
		require.NoError(t, forward.PersistTarget(ctx, r))
	}
	backward := newStore(t, nil)
	for i := len(writes) - 1; i >= 0; i-- {
		require.NoError(t, backward.PersistTarget(ctx, writes[i]))
	}

	a, err := forward.RebuildAggregate(ctx, "job")
	require.NoError(t, err)
	b, err := backward.RebuildAggregate(ctx, "job")
	require.NoError(t, err)
	require.Equal(t, a, b)

	again, err := forward.RebuildAggregate(ctx, "job")
	require.NoError(t, err)
	require.Equal(t, a, again)

	require.Len(t, a, 2)
	require.Equal(t, "10", a[0].ID)
	require.Len(t, a[0].Events, 2)
	require.Equal(t, 2024, a[0].Events[0].Year)
	require.Equal(t, "20", a[1].ID)
}

func TestExportAggregateWritesFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t, nil)
	require.NoError(t, store.PersistTarget(ctx, result("job", "10", "Adur", 2025, event("4889", 2025, "Pantin", 2))))
	require.NoError(t, store.PersistTarget(ctx, result("job", "20", "Leticia", 2025)))
	require.NoError(t, store.ExportAggregate(ctx, "job"))

	data, err := os.ReadFile(filepath.Join(store.Dir(), exportsDir, "job", "surfers.json"))
	require.NoError(t, err)
	var records []harvest.SurferRecord
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 2)

	f, err := os.Open(filepath.Join(store.Dir(), exportsDir, "job", "heats.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	var rows []HeatRow
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row HeatRow
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		rows = append(rows, row)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, rows, 2)
	require.Equal(t, "Adur", rows[0].SurferName)
	require.Equal(t, "4889", rows[0].EventID)
	require.Equal(t, []float64{6.4, 4.9}, rows[0].WaveScores)
}

func TestBuildAndWriteOptions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t, nil)
	now := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

	for _, id := range []string{"job-a", "job-b"} {
		require.NoError(t, store.PersistJobState(ctx, harvest.JobState{ID: id, CreatedAt: now}))
	}
	require.NoError(t, store.PersistTarget(ctx, result("job-a", "10", "Adur", 2025, event("4889", 2025, "Pantin", 1))))
	require.NoError(t, store.PersistTarget(ctx, result("job-b", "20", "Leticia", 2024, event("4100", 2024, "Ericeira", 0))))

	opts, err := store.BuildOptions(ctx, now)
	require.NoError(t, err)
	require.Equal(t, []int{2024, 2025}, opts.Years)
	require.Equal(t, []string{"QS"}, opts.Tours)
	require.Equal(t, []string{"Ericeira", "Pantin"}, opts.Locations)
	require.Equal(t, []SurferOption{{ID: "10", Name: "Adur"}, {ID: "20", Name: "Leticia"}}, opts.Surfers)

	_, err = store.LoadOptions(ctx)
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, store.WriteOptions(ctx, opts))
	loaded, err := store.LoadOptions(ctx)
	require.NoError(t, err)
	require.Equal(t, opts, loaded)
}
