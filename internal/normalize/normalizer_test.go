package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

func TestNormalizerHeatComplete(t *testing.T) {
	t.Parallel()

	n := New(harvest.DefaultAdvancementPolicy())
	heat := n.Heat(harvest.RawHeat{
		ID:         "106821",
		Round:      "Round of 64",
		Classes:    []string{"hot-heat-athlete", "athlete-place-1", "hot-heat-athlete--advance"},
		TotalScore: "11.30",
		Waves:      "6.40 + 4.90 + 3.50 + 0.10",
		HeatSize:   4,
	})

	require.Equal(t, "106821", heat.ID)
	require.Equal(t, "Round of 64", heat.RoundName)
	require.Equal(t, 1, *heat.Position)
	require.InDelta(t, 11.30, *heat.TotalScore, 1e-9)
	require.InDeltaSlice(t, []float64{6.40, 4.90, 3.50, 0.10}, heat.WaveScores, 1e-9)
	require.True(t, *heat.Advanced)
	require.False(t, heat.Partial)
	require.Empty(t, heat.PartialFields)
}

func TestNormalizerHeatPartial(t *testing.T) {
	t.Parallel()

	n := New(harvest.DefaultAdvancementPolicy())

	noWaves := n.Heat(harvest.RawHeat{ID: "1", Round: "Final", TotalScore: "15.00", Classes: []string{"athlete-place-3"}})
	require.True(t, noWaves.Partial)
	require.Contains(t, noWaves.PartialFields, FieldWaveScores)
	require.NotNil(t, noWaves.TotalScore)
	require.Empty(t, noWaves.WaveScores)
	require.False(t, *noWaves.Advanced)

	badTotal := n.Heat(harvest.RawHeat{Round: "Quarterfinal", TotalScore: "N/A", Waves: "6.40 + N/A"})
	require.Nil(t, badTotal.TotalScore)
	require.Nil(t, badTotal.Position)
	require.Nil(t, badTotal.Advanced)
	require.Equal(t, "round:quarterfinal", badTotal.ID)
	require.ElementsMatch(t,
		[]string{FieldHeatID, FieldPosition, FieldTotalScore, FieldWaveScores},
		badTotal.PartialFields)
	require.InDeltaSlice(t, []float64{6.40}, badTotal.WaveScores, 1e-9)
}

func TestNormalizerEvent(t *testing.T) {
	t.Parallel()

	n := New(harvest.DefaultAdvancementPolicy())
	ref := harvest.RawEventRef{
		ID:   "4889",
		Name: "Pantin Classic Galicia Pro",
		URL:  "https://www.worldsurfleague.com/events/2025/qs/4889/pantin-classic-galicia-pro/main",
	}
	raw := &harvest.RawEvent{
		FinalPosition: "9",
		Points:        "1,200",
		Heats: []harvest.RawHeat{
			{ID: "1", Round: "Round 1", TotalScore: "10.00", Waves: "5.00 + 5.00", Classes: []string{"athlete-place-1"}},
			{ID: "1", Round: "Round 1", TotalScore: "10.00", Waves: "5.00 + 5.00", Classes: []string{"athlete-place-1"}},
		},
	}
	ev := n.Event(ref, raw, 2025)

	require.Equal(t, "4889", ev.ID)
	require.Equal(t, 2025, ev.Year)
	require.Equal(t, "Pantin Classic Galicia Pro", *ev.Location)
	require.Equal(t, "QS", ev.TourType)
	require.Equal(t, 9, *ev.FinalPosition)
	require.InDelta(t, 1200.0, *ev.PointsEarned, 1e-9)
	require.Len(t, ev.Heats, 1)
	require.False(t, ev.Partial)
}

func TestNormalizerEventKeepsHeatsWithoutSourceID(t *testing.T) {
	t.Parallel()

	n := New(harvest.DefaultAdvancementPolicy())
	raw := &harvest.RawEvent{
		FinalPosition: "17",
		Points:        "500",
		Heats: []harvest.RawHeat{
			{TotalScore: "8.10"},
			{TotalScore: "9.30"},
			{Round: "Round 1", TotalScore: "11.00"},
			{Round: "Round 1", TotalScore: "12.50"},
		},
	}
	ev := n.Event(harvest.RawEventRef{ID: "4889", Name: "Pantin Classic Galicia Pro", Tour: "qs"}, raw, 2025)

	require.Len(t, ev.Heats, 4)
	ids := make([]string, 0, len(ev.Heats))
	for _, h := range ev.Heats {
		require.Contains(t, h.PartialFields, FieldHeatID)
		ids = append(ids, h.ID)
	}
	require.Equal(t, []string{"round::1", "round::2", "round:round-1:3", "round:round-1:4"}, ids)
}

func TestNormalizerEventWithoutDetail(t *testing.T) {
	t.Parallel()

	n := New(harvest.DefaultAdvancementPolicy())
	ev := n.Event(harvest.RawEventRef{ID: "77", Name: "Unknown Open", Tour: "cs"}, nil, 2024)

	require.True(t, ev.Partial)
	require.Contains(t, ev.PartialFields, FieldHeats)
	require.Contains(t, ev.PartialFields, FieldLocation)
	require.Equal(t, "CS", ev.TourType)
	require.Nil(t, ev.FinalPosition)
	require.NotNil(t, ev.Heats)
	require.Empty(t, ev.Heats)
}

func TestNormalizerSurfer(t *testing.T) {
	t.Parallel()

	n := New(harvest.DefaultAdvancementPolicy())
	rec := n.Surfer(harvest.Target{SurferID: "10158", SurferName: "Adur Amatriain", Country: "Spain", Year: 2025}, nil)
	require.Equal(t, "10158", rec.ID)
	require.Equal(t, "Adur Amatriain", rec.Name)
	require.NotNil(t, rec.Events)
}
