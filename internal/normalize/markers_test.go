package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlaceFromClasses(t *testing.T) {
	t.Parallel()

	pos := PlaceFromClasses([]string{"hot-heat-athlete", "athlete-place-2", "athlete-index-3"})
	require.NotNil(t, pos)
	require.Equal(t, 2, *pos)
	require.Nil(t, PlaceFromClasses([]string{"hot-heat-athlete"}))
}

func TestAdvanceMarker(t *testing.T) {
	t.Parallel()

	require.True(t, AdvanceMarker([]string{"hot-heat-athlete--advance"}))
	require.True(t, AdvanceMarker([]string{"athlete-Advanced"}))
	require.False(t, AdvanceMarker([]string{"athlete-place-3"}))
}

func TestTourFromURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://www.worldsurfleague.com/events/2025/qs/4889/pantin-classic/main": "QS",
		"/events/2025/ct/100/pipe-pro/results":                                     "CT",
		"/events/2025/longboard/7/noosa":                                           "LONGBOARD",
		"/events/2025/championship-tour/9/bells":                                   "CT",
		"/athletes/10158/adur-amatriain":                                           "",
	}
	for input, want := range tests {
		require.Equal(t, want, TourFromURL(input), input)
	}
}

func TestTourFromCode(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"mqs":  "QS",
		"wjun": "JUNIOR",
		"MCT":  "CT",
		"cs":   "CS",
		"mlt":  "LONGBOARD",
		"xyz":  "XYZ",
		"":     "",
	}
	for input, want := range tests {
		require.Equal(t, want, TourFromCode(input), input)
	}
}

func TestLocationFromURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Pantin Classic Galicia Pro",
		LocationFromURL("https://www.worldsurfleague.com/events/2025/qs/4889/pantin-classic-galicia-pro/main"))
	require.Equal(t, "Bells Beach", LocationFromURL("/events/2025/ct/12/bells-beach/"))
	require.Empty(t, LocationFromURL("/athletes/10158/adur-amatriain/eventresults?eventId=4889"))
	require.Empty(t, LocationFromURL("/events/2025/qs/4889/main"))
}
