package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic_engine/internal/conformance"
	"traffic_engine/internal/feed"
	"traffic_engine/internal/track"
)

func testFeed() feed.FeedView {
	return feed.FeedView{
		GeneratedAt: t0,
		Flights: []feed.FlightView{
			{FlightID: "F1", Position: track.Position{Lat: 47.3, Lon: 8.5, AltitudeM: 80}, Timestamp: t0,
				Source: "telemetry", Quality: "high", Conformance: conformance.StateNonconforming, VolumeIDs: []string{"v1"}},
			{FlightID: "F2", Position: track.Position{Lat: 47.4, Lon: 8.6, AltitudeM: 60}, Timestamp: t0,
				Source: "adsb", Quality: "medium", Conformance: conformance.StateUnknown},
		},
	}
}

func TestRenderKML(t *testing.T) {
	out, err := renderKML(testFeed())
	require.NoError(t, err)

	s := string(out)
	assert.True(t, strings.HasPrefix(s, "<?xml"))
	assert.Contains(t, s, `<kml xmlns="http://www.opengis.net/kml/2.2">`)
	assert.Contains(t, s, "<coordinates>8.500000,47.300000,80.0</coordinates>")
	assert.Contains(t, s, "<styleUrl>#Nonconforming</styleUrl>")
	assert.Contains(t, s, "<styleUrl>#Unknown</styleUrl>")
	assert.Equal(t, 2, strings.Count(s, "<Placemark>"))
}

func TestPrintFeedStats(t *testing.T) {
	var buf bytes.Buffer
	printFeedStats(&buf, testFeed())
	s := buf.String()
	assert.Contains(t, s, "Flights:             2")
	assert.Regexp(t, `Nonconforming\s+1`, s)
	assert.Regexp(t, `adsb\s+1`, s)
}
