package main

import (
	"encoding/json"
	"encoding/xml"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"traffic_engine/internal/conformance"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/feed"
)

// KML structures for XML marshalling, following KML 2.2.

type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

type Document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	Styles      []Style     `xml:"Style,omitempty"`
	Placemarks  []Placemark `xml:"Placemark"`
}

type Style struct {
	ID        string    `xml:"id,attr"`
	IconStyle IconStyle `xml:"IconStyle"`
}

type IconStyle struct {
	Color string  `xml:"color,omitempty"` // aabbggrr
	Scale float64 `xml:"scale,omitempty"`
	Icon  Icon    `xml:"Icon"`
}

type Icon struct {
	Href string `xml:"href"`
}

type Placemark struct {
	Name         string        `xml:"name"`
	Description  string        `xml:"description,omitempty"`
	StyleURL     string        `xml:"styleUrl,omitempty"`
	Point        Point         `xml:"Point"`
	ExtendedData *ExtendedData `xml:"ExtendedData,omitempty"`
}

type Point struct {
	AltitudeMode string `xml:"altitudeMode,omitempty"`
	Coordinates  string `xml:"coordinates"` // lon,lat,altitude
}

type ExtendedData struct {
	Data []Data `xml:"Data"`
}

type Data struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

const aircraftIcon = "http://maps.google.com/mapfiles/kml/shapes/airports.png"

var conformanceStyles = map[conformance.State]string{
	conformance.StateConforming:    "ff00ff00",
	conformance.StateNonconforming: "ff0000ff",
	conformance.StateUnknown:       "ff7f7f7f",
}

// runKML converts a feed snapshot (from replay or GET /api/v1/feed) to KML.
func runKML(args []string) error {
	fs := flag.NewFlagSet("kml", flag.ExitOnError)
	inPath := fs.String("input", "", "Feed snapshot JSON (default: stdin)")
	outPath := fs.String("output", "", "Output KML file (default: stdout)")
	showStats := fs.Bool("stats", false, "Show conformance counts only, don't export")
	_ = fs.Parse(args)

	var r io.Reader = os.Stdin
	if *inPath != "" {
		f, err := os.Open(*inPath)
		if err != nil {
			return errors.Wrap(err, "open input")
		}
		defer f.Close()
		r = f
	}

	var view feed.FeedView
	if err := json.NewDecoder(r).Decode(&view); err != nil {
		return errors.Wrap(err, "decode feed")
	}

	if *showStats {
		printFeedStats(os.Stdout, view)
		return nil
	}

	out, err := renderKML(view)
	if err != nil {
		return err
	}
	if *outPath != "" {
		return os.WriteFile(*outPath, out, 0o644)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func renderKML(view feed.FeedView) ([]byte, error) {
	data, err := xml.MarshalIndent(generateKML(view), "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "generate KML")
	}
	return append([]byte(xml.Header), data...), nil
}

// generateKML places one marker per flight, coloured by conformance.
func generateKML(view feed.FeedView) KML {
	styles := make([]Style, 0, len(conformanceStyles))
	for _, state := range []conformance.State{conformance.StateConforming, conformance.StateNonconforming, conformance.StateUnknown} {
		styles = append(styles, Style{
			ID: string(state),
			IconStyle: IconStyle{
				Color: conformanceStyles[state],
				Scale: 1.0,
				Icon:  Icon{Href: aircraftIcon},
			},
		})
	}

	placemarks := make([]Placemark, len(view.Flights))
	for i, f := range view.Flights {
		placemarks[i] = Placemark{
			Name: f.FlightID,
			Description: fmt.Sprintf("Source: %s (%s)\nConformance: %s\nAt: %s",
				f.Source, f.Quality, f.Conformance, f.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC")),
			StyleURL: "#" + string(f.Conformance),
			Point: Point{
				AltitudeMode: "absolute",
				Coordinates:  fmt.Sprintf("%.6f,%.6f,%.1f", f.Position.Lon, f.Position.Lat, f.Position.AltitudeM),
			},
			ExtendedData: &ExtendedData{
				Data: []Data{
					{Name: "source", Value: f.Source},
					{Name: "quality", Value: f.Quality},
					{Name: "conformance", Value: string(f.Conformance)},
					{Name: "timestamp", Value: f.Timestamp.UTC().Format(time.RFC3339Nano)},
					{Name: "volumes", Value: strconv.Itoa(len(f.VolumeIDs))},
				},
			},
		}
	}

	return KML{
		Namespace: "http://www.opengis.net/kml/2.2",
		Document: Document{
			Name:        "Traffic feed",
			Description: fmt.Sprintf("Feed snapshot generated %s.", view.GeneratedAt.UTC().Format("2006-01-02 15:04:05")),
			Styles:      styles,
			Placemarks:  placemarks,
		},
	}
}

func printFeedStats(w io.Writer, view feed.FeedView) {
	counts := make(map[conformance.State]int)
	sources := make(map[string]int)
	for _, f := range view.Flights {
		counts[f.Conformance]++
		sources[f.Source]++
	}

	fmt.Fprintln(w, "Feed Statistics")
	fmt.Fprintln(w, "───────────────")
	fmt.Fprintf(w, "Generated:           %s\n", view.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Flights:             %d\n", len(view.Flights))
	fmt.Fprintf(w, "Active volumes:      %d\n", len(view.Volumes))
	fmt.Fprintf(w, "Alerts:              %d\n", len(view.Alerts))

	fmt.Fprintln(w, "\nConformance:")
	for _, state := range []conformance.State{conformance.StateConforming, conformance.StateNonconforming, conformance.StateUnknown} {
		fmt.Fprintf(w, "%-15s %6d\n", state, counts[state])
	}

	names := make([]string, 0, len(sources))
	for s := range sources {
		names = append(names, s)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "\nSelected source:")
	for _, s := range names {
		fmt.Fprintf(w, "%-15s %6d\n", s, sources[s])
	}
}
