package volume

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"traffic_engine/internal/errors"
	"traffic_engine/internal/geo"
)

// Geofence feature properties.
const (
	propName       = "name"
	propUpperLimit = "upper_limit"
	propLowerLimit = "lower_limit"
	propStartTime  = "start_time"
	propEndTime    = "end_time"
	propRadius     = "radius_m"
)

// ParseGeofences converts a GeoJSON FeatureCollection into geofence volumes.
// Polygons and multi-polygons become polygonal footprints; points need a
// radius_m property and become circles. Times are RFC 3339.
func ParseGeofences(data []byte, owner string) ([]*Volume, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode geofence collection"), errors.ErrValidation)
	}
	if len(fc.Features) == 0 {
		return nil, errors.Validationf("geofence collection has no features")
	}

	out := make([]*Volume, 0, len(fc.Features))
	for i, f := range fc.Features {
		v, err := geofenceFromFeature(f, owner)
		if err != nil {
			return nil, errors.Wrapf(err, "feature %d", i)
		}
		out = append(out, v)
	}
	return out, nil
}

func geofenceFromFeature(f *geojson.Feature, owner string) (*Volume, error) {
	start, err := parseTime(f.Properties, propStartTime)
	if err != nil {
		return nil, err
	}
	end, err := parseTime(f.Properties, propEndTime)
	if err != nil {
		return nil, err
	}
	band := geo.AltitudeBand{
		LowerM: f.Properties.MustFloat64(propLowerLimit, 0),
		UpperM: f.Properties.MustFloat64(propUpperLimit, 0),
	}

	var footprints []geo.Footprint
	switch g := f.Geometry.(type) {
	case orb.Polygon:
		footprints = append(footprints, geo.Footprint{Polygon: g})
	case orb.MultiPolygon:
		for _, p := range g {
			footprints = append(footprints, geo.Footprint{Polygon: p})
		}
	case orb.Point:
		radius := f.Properties.MustFloat64(propRadius, 0)
		footprints = append(footprints, geo.NewCircle(g, radius))
	default:
		return nil, errors.Validationf("unsupported geofence geometry %T", f.Geometry)
	}

	v := &Volume{
		Owner: owner,
		Kind:  KindGeofence,
		Name:  f.Properties.MustString(propName, ""),
	}
	if id, ok := f.ID.(string); ok {
		v.ID = id
	}
	for _, fp := range footprints {
		v.SubVolumes = append(v.SubVolumes, SubVolume{Footprint: fp, Altitude: band, Start: start, End: end})
	}
	return v, nil
}

func parseTime(p geojson.Properties, key string) (time.Time, error) {
	raw := p.MustString(key, "")
	if raw == "" {
		return time.Time{}, errors.Validationf("missing %s", key)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.Validationf("invalid %s %q: %v", key, raw, err)
	}
	return t, nil
}
