package volume

import (
	"traffic_engine/internal/errors"
)

// Validate checks a volume for declaration. Sub-volumes must be well formed
// and must not overlap in a way that leaves the active altitude band
// undefined: two sub-volumes whose windows and footprints overlap must carry
// the same altitude band.
func Validate(v *Volume) error {
	if v == nil {
		return errors.Validationf("volume is nil")
	}
	switch v.Kind {
	case KindFlightDeclaration:
		if v.FlightID == "" {
			return errors.Validationf("flight declaration has no flight id")
		}
	case KindGeofence:
	default:
		return errors.Validationf("unknown volume kind %q", v.Kind)
	}
	if len(v.SubVolumes) == 0 {
		return errors.Validationf("volume has no sub-volumes")
	}

	for i, s := range v.SubVolumes {
		if s.Start.IsZero() || s.End.IsZero() {
			return errors.Validationf("sub-volume %d: window is missing a bound", i)
		}
		if !s.Start.Before(s.End) {
			return errors.Validationf("sub-volume %d: start %s is not before end %s", i, s.Start, s.End)
		}
		if err := s.Footprint.Validate(); err != nil {
			return errors.Wrapf(err, "sub-volume %d", i)
		}
		if err := s.Altitude.Validate(); err != nil {
			return errors.Wrapf(err, "sub-volume %d", i)
		}
	}

	for i := 0; i < len(v.SubVolumes); i++ {
		for j := i + 1; j < len(v.SubVolumes); j++ {
			a, b := v.SubVolumes[i], v.SubVolumes[j]
			if !a.overlapsInTime(b) || !a.Footprint.Intersects(b.Footprint) {
				continue
			}
			if !a.Altitude.Equal(b.Altitude) {
				return errors.Validationf(
					"sub-volumes %d and %d overlap in time and space with different altitude bands", i, j)
			}
		}
	}
	return nil
}
