package geo

import (
	"math"

	"traffic_engine/internal/errors"
)

// AltitudeBand is a closed vertical interval in metres.
type AltitudeBand struct {
	LowerM float64 `json:"lower_m"`
	UpperM float64 `json:"upper_m"`
}

// Validate checks the band is finite and non-empty.
func (b AltitudeBand) Validate() error {
	if math.IsNaN(b.LowerM) || math.IsNaN(b.UpperM) || math.IsInf(b.LowerM, 0) || math.IsInf(b.UpperM, 0) {
		return errors.Validationf("altitude band [%v, %v] is not finite", b.LowerM, b.UpperM)
	}
	if b.LowerM >= b.UpperM {
		return errors.Validationf("altitude band lower %v must be below upper %v", b.LowerM, b.UpperM)
	}
	return nil
}

// Contains reports whether alt lies within the band, bounds included.
func (b AltitudeBand) Contains(alt float64) bool {
	return alt >= b.LowerM && alt <= b.UpperM
}

// Overlaps reports whether the two bands share any altitude.
func (b AltitudeBand) Overlaps(o AltitudeBand) bool {
	return b.LowerM <= o.UpperM && o.LowerM <= b.UpperM
}

// Equal reports whether the bands are identical.
func (b AltitudeBand) Equal(o AltitudeBand) bool {
	return b.LowerM == o.LowerM && b.UpperM == o.UpperM
}
