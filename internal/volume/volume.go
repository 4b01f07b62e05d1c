// Package volume holds declared 4-D operational volumes, their lifecycle and
// their deconfliction leases.
package volume

import (
	"time"

	"github.com/paulmach/orb"

	"traffic_engine/internal/geo"
)

// Kind distinguishes flight declarations from geofences.
type Kind string

const (
	KindFlightDeclaration Kind = "flight_declaration"
	KindGeofence          Kind = "geofence"
)

// SubVolume is one 4-D piece of a volume: a footprint, an altitude band and
// a time window.
type SubVolume struct {
	Footprint geo.Footprint    `json:"footprint"`
	Altitude  geo.AltitudeBand `json:"altitude"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
}

// ActiveAt reports whether t falls inside the window. Both ends are inclusive.
func (s SubVolume) ActiveAt(t time.Time) bool {
	return !t.Before(s.Start) && !t.After(s.End)
}

// Contains tests horizontal and vertical containment of a position.
func (s SubVolume) Contains(p orb.Point, altM float64) (bool, error) {
	in, err := s.Footprint.Contains(p)
	if err != nil || !in {
		return false, err
	}
	return s.Altitude.Contains(altM), nil
}

// overlapsInTime uses half-open windows, so back-to-back sub-volumes do not overlap.
func (s SubVolume) overlapsInTime(o SubVolume) bool {
	return s.Start.Before(o.End) && o.Start.Before(s.End)
}

// Lease is the local record of a remote entity reference.
type Lease struct {
	VolumeID    string `json:"volume_id"`
	ReferenceID string `json:"reference_id"`
	Token       string `json:"token"`
	// PreviousToken is the token the current one replaced. A renewal presenting
	// it is a retry of a renewal that already succeeded.
	PreviousToken   string        `json:"previous_token,omitempty"`
	AcquiredAt      time.Time     `json:"acquired_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	RenewalInterval time.Duration `json:"renewal_interval"`
}

// Expired reports whether the lease is no longer valid at t.
func (l *Lease) Expired(t time.Time) bool {
	return l == nil || !t.Before(l.ExpiresAt)
}

// Volume is an operational volume. Values handed out by the Store are
// snapshots; mutate only through the Store.
type Volume struct {
	ID         string      `json:"id"`
	Owner      string      `json:"owner"`
	FlightID   string      `json:"flight_id,omitempty"`
	Kind       Kind        `json:"kind"`
	Name       string      `json:"name,omitempty"`
	Priority   int         `json:"priority"`
	SubVolumes []SubVolume `json:"sub_volumes"`

	State         State     `json:"state"`
	Version       int64     `json:"version"`
	Lease         *Lease    `json:"lease,omitempty"`
	Invalid       bool      `json:"invalid"`
	InvalidReason string    `json:"invalid_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Window returns the union of the sub-volume windows as [start, end].
func (v *Volume) Window() (start, end time.Time) {
	for i, s := range v.SubVolumes {
		if i == 0 || s.Start.Before(start) {
			start = s.Start
		}
		if i == 0 || s.End.After(end) {
			end = s.End
		}
	}
	return start, end
}

// ActiveAt reports whether any sub-volume window contains t.
func (v *Volume) ActiveAt(t time.Time) bool {
	for _, s := range v.SubVolumes {
		if s.ActiveAt(t) {
			return true
		}
	}
	return false
}

// SubVolumesAt returns the sub-volumes whose window contains t.
func (v *Volume) SubVolumesAt(t time.Time) []SubVolume {
	var out []SubVolume
	for _, s := range v.SubVolumes {
		if s.ActiveAt(t) {
			out = append(out, s)
		}
	}
	return out
}

// Bound returns the horizontal bounding box of all sub-volumes.
func (v *Volume) Bound() orb.Bound {
	var b orb.Bound
	for i, s := range v.SubVolumes {
		if i == 0 {
			b = s.Footprint.Bound()
			continue
		}
		b = b.Union(s.Footprint.Bound())
	}
	return b
}

// Intersects reports whether any pair of sub-volumes of v and o share time,
// altitude and (bounding-box) horizontal extent.
func (v *Volume) Intersects(o *Volume) bool {
	for _, a := range v.SubVolumes {
		for _, b := range o.SubVolumes {
			if a.overlapsInTime(b) && a.Altitude.Overlaps(b.Altitude) && a.Footprint.Intersects(b.Footprint) {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	if v == nil {
		return nil
	}
	c := *v
	c.SubVolumes = make([]SubVolume, len(v.SubVolumes))
	for i, s := range v.SubVolumes {
		c.SubVolumes[i] = s
		if s.Footprint.Polygon != nil {
			c.SubVolumes[i].Footprint.Polygon = s.Footprint.Polygon.Clone()
		}
		if s.Footprint.Circle != nil {
			circle := *s.Footprint.Circle
			c.SubVolumes[i].Footprint.Circle = &circle
		}
	}
	if v.Lease != nil {
		l := *v.Lease
		c.Lease = &l
	}
	return &c
}
