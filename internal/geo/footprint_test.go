package geo

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic_engine/internal/errors"
)

var square = orb.Ring{{0, 0}, {0.01, 0}, {0.01, 0.01}, {0, 0.01}, {0, 0}}

func TestCircleContains(t *testing.T) {
	fp := NewCircle(orb.Point{0, 0}, 100)
	require.NoError(t, fp.Validate())

	tests := []struct {
		name string
		p    orb.Point
		want bool
	}{
		{"centre", orb.Point{0, 0}, true},
		{"55m north", orb.Point{0, 0.0005}, true},
		{"222m north", orb.Point{0, 0.002}, false},
		{"far away", orb.Point{10, 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fp.Contains(tt.p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolygonContains(t *testing.T) {
	hole := orb.Ring{{0.004, 0.004}, {0.006, 0.004}, {0.006, 0.006}, {0.004, 0.006}, {0.004, 0.004}}
	fp := NewPolygon(square, hole)
	require.NoError(t, fp.Validate())

	in, err := fp.Contains(orb.Point{0.002, 0.002})
	require.NoError(t, err)
	assert.True(t, in)

	in, err = fp.Contains(orb.Point{0.005, 0.005})
	require.NoError(t, err)
	assert.False(t, in, "points in a hole are outside")

	in, err = fp.Contains(orb.Point{0.02, 0.005})
	require.NoError(t, err)
	assert.False(t, in)
}

func TestFootprintValidate(t *testing.T) {
	tests := []struct {
		name string
		fp   Footprint
	}{
		{"empty", Footprint{}},
		{"both", Footprint{Polygon: orb.Polygon{square}, Circle: &Circle{RadiusM: 1}}},
		{"zero radius", NewCircle(orb.Point{0, 0}, 0)},
		{"nan radius", NewCircle(orb.Point{0, 0}, math.NaN())},
		{"centre out of range", NewCircle(orb.Point{200, 0}, 10)},
		{"two vertices", NewPolygon(orb.Ring{{0, 0}, {1, 1}, {0, 0}})},
		{"collinear", NewPolygon(orb.Ring{{0, 0}, {1, 1}, {2, 2}, {0, 0}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fp.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidation))
		})
	}
}

func TestContainsMalformedIsGeometryError(t *testing.T) {
	fp := NewPolygon(orb.Ring{{0, 0}, {1, 1}})
	_, err := fp.Contains(orb.Point{0, 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrGeometry))
}

func TestIntersects(t *testing.T) {
	a := NewPolygon(square)
	b := NewCircle(orb.Point{0.011, 0.005}, 200)
	c := NewCircle(orb.Point{1, 1}, 200)

	assert.True(t, a.Intersects(b))
	assert.True(t, b.Intersects(a))
	assert.False(t, a.Intersects(c))
}

func TestAltitudeBand(t *testing.T) {
	b := AltitudeBand{LowerM: 0, UpperM: 50}
	require.NoError(t, b.Validate())

	assert.True(t, b.Contains(0))
	assert.True(t, b.Contains(50))
	assert.False(t, b.Contains(50.1))
	assert.True(t, b.Overlaps(AltitudeBand{LowerM: 50, UpperM: 80}))
	assert.False(t, b.Overlaps(AltitudeBand{LowerM: 60, UpperM: 80}))
	assert.True(t, b.Equal(AltitudeBand{LowerM: 0, UpperM: 50}))

	assert.Error(t, AltitudeBand{LowerM: 10, UpperM: 10}.Validate())
	assert.Error(t, AltitudeBand{LowerM: math.Inf(-1), UpperM: 10}.Validate())
}
