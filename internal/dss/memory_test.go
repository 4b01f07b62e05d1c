package dss

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic_engine/internal/errors"
	"traffic_engine/internal/geo"
	"traffic_engine/internal/volume"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testVolume(id string, center orb.Point) *volume.Volume {
	return &volume.Volume{
		ID:       id,
		Owner:    "op-1",
		FlightID: "F-" + id,
		Kind:     volume.KindFlightDeclaration,
		SubVolumes: []volume.SubVolume{{
			Footprint: geo.NewCircle(center, 500),
			Altitude:  geo.AltitudeBand{LowerM: 0, UpperM: 120},
			Start:     time.Now().Add(-time.Minute),
			End:       time.Now().Add(time.Hour),
		}},
	}
}

func TestDirectoryConflicts(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory()

	_, err := d.CreateReference(ctx, testVolume("v1", orb.Point{0, 0}), time.Minute)
	require.NoError(t, err)

	_, err = d.CreateReference(ctx, testVolume("v2", orb.Point{0.001, 0}), time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRemoteConflict))
	assert.Equal(t, []string{"v1"}, errors.ConflictingVolumes(err))

	_, err = d.CreateReference(ctx, testVolume("v3", orb.Point{1, 1}), time.Minute)
	require.NoError(t, err, "disjoint volume")

	emergency := testVolume("v4", orb.Point{0, 0})
	emergency.Priority = EmergencyPriority
	_, err = d.CreateReference(ctx, emergency, time.Minute)
	require.NoError(t, err, "emergency priority skips deconfliction")
	assert.Equal(t, 3, d.Len())
}

func TestDirectoryCreateIsIdempotentPerVolume(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory()
	v := testVolume("v1", orb.Point{0, 0})

	a, err := d.CreateReference(ctx, v, time.Minute)
	require.NoError(t, err)
	b, err := d.CreateReference(ctx, v, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, d.Len())
}

func TestDirectoryUpdateTokens(t *testing.T) {
	ctx := context.Background()
	now := t0
	d := NewDirectory()
	d.SetClock(func() time.Time { return now })
	v := testVolume("v1", orb.Point{0, 0})

	ref, err := d.CreateReference(ctx, v, time.Minute)
	require.NoError(t, err)

	now = now.Add(10 * time.Second)
	next, err := d.UpdateReference(ctx, ref, v, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, ref.Token, next.Token)
	assert.Equal(t, now.Add(time.Minute), next.ExpiresAt)

	again, err := d.UpdateReference(ctx, ref, v, time.Minute)
	require.NoError(t, err, "replaying the replaced token")
	assert.Equal(t, next, again)

	_, err = d.UpdateReference(ctx, Reference{ID: ref.ID, Token: "bogus"}, v, time.Minute)
	assert.True(t, errors.Is(err, errors.ErrRemoteConflict))

	now = now.Add(2 * time.Minute)
	_, err = d.UpdateReference(ctx, next, v, time.Minute)
	assert.True(t, errors.Is(err, errors.ErrNotFound), "expired reference")
}

func TestDirectoryDelete(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory()
	ref, err := d.CreateReference(ctx, testVolume("v1", orb.Point{0, 0}), time.Minute)
	require.NoError(t, err)

	require.Error(t, d.DeleteReference(ctx, Reference{ID: ref.ID, Token: "bogus"}))
	require.NoError(t, d.DeleteReference(ctx, ref))
	require.NoError(t, d.DeleteReference(ctx, ref), "second delete is a no-op")
	assert.Zero(t, d.Len())

	_, ok := d.Lookup("v1")
	assert.False(t, ok)
}

func TestDirectoryFault(t *testing.T) {
	d := NewDirectory()
	d.SetFault(func(op string) error {
		if op == "create" {
			return errors.Unavailable(errors.New("down"))
		}
		return nil
	})
	_, err := d.CreateReference(context.Background(), testVolume("v1", orb.Point{0, 0}), time.Minute)
	assert.True(t, errors.IsRetryable(err))
}
