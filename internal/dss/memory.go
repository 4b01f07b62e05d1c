package dss

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"traffic_engine/internal/errors"
	"traffic_engine/internal/volume"
)

type reference struct {
	ref       Reference
	prevToken string
	vol       *volume.Volume
}

// Directory is an in-process directory with the same contract as the remote
// one. Two references conflict when their volumes intersect in time, altitude
// and footprint bounds.
type Directory struct {
	mu       sync.Mutex
	refs     map[string]*reference
	byVolume map[string]string
	now      func() time.Time
	fault    func(op string) error
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		refs:     make(map[string]*reference),
		byVolume: make(map[string]string),
		now:      time.Now,
	}
}

// SetClock replaces the directory's time source.
func (d *Directory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// SetFault installs a hook consulted before every operation ("create",
// "update", "delete"). A non-nil error is returned to the caller unchanged.
func (d *Directory) SetFault(fn func(op string) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault = fn
}

func (d *Directory) CreateReference(_ context.Context, v *volume.Volume, ttl time.Duration) (Reference, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("create"); err != nil {
		return Reference{}, err
	}
	now := d.now()
	d.expire(now)

	if id, ok := d.byVolume[v.ID]; ok {
		return d.refs[id].ref, nil
	}

	if v.Priority < EmergencyPriority {
		var conflicting []string
		for _, r := range d.refs {
			if r.vol.Intersects(v) {
				conflicting = append(conflicting, r.vol.ID)
			}
		}
		if len(conflicting) > 0 {
			sort.Strings(conflicting)
			return Reference{}, errors.NewConflict("volume intersects existing references", conflicting...)
		}
	}

	r := &reference{
		ref: Reference{
			ID:        uuid.NewString(),
			Token:     uuid.NewString(),
			ExpiresAt: now.Add(ttl),
		},
		vol: v.Clone(),
	}
	d.refs[r.ref.ID] = r
	d.byVolume[v.ID] = r.ref.ID
	return r.ref, nil
}

// UpdateReference extends a reference and issues a new token. Presenting the
// token that the current one replaced returns the current reference without
// another write.
func (d *Directory) UpdateReference(_ context.Context, ref Reference, v *volume.Volume, ttl time.Duration) (Reference, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("update"); err != nil {
		return Reference{}, err
	}
	now := d.now()
	d.expire(now)

	r, ok := d.refs[ref.ID]
	if !ok {
		return Reference{}, errors.NotFoundf("reference %s", ref.ID)
	}
	switch ref.Token {
	case r.ref.Token:
		r.prevToken = r.ref.Token
		r.ref.Token = uuid.NewString()
		r.ref.ExpiresAt = now.Add(ttl)
		if v != nil {
			r.vol = v.Clone()
		}
		return r.ref, nil
	case r.prevToken:
		return r.ref, nil
	default:
		return Reference{}, errors.NewConflict("token does not match current version of reference " + ref.ID)
	}
}

// DeleteReference removes a reference. Deleting an unknown reference
// succeeds.
func (d *Directory) DeleteReference(_ context.Context, ref Reference) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("delete"); err != nil {
		return err
	}

	r, ok := d.refs[ref.ID]
	if !ok {
		return nil
	}
	if ref.Token != r.ref.Token && ref.Token != r.prevToken {
		return errors.NewConflict("token does not match current version of reference " + ref.ID)
	}
	delete(d.refs, ref.ID)
	delete(d.byVolume, r.vol.ID)
	return nil
}

// Lookup returns the live reference registered for a volume.
func (d *Directory) Lookup(volumeID string) (Reference, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expire(d.now())
	id, ok := d.byVolume[volumeID]
	if !ok {
		return Reference{}, false
	}
	return d.refs[id].ref, true
}

// Len returns the number of live references.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expire(d.now())
	return len(d.refs)
}

// Register inserts a reference for v directly, bypassing conflict checks.
// It models a volume owned by another operator.
func (d *Directory) Register(v *volume.Volume, ttl time.Duration) Reference {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := &reference{
		ref: Reference{
			ID:        uuid.NewString(),
			Token:     uuid.NewString(),
			ExpiresAt: d.now().Add(ttl),
		},
		vol: v.Clone(),
	}
	d.refs[r.ref.ID] = r
	d.byVolume[v.ID] = r.ref.ID
	return r.ref
}

func (d *Directory) check(op string) error {
	if d.fault == nil {
		return nil
	}
	return d.fault(op)
}

func (d *Directory) expire(now time.Time) {
	for id, r := range d.refs {
		if !now.Before(r.ref.ExpiresAt) {
			delete(d.refs, id)
			delete(d.byVolume, r.vol.ID)
		}
	}
}
