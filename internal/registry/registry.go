// Package registry provides a source-adapter registry for normalising raw
// position reports from heterogeneous producers.
package registry

import (
	"sort"
	"sync"

	"traffic_engine/internal/errors"
	"traffic_engine/internal/track"
)

// Adapter is implemented by each position source.
type Adapter interface {
	// Name returns the adapter's unique source tag.
	Name() string

	// QuickCheck performs a cheap byte check before decoding. Returns true if
	// the payload MIGHT belong to this source (false = definitely skip).
	// Only consulted for records without a source tag.
	QuickCheck(payload []byte) bool

	// Priority determines detection order for untagged records.
	// Lower number = tried first.
	Priority() int

	// Normalize maps the native payload onto the common track point.
	// Missing identity, timestamp or position is an ErrMalformedRecord.
	Normalize(rec track.RawRecord) (track.TrackPoint, error)
}

// Registry holds all registered adapters.
type Registry struct {
	mu sync.RWMutex

	byName map[string]Adapter

	// ordered holds every adapter sorted by Priority (ascending)
	ordered []Adapter
	sorted  bool
}

// New creates a new Registry instance.
func New() *Registry {
	return &Registry{
		byName: make(map[string]Adapter),
	}
}

// Global default registry.
var defaultRegistry = New()

// Default returns the global registry instance.
func Default() *Registry {
	return defaultRegistry
}

// Register adds an adapter to the default registry.
// Called during init() in each source package.
func Register(a Adapter) {
	defaultRegistry.Register(a)
}

// Register adds an adapter to the registry. A later registration with the
// same name replaces the earlier one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byName[a.Name()]; ok {
		for i, o := range r.ordered {
			if o == old {
				r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
				break
			}
		}
	}
	r.byName[a.Name()] = a
	r.ordered = append(r.ordered, a)
	r.sorted = false
}

// Sort orders adapters by priority. Dispatch sorts lazily if needed.
func (r *Registry) Sort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sortLocked()
}

func (r *Registry) sortLocked() {
	if r.sorted {
		return
	}
	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].Priority() < r.ordered[j].Priority()
	})
	r.sorted = true
}

// Lookup returns the adapter registered under name.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// Normalize routes a record to its adapter. Tagged records go straight to
// the named adapter; untagged records are offered to each adapter in
// priority order and the first successful normalisation wins.
func (r *Registry) Normalize(rec track.RawRecord) (track.TrackPoint, error) {
	if len(rec.Payload) == 0 {
		return track.TrackPoint{}, errors.Malformedf("empty payload")
	}

	if rec.Source != "" {
		a, ok := r.Lookup(rec.Source)
		if !ok {
			return track.TrackPoint{}, errors.Malformedf("unknown source %q", rec.Source)
		}
		return normalizeWith(a, rec)
	}

	r.mu.Lock()
	r.sortLocked()
	candidates := make([]Adapter, len(r.ordered))
	copy(candidates, r.ordered)
	r.mu.Unlock()

	var firstErr error
	for _, a := range candidates {
		if !a.QuickCheck(rec.Payload) {
			continue
		}
		p, err := normalizeWith(a, rec)
		if err == nil {
			return p, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return track.TrackPoint{}, firstErr
	}
	return track.TrackPoint{}, errors.Malformedf("no adapter recognised the record")
}

func normalizeWith(a Adapter, rec track.RawRecord) (track.TrackPoint, error) {
	p, err := a.Normalize(rec)
	if err != nil {
		if !errors.Is(err, errors.ErrMalformedRecord) {
			err = errors.Mark(err, errors.ErrMalformedRecord)
		}
		return track.TrackPoint{}, errors.Wrapf(err, "%s", a.Name())
	}
	if p.Source == "" {
		p.Source = a.Name()
	}
	return p, nil
}

// Names returns the registered source tags, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AdapterCount returns the number of registered adapters.
func (r *Registry) AdapterCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
