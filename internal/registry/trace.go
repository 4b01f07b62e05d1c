package registry

import (
	"traffic_engine/internal/track"
)

// TraceResult records one adapter's attempt at a record.
type TraceResult struct {
	Adapter    string            `json:"adapter"`
	Priority   int               `json:"priority"`
	QuickCheck bool              `json:"quick_check"` // Whether the quick check passed.
	Matched    bool              `json:"matched"`     // Whether normalisation succeeded.
	Error      string            `json:"error,omitempty"`
	Point      *track.TrackPoint `json:"point,omitempty"`
}

// Trace offers rec to every adapter in priority order and reports how each
// one fared. Used to debug records that fail detection.
func (r *Registry) Trace(rec track.RawRecord) []TraceResult {
	r.mu.Lock()
	r.sortLocked()
	candidates := make([]Adapter, len(r.ordered))
	copy(candidates, r.ordered)
	r.mu.Unlock()

	out := make([]TraceResult, 0, len(candidates))
	for _, a := range candidates {
		tr := TraceResult{Adapter: a.Name(), Priority: a.Priority(), QuickCheck: a.QuickCheck(rec.Payload)}
		if tr.QuickCheck || rec.Source == a.Name() {
			p, err := normalizeWith(a, rec)
			if err != nil {
				tr.Error = err.Error()
			} else {
				tr.Matched = true
				tr.Point = &p
			}
		}
		out = append(out, tr)
	}
	return out
}
