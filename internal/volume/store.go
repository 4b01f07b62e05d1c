package volume

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"traffic_engine/internal/errors"
	"traffic_engine/internal/logger"
)

// AnyVersion skips the optimistic version check on a mutation.
const AnyVersion int64 = -1

// Repository persists volumes. SaveVolume must reject a write whose version
// is not newer than the stored one with errors.ErrVersionConflict.
type Repository interface {
	SaveVolume(ctx context.Context, v *Volume) error
	LoadVolumes(ctx context.Context) ([]*Volume, error)
}

// EventType classifies a store change.
type EventType string

const (
	EventDeclared     EventType = "declared"
	EventTransitioned EventType = "transitioned"
	EventLeaseUpdated EventType = "lease_updated"
	EventInvalidated  EventType = "invalidated"
)

// Event describes one committed change. Volume is a snapshot taken after the change.
type Event struct {
	Type   EventType `json:"type"`
	Volume *Volume   `json:"volume"`
	From   State     `json:"from,omitempty"`
	To     State     `json:"to,omitempty"`
	At     time.Time `json:"at"`
}

// entry serialises writers of one volume. Readers load the current snapshot
// without locking.
type entry struct {
	mu  sync.Mutex
	cur atomic.Pointer[Volume]
}

// Store is the authoritative in-memory volume set with optional write-through
// persistence. Mutations on different volumes proceed independently.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	repo Repository
	now  func() time.Time
	log  *zap.SugaredLogger

	subMu sync.Mutex
	subs  map[*subscription]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithRepository enables write-through persistence.
func WithRepository(r Repository) Option {
	return func(s *Store) { s.repo = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
		subs:    make(map[*subscription]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = logger.Named(s.log, "volume-store")
	return s
}

// Load fills the store from its repository. Loaded volumes are trusted as
// persisted and emit no events.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	vols, err := s.repo.LoadVolumes(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load volumes")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range vols {
		e := &entry{}
		e.cur.Store(v.Clone())
		s.entries[v.ID] = e
	}
	return len(vols), nil
}

// Declare validates v and stores it as Proposed. An empty ID is assigned.
func (s *Store) Declare(ctx context.Context, v *Volume) (string, error) {
	if err := Validate(v); err != nil {
		return "", err
	}

	nv := v.Clone()
	if nv.ID == "" {
		nv.ID = uuid.NewString()
	}
	sort.SliceStable(nv.SubVolumes, func(i, j int) bool {
		return nv.SubVolumes[i].Start.Before(nv.SubVolumes[j].Start)
	})
	now := s.now()
	nv.State = StateProposed
	nv.Version = 1
	nv.Lease = nil
	nv.Invalid = false
	nv.InvalidReason = ""
	nv.CreatedAt = now
	nv.UpdatedAt = now

	e := &entry{}
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	if _, exists := s.entries[nv.ID]; exists {
		s.mu.Unlock()
		return "", errors.Validationf("volume %s already declared", nv.ID)
	}
	s.entries[nv.ID] = e
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.SaveVolume(ctx, nv); err != nil {
			s.mu.Lock()
			delete(s.entries, nv.ID)
			s.mu.Unlock()
			return "", errors.Wrapf(err, "persist volume %s", nv.ID)
		}
	}
	e.cur.Store(nv)

	s.log.Infow("volume declared", logger.FieldVolumeID, nv.ID, logger.FieldFlightID, nv.FlightID, "kind", nv.Kind)
	s.publish(Event{Type: EventDeclared, Volume: nv.Clone(), To: StateProposed, At: now})
	return nv.ID, nil
}

// Accept moves a volume from Proposed to Accepted.
func (s *Store) Accept(ctx context.Context, id string) (*Volume, error) {
	return s.Transition(ctx, id, StateAccepted, AnyVersion)
}

// Activate moves a volume to Activated.
func (s *Store) Activate(ctx context.Context, id string) (*Volume, error) {
	return s.Transition(ctx, id, StateActivated, AnyVersion)
}

// End moves a volume to Ended.
func (s *Store) End(ctx context.Context, id string) (*Volume, error) {
	return s.Transition(ctx, id, StateEnded, AnyVersion)
}

// Withdraw moves a volume to Withdrawn from any non-terminal state.
func (s *Store) Withdraw(ctx context.Context, id string) (*Volume, error) {
	return s.Transition(ctx, id, StateWithdrawn, AnyVersion)
}

// MarkContingent records loss of the remote lease on an Activated volume.
func (s *Store) MarkContingent(ctx context.Context, id string) (*Volume, error) {
	return s.Transition(ctx, id, StateContingent, AnyVersion)
}

// Transition applies a lifecycle transition. When expectedVersion is not
// AnyVersion the write only succeeds against that version.
func (s *Store) Transition(ctx context.Context, id string, to State, expectedVersion int64) (*Volume, error) {
	var from State
	v, err := s.mutate(ctx, id, expectedVersion, func(v *Volume) error {
		if !CanTransition(v.State, to) {
			return errors.InvalidTransitionf("volume %s: %s -> %s not permitted", v.ID, v.State, to)
		}
		from = v.State
		v.State = to
		return nil
	}, func(v *Volume) Event {
		return Event{Type: EventTransitioned, From: from, To: to}
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("volume transition", logger.FieldVolumeID, id,
		logger.FieldFromState, from, logger.FieldToState, to, logger.FieldVersion, v.Version)
	return v, nil
}

// SetLease records (or, with nil, clears) the lease of a volume.
func (s *Store) SetLease(ctx context.Context, id string, lease *Lease, expectedVersion int64) (*Volume, error) {
	return s.mutate(ctx, id, expectedVersion, func(v *Volume) error {
		if v.State.IsTerminal() && lease != nil {
			return errors.InvalidTransitionf("volume %s is %s; lease not recorded", v.ID, v.State)
		}
		if lease == nil {
			v.Lease = nil
			return nil
		}
		l := *lease
		l.VolumeID = v.ID
		v.Lease = &l
		return nil
	}, func(v *Volume) Event {
		return Event{Type: EventLeaseUpdated, From: v.State, To: v.State}
	})
}

// MarkInvalid excludes a volume from further evaluation. Marking an already
// invalid volume is a no-op.
func (s *Store) MarkInvalid(ctx context.Context, id, reason string) (*Volume, error) {
	cur, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if cur.Invalid {
		return cur, nil
	}
	v, err := s.mutate(ctx, id, AnyVersion, func(v *Volume) error {
		v.Invalid = true
		v.InvalidReason = reason
		return nil
	}, func(v *Volume) Event {
		return Event{Type: EventInvalidated, From: v.State, To: v.State}
	})
	if err != nil {
		return nil, err
	}
	s.log.Warnw("volume marked invalid", logger.FieldVolumeID, id, "reason", reason)
	return v, nil
}

func (s *Store) mutate(ctx context.Context, id string, expectedVersion int64,
	apply func(*Volume) error, event func(*Volume) Event) (*Volume, error) {

	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.cur.Load()
	if cur == nil {
		// Declaration failed to persist.
		return nil, errors.NotFoundf("volume %s", id)
	}
	if expectedVersion != AnyVersion && cur.Version != expectedVersion {
		return nil, errors.VersionConflictf("volume %s: expected version %d, have %d", id, expectedVersion, cur.Version)
	}

	next := cur.Clone()
	if err := apply(next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()

	if s.repo != nil {
		if err := s.repo.SaveVolume(ctx, next); err != nil {
			return nil, errors.Wrapf(err, "persist volume %s", id)
		}
	}
	e.cur.Store(next)

	ev := event(next)
	ev.Volume = next.Clone()
	ev.At = next.UpdatedAt
	s.publish(ev)
	return next.Clone(), nil
}

func (s *Store) entry(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NotFoundf("volume %s", id)
	}
	return e, nil
}

// Get returns a snapshot of the volume.
func (s *Store) Get(id string) (*Volume, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	v := e.cur.Load()
	if v == nil {
		return nil, errors.NotFoundf("volume %s", id)
	}
	return v.Clone(), nil
}

// List returns snapshots of every volume matching keep, ordered by ID.
func (s *Store) List(keep func(*Volume) bool) []*Volume {
	s.mu.RLock()
	out := make([]*Volume, 0, len(s.entries))
	for _, e := range s.entries {
		v := e.cur.Load()
		if v == nil || (keep != nil && !keep(v)) {
			continue
		}
		out = append(out, v.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListActive returns Activated volumes whose window contains at.
func (s *Store) ListActive(at time.Time) []*Volume {
	return s.List(func(v *Volume) bool {
		return v.State == StateActivated && v.ActiveAt(at)
	})
}

// ListForFlight returns the Activated flight declarations of a flight whose
// window contains at.
func (s *Store) ListForFlight(flightID string, at time.Time) []*Volume {
	return s.List(func(v *Volume) bool {
		return v.Kind == KindFlightDeclaration && v.FlightID == flightID &&
			v.State == StateActivated && v.ActiveAt(at)
	})
}

// ListGeofences returns Activated geofences whose window contains at.
func (s *Store) ListGeofences(at time.Time) []*Volume {
	return s.List(func(v *Volume) bool {
		return v.Kind == KindGeofence && v.State == StateActivated && v.ActiveAt(at)
	})
}

// Subscribe returns a channel of change events and a function that cancels
// the subscription. Events for one volume arrive in commit order. Delivery
// never blocks writers; undelivered events queue per subscriber.
func (s *Store) Subscribe() (<-chan Event, func()) {
	sub := newSubscription()
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()

	go sub.run()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, sub)
			s.subMu.Unlock()
			close(sub.done)
		})
	}
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		sub.push(ev)
	}
}

type subscription struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	out    chan Event
	done   chan struct{}
}

func newSubscription() *subscription {
	return &subscription{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
