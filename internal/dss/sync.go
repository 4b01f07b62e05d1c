package dss

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"traffic_engine/internal/alert"
	"traffic_engine/internal/config"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/logger"
	"traffic_engine/internal/metrics"
	"traffic_engine/internal/volume"
)

// Volumes is the part of the volume store the synchronizer drives.
type Volumes interface {
	Get(id string) (*volume.Volume, error)
	List(keep func(*volume.Volume) bool) []*volume.Volume
	Accept(ctx context.Context, id string) (*volume.Volume, error)
	Withdraw(ctx context.Context, id string) (*volume.Volume, error)
	Transition(ctx context.Context, id string, to volume.State, expectedVersion int64) (*volume.Volume, error)
	SetLease(ctx context.Context, id string, lease *volume.Lease, expectedVersion int64) (*volume.Volume, error)
	Subscribe() (<-chan volume.Event, func())
}

const (
	opAcquire = "acquire"
	opRenew   = "renew"
	opRelease = "release"

	resultOK       = "ok"
	resultConflict = "conflict"
	resultError    = "error"
)

type task struct {
	cancel context.CancelFunc
}

// volumeLock serialises lease calls for one volume. It is dropped from the
// map when no caller holds or waits for it.
type volumeLock struct {
	mu   sync.Mutex
	refs int
}

// Synchronizer registers flight declarations with the directory and keeps
// one renewal unit running per leased volume.
type Synchronizer struct {
	store   Volumes
	client  Client
	alerts  alert.Raiser
	cfg     config.SyncConfig
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	now     func() time.Time

	mu    sync.Mutex
	tasks map[string]*task
	locks map[string]*volumeLock
	wg    sync.WaitGroup
}

// NewSynchronizer creates a synchronizer. It does nothing until Run.
func NewSynchronizer(store Volumes, client Client, alerts alert.Raiser, cfg config.SyncConfig, m *metrics.Metrics, log *zap.SugaredLogger) *Synchronizer {
	return &Synchronizer{
		store:   store,
		client:  client,
		alerts:  alerts,
		cfg:     cfg,
		metrics: m,
		log:     logger.Named(log, "dss-sync"),
		now:     time.Now,
		tasks:   make(map[string]*task),
		locks:   make(map[string]*volumeLock),
	}
}

// SetClock replaces time.Now for lease deadlines and expiry checks.
func (s *Synchronizer) SetClock(now func() time.Time) {
	s.now = now
}

// Run follows volume store events until ctx is cancelled, starting a unit
// for each declared flight declaration and releasing leases of volumes that
// end or are withdrawn. Volumes already in the store are resumed.
func (s *Synchronizer) Run(ctx context.Context) error {
	events, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	for _, v := range s.store.List(leaseable) {
		s.start(ctx, v.ID)
	}

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			return nil
		case ev, ok := <-events:
			if !ok {
				s.stopAll()
				s.wg.Wait()
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func leaseable(v *volume.Volume) bool {
	return v.Kind == volume.KindFlightDeclaration && !v.State.IsTerminal()
}

func (s *Synchronizer) handle(ctx context.Context, ev volume.Event) {
	v := ev.Volume
	if v == nil || v.Kind != volume.KindFlightDeclaration {
		return
	}
	switch ev.Type {
	case volume.EventDeclared:
		s.start(ctx, v.ID)
	case volume.EventTransitioned:
		if !ev.To.IsTerminal() {
			return
		}
		s.stop(v.ID)
		if v.Lease == nil {
			return
		}
		lease := *v.Lease
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Release(ctx, lease); err != nil {
				s.log.Warnw("release lease", logger.FieldVolumeID, lease.VolumeID, logger.FieldError, err)
			}
		}()
	}
}

func (s *Synchronizer) start(parent context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; ok {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	t := &task{cancel: cancel}
	s.tasks[id] = t
	s.metrics.SetActiveLeases(len(s.tasks))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(id, t)
		s.unit(ctx, id)
	}()
}

func (s *Synchronizer) finish(id string, t *task) {
	t.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[id] == t {
		delete(s.tasks, id)
	}
	s.metrics.SetActiveLeases(len(s.tasks))
}

func (s *Synchronizer) stop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.cancel()
		delete(s.tasks, id)
	}
	s.metrics.SetActiveLeases(len(s.tasks))
}

func (s *Synchronizer) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		t.cancel()
		delete(s.tasks, id)
	}
	s.metrics.SetActiveLeases(0)
}

// Units returns the number of running renewal units.
func (s *Synchronizer) Units() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Synchronizer) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &volumeLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// renewEvery is the renewal interval minus the safety margin.
func (s *Synchronizer) renewEvery() time.Duration {
	d := s.cfg.RenewalInterval - s.cfg.SafetyMargin
	if d <= 0 {
		d = s.cfg.RenewalInterval / 2
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// unit is the per-volume background task: acquire, accept, then renew until
// the volume ends or the context is cancelled.
func (s *Synchronizer) unit(ctx context.Context, id string) {
	log := s.log.With(logger.FieldVolumeID, id)
	lost, reported := false, false
	wait := time.Duration(0)

	for {
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		v, err := s.store.Get(id)
		if err != nil || v.State.IsTerminal() {
			return
		}

		if v.Lease == nil {
			_, err = s.AcquireLease(ctx, id)
		} else {
			_, err = s.Renew(ctx, *v.Lease)
		}

		switch {
		case err == nil:
			wait = s.renewEvery()
			reported = false
			if v.State == volume.StateProposed {
				if _, aerr := s.store.Accept(ctx, id); aerr != nil && !errors.Is(aerr, errors.ErrInvalidTransition) {
					log.Warnw("accept volume", logger.FieldError, aerr)
				}
			}
			if lost {
				lost = false
				s.regain(ctx, id)
			}
		case ctx.Err() != nil:
			return
		case errors.Is(err, errors.ErrRemoteConflict), errors.Is(err, errors.ErrInvalidTransition):
			return
		default:
			log.Warnw("lease maintenance failed", logger.FieldError, err)
			wait = s.cfg.BackoffMax
			if wait <= 0 {
				wait = time.Second
			}
			if !lost && v.Lease != nil && !s.now().Before(v.Lease.ExpiresAt) {
				lost = true
				s.lose(ctx, id, err)
			}
			if v.Lease == nil && !reported {
				reported = true
				s.alerts.Raise(ctx, alert.Alert{
					Kind:     alert.KindRemoteError,
					FlightID: v.FlightID,
					VolumeID: id,
					Message:  fmt.Sprintf("lease acquisition failed: %v", err),
				})
			}
		}
	}
}

// lose degrades an Activated volume to Contingent once its lease deadline
// has passed without a successful renewal.
func (s *Synchronizer) lose(ctx context.Context, id string, cause error) {
	v, err := s.store.Get(id)
	if err != nil {
		return
	}
	if v.State == volume.StateActivated {
		if _, err := s.store.Transition(ctx, id, volume.StateContingent, v.Version); err != nil {
			s.log.Warnw("mark contingent", logger.FieldVolumeID, id, logger.FieldError, err)
		}
	}
	s.alerts.Raise(ctx, alert.Alert{
		Kind:     alert.KindLeaseLost,
		FlightID: v.FlightID,
		VolumeID: id,
		Message:  fmt.Sprintf("lease not renewed before deadline: %v", cause),
	})
}

func (s *Synchronizer) regain(ctx context.Context, id string) {
	v, err := s.store.Get(id)
	if err != nil {
		return
	}
	if v.State == volume.StateContingent {
		if _, err := s.store.Transition(ctx, id, volume.StateActivated, v.Version); err != nil {
			s.log.Warnw("restore activated", logger.FieldVolumeID, id, logger.FieldError, err)
		}
	}
	s.alerts.Raise(ctx, alert.Alert{
		Kind:     alert.KindLeaseRestored,
		FlightID: v.FlightID,
		VolumeID: id,
		Message:  "lease renewed",
	})
}

// AcquireLease registers the volume with the directory and stores the lease.
// A volume that already holds an unexpired lease returns it unchanged.
func (s *Synchronizer) AcquireLease(ctx context.Context, volumeID string) (*volume.Lease, error) {
	unlock := s.lock(volumeID)
	defer unlock()

	v, err := s.store.Get(volumeID)
	if err != nil {
		return nil, err
	}
	if v.State.IsTerminal() {
		return nil, errors.InvalidTransitionf("volume %s is %s", volumeID, v.State)
	}
	if v.Lease != nil && !v.Lease.Expired(s.now()) {
		return v.Lease, nil
	}

	deadline := s.now().Add(s.cfg.LeaseDuration)
	ref, err := retryUntil(ctx, s, opAcquire, deadline, func(ctx context.Context) (Reference, error) {
		return s.client.CreateReference(ctx, v, s.cfg.LeaseDuration)
	})
	if err != nil {
		return nil, s.failed(ctx, v, opAcquire, err)
	}

	now := s.now()
	lease := &volume.Lease{
		VolumeID:        volumeID,
		ReferenceID:     ref.ID,
		Token:           ref.Token,
		AcquiredAt:      now,
		ExpiresAt:       ref.ExpiresAt,
		RenewalInterval: s.cfg.RenewalInterval,
	}
	if err := s.apply(ctx, volumeID, lease, v.Version); err != nil {
		return nil, err
	}
	s.metrics.LeaseOperation(opAcquire, resultOK)
	s.log.Infow("lease acquired", logger.FieldVolumeID, volumeID, logger.FieldToken, lease.Token,
		logger.FieldExpiresAt, lease.ExpiresAt)
	return lease, nil
}

// Renew extends a lease. Renewing with the token a previous renewal replaced
// returns the current lease without contacting the directory, so retried
// renewals never produce a second lease.
func (s *Synchronizer) Renew(ctx context.Context, lease volume.Lease) (*volume.Lease, error) {
	unlock := s.lock(lease.VolumeID)
	defer unlock()

	v, err := s.store.Get(lease.VolumeID)
	if err != nil {
		return nil, err
	}
	cur := v.Lease
	switch {
	case cur == nil:
		return nil, errors.NotFoundf("volume %s holds no lease", lease.VolumeID)
	case cur.PreviousToken != "" && cur.PreviousToken == lease.Token:
		return cur, nil
	case cur.Token != lease.Token:
		return nil, errors.VersionConflictf("lease token %s is not current for volume %s", lease.Token, lease.VolumeID)
	}
	if v.State.IsTerminal() {
		return nil, errors.InvalidTransitionf("volume %s is %s", v.ID, v.State)
	}

	deadline := cur.ExpiresAt
	if floor := s.now().Add(s.cfg.CallTimeout); deadline.Before(floor) {
		deadline = floor
	}
	ref, err := retryUntil(ctx, s, opRenew, deadline, func(ctx context.Context) (Reference, error) {
		ref, err := s.client.UpdateReference(ctx, Reference{ID: cur.ReferenceID, Token: cur.Token}, v, s.cfg.LeaseDuration)
		if errors.Is(err, errors.ErrNotFound) {
			return s.client.CreateReference(ctx, v, s.cfg.LeaseDuration)
		}
		return ref, err
	})
	if err != nil {
		return nil, s.failed(ctx, v, opRenew, err)
	}

	next := &volume.Lease{
		VolumeID:        v.ID,
		ReferenceID:     ref.ID,
		Token:           ref.Token,
		PreviousToken:   cur.Token,
		AcquiredAt:      cur.AcquiredAt,
		ExpiresAt:       ref.ExpiresAt,
		RenewalInterval: cur.RenewalInterval,
	}
	if err := s.apply(ctx, v.ID, next, v.Version); err != nil {
		return nil, err
	}
	s.metrics.LeaseOperation(opRenew, resultOK)
	s.log.Debugw("lease renewed", logger.FieldVolumeID, v.ID, logger.FieldToken, next.Token,
		logger.FieldExpiresAt, next.ExpiresAt)
	return next, nil
}

// Release deletes the directory reference and clears the local lease.
// Releasing an already released lease succeeds.
func (s *Synchronizer) Release(ctx context.Context, lease volume.Lease) error {
	unlock := s.lock(lease.VolumeID)
	defer unlock()

	deadline := s.now().Add(s.cfg.CallTimeout)
	if lease.ExpiresAt.After(deadline) {
		deadline = lease.ExpiresAt
	}
	_, err := retryUntil(ctx, s, opRelease, deadline, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.DeleteReference(ctx, Reference{ID: lease.ReferenceID, Token: lease.Token})
	})
	if err != nil {
		s.metrics.LeaseOperation(opRelease, resultError)
		return errors.Wrapf(err, "release lease for volume %s", lease.VolumeID)
	}

	v, err := s.store.Get(lease.VolumeID)
	if err == nil && v.Lease != nil && (v.Lease.Token == lease.Token || v.Lease.PreviousToken == lease.Token) {
		if _, err := s.store.SetLease(ctx, v.ID, nil, volume.AnyVersion); err != nil {
			s.log.Warnw("clear lease", logger.FieldVolumeID, v.ID, logger.FieldError, err)
		}
	}
	s.metrics.LeaseOperation(opRelease, resultOK)
	s.log.Infow("lease released", logger.FieldVolumeID, lease.VolumeID, logger.FieldToken, lease.Token)
	return nil
}

// apply stores a lease obtained from the directory. If the volume changed
// meanwhile the write is retried against the new version unless the volume
// has ended, in which case the remote reference is discarded.
func (s *Synchronizer) apply(ctx context.Context, id string, lease *volume.Lease, version int64) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err = s.store.SetLease(ctx, id, lease, version); err == nil {
			return nil
		}
		if !errors.Is(err, errors.ErrVersionConflict) {
			break
		}
		cur, gerr := s.store.Get(id)
		if gerr != nil {
			err = gerr
			break
		}
		if cur.State.IsTerminal() {
			err = errors.InvalidTransitionf("volume %s moved to %s during lease call", id, cur.State)
			break
		}
		version = cur.Version
	}

	s.log.Infow("discarding lease result", logger.FieldVolumeID, id, logger.FieldError, err)
	if derr := s.client.DeleteReference(ctx, Reference{ID: lease.ReferenceID, Token: lease.Token}); derr != nil {
		s.log.Warnw("delete discarded reference", logger.FieldVolumeID, id, logger.FieldError, derr)
	}
	return err
}

// failed classifies a lease call failure. A directory conflict forces the
// volume to Withdrawn and raises an alert naming the conflicting volumes.
func (s *Synchronizer) failed(ctx context.Context, v *volume.Volume, op string, err error) error {
	if !errors.Is(err, errors.ErrRemoteConflict) {
		s.metrics.LeaseOperation(op, resultError)
		return err
	}
	s.metrics.LeaseOperation(op, resultConflict)

	if _, werr := s.store.Withdraw(ctx, v.ID); werr != nil && !errors.Is(werr, errors.ErrInvalidTransition) {
		s.log.Errorw("withdraw conflicting volume", logger.FieldVolumeID, v.ID, logger.FieldError, werr)
	}
	conflicting := errors.ConflictingVolumes(err)
	s.alerts.Raise(ctx, alert.Alert{
		Kind:                 alert.KindLeaseConflict,
		FlightID:             v.FlightID,
		VolumeID:             v.ID,
		ConflictingVolumeIDs: conflicting,
		Message:              fmt.Sprintf("volume %s withdrawn: %v", v.ID, err),
	})
	s.log.Warnw("volume withdrawn on conflict", logger.FieldVolumeID, v.ID, "conflicting", conflicting)
	return err
}

// retryUntil runs fn with exponential backoff until it succeeds, fails
// permanently or the deadline passes. Only ErrRemoteUnavailable is retried.
func retryUntil[T any](ctx context.Context, s *Synchronizer, op string, deadline time.Time, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	budget := deadline.Sub(s.now())
	if budget <= 0 {
		budget = s.cfg.CallTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	if s.cfg.BackoffInitial > 0 {
		b.InitialInterval = s.cfg.BackoffInitial
	}
	if s.cfg.BackoffMax > 0 {
		b.MaxInterval = s.cfg.BackoffMax
	}

	var last error
	attempt := 0
	res, err := backoff.Retry(rctx, func() (T, error) {
		attempt++
		callCtx := rctx
		if s.cfg.CallTimeout > 0 {
			var c context.CancelFunc
			callCtx, c = context.WithTimeout(rctx, s.cfg.CallTimeout)
			defer c()
		}
		v, err := fn(callCtx)
		if err == nil {
			return v, nil
		}
		last = err
		if !errors.IsRetryable(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(budget),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Debugw("retrying directory call", "op", op, logger.FieldAttempt, attempt,
				"next", next, logger.FieldError, err)
		}),
	)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	if last != nil && rctx.Err() != nil {
		return zero, errors.Unavailable(errors.Wrapf(last, "%s: deadline passed after %d attempts", op, attempt))
	}
	return zero, err
}
