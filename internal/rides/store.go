package rides

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Listener observes committed changes. prev is empty for a newly created ride.
// Listeners run while the ride is still locked, so they see changes of one ride
// in commit order, and they must not call back into the Store for that ride.
type Listener func(prev models.RideStatus, r models.Ride)

// Store owns the ride lifecycle. Every mutation is a compare-and-swap against
// the persisted status, serialized per ride id inside this process.
type Store struct {
	repo       storage.TripStore
	locks      *keyedMutex
	otp        OTPGenerator
	now        func() time.Time
	retryDelay time.Duration
	logger     *slog.Logger

	lmu       sync.RWMutex
	listeners []Listener
}

type Option func(*Store)

func WithOTPGenerator(g OTPGenerator) Option { return func(s *Store) { s.otp = g } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithRetryDelay sets the pause before the single retry of a failed persistence call.
func WithRetryDelay(d time.Duration) Option { return func(s *Store) { s.retryDelay = d } }

func NewStore(repo storage.TripStore, opts ...Option) *Store {
	s := &Store{
		repo:       repo,
		locks:      newKeyedMutex(),
		otp:        randomOTP,
		now:        time.Now,
		retryDelay: 50 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Observe(l Listener) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()
}

func (s *Store) notify(prev models.RideStatus, r models.Ride) {
	s.lmu.RLock()
	ls := s.listeners
	s.lmu.RUnlock()
	for _, l := range ls {
		l(prev, r)
	}
}

// timestamps are kept at microsecond precision so they survive a postgres round trip
func (s *Store) stamp() time.Time { return s.now().UTC().Truncate(time.Microsecond) }

var activeStatuses = []models.RideStatus{models.StatusSearching, models.StatusStart, models.StatusArrived}

// Create persists a new ride. It must be unassigned and searching, and its
// customer must not have another ride in progress. Creates for one customer
// are serialized within this process so two concurrent requests cannot both
// pass that check.
func (s *Store) Create(ctx context.Context, r *models.Ride) error {
	if r.Status != models.StatusSearching || r.RiderID != "" {
		return ErrInvalidTransition
	}
	unlockCustomer := s.locks.Lock("customer:" + r.CustomerID)
	defer unlockCustomer()

	active, err := s.List(ctx, storage.ListFilter{CustomerID: r.CustomerID, Statuses: activeStatuses, Limit: 1})
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return ErrActiveRide
	}

	unlock := s.locks.Lock(r.ID)
	defer unlock()

	now := s.stamp()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if err := s.retry(ctx, func() error { return s.repo.Create(ctx, r) }); err != nil {
		return err
	}
	observability.RidesCreatedTotal.Inc()
	s.notify("", *r)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Ride, error) {
	var r *models.Ride
	err := s.retry(ctx, func() (err error) {
		r, err = s.repo.FindByID(ctx, id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *Store) List(ctx context.Context, f storage.ListFilter) ([]*models.Ride, error) {
	var out []*models.Ride
	err := s.retry(ctx, func() (err error) {
		out, err = s.repo.List(ctx, f)
		return err
	})
	return out, err
}

// Active returns the newest non-terminal ride userID takes part in.
func (s *Store) Active(ctx context.Context, userID string) (*models.Ride, error) {
	rs, err := s.List(ctx, storage.ListFilter{ParticipantID: userID, Statuses: activeStatuses, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, ErrNotFound
	}
	return rs[0], nil
}

// Accept assigns riderID to a searching ride and issues its OTP. Exactly one
// of any number of concurrent accepts wins; the others get ErrRideAlreadyTaken.
func (s *Store) Accept(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	if riderID == "" {
		return nil, ErrNotParticipant
	}
	otp, err := s.otp()
	if err != nil {
		return nil, fmt.Errorf("generate otp: %w", err)
	}
	r, err := s.transition(ctx, rideID,
		func(cur *models.Ride) error {
			switch {
			case cur.Status.Terminal():
				return ErrInvalidTransition
			case cur.Status != models.StatusSearching && cur.RiderID != "":
				return ErrRideAlreadyTaken
			case cur.Status != models.StatusSearching:
				return ErrInvalidTransition
			}
			return nil
		},
		func(next *models.Ride) {
			next.Status = models.StatusStart
			next.RiderID = riderID
			next.OTP = otp
		})
	if errors.Is(err, ErrRideAlreadyTaken) {
		observability.AcceptConflictsTotal.Inc()
	}
	return r, err
}

// VerifyOTP marks the assigned rider as arrived at pickup once the customer's
// code matches. A mismatch leaves the ride untouched.
func (s *Store) VerifyOTP(ctx context.Context, rideID, riderID, otp string) (*models.Ride, error) {
	return s.transition(ctx, rideID,
		func(cur *models.Ride) error {
			if riderID == "" || cur.RiderID != riderID {
				return ErrNotParticipant
			}
			if cur.Status != models.StatusStart {
				return ErrInvalidTransition
			}
			if subtle.ConstantTimeCompare([]byte(cur.OTP), []byte(otp)) != 1 {
				return ErrOtpMismatch
			}
			return nil
		},
		func(next *models.Ride) { next.Status = models.StatusArrived })
}

// Complete closes an arrived ride. Only the assigned rider may complete it.
func (s *Store) Complete(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	return s.transition(ctx, rideID,
		func(cur *models.Ride) error {
			if riderID == "" || cur.RiderID != riderID {
				return ErrNotParticipant
			}
			return nil
		},
		func(next *models.Ride) { next.Status = models.StatusCompleted })
}

// Cancel closes a ride that has not reached pickup. An empty actorID is the
// system itself (no drivers found, offer rounds exhausted); anyone else must be
// the customer or the assigned rider.
func (s *Store) Cancel(ctx context.Context, rideID, actorID, reason string) (*models.Ride, error) {
	return s.transition(ctx, rideID,
		func(cur *models.Ride) error {
			if actorID != "" && !cur.IsParticipant(actorID) {
				return ErrNotParticipant
			}
			return nil
		},
		func(next *models.Ride) {
			next.Status = models.StatusCancelled
			next.CancelReason = reason
		})
}

func (s *Store) transition(ctx context.Context, rideID string, check func(cur *models.Ride) error, mutate func(next *models.Ride)) (*models.Ride, error) {
	unlock := s.locks.Lock(rideID)
	defer unlock()

	cur, err := s.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := check(cur); err != nil {
		return nil, err
	}
	next := *cur
	mutate(&next)
	if !models.CanTransition(cur.Status, next.Status) {
		return nil, ErrInvalidTransition
	}
	next.UpdatedAt = s.stamp()
	if next.Status.Terminal() {
		closed := next.UpdatedAt
		next.ClosedAt = &closed
	}
	if err := s.commit(ctx, cur.Status, &next); err != nil {
		return nil, err
	}
	s.notify(cur.Status, next)
	out := next
	return &out, nil
}

func (s *Store) commit(ctx context.Context, expected models.RideStatus, next *models.Ride) error {
	var swapped bool
	err := s.retry(ctx, func() (err error) {
		swapped, err = s.repo.CompareAndSwapStatus(ctx, expected, next)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if swapped {
		return nil
	}

	// Lost the swap: either another process got there first or a failed first
	// attempt actually landed before the retry.
	stored, err := s.Get(ctx, next.ID)
	if err != nil {
		return err
	}
	if stored.Status == next.Status && stored.RiderID == next.RiderID && stored.UpdatedAt.Equal(next.UpdatedAt) {
		return nil
	}
	if next.Status == models.StatusStart && stored.RiderID != "" && !stored.Status.Terminal() {
		return ErrRideAlreadyTaken
	}
	return ErrInvalidTransition
}

// retry runs op and, on an infrastructure failure, runs it once more after a
// short pause. A second failure surfaces as ErrUnavailable.
func (s *Store) retry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || isDomainErr(err) {
		return err
	}
	s.logger.Warn("ride store call failed, retrying", "error", err)
	t := time.NewTimer(s.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	case <-t.C:
	}
	if err = op(); err != nil && !isDomainErr(err) {
		s.logger.Error("ride store call failed twice", "error", err)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func isDomainErr(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrDuplicate)
}
