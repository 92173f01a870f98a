package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrNoDriversAvailable = errors.New("no drivers available")
	ErrNotOffered         = errors.New("ride was not offered to this driver")
	ErrInvalidLocation    = errors.New("invalid pickup or drop location")
	ErrActiveRide         = rides.ErrActiveRide
)

// Notifier is the outbound side of the connection hub.
type Notifier interface {
	Publish(topic, event string, payload any) int
	SendToUser(userID, event string, payload any) int
	SendError(userID string, err error)
	SubscribeUser(userID, topic string)
}

type CandidateSource interface {
	Candidates(pickup models.Coord) []matcher.Candidate
}

type Quoter interface {
	Estimate(class models.VehicleClass, pickup, drop models.Coord) (fare, distanceKm float64, err error)
}

// EventSink receives every committed ride transition. Delivery is best effort.
type EventSink interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

type Config struct {
	OfferWindow time.Duration
	MaxRounds   int
}

// Engine runs offer rounds for searching rides and routes every ride
// mutation through the ride store.
type Engine struct {
	rides       *rides.Store
	candidates  CandidateSource
	fares       Quoter
	notify      Notifier
	events      EventSink
	cfg         Config
	logger      *slog.Logger
	opTimeout   time.Duration
	giveUpRetry time.Duration // pause before a failed system cancel is retried

	mu       sync.Mutex
	sessions map[string]*rideSession
}

type Option func(*Engine)

func WithEventSink(s EventSink) Option { return func(e *Engine) { e.events = s } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func NewEngine(store *rides.Store, candidates CandidateSource, fares Quoter, notify Notifier, cfg Config, opts ...Option) *Engine {
	if cfg.OfferWindow <= 0 {
		cfg.OfferWindow = 30 * time.Second
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	e := &Engine{
		rides:       store,
		candidates:  candidates,
		fares:       fares,
		notify:      notify,
		cfg:         cfg,
		logger:      slog.Default(),
		opTimeout:   5 * time.Second,
		giveUpRetry: 2 * time.Second,
		sessions:    make(map[string]*rideSession),
	}
	for _, opt := range opts {
		opt(e)
	}
	store.Observe(e.rideChanged)
	return e
}

type CreateRequest struct {
	CustomerID   string              `json:"-"`
	VehicleClass models.VehicleClass `json:"vehicleClass"`
	Pickup       models.Location     `json:"pickup"`
	Drop         models.Location     `json:"drop"`
}

// CreateRide prices and persists a ride, then runs the first offer round
// before returning. With nobody in range the returned ride is already
// cancelled and the customer has been sent a single error event.
func (e *Engine) CreateRide(ctx context.Context, req CreateRequest) (*models.Ride, error) {
	if !req.VehicleClass.Valid() {
		return nil, fare.ErrInvalidVehicleClass
	}
	if !req.Pickup.Coord().Valid() || !req.Drop.Coord().Valid() {
		return nil, ErrInvalidLocation
	}
	amount, km, err := e.fares.Estimate(req.VehicleClass, req.Pickup.Coord(), req.Drop.Coord())
	if err != nil {
		return nil, err
	}
	r := &models.Ride{
		ID:           uuid.NewString(),
		CustomerID:   req.CustomerID,
		VehicleClass: req.VehicleClass,
		Pickup:       req.Pickup,
		Drop:         req.Drop,
		DistanceKm:   km,
		Fare:         amount,
		Status:       models.StatusSearching,
	}
	if err := e.rides.Create(ctx, r); err != nil {
		return nil, err
	}
	e.logger.Info("ride created", "ride_id", r.ID, "customer_id", r.CustomerID, "vehicle_class", r.VehicleClass, "fare", r.Fare)
	e.notify.SubscribeUser(r.CustomerID, models.RideTopic(r.ID))
	e.notify.Publish(models.RideTopic(r.ID), "rideData", rideView(*r))

	// the first round outlives the caller: a dropped request must not leave
	// the ride half dispatched
	roundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opTimeout)
	defer cancel()
	s := e.openSession(*r)
	s.mu.Lock()
	e.runRound(roundCtx, s)
	s.mu.Unlock()

	return e.rides.Get(roundCtx, r.ID)
}

// Accept resolves an offer. Only a driver in the current round's candidate set
// may accept; the ride store decides the single winner.
func (e *Engine) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	s := e.session(rideID)
	if s == nil {
		return nil, e.rejectClosed(ctx, rideID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, e.rejectClosed(ctx, rideID)
	}
	if !s.offer.Includes(driverID) {
		return nil, ErrNotOffered
	}
	r, err := e.rides.Accept(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	e.closeSession(s)
	observability.OfferRounds.WithLabelValues("accepted").Inc()
	observability.MatchLatency.Observe(r.UpdatedAt.Sub(r.CreatedAt).Seconds())
	e.logger.Info("ride matched", "ride_id", rideID, "driver_id", driverID, "round", s.round)
	return r, nil
}

// rejectClosed explains why an accept arrived after matching ended.
func (e *Engine) rejectClosed(ctx context.Context, rideID string) error {
	r, err := e.rides.Get(ctx, rideID)
	if err != nil {
		return err
	}
	switch {
	case r.Status.Terminal():
		return rides.ErrInvalidTransition
	case r.RiderID != "":
		observability.AcceptConflictsTotal.Inc()
		return rides.ErrRideAlreadyTaken
	case r.Status != models.StatusSearching:
		return rides.ErrInvalidTransition
	}
	return ErrNotOffered
}

// Cancel closes a ride on behalf of its customer or assigned rider. Drivers
// still holding an offer for it are told the ride is gone.
func (e *Engine) Cancel(ctx context.Context, rideID, actorID string) (*models.Ride, error) {
	s := e.session(rideID)
	if s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	cur, err := e.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	reason := "cancelled by rider"
	if actorID == cur.CustomerID {
		reason = "cancelled by customer"
	}
	r, err := e.rides.Cancel(ctx, rideID, actorID, reason)
	if err != nil {
		return nil, err
	}
	if s != nil && !s.closed {
		outstanding := s.offer
		e.closeSession(s)
		observability.OfferRounds.WithLabelValues("cancelled").Inc()
		if outstanding != nil {
			for _, id := range outstanding.CandidateDriverIDs {
				e.notify.SendToUser(id, "rideCanceled", r.Redacted(id))
			}
		}
	}
	e.logger.Info("ride cancelled", "ride_id", rideID, "actor_id", actorID)
	return r, nil
}

func (e *Engine) VerifyOTP(ctx context.Context, rideID, driverID, otp string) (*models.Ride, error) {
	return e.rides.VerifyOTP(ctx, rideID, driverID, otp)
}

func (e *Engine) Complete(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return e.rides.Complete(ctx, rideID, driverID)
}

func (e *Engine) Ride(ctx context.Context, rideID string) (*models.Ride, error) {
	return e.rides.Get(ctx, rideID)
}

func (e *Engine) ActiveRide(ctx context.Context, userID string) (*models.Ride, error) {
	return e.rides.Active(ctx, userID)
}

func (e *Engine) Rides(ctx context.Context, f storage.ListFilter) ([]*models.Ride, error) {
	return e.rides.List(ctx, f)
}

// OfferedTo reports whether driverID holds the live offer for rideID.
func (e *Engine) OfferedTo(rideID, driverID string) bool {
	s := e.session(rideID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.offer.Includes(driverID)
}

// Resume restarts matching for rides persisted as searching by a previous
// process, whose offer timers died with it.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	pending, err := e.rides.List(ctx, storage.ListFilter{Statuses: []models.RideStatus{models.StatusSearching}})
	if err != nil {
		return 0, fmt.Errorf("list searching rides: %w", err)
	}
	n := 0
	for _, r := range pending {
		if e.session(r.ID) != nil {
			continue
		}
		s := e.openSession(*r)
		s.mu.Lock()
		e.runRound(ctx, s)
		s.mu.Unlock()
		n++
	}
	if n > 0 {
		e.logger.Info("resumed searching rides", "count", n)
	}
	return n, nil
}

// Close stops every pending offer timer.
func (e *Engine) Close() {
	e.mu.Lock()
	open := make([]*rideSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		open = append(open, s)
	}
	e.mu.Unlock()
	for _, s := range open {
		s.mu.Lock()
		e.closeSession(s)
		s.mu.Unlock()
	}
}

// rideChanged fans a committed transition out to the ride's subscribers and
// the event stream. It runs under the ride store's per-ride lock.
func (e *Engine) rideChanged(prev models.RideStatus, r models.Ride) {
	if prev != "" {
		observability.RideTransitions.WithLabelValues(string(r.Status)).Inc()
		topic := models.RideTopic(r.ID)
		e.notify.Publish(topic, "rideUpdate", rideView(r))
		if r.Status == models.StatusCancelled {
			e.notify.Publish(topic, "rideCanceled", rideView(r))
		}
	}
	if e.events == nil {
		return
	}
	ev := models.RideEvent{
		RideID:     r.ID,
		CustomerID: r.CustomerID,
		RiderID:    r.RiderID,
		From:       prev,
		To:         r.Status,
		Fare:       r.Fare,
		At:         r.UpdatedAt,
	}
	if err := e.events.PublishRideEvent(context.Background(), ev); err != nil {
		e.logger.Warn("ride event not published", "ride_id", r.ID, "error", err)
	}
}

// rideView renders a ride per viewer so that only the customer sees the OTP.
type rideView models.Ride

func (v rideView) For(id auth.Identity) any { return models.Ride(v).Redacted(id.UserID) }
