package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rides"
)

// rideSession is the matching state of one searching ride. It exists from
// creation until the ride is accepted, cancelled or given up on.
type rideSession struct {
	mu     sync.Mutex
	ride   models.Ride
	offer  *models.Offer
	timer  *time.Timer
	round  int
	closed bool

	// set once matching has ended and the system cancel is pending
	givingUp    bool
	outcome     string
	failureSent bool
}

// OfferPayload is what a candidate driver sees on its offer card.
type OfferPayload struct {
	OfferID            string              `json:"offerId"`
	RideID             string              `json:"rideId"`
	VehicleClass       models.VehicleClass `json:"vehicleClass"`
	Pickup             models.Location     `json:"pickup"`
	Drop               models.Location     `json:"drop"`
	Fare               float64             `json:"fare"`
	DistanceKm         float64             `json:"distanceKm"`
	DistanceToPickupKm float64             `json:"distanceToPickupKm"`
	PickupETASeconds   float64             `json:"pickupEtaSeconds"`
	ExpiresAt          time.Time           `json:"expiresAt"`
	Round              int                 `json:"round"`
}

func (e *Engine) openSession(r models.Ride) *rideSession {
	s := &rideSession{ride: r}
	e.mu.Lock()
	e.sessions[r.ID] = s
	e.mu.Unlock()
	return s
}

func (e *Engine) session(rideID string) *rideSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[rideID]
}

// closeSession stops the offer timer and forgets the session. Caller holds s.mu.
func (e *Engine) closeSession(s *rideSession) {
	if s.closed {
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	e.mu.Lock()
	if e.sessions[s.ride.ID] == s {
		delete(e.sessions, s.ride.ID)
	}
	e.mu.Unlock()
}

// runRound picks fresh candidates and sends them the offer. Caller holds s.mu.
func (e *Engine) runRound(ctx context.Context, s *rideSession) {
	s.round++
	cands := e.candidates.Candidates(s.ride.Pickup.Coord())
	if len(cands) == 0 {
		e.giveUp(ctx, s, "no_candidates")
		return
	}

	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.DriverID
	}
	offer := &models.Offer{
		ID:                 uuid.NewString(),
		RideID:             s.ride.ID,
		CandidateDriverIDs: ids,
		ExpiresAt:          time.Now().Add(e.cfg.OfferWindow),
		Round:              s.round,
	}
	s.offer = offer
	round := s.round
	s.timer = time.AfterFunc(e.cfg.OfferWindow, func() { e.expire(s, round) })

	for _, c := range cands {
		payload := OfferPayload{
			OfferID:            offer.ID,
			RideID:             s.ride.ID,
			VehicleClass:       s.ride.VehicleClass,
			Pickup:             s.ride.Pickup,
			Drop:               s.ride.Drop,
			Fare:               s.ride.Fare,
			DistanceKm:         s.ride.DistanceKm,
			DistanceToPickupKm: c.DistanceKm,
			PickupETASeconds:   c.PickupETASeconds,
			ExpiresAt:          offer.ExpiresAt,
			Round:              round,
		}
		if e.notify.SendToUser(c.DriverID, "rideOffer", payload) > 0 {
			observability.OffersSentTotal.Inc()
		}
	}
	e.logger.Info("offer round started", "ride_id", s.ride.ID, "round", round, "candidates", len(ids))
}

// expire fires once per round. A stale round number means the offer was
// resolved or superseded after the timer had already started running.
func (e *Engine) expire(s *rideSession, round int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.givingUp || s.round != round {
		return
	}
	s.timer = nil
	s.offer = nil
	observability.OfferRounds.WithLabelValues("expired").Inc()

	ctx, cancel := context.WithTimeout(context.Background(), e.opTimeout)
	defer cancel()
	if s.round >= e.cfg.MaxRounds {
		e.giveUp(ctx, s, "rounds_exhausted")
		return
	}
	e.runRound(ctx, s)
}

// giveUp cancels the ride as the system and tells the customer once. When
// the cancel cannot be persisted the session stays open, the customer gets a
// generic failure event and the cancel is retried after giveUpRetry.
// Caller holds s.mu.
func (e *Engine) giveUp(ctx context.Context, s *rideSession, outcome string) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.offer = nil
	s.givingUp = true
	s.outcome = outcome

	_, err := e.rides.Cancel(ctx, s.ride.ID, "", "no riders found")
	if errors.Is(err, rides.ErrUnavailable) {
		e.logger.Error("cancel unmatched ride", "ride_id", s.ride.ID, "error", err, "retry_in", e.giveUpRetry.String())
		if !s.failureSent {
			s.failureSent = true
			e.notify.SendError(s.ride.CustomerID, err)
		}
		s.timer = time.AfterFunc(e.giveUpRetry, func() { e.retryGiveUp(s) })
		return
	}
	e.closeSession(s)
	if err != nil {
		// the ride left SEARCHING_FOR_RIDER some other way
		e.logger.Warn("unmatched ride not cancelled", "ride_id", s.ride.ID, "error", err)
		return
	}
	observability.OfferRounds.WithLabelValues(outcome).Inc()
	e.notify.SendError(s.ride.CustomerID, ErrNoDriversAvailable)
	e.logger.Info("no riders found", "ride_id", s.ride.ID, "round", s.round, "outcome", outcome)
}

func (e *Engine) retryGiveUp(s *rideSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.givingUp {
		return
	}
	s.timer = nil
	ctx, cancel := context.WithTimeout(context.Background(), e.opTimeout)
	defer cancel()
	e.giveUp(ctx, s, s.outcome)
}
