package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rides"
)

// Dispatcher is the ride side of the router: every ride mutation goes
// through it so offer sessions stay consistent with the ride store.
type Dispatcher interface {
	Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	Cancel(ctx context.Context, rideID, actorID string) (*models.Ride, error)
	VerifyOTP(ctx context.Context, rideID, driverID, otp string) (*models.Ride, error)
	Complete(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	Ride(ctx context.Context, rideID string) (*models.Ride, error)
	ActiveRide(ctx context.Context, userID string) (*models.Ride, error)
	OfferedTo(rideID, driverID string) bool
}

// Presence is the geo index as seen by driver commands.
type Presence interface {
	Zone(lat, lon float64) string
	Upsert(driverID string, lat, lon, heading float64) models.DriverPresence
	SetOnDuty(driverID string, onDuty bool) (models.DriverPresence, error)
	Get(driverID string) (models.DriverPresence, bool)
	Nearby(lat, lon float64) []models.DriverPresence
	OnDutyCount() int
}

// LocationSink streams presence changes out of the process.
type LocationSink interface {
	PublishLocation(ctx context.Context, p models.DriverPresence) error
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type rideRef struct {
	RideID string `json:"rideId"`
}

type position struct {
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Heading float64  `json:"heading"`
}

func (p position) coord() (models.Coord, bool) {
	if p.Lat == nil || p.Lon == nil {
		return models.Coord{}, false
	}
	c := models.Coord{Lat: *p.Lat, Lon: *p.Lon}
	return c, c.Valid()
}

// LocationUpdate is the payload of riderLocationUpdate.
type LocationUpdate struct {
	RiderID string    `json:"riderId"`
	Lat     float64   `json:"lat"`
	Lon     float64   `json:"lon"`
	Heading float64   `json:"heading"`
	ZoneID  string    `json:"zoneId"`
	OnDuty  bool      `json:"onDuty"`
	At      time.Time `json:"at"`
}

func locationOf(p models.DriverPresence) LocationUpdate {
	return LocationUpdate{RiderID: p.DriverID, Lat: p.Lat, Lon: p.Lon, Heading: p.Heading, ZoneID: p.ZoneID, OnDuty: p.OnDuty, At: p.LastSeenAt}
}

type NearbyRiders struct {
	ZoneID string           `json:"zoneId"`
	Riders []LocationUpdate `json:"riders"`
}

type DutyStatus struct {
	OnDuty bool   `json:"onDuty"`
	ZoneID string `json:"zoneId,omitempty"`
}

// Router turns inbound commands from a session into calls on the dispatcher
// and the geo index.
type Router struct {
	hub        *Hub
	dispatcher Dispatcher
	presence   Presence
	locations  LocationSink
	logger     *slog.Logger
	timeout    time.Duration
}

type RouterOption func(*Router)

func WithLocationSink(s LocationSink) RouterOption { return func(r *Router) { r.locations = s } }

func WithRouterLogger(l *slog.Logger) RouterOption { return func(r *Router) { r.logger = l } }

func NewRouter(h *Hub, d Dispatcher, p Presence, opts ...RouterOption) *Router {
	rt := &Router{hub: h, dispatcher: d, presence: p, logger: slog.Default(), timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Handle processes one inbound frame. Failures are answered with an error
// event on the same session.
func (rt *Router) Handle(ctx context.Context, c *Client, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
		rt.hub.SendErrorTo(c, ErrBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()
	if err := rt.dispatch(ctx, c, msg); err != nil {
		level := slog.LevelInfo
		if errors.Is(err, rides.ErrUnavailable) || ErrorPayloadFor(err).Code == "INTERNAL" {
			level = slog.LevelError
		}
		rt.logger.Log(ctx, level, "command rejected", "event", msg.Event, "conn_id", c.ID, "user_id", c.Identity.UserID, "error", err)
		rt.hub.SendErrorTo(c, err)
	}
}

func (rt *Router) dispatch(ctx context.Context, c *Client, msg inbound) error {
	switch msg.Event {
	case "subscribeRide":
		return withData(msg, func(d rideRef) error { return rt.subscribeRide(ctx, c, d.RideID) })
	case "unsubscribeRide":
		return withData(msg, func(d rideRef) error {
			rt.hub.Unsubscribe(c, models.RideTopic(d.RideID))
			return nil
		})
	case "subscribeToZone":
		return withData(msg, func(d position) error { return rt.subscribeZone(c, d) })
	case "subscribeToRiderLocation":
		return withData(msg, func(d struct {
			RiderID string `json:"riderId"`
		}) error {
			return rt.subscribeRiderLocation(ctx, c, d.RiderID)
		})
	case "updateLocation":
		return rt.riderOnly(c, func() error {
			return withData(msg, func(d position) error { return rt.updateLocation(ctx, c, d) })
		})
	case "goOnDuty":
		return rt.riderOnly(c, func() error {
			return withData(msg, func(d position) error { return rt.setDuty(ctx, c, d, true) })
		})
	case "goOffDuty":
		return rt.riderOnly(c, func() error { return rt.setDuty(ctx, c, position{}, false) })
	case "acceptRide":
		return rt.riderOnly(c, func() error {
			return withData(msg, func(d rideRef) error { return rt.acceptRide(ctx, c, d.RideID) })
		})
	case "verifyOtp":
		return rt.riderOnly(c, func() error {
			return withData(msg, func(d struct {
				RideID string `json:"rideId"`
				OTP    string `json:"otp"`
			}) error {
				_, err := rt.dispatcher.VerifyOTP(ctx, d.RideID, c.Identity.UserID, d.OTP)
				return err
			})
		})
	case "updateRideStatus":
		return rt.riderOnly(c, func() error {
			return withData(msg, func(d struct {
				RideID string            `json:"rideId"`
				Status models.RideStatus `json:"status"`
			}) error {
				return rt.updateRideStatus(ctx, c, d.RideID, d.Status)
			})
		})
	case "cancelRide":
		return withData(msg, func(d rideRef) error {
			_, err := rt.dispatcher.Cancel(ctx, d.RideID, c.Identity.UserID)
			return err
		})
	}
	return fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
}

func withData[T any](msg inbound, fn func(T) error) error {
	var d T
	if len(msg.Data) > 0 && string(msg.Data) != "null" {
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}
	return fn(d)
}

func (rt *Router) riderOnly(c *Client, fn func() error) error {
	if !c.Identity.IsRider() {
		return ErrForbidden
	}
	return fn()
}

// subscribeRide is open to the ride's customer, its assigned rider and any
// driver currently holding an offer for it.
func (rt *Router) subscribeRide(ctx context.Context, c *Client, rideID string) error {
	if rideID == "" {
		return ErrBadRequest
	}
	r, err := rt.dispatcher.Ride(ctx, rideID)
	if err != nil {
		return err
	}
	uid := c.Identity.UserID
	if !r.IsParticipant(uid) && !rt.dispatcher.OfferedTo(rideID, uid) {
		return rides.ErrNotParticipant
	}
	// The snapshot is read after subscribing so that a transition committed
	// in between shows up in it or as a rideUpdate after it.
	topic := models.RideTopic(rideID)
	rt.hub.Subscribe(c, topic)
	if r, err = rt.dispatcher.Ride(ctx, rideID); err != nil {
		rt.hub.Unsubscribe(c, topic)
		return err
	}
	rt.hub.Send(c, "rideData", r.Redacted(uid))
	return nil
}

// subscribeZone moves the session to the zone around the given point and
// answers with the drivers currently visible there.
func (rt *Router) subscribeZone(c *Client, d position) error {
	at, ok := d.coord()
	if !ok {
		return ErrBadRequest
	}
	zone := rt.presence.Zone(at.Lat, at.Lon)
	if prev := c.swapZone(zone); prev != "" && prev != zone {
		rt.hub.Unsubscribe(c, models.ZoneTopic(prev))
	}
	rt.hub.Subscribe(c, models.ZoneTopic(zone))

	near := rt.presence.Nearby(at.Lat, at.Lon)
	out := NearbyRiders{ZoneID: zone, Riders: make([]LocationUpdate, 0, len(near))}
	for _, p := range near {
		out.Riders = append(out.Riders, locationOf(p))
	}
	rt.hub.Send(c, "nearbyRiders", out)
	return nil
}

// subscribeRiderLocation lets a customer follow the rider assigned to their
// active ride. Riders may follow themselves.
func (rt *Router) subscribeRiderLocation(ctx context.Context, c *Client, riderID string) error {
	if riderID == "" {
		return ErrBadRequest
	}
	if riderID != c.Identity.UserID {
		r, err := rt.dispatcher.ActiveRide(ctx, c.Identity.UserID)
		if errors.Is(err, rides.ErrNotFound) {
			return rides.ErrNotParticipant
		}
		if err != nil {
			return err
		}
		if r.RiderID != riderID {
			return rides.ErrNotParticipant
		}
	}
	rt.hub.Subscribe(c, models.DriverLocationTopic(riderID))
	if p, ok := rt.presence.Get(riderID); ok {
		rt.hub.Send(c, "riderLocationUpdate", locationOf(p))
	}
	return nil
}

func (rt *Router) updateLocation(ctx context.Context, c *Client, d position) error {
	at, ok := d.coord()
	if !ok {
		return ErrBadRequest
	}
	p := rt.presence.Upsert(c.Identity.UserID, at.Lat, at.Lon, d.Heading)
	rt.fanOutLocation(ctx, p, p.OnDuty)
	return nil
}

func (rt *Router) setDuty(ctx context.Context, c *Client, d position, onDuty bool) error {
	uid := c.Identity.UserID
	if at, ok := d.coord(); ok {
		rt.presence.Upsert(uid, at.Lat, at.Lon, d.Heading)
	}
	p, err := rt.presence.SetOnDuty(uid, onDuty)
	if err != nil {
		if onDuty || !errors.Is(err, geo.ErrUnknownDriver) {
			return err
		}
		p = models.DriverPresence{DriverID: uid}
	}
	observability.DriversOnDuty.Set(float64(rt.presence.OnDutyCount()))
	rt.hub.Send(c, "dutyStatus", DutyStatus{OnDuty: onDuty, ZoneID: p.ZoneID})
	if p.ZoneID != "" {
		rt.fanOutLocation(ctx, p, true)
	}
	rt.logger.Info("duty changed", "driver_id", uid, "on_duty", onDuty, "zone", p.ZoneID)
	return nil
}

// fanOutLocation republishes a presence to the driver's trackers and, with
// zones set, to every zone whose 3x3 block contains the driver. Queued updates
// for the same driver are superseded rather than queued behind.
func (rt *Router) fanOutLocation(ctx context.Context, p models.DriverPresence, zones bool) {
	update := locationOf(p)
	key := "loc:" + p.DriverID
	rt.hub.PublishLatest(models.DriverLocationTopic(p.DriverID), key, "riderLocationUpdate", update)
	if zones {
		for _, z := range geo.ZoneBlock(p.ZoneID) {
			rt.hub.PublishLatest(models.ZoneTopic(z), key, "riderLocationUpdate", update)
		}
	}
	if rt.locations != nil {
		if err := rt.locations.PublishLocation(ctx, p); err != nil {
			rt.logger.Warn("location not streamed", "driver_id", p.DriverID, "error", err)
		}
	}
}

func (rt *Router) acceptRide(ctx context.Context, c *Client, rideID string) error {
	r, err := rt.dispatcher.Accept(ctx, rideID, c.Identity.UserID)
	if err != nil {
		return err
	}
	rt.hub.Subscribe(c, models.RideTopic(r.ID))
	rt.hub.Send(c, "rideData", r.Redacted(c.Identity.UserID))
	return nil
}

// updateRideStatus is the rider's generic status command. Only completing and
// cancelling are reachable this way; arrival needs the OTP.
func (rt *Router) updateRideStatus(ctx context.Context, c *Client, rideID string, status models.RideStatus) error {
	var err error
	switch status {
	case models.StatusCompleted:
		_, err = rt.dispatcher.Complete(ctx, rideID, c.Identity.UserID)
	case models.StatusCancelled:
		_, err = rt.dispatcher.Cancel(ctx, rideID, c.Identity.UserID)
	default:
		err = rides.ErrInvalidTransition
	}
	return err
}
