package models

import (
	"slices"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a coordinate with the human readable address the client picked.
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address"`
}

func (l Location) Coord() Coord { return Coord{Lat: l.Lat, Lon: l.Lon} }

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type VehicleClass string

const (
	VehicleBike       VehicleClass = "bike"
	VehicleAuto       VehicleClass = "auto"
	VehicleCabEconomy VehicleClass = "cabEconomy"
	VehicleCabPremium VehicleClass = "cabPremium"
)

var VehicleClasses = []VehicleClass{VehicleBike, VehicleAuto, VehicleCabEconomy, VehicleCabPremium}

func (v VehicleClass) Valid() bool { return slices.Contains(VehicleClasses, v) }

type RideStatus string

const (
	StatusSearching RideStatus = "SEARCHING_FOR_RIDER"
	StatusStart     RideStatus = "START"
	StatusArrived   RideStatus = "ARRIVED"
	StatusCompleted RideStatus = "COMPLETED"
	StatusCancelled RideStatus = "CANCELLED"
)

// AllowedTransitions is the ride lifecycle as code. Anything not listed is rejected.
var AllowedTransitions = map[RideStatus][]RideStatus{
	StatusSearching: {StatusStart, StatusCancelled},
	StatusStart:     {StatusArrived, StatusCancelled},
	StatusArrived:   {StatusCompleted},
}

func CanTransition(from, to RideStatus) bool {
	return slices.Contains(AllowedTransitions[from], to)
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s RideStatus) Valid() bool {
	switch s {
	case StatusSearching, StatusStart, StatusArrived, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Ride struct {
	ID           string       `json:"id"`
	CustomerID   string       `json:"customerId"`
	RiderID      string       `json:"riderId,omitempty"` // empty iff SEARCHING_FOR_RIDER
	VehicleClass VehicleClass `json:"vehicleClass"`
	Pickup       Location     `json:"pickup"`
	Drop         Location     `json:"drop"`
	DistanceKm   float64      `json:"distanceKm"`
	Fare         float64      `json:"fare"`
	OTP          string       `json:"otp,omitempty"`
	Status       RideStatus   `json:"status"`
	CancelReason string       `json:"cancelReason,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	ClosedAt     *time.Time   `json:"closedAt,omitempty"`
}

// IsParticipant reports whether userID is the ride's customer or assigned rider.
func (r Ride) IsParticipant(userID string) bool {
	return userID != "" && (r.CustomerID == userID || r.RiderID == userID)
}

// Redacted returns the ride as seen by viewerID. Only the customer sees the OTP;
// the rider has to obtain it from the customer at pickup.
func (r Ride) Redacted(viewerID string) Ride {
	if viewerID != r.CustomerID {
		r.OTP = ""
	}
	return r
}

// DriverPresence is the last known position of a driver as held by the geo index.
type DriverPresence struct {
	DriverID   string    `json:"driverId"`
	ZoneID     string    `json:"zoneId"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Heading    float64   `json:"heading"`
	OnDuty     bool      `json:"onDuty"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Offer is the transient matching window for one dispatch round of a ride.
type Offer struct {
	ID                 string    `json:"offerId"`
	RideID             string    `json:"rideId"`
	CandidateDriverIDs []string  `json:"candidateDriverIds"`
	ExpiresAt          time.Time `json:"expiresAt"`
	Round              int       `json:"round"`
}

func (o *Offer) Includes(driverID string) bool {
	return o != nil && slices.Contains(o.CandidateDriverIDs, driverID)
}

// RideEvent is the record streamed out for every committed transition.
type RideEvent struct {
	RideID     string     `json:"rideId"`
	CustomerID string     `json:"customerId"`
	RiderID    string     `json:"riderId,omitempty"`
	From       RideStatus `json:"from,omitempty"`
	To         RideStatus `json:"to"`
	Fare       float64    `json:"fare"`
	At         time.Time  `json:"at"`
}

// Realtime topic names.
func RideTopic(rideID string) string { return "ride:" + rideID }

func DriverLocationTopic(driverID string) string { return "driverLocation:" + driverID }

func ZoneTopic(zoneID string) string { return "zone:" + zoneID }
