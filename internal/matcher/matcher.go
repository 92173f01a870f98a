package matcher

import (
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type Geo interface {
	Nearest(lat, lon float64, max int) []geo.Candidate
}

// Candidate is a driver selected for an offer round.
type Candidate struct {
	DriverID         string  `json:"driverId"`
	DistanceKm       float64 `json:"distanceToPickupKm"`
	PickupETASeconds float64 `json:"pickupEtaSeconds"`
}

type Service struct {
	Geo             Geo
	DefaultSpeedMps float64
	TopN            int
}

// Candidates returns up to TopN eligible drivers for a pickup, nearest first.
// Ranking is by distance only; a slower or lower rated driver is never skipped.
func (s *Service) Candidates(pickup models.Coord) []Candidate {
	n := s.TopN
	if n <= 0 {
		n = 5
	}
	near := s.Geo.Nearest(pickup.Lat, pickup.Lon, n)
	out := make([]Candidate, 0, len(near))
	for _, c := range near {
		from := models.Coord{Lat: c.Presence.Lat, Lon: c.Presence.Lon}
		out = append(out, Candidate{
			DriverID:         c.Presence.DriverID,
			DistanceKm:       c.DistanceKm,
			PickupETASeconds: eta.EstimateSeconds(from, pickup, s.DefaultSpeedMps),
		})
	}
	return out
}
