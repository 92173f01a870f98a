package eta

import (
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// ~28.8 km/h, a conservative city speed
const defaultSpeedMps = 8.0

// EstimateSeconds is a straight-line ETA: distance / speed. Offers only need a
// rough "n minutes away" hint, not a routed duration.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = defaultSpeedMps
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}
