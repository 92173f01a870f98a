package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	return Haversine(lat1, lon1, lat2, lon2) / 1000
}

// ZoneOf maps a coordinate to its grid cell. Precision 6 gives cells of
// roughly 1.2km x 0.6km, precision 5 roughly 4.9km x 4.9km.
func ZoneOf(lat, lon float64, precision uint) string {
	return geohash.EncodeWithPrecision(lat, lon, precision)
}

// ZoneBlock returns the zone followed by its 8 neighbours.
func ZoneBlock(zone string) []string {
	return append([]string{zone}, geohash.Neighbors(zone)...)
}
