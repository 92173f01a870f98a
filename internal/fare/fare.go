package fare

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var ErrInvalidVehicleClass = errors.New("invalid vehicle class")

// Rate is the pricing rule of one vehicle class.
type Rate struct {
	BaseFare    float64 `json:"baseFare"`
	PerKmRate   float64 `json:"perKmRate"`
	MinimumFare float64 `json:"minimumFare"`
}

// DefaultRates is the production rate card.
var DefaultRates = map[models.VehicleClass]Rate{
	models.VehicleBike:       {BaseFare: 20, PerKmRate: 8, MinimumFare: 30},
	models.VehicleAuto:       {BaseFare: 30, PerKmRate: 10, MinimumFare: 40},
	models.VehicleCabEconomy: {BaseFare: 40, PerKmRate: 12, MinimumFare: 50},
	models.VehicleCabPremium: {BaseFare: 50, PerKmRate: 15, MinimumFare: 70},
}

// Engine quotes fares. It holds no mutable state and performs no I/O.
type Engine struct {
	rates map[models.VehicleClass]Rate
}

func NewEngine(rates map[models.VehicleClass]Rate) *Engine {
	if rates == nil {
		rates = DefaultRates
	}
	cp := make(map[models.VehicleClass]Rate, len(rates))
	for k, v := range rates {
		cp[k] = v
	}
	return &Engine{rates: cp}
}

// Quote returns max(base + distance*perKm, minimum) rounded to paise.
func (e *Engine) Quote(class models.VehicleClass, distanceKm float64) (float64, error) {
	r, ok := e.rates[class]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVehicleClass, class)
	}
	if distanceKm < 0 || math.IsNaN(distanceKm) {
		return 0, fmt.Errorf("distance must be non-negative, got %v", distanceKm)
	}
	f := math.Max(r.BaseFare+distanceKm*r.PerKmRate, r.MinimumFare)
	return math.Round(f*100) / 100, nil
}

// Estimate quotes a trip between two points using great-circle distance.
func (e *Engine) Estimate(class models.VehicleClass, pickup, drop models.Coord) (fare, distanceKm float64, err error) {
	distanceKm = geo.HaversineKm(pickup.Lat, pickup.Lon, drop.Lat, drop.Lon)
	fare, err = e.Quote(class, distanceKm)
	return fare, distanceKm, err
}

// QuoteAll prices the distance for every known vehicle class.
func (e *Engine) QuoteAll(distanceKm float64) (map[models.VehicleClass]float64, error) {
	out := make(map[models.VehicleClass]float64, len(e.rates))
	for class := range e.rates {
		f, err := e.Quote(class, distanceKm)
		if err != nil {
			return nil, err
		}
		out[class] = f
	}
	return out, nil
}
