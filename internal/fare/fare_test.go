package fare

import (
	"errors"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestQuote(t *testing.T) {
	e := NewEngine(nil)
	tests := []struct {
		name     string
		class    models.VehicleClass
		distance float64
		want     float64
	}{
		{"bike 7.2km", models.VehicleBike, 7.2, 77.6},
		{"bike minimum", models.VehicleBike, 0.5, 30},
		{"bike zero distance", models.VehicleBike, 0, 30},
		{"auto 3km", models.VehicleAuto, 3, 60},
		{"auto minimum", models.VehicleAuto, 0.9, 40},
		{"economy 10km", models.VehicleCabEconomy, 10, 160},
		{"premium 2km", models.VehicleCabPremium, 2, 80},
		{"premium minimum", models.VehicleCabPremium, 1, 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Quote(tt.class, tt.distance)
			if err != nil {
				t.Fatalf("Quote() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Quote() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuoteRejectsUnknownClass(t *testing.T) {
	_, err := NewEngine(nil).Quote("rickshaw", 3)
	if !errors.Is(err, ErrInvalidVehicleClass) {
		t.Fatalf("expected ErrInvalidVehicleClass, got %v", err)
	}
}

func TestQuoteRejectsNegativeDistance(t *testing.T) {
	if _, err := NewEngine(nil).Quote(models.VehicleBike, -1); err == nil {
		t.Fatal("expected error for negative distance")
	}
}

func TestQuoteIsDeterministic(t *testing.T) {
	e := NewEngine(nil)
	for _, class := range models.VehicleClasses {
		for d := 0.0; d < 40; d += 0.37 {
			first, err := e.Quote(class, d)
			if err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 5; i++ {
				again, _ := e.Quote(class, d)
				if again != first {
					t.Fatalf("%s %.2fkm: %v != %v", class, d, again, first)
				}
			}
		}
	}
}

func TestEstimateUsesHaversine(t *testing.T) {
	e := NewEngine(nil)
	fare, dist, err := e.Estimate(models.VehicleBike,
		models.Coord{Lat: 12.90, Lon: 77.60}, models.Coord{Lat: 12.95, Lon: 77.65})
	if err != nil {
		t.Fatal(err)
	}
	if dist < 7 || dist > 8 {
		t.Fatalf("unexpected distance %.3f", dist)
	}
	want := math.Round(math.Max(20+dist*8, 30)*100) / 100
	if fare != want {
		t.Fatalf("fare = %v, want %v", fare, want)
	}
}

func TestQuoteAllCoversEveryClass(t *testing.T) {
	all, err := NewEngine(nil).QuoteAll(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(models.VehicleClasses) {
		t.Fatalf("expected %d classes, got %d", len(models.VehicleClasses), len(all))
	}
	if all[models.VehicleBike] != 60 {
		t.Fatalf("bike 5km = %v, want 60", all[models.VehicleBike])
	}
}
